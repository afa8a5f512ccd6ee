// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/pkg/database"
)

type ITaskRunRepository interface {
	CreateRun(ctx context.Context, run *model.TaskRun) error
	GetRun(ctx context.Context, id uint64) (*model.TaskRun, error)
	// LastRun returns the run with the highest attempt number, or nil.
	LastRun(ctx context.Context, taskId uint64) (*model.TaskRun, error)
	UpdateRun(ctx context.Context, run *model.TaskRun) (bool, error)
	UpdateRunTx(tx *gorm.DB, run *model.TaskRun) (bool, error)

	// CreateBatch inserts the batch or, on an idempotency key
	// collision, loads the committed row. The bool reports creation.
	CreateBatch(ctx context.Context, batch *model.TaskRunBatch) (bool, error)
	FindBatchByKey(ctx context.Context, idempotencyKey string) (*model.TaskRunBatch, error)
	UpdateBatch(ctx context.Context, batch *model.TaskRunBatch) (bool, error)
	ListBatches(ctx context.Context, runId uint64) ([]*model.TaskRunBatch, error)
	// LastSucceededBatch is the resume point after a crashed attempt.
	LastSucceededBatch(ctx context.Context, runId uint64) (*model.TaskRunBatch, error)
}

type TaskRunRepo struct {
	database.IDatabase
}

func NewTaskRunRepo(db database.IDatabase) ITaskRunRepository {
	return &TaskRunRepo{IDatabase: db}
}

func (r *TaskRunRepo) CreateRun(ctx context.Context, run *model.TaskRun) error {
	return r.Database().WithContext(ctx).Create(run).Error
}

func (r *TaskRunRepo) GetRun(ctx context.Context, id uint64) (*model.TaskRun, error) {
	var run model.TaskRun
	err := r.Database().WithContext(ctx).First(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *TaskRunRepo) LastRun(ctx context.Context, taskId uint64) (*model.TaskRun, error) {
	var run model.TaskRun
	err := r.Database().WithContext(ctx).
		Where("task_id = ?", taskId).
		Order("attempt_no DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *TaskRunRepo) UpdateRun(ctx context.Context, run *model.TaskRun) (bool, error) {
	return r.UpdateRunTx(r.Database().WithContext(ctx), run)
}

func (r *TaskRunRepo) UpdateRunTx(tx *gorm.DB, run *model.TaskRun) (bool, error) {
	res := tx.Model(&model.TaskRun{}).
		Where("id = ? AND version = ?", run.ID, run.Version).
		Updates(map[string]any{
			"status":            run.Status,
			"checkpoint":        run.Checkpoint,
			"stats":             run.Stats,
			"started_at":        run.StartedAt,
			"finished_at":       run.FinishedAt,
			"last_heartbeat_at": run.LastHeartbeat,
			"version":           run.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	run.Version++
	return true, nil
}

func (r *TaskRunRepo) CreateBatch(ctx context.Context, batch *model.TaskRunBatch) (bool, error) {
	if err := batch.Validate(); err != nil {
		return false, err
	}
	if batch.IdempotencyKey == "" {
		batch.IdempotencyKey = batch.DeriveIdempotencyKey()
	}
	err := r.Database().WithContext(ctx).Create(batch).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}
	existing, lookupErr := r.FindBatchByKey(ctx, batch.IdempotencyKey)
	if lookupErr != nil {
		return false, lookupErr
	}
	if existing == nil {
		return false, err
	}
	*batch = *existing
	return false, nil
}

func (r *TaskRunRepo) FindBatchByKey(ctx context.Context, idempotencyKey string) (*model.TaskRunBatch, error) {
	var batch model.TaskRunBatch
	err := r.Database().WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

func (r *TaskRunRepo) UpdateBatch(ctx context.Context, batch *model.TaskRunBatch) (bool, error) {
	res := r.Database().WithContext(ctx).
		Model(&model.TaskRunBatch{}).
		Where("id = ? AND version = ?", batch.ID, batch.Version).
		Updates(map[string]any{
			"status":       batch.Status,
			"record_count": batch.RecordCount,
			"after_token":  batch.AfterToken,
			"error":        batch.Error,
			"stats":        batch.Stats,
			"version":      batch.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	batch.Version++
	return true, nil
}

func (r *TaskRunRepo) ListBatches(ctx context.Context, runId uint64) ([]*model.TaskRunBatch, error) {
	var batches []*model.TaskRunBatch
	err := r.Database().WithContext(ctx).
		Where("run_id = ?", runId).
		Order("batch_no").
		Find(&batches).Error
	return batches, err
}

func (r *TaskRunRepo) LastSucceededBatch(ctx context.Context, runId uint64) (*model.TaskRunBatch, error) {
	var batch model.TaskRunBatch
	err := r.Database().WithContext(ctx).
		Where("run_id = ? AND status = ?", runId, model.BatchStatusSucceeded).
		Order("batch_no DESC").
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}
