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
	"time"

	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/pkg/database"
)

type ITaskRepository interface {
	// CreateIdempotent inserts the task or, on an idempotentKey
	// collision, loads the existing row. The bool reports creation.
	CreateIdempotent(ctx context.Context, task *model.Task) (bool, error)
	// CreateIdempotentTx is CreateIdempotent inside a caller transaction,
	// so task derivation and its outbox fact commit together.
	CreateIdempotentTx(tx *gorm.DB, task *model.Task) (bool, error)
	GetById(ctx context.Context, id uint64) (*model.Task, error)
	FindByIdempotentKey(ctx context.Context, key string) (*model.Task, error)
	ListByPlan(ctx context.Context, planId uint64) ([]*model.Task, error)
	// FindClaimable returns QUEUED tasks without a live lease, highest
	// priority first. Claiming still requires a successful UpdateCAS.
	FindClaimable(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	// FindAbandoned returns RUNNING tasks whose lease lapsed before
	// cutoff, for the crash-recovery sweep.
	FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]*model.Task, error)
	UpdateCAS(ctx context.Context, task *model.Task) (bool, error)
	UpdateCASTx(tx *gorm.DB, task *model.Task) (bool, error)
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

type TaskRepo struct {
	database.IDatabase
}

func NewTaskRepo(db database.IDatabase) ITaskRepository {
	return &TaskRepo{IDatabase: db}
}

func (r *TaskRepo) CreateIdempotent(ctx context.Context, task *model.Task) (bool, error) {
	return r.CreateIdempotentTx(r.Database().WithContext(ctx), task)
}

func (r *TaskRepo) CreateIdempotentTx(tx *gorm.DB, task *model.Task) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, err
	}
	err := tx.Create(task).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}
	var existing model.Task
	lookupErr := tx.Where("idempotent_key = ?", task.IdempotentKey).First(&existing).Error
	if lookupErr != nil {
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return false, err
		}
		return false, lookupErr
	}
	*task = existing
	return false, nil
}

func (r *TaskRepo) GetById(ctx context.Context, id uint64) (*model.Task, error) {
	var task model.Task
	err := r.Database().WithContext(ctx).First(&task, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepo) FindByIdempotentKey(ctx context.Context, key string) (*model.Task, error) {
	var task model.Task
	err := r.Database().WithContext(ctx).
		Where("idempotent_key = ?", key).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepo) ListByPlan(ctx context.Context, planId uint64) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.Database().WithContext(ctx).
		Where("plan_id = ?", planId).
		Order("id").
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepo) FindClaimable(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.Database().WithContext(ctx).
		Where("status = ?", model.TaskStatusQueued).
		Where("leased_until IS NULL OR leased_until <= ?", now).
		Order("priority ASC, id ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepo) FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.Database().WithContext(ctx).
		Where("status = ?", model.TaskStatusRunning).
		Where("leased_until IS NOT NULL AND leased_until <= ?", cutoff).
		Order("leased_until ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepo) UpdateCAS(ctx context.Context, task *model.Task) (bool, error) {
	return r.UpdateCASTx(r.Database().WithContext(ctx), task)
}

func (r *TaskRepo) UpdateCASTx(tx *gorm.DB, task *model.Task) (bool, error) {
	res := tx.Model(&model.Task{}).
		Where("id = ? AND version = ?", task.ID, task.Version).
		Updates(map[string]any{
			"status":       task.Status,
			"lease_owner":  task.LeaseOwner,
			"leased_until": task.LeasedUntil,
			"lease_count":  task.LeaseCount,
			"started_at":   task.StartedAt,
			"finished_at":  task.FinishedAt,
			"version":      task.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	task.Version++
	return true, nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	var rows []struct {
		Status model.TaskStatus
		Total  int64
	}
	err := r.Database().WithContext(ctx).
		Model(&model.Task{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.TaskStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
