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

// CursorKey identifies one watermark row.
type CursorKey struct {
	ProvenanceCode string
	Operation      string
	CursorKey      string
	NamespaceScope string
	NamespaceKey   string
}

type ICursorRepository interface {
	// GetOrCreate loads the cursor row for key, creating an empty one
	// of the given type when absent.
	GetOrCreate(ctx context.Context, key CursorKey, cursorType model.CursorType) (*model.Cursor, error)
	Get(ctx context.Context, key CursorKey) (*model.Cursor, error)
	// UpdateCASTx persists the advanced cursor under the optimistic
	// version inside the caller's transaction.
	UpdateCASTx(tx *gorm.DB, cursor *model.Cursor) (bool, error)
	// AppendEventTx inserts the advance event inside the caller's
	// transaction. A duplicate idempotency key reports false.
	AppendEventTx(tx *gorm.DB, event *model.CursorEvent) (bool, error)
	ListEvents(ctx context.Context, cursorId uint64, limit int) ([]*model.CursorEvent, error)
}

type CursorRepo struct {
	database.IDatabase
}

func NewCursorRepo(db database.IDatabase) ICursorRepository {
	return &CursorRepo{IDatabase: db}
}

func (r *CursorRepo) GetOrCreate(ctx context.Context, key CursorKey, cursorType model.CursorType) (*model.Cursor, error) {
	cursor, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		return cursor, nil
	}
	cursor = &model.Cursor{
		ProvenanceCode: key.ProvenanceCode,
		Operation:      key.Operation,
		CursorKey:      key.CursorKey,
		NamespaceScope: key.NamespaceScope,
		NamespaceKey:   key.NamespaceKey,
		Type:           cursorType,
	}
	err = r.Database().WithContext(ctx).Create(cursor).Error
	if err == nil {
		return cursor, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// concurrent creator won; their row is authoritative
		return r.Get(ctx, key)
	}
	return nil, err
}

func (r *CursorRepo) Get(ctx context.Context, key CursorKey) (*model.Cursor, error) {
	var cursor model.Cursor
	err := r.Database().WithContext(ctx).
		Where("provenance_code = ? AND operation = ? AND cursor_key = ? AND namespace_scope = ? AND namespace_key = ?",
			key.ProvenanceCode, key.Operation, key.CursorKey, key.NamespaceScope, key.NamespaceKey).
		First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cursor, nil
}

func (r *CursorRepo) UpdateCASTx(tx *gorm.DB, cursor *model.Cursor) (bool, error) {
	res := tx.Model(&model.Cursor{}).
		Where("id = ? AND version = ?", cursor.ID, cursor.Version).
		Updates(map[string]any{
			"value_raw":            cursor.ValueRaw,
			"value_instant":        cursor.ValueInstant,
			"value_numeric":        cursor.ValueNumeric,
			"observed_max":         cursor.ObservedMax,
			"last_expr_hash":       cursor.LastExprHash,
			"schedule_instance_id": cursor.ScheduleInstanceId,
			"plan_id":              cursor.PlanId,
			"slice_id":             cursor.SliceId,
			"task_id":              cursor.TaskId,
			"run_id":               cursor.RunId,
			"batch_id":             cursor.BatchId,
			"version":              cursor.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	cursor.Version++
	return true, nil
}

func (r *CursorRepo) AppendEventTx(tx *gorm.DB, event *model.CursorEvent) (bool, error) {
	err := tx.Create(event).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return false, err
}

func (r *CursorRepo) ListEvents(ctx context.Context, cursorId uint64, limit int) ([]*model.CursorEvent, error) {
	var events []*model.CursorEvent
	err := r.Database().WithContext(ctx).
		Where("cursor_id = ?", cursorId).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
