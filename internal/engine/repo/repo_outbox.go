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

type IOutboxRepository interface {
	// EnqueueTx inserts the message inside the caller's business
	// transaction. A (channel, dedupKey) duplicate is a no-op and
	// reports false; the first payload wins.
	EnqueueTx(tx *gorm.DB, msg *model.OutboxMessage) (bool, error)
	Enqueue(ctx context.Context, msg *model.OutboxMessage) (bool, error)
	GetById(ctx context.Context, id uint64) (*model.OutboxMessage, error)
	GetByDedup(ctx context.Context, channel, dedupKey string) (*model.OutboxMessage, error)
	// FindDue returns rows eligible for a publish attempt: PENDING,
	// FAILED-and-due, or PUBLISHING with a lapsed publisher lease, past
	// notBefore and any retry delay.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error)
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxMessage, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
	UpdateCAS(ctx context.Context, msg *model.OutboxMessage) (bool, error)
}

type OutboxRepo struct {
	database.IDatabase
}

func NewOutboxRepo(db database.IDatabase) IOutboxRepository {
	return &OutboxRepo{IDatabase: db}
}

func (r *OutboxRepo) EnqueueTx(tx *gorm.DB, msg *model.OutboxMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	err := tx.Create(msg).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return false, err
}

func (r *OutboxRepo) Enqueue(ctx context.Context, msg *model.OutboxMessage) (bool, error) {
	return r.EnqueueTx(r.Database().WithContext(ctx), msg)
}

func (r *OutboxRepo) GetById(ctx context.Context, id uint64) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := r.Database().WithContext(ctx).First(&msg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *OutboxRepo) GetByDedup(ctx context.Context, channel, dedupKey string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := r.Database().WithContext(ctx).
		Where("channel = ? AND dedup_key = ?", channel, dedupKey).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *OutboxRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.Database().WithContext(ctx).
		Where("status IN ?", []model.OutboxStatus{model.OutboxStatusPending, model.OutboxStatusFailed, model.OutboxStatusPublishing}).
		Where("not_before IS NULL OR not_before <= ?", now).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Where("leased_until IS NULL OR leased_until <= ?", now).
		Order("id").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *OutboxRepo) ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.Database().WithContext(ctx).
		Where("status = ?", status).
		Order("id").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *OutboxRepo) UpdateCAS(ctx context.Context, msg *model.OutboxMessage) (bool, error) {
	res := r.Database().WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND version = ?", msg.ID, msg.Version).
		Updates(map[string]any{
			"status":        msg.Status,
			"retry_count":   msg.RetryCount,
			"next_retry_at": msg.NextRetryAt,
			"last_error":    msg.LastError,
			"lease_owner":   msg.LeaseOwner,
			"leased_until":  msg.LeasedUntil,
			"msg_id":        msg.MsgId,
			"published_at":  msg.PublishedAt,
			"version":       msg.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	msg.Version++
	return true, nil
}

func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	var rows []struct {
		Status model.OutboxStatus
		Total  int64
	}
	err := r.Database().WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
