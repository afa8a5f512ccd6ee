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

type IPlanRepository interface {
	// CreateIdempotent inserts the plan or, on a planKey collision,
	// loads the existing row. The bool reports whether a new row was
	// created.
	CreateIdempotent(ctx context.Context, plan *model.Plan) (bool, error)
	GetById(ctx context.Context, id uint64) (*model.Plan, error)
	GetByKey(ctx context.Context, planKey string) (*model.Plan, error)
	// UpdateCAS persists status under the optimistic version; false
	// means another writer won and the caller should reload and retry.
	UpdateCAS(ctx context.Context, plan *model.Plan) (bool, error)
	ListByStatus(ctx context.Context, status model.PlanStatus, limit int) ([]*model.Plan, error)
	CountByStatus(ctx context.Context) (map[model.PlanStatus]int64, error)
}

type PlanRepo struct {
	database.IDatabase
}

func NewPlanRepo(db database.IDatabase) IPlanRepository {
	return &PlanRepo{IDatabase: db}
}

func (r *PlanRepo) CreateIdempotent(ctx context.Context, plan *model.Plan) (bool, error) {
	if err := plan.Validate(); err != nil {
		return false, err
	}
	err := r.Database().WithContext(ctx).Create(plan).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}
	existing, lookupErr := r.GetByKey(ctx, plan.PlanKey)
	if lookupErr != nil {
		return false, lookupErr
	}
	if existing == nil {
		return false, err
	}
	*plan = *existing
	return false, nil
}

func (r *PlanRepo) GetById(ctx context.Context, id uint64) (*model.Plan, error) {
	var plan model.Plan
	err := r.Database().WithContext(ctx).First(&plan, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepo) GetByKey(ctx context.Context, planKey string) (*model.Plan, error) {
	var plan model.Plan
	err := r.Database().WithContext(ctx).
		Where("plan_key = ?", planKey).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepo) UpdateCAS(ctx context.Context, plan *model.Plan) (bool, error) {
	res := r.Database().WithContext(ctx).
		Model(&model.Plan{}).
		Where("id = ? AND version = ?", plan.ID, plan.Version).
		Updates(map[string]any{
			"status":  plan.Status,
			"version": plan.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	plan.Version++
	return true, nil
}

func (r *PlanRepo) ListByStatus(ctx context.Context, status model.PlanStatus, limit int) ([]*model.Plan, error) {
	var plans []*model.Plan
	err := r.Database().WithContext(ctx).
		Where("status = ?", status).
		Order("id").
		Limit(limit).
		Find(&plans).Error
	return plans, err
}

func (r *PlanRepo) CountByStatus(ctx context.Context) (map[model.PlanStatus]int64, error) {
	var rows []struct {
		Status model.PlanStatus
		Total  int64
	}
	err := r.Database().WithContext(ctx).
		Model(&model.Plan{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.PlanStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
