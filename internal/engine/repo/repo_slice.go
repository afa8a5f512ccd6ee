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

type ISliceRepository interface {
	// CreateIdempotent inserts the slice or, on a (planId, signature)
	// collision, loads the existing row. The bool reports creation.
	CreateIdempotent(ctx context.Context, slice *model.PlanSlice) (bool, error)
	GetById(ctx context.Context, id uint64) (*model.PlanSlice, error)
	GetBySignature(ctx context.Context, planId uint64, signatureHash string) (*model.PlanSlice, error)
	ListByPlan(ctx context.Context, planId uint64) ([]*model.PlanSlice, error)
	StatusesByPlan(ctx context.Context, planId uint64) ([]model.SliceStatus, error)
	UpdateCAS(ctx context.Context, slice *model.PlanSlice) (bool, error)
	UpdateCASTx(tx *gorm.DB, slice *model.PlanSlice) (bool, error)
}

type SliceRepo struct {
	database.IDatabase
}

func NewSliceRepo(db database.IDatabase) ISliceRepository {
	return &SliceRepo{IDatabase: db}
}

func (r *SliceRepo) CreateIdempotent(ctx context.Context, slice *model.PlanSlice) (bool, error) {
	if err := slice.Validate(); err != nil {
		return false, err
	}
	err := r.Database().WithContext(ctx).Create(slice).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}
	existing, lookupErr := r.GetBySignature(ctx, slice.PlanId, slice.SignatureHash)
	if lookupErr != nil {
		return false, lookupErr
	}
	if existing == nil {
		return false, err
	}
	*slice = *existing
	return false, nil
}

func (r *SliceRepo) GetById(ctx context.Context, id uint64) (*model.PlanSlice, error) {
	var slice model.PlanSlice
	err := r.Database().WithContext(ctx).First(&slice, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &slice, nil
}

func (r *SliceRepo) GetBySignature(ctx context.Context, planId uint64, signatureHash string) (*model.PlanSlice, error) {
	var slice model.PlanSlice
	err := r.Database().WithContext(ctx).
		Where("plan_id = ? AND slice_signature_hash = ?", planId, signatureHash).
		First(&slice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &slice, nil
}

func (r *SliceRepo) ListByPlan(ctx context.Context, planId uint64) ([]*model.PlanSlice, error) {
	var slices []*model.PlanSlice
	err := r.Database().WithContext(ctx).
		Where("plan_id = ?", planId).
		Order("seq_no").
		Find(&slices).Error
	return slices, err
}

func (r *SliceRepo) StatusesByPlan(ctx context.Context, planId uint64) ([]model.SliceStatus, error) {
	var statuses []model.SliceStatus
	err := r.Database().WithContext(ctx).
		Model(&model.PlanSlice{}).
		Where("plan_id = ?", planId).
		Order("seq_no").
		Pluck("status", &statuses).Error
	return statuses, err
}

func (r *SliceRepo) UpdateCAS(ctx context.Context, slice *model.PlanSlice) (bool, error) {
	return r.UpdateCASTx(r.Database().WithContext(ctx), slice)
}

func (r *SliceRepo) UpdateCASTx(tx *gorm.DB, slice *model.PlanSlice) (bool, error) {
	res := tx.Model(&model.PlanSlice{}).
		Where("id = ? AND version = ?", slice.ID, slice.Version).
		Updates(map[string]any{
			"status":  slice.Status,
			"version": slice.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	slice.Version++
	return true, nil
}
