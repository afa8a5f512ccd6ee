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

type IScheduleInstanceRepository interface {
	Create(ctx context.Context, instance *model.ScheduleInstance) error
	GetById(ctx context.Context, id uint64) (*model.ScheduleInstance, error)
}

type ScheduleInstanceRepo struct {
	database.IDatabase
}

func NewScheduleInstanceRepo(db database.IDatabase) IScheduleInstanceRepository {
	return &ScheduleInstanceRepo{IDatabase: db}
}

func (r *ScheduleInstanceRepo) Create(ctx context.Context, instance *model.ScheduleInstance) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	return r.Database().WithContext(ctx).Create(instance).Error
}

func (r *ScheduleInstanceRepo) GetById(ctx context.Context, id uint64) (*model.ScheduleInstance, error) {
	var instance model.ScheduleInstance
	err := r.Database().WithContext(ctx).First(&instance, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}
