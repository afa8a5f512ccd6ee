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

package model

import (
	"time"
)

// BaseModel carries the surrogate key, optimistic-lock version and
// bookkeeping timestamps shared by every aggregate. Version must be part
// of every update predicate; a zero-row update means another writer won.
type BaseModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TriggerType identifies how a schedule instance came to exist.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "SCHEDULE"
	TriggerTypeManual   TriggerType = "MANUAL"
	TriggerTypeAPI      TriggerType = "API"
)

// SliceStrategy identifies how a plan window is split into slices.
type SliceStrategy string

const (
	SliceStrategyTime           SliceStrategy = "TIME"
	SliceStrategyIDRange        SliceStrategy = "ID_RANGE"
	SliceStrategyCursorLandmark SliceStrategy = "CURSOR_LANDMARK"
	SliceStrategyVolumeBudget   SliceStrategy = "VOLUME_BUDGET"
	SliceStrategyHybrid         SliceStrategy = "HYBRID"
)

// Valid reports whether s is a known strategy code.
func (s SliceStrategy) Valid() bool {
	switch s {
	case SliceStrategyTime, SliceStrategyIDRange, SliceStrategyCursorLandmark,
		SliceStrategyVolumeBudget, SliceStrategyHybrid:
		return true
	}
	return false
}
