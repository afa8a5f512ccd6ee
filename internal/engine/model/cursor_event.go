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
	"fmt"
	"time"
)

// CursorEvent is the append-only record of one watermark advance, used
// for replay and audit. Rows are written once inside the advancing
// transaction and never mutated.
type CursorEvent struct {
	ID             uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CursorId       uint64           `gorm:"column:cursor_id;not null;index" json:"cursorId"`
	ProvenanceCode string           `gorm:"column:provenance_code;type:varchar(64);not null" json:"provenanceCode"`
	Operation      string           `gorm:"column:operation;type:varchar(64);not null" json:"operation"`
	CursorKey      string           `gorm:"column:cursor_key;type:varchar(64);not null" json:"cursorKey"`
	Direction      AdvanceDirection `gorm:"column:direction;type:varchar(8);not null" json:"direction"`
	PrevRaw        string           `gorm:"column:prev_raw;type:varchar(512)" json:"prevRaw"`
	PrevInstant    *time.Time       `gorm:"column:prev_instant" json:"prevInstant"`
	PrevNumeric    string           `gorm:"column:prev_numeric;type:varchar(64)" json:"prevNumeric"`
	NewRaw         string           `gorm:"column:new_raw;type:varchar(512);not null" json:"newRaw"`
	NewInstant     *time.Time       `gorm:"column:new_instant" json:"newInstant"`
	NewNumeric     string           `gorm:"column:new_numeric;type:varchar(64)" json:"newNumeric"`
	ObservedMax    string           `gorm:"column:observed_max;type:varchar(512)" json:"observedMax"`
	WindowFrom     *time.Time       `gorm:"column:window_from" json:"windowFrom"`
	WindowTo       *time.Time       `gorm:"column:window_to" json:"windowTo"`
	ExprHash       string           `gorm:"column:expr_hash;type:char(64)" json:"exprHash"`
	IdempotencyKey string           `gorm:"column:idempotency_key;type:varchar(190);not null;uniqueIndex" json:"idempotencyKey"`
	Lineage        `json:"lineage"`
	AdvancedAt     time.Time `gorm:"column:advanced_at;not null" json:"advancedAt"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the table name.
func (CursorEvent) TableName() string {
	return "t_cursor_event"
}

// DeriveIdempotencyKey ties one advance to the run and batch that caused
// it, so a replayed transaction cannot append the event twice.
func (e *CursorEvent) DeriveIdempotencyKey() string {
	return fmt.Sprintf("%d:%d:%d:%s", e.CursorId, e.RunId, e.BatchId, e.NewRaw)
}
