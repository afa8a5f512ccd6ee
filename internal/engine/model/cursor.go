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
	"math/big"
	"time"

	"github.com/harvexio/harvex/pkg/canonical"
)

// CursorType determines how raw watermark values are normalized and
// ordered.
type CursorType string

const (
	CursorTypeTime  CursorType = "TIME"
	CursorTypeID    CursorType = "ID"
	CursorTypeToken CursorType = "TOKEN"
)

// AdvanceDirection distinguishes normal forward progress from explicit
// backfill reprocessing.
type AdvanceDirection string

const (
	DirectionForward  AdvanceDirection = "FORWARD"
	DirectionBackfill AdvanceDirection = "BACKFILL"
)

// Lineage points back to the work that moved the watermark.
type Lineage struct {
	ScheduleInstanceId uint64 `gorm:"column:schedule_instance_id" json:"scheduleInstanceId"`
	PlanId             uint64 `gorm:"column:plan_id" json:"planId"`
	SliceId            uint64 `gorm:"column:slice_id" json:"sliceId"`
	TaskId             uint64 `gorm:"column:task_id" json:"taskId"`
	RunId              uint64 `gorm:"column:run_id" json:"runId"`
	BatchId            uint64 `gorm:"column:batch_id" json:"batchId"`
}

// Window bounds a backfill advance.
type Window struct {
	From time.Time
	To   time.Time
}

// Advance carries one requested watermark move.
type Advance struct {
	Direction   AdvanceDirection
	RawValue    string
	ObservedMax string
	Window      *Window // required for BACKFILL on TIME cursors
	ExprHash    string
	Lineage     Lineage
}

// Cursor is the current high-water mark of processed data for one
// (provenance, operation, key, namespace) composite. It mutates only
// through Apply and is never deleted.
type Cursor struct {
	BaseModel
	ProvenanceCode string     `gorm:"column:provenance_code;type:varchar(64);not null;uniqueIndex:uk_cursor,priority:1" json:"provenanceCode"`
	Operation      string     `gorm:"column:operation;type:varchar(64);not null;uniqueIndex:uk_cursor,priority:2" json:"operation"`
	CursorKey      string     `gorm:"column:cursor_key;type:varchar(64);not null;uniqueIndex:uk_cursor,priority:3" json:"cursorKey"`
	NamespaceScope string     `gorm:"column:namespace_scope;type:varchar(32);not null;default:'';uniqueIndex:uk_cursor,priority:4" json:"namespaceScope"`
	NamespaceKey   string     `gorm:"column:namespace_key;type:varchar(128);not null;default:'';uniqueIndex:uk_cursor,priority:5" json:"namespaceKey"`
	Type           CursorType `gorm:"column:cursor_type;type:varchar(8);not null" json:"cursorType"`
	ValueRaw       string     `gorm:"column:value_raw;type:varchar(512)" json:"valueRaw"`
	ValueInstant   *time.Time `gorm:"column:value_instant" json:"valueInstant"`
	ValueNumeric   string     `gorm:"column:value_numeric;type:varchar(64)" json:"valueNumeric"`
	ObservedMax    string     `gorm:"column:observed_max;type:varchar(512)" json:"observedMax"`
	LastExprHash   string     `gorm:"column:last_expr_hash;type:char(64)" json:"lastExprHash"`
	Lineage        `json:"lineage"`
}

// TableName returns the table name.
func (Cursor) TableName() string {
	return "t_cursor"
}

// Apply validates and performs one advance, returning the immutable
// event to append. The cursor is left untouched when an error comes
// back; caller persists cursor update and event in one transaction.
func (c *Cursor) Apply(adv Advance, now time.Time) (*CursorEvent, error) {
	if adv.RawValue == "" {
		return nil, ErrValidation
	}

	event := &CursorEvent{
		CursorId:       c.ID,
		ProvenanceCode: c.ProvenanceCode,
		Operation:      c.Operation,
		CursorKey:      c.CursorKey,
		Direction:      adv.Direction,
		PrevRaw:        c.ValueRaw,
		PrevInstant:    c.ValueInstant,
		PrevNumeric:    c.ValueNumeric,
		NewRaw:         adv.RawValue,
		ObservedMax:    adv.ObservedMax,
		ExprHash:       adv.ExprHash,
		Lineage:        adv.Lineage,
		AdvancedAt:     now,
	}
	if adv.Window != nil {
		from, to := adv.Window.From, adv.Window.To
		event.WindowFrom = &from
		event.WindowTo = &to
	}

	switch c.Type {
	case CursorTypeTime:
		instant, err := canonical.ParseInstant(adv.RawValue)
		if err != nil {
			return nil, ErrCursorTypeMismatch
		}
		switch adv.Direction {
		case DirectionForward:
			if c.ValueInstant != nil && instant.Before(*c.ValueInstant) {
				return nil, ErrCursorRegression
			}
		case DirectionBackfill:
			if adv.Window == nil {
				return nil, ErrValidation
			}
			if instant.Before(adv.Window.From) || !instant.Before(adv.Window.To) {
				return nil, ErrBackfillOutOfWindow
			}
		default:
			return nil, ErrValidation
		}
		c.ValueInstant = &instant
		event.NewInstant = &instant

	case CursorTypeID:
		num, ok := new(big.Int).SetString(adv.RawValue, 10)
		if !ok {
			return nil, ErrCursorTypeMismatch
		}
		switch adv.Direction {
		case DirectionForward:
			if c.ValueNumeric != "" {
				current, ok := new(big.Int).SetString(c.ValueNumeric, 10)
				if !ok {
					return nil, ErrCursorTypeMismatch
				}
				if num.Cmp(current) < 0 {
					return nil, ErrCursorRegression
				}
			}
		case DirectionBackfill:
			// explicit reprocessing of older ids is permitted
		default:
			return nil, ErrValidation
		}
		c.ValueNumeric = num.String()
		event.NewNumeric = num.String()

	case CursorTypeToken:
		// opaque tokens carry no ordering invariant

	default:
		return nil, ErrCursorTypeMismatch
	}

	c.ValueRaw = adv.RawValue
	if adv.ObservedMax != "" {
		c.ObservedMax = adv.ObservedMax
	}
	if adv.ExprHash != "" {
		c.LastExprHash = adv.ExprHash
	}
	c.Lineage = adv.Lineage
	event.IdempotencyKey = event.DeriveIdempotencyKey()
	return event, nil
}
