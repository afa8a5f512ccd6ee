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
	"gorm.io/datatypes"
)

// SliceStatus is the lifecycle state of a plan slice.
type SliceStatus string

const (
	SliceStatusPending    SliceStatus = "PENDING"
	SliceStatusDispatched SliceStatus = "DISPATCHED"
	SliceStatusExecuting  SliceStatus = "EXECUTING"
	SliceStatusSucceeded  SliceStatus = "SUCCEEDED"
	SliceStatusFailed     SliceStatus = "FAILED"
	SliceStatusPartial    SliceStatus = "PARTIAL"
	SliceStatusCancelled  SliceStatus = "CANCELLED"
)

var sliceTransitions = map[SliceStatus][]SliceStatus{
	SliceStatusPending:    {SliceStatusDispatched, SliceStatusCancelled},
	SliceStatusDispatched: {SliceStatusExecuting, SliceStatusCancelled},
	SliceStatusExecuting:  {SliceStatusSucceeded, SliceStatusFailed, SliceStatusPartial, SliceStatusCancelled},
	// FAILED may be re-executed after a task retry
	SliceStatusFailed: {SliceStatusExecuting},
}

// CanTransition reports whether moving from s to next is legal.
func (s SliceStatus) CanTransition(next SliceStatus) bool {
	for _, allowed := range sliceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state.
func (s SliceStatus) Terminal() bool {
	switch s {
	case SliceStatusSucceeded, SliceStatusFailed, SliceStatusPartial, SliceStatusCancelled:
		return true
	}
	return false
}

// PlanSlice is the unit of parallelism and idempotency within a plan.
// SignatureHash is the SHA-256 of the canonicalized boundary; the unique
// (plan_id, slice_signature_hash) pair makes re-slicing an identical
// boundary resolve to the existing row instead of inserting a duplicate.
type PlanSlice struct {
	BaseModel
	PlanId        uint64         `gorm:"column:plan_id;not null;uniqueIndex:uk_plan_signature,priority:1;index:idx_plan_seq" json:"planId"`
	SeqNo         int            `gorm:"column:seq_no;not null" json:"seqNo"`
	SignatureHash string         `gorm:"column:slice_signature_hash;type:char(64);not null;uniqueIndex:uk_plan_signature,priority:2" json:"sliceSignatureHash"`
	Boundary      datatypes.JSON `gorm:"column:boundary;not null" json:"boundary"`
	ExprHash      string         `gorm:"column:expr_hash;type:char(64)" json:"exprHash"`
	ExprSnapshot  datatypes.JSON `gorm:"column:expr_snapshot" json:"exprSnapshot"`
	Status        SliceStatus    `gorm:"column:status;type:varchar(16);not null" json:"status"`
}

// TableName returns the table name.
func (PlanSlice) TableName() string {
	return "t_plan_slice"
}

// Validate checks required fields before the row is persisted.
func (s *PlanSlice) Validate() error {
	if s.PlanId == 0 || s.SignatureHash == "" || len(s.Boundary) == 0 {
		return ErrValidation
	}
	if s.SeqNo < 0 {
		return ErrValidation
	}
	return nil
}

// Transition moves the slice to next after validating legality.
func (s *PlanSlice) Transition(next SliceStatus) error {
	if !s.Status.CanTransition(next) {
		return ErrIllegalSliceState
	}
	s.Status = next
	return nil
}
