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

	"gorm.io/datatypes"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "DRAFT"
	PlanStatusSlicing   PlanStatus = "SLICING"
	PlanStatusReady     PlanStatus = "READY"
	PlanStatusPartial   PlanStatus = "PARTIAL"
	PlanStatusFailed    PlanStatus = "FAILED"
	PlanStatusCompleted PlanStatus = "COMPLETED"
)

// planTransitions is the single source of truth for legal plan moves.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanStatusDraft:   {PlanStatusSlicing},
	PlanStatusSlicing: {PlanStatusReady, PlanStatusPartial, PlanStatusFailed},
	PlanStatusReady:   {PlanStatusCompleted},
	PlanStatusPartial: {PlanStatusCompleted},
}

// CanTransition reports whether moving from s to next is legal.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	for _, allowed := range planTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state for slicing aggregation.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanStatusReady, PlanStatusPartial, PlanStatusFailed, PlanStatusCompleted:
		return true
	}
	return false
}

// Plan is the blueprint for one harvesting run: a time window plus the
// strategy that splits it into slices. PlanKey is the idempotency
// boundary; re-triggering with an identical key resolves to the existing
// row. Status is the only mutable business field after creation.
type Plan struct {
	BaseModel
	ScheduleInstanceId uint64         `gorm:"column:schedule_instance_id;not null;index" json:"scheduleInstanceId"`
	PlanKey            string         `gorm:"column:plan_key;type:varchar(190);not null;uniqueIndex" json:"planKey"`
	ProvenanceCode     string         `gorm:"column:provenance_code;type:varchar(64);not null;index" json:"provenanceCode"`
	EndpointCode       string         `gorm:"column:endpoint_code;type:varchar(64);not null" json:"endpointCode"`
	Operation          string         `gorm:"column:operation;type:varchar(64);not null" json:"operation"`
	ExprProtoHash      string         `gorm:"column:expr_proto_hash;type:char(64)" json:"exprProtoHash"`
	ExprProtoSnapshot  datatypes.JSON `gorm:"column:expr_proto_snapshot" json:"exprProtoSnapshot"`
	WindowFrom         time.Time      `gorm:"column:window_from;not null" json:"windowFrom"`
	WindowTo           time.Time      `gorm:"column:window_to;not null" json:"windowTo"`
	SliceStrategy      SliceStrategy  `gorm:"column:slice_strategy;type:varchar(32);not null" json:"sliceStrategy"`
	StrategyParams     datatypes.JSON `gorm:"column:strategy_params" json:"strategyParams"`
	Status             PlanStatus     `gorm:"column:status;type:varchar(16);not null" json:"status"`
}

// TableName returns the table name.
func (Plan) TableName() string {
	return "t_plan"
}

// Validate checks required fields before the row is persisted.
func (p *Plan) Validate() error {
	if p.PlanKey == "" || p.ProvenanceCode == "" || p.Operation == "" {
		return ErrValidation
	}
	if !p.SliceStrategy.Valid() {
		return ErrValidation
	}
	if p.WindowFrom.IsZero() || p.WindowTo.IsZero() || !p.WindowFrom.Before(p.WindowTo) {
		return ErrValidation
	}
	return nil
}

// StartSlicing moves the plan from DRAFT to SLICING.
func (p *Plan) StartSlicing() error {
	if !p.Status.CanTransition(PlanStatusSlicing) {
		return ErrIllegalPlanState
	}
	p.Status = PlanStatusSlicing
	return nil
}

// RefreshFromSlices aggregates terminal slice outcomes into the plan
// status. It is a no-op until every slice has reached a terminal state.
func (p *Plan) RefreshFromSlices(statuses []SliceStatus) error {
	if p.Status != PlanStatusSlicing {
		return ErrIllegalPlanState
	}
	if len(statuses) == 0 {
		return nil
	}
	succeeded, failed := 0, 0
	for _, s := range statuses {
		if !s.Terminal() {
			return nil
		}
		switch s {
		case SliceStatusSucceeded:
			succeeded++
		case SliceStatusFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(statuses):
		p.Status = PlanStatusReady
	case failed == len(statuses):
		p.Status = PlanStatusFailed
	default:
		p.Status = PlanStatusPartial
	}
	return nil
}

// MarkCompleted is the explicit terminal step once downstream task
// execution has finished.
func (p *Plan) MarkCompleted() error {
	if !p.Status.CanTransition(PlanStatusCompleted) {
		return ErrIllegalPlanState
	}
	p.Status = PlanStatusCompleted
	return nil
}
