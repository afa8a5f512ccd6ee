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

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled},
	// FAILED returns to QUEUED only through PrepareForRetry
	TaskStatusFailed: {TaskStatusQueued},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the single unit of executable work derived from one slice.
// IdempotentKey is globally unique; deriving the same slice under the
// same expression always resolves to the existing task. Mutual exclusion
// between workers runs entirely through the lease columns plus the
// optimistic version in BaseModel.
type Task struct {
	BaseModel
	ScheduleInstanceId uint64         `gorm:"column:schedule_instance_id;not null;index" json:"scheduleInstanceId"`
	PlanId             uint64         `gorm:"column:plan_id;not null;index" json:"planId"`
	SliceId            uint64         `gorm:"column:slice_id;not null;index" json:"sliceId"`
	ProvenanceCode     string         `gorm:"column:provenance_code;type:varchar(64);not null;index" json:"provenanceCode"`
	Operation          string         `gorm:"column:operation;type:varchar(64);not null" json:"operation"`
	CredentialRef      string         `gorm:"column:credential_ref;type:varchar(128)" json:"credentialRef"`
	Params             datatypes.JSON `gorm:"column:params" json:"params"`
	IdempotentKey      string         `gorm:"column:idempotent_key;type:char(64);not null;uniqueIndex" json:"idempotentKey"`
	ExprHash           string         `gorm:"column:expr_hash;type:char(64)" json:"exprHash"`
	Priority           int            `gorm:"column:priority;not null;default:5" json:"priority"`
	Status             TaskStatus     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	LeaseOwner         string         `gorm:"column:lease_owner;type:varchar(128)" json:"leaseOwner"`
	LeasedUntil        *time.Time     `gorm:"column:leased_until" json:"leasedUntil"`
	LeaseCount         int            `gorm:"column:lease_count;not null;default:0" json:"leaseCount"`
	ScheduledAt        *time.Time     `gorm:"column:scheduled_at" json:"scheduledAt"`
	StartedAt          *time.Time     `gorm:"column:started_at" json:"startedAt"`
	FinishedAt         *time.Time     `gorm:"column:finished_at" json:"finishedAt"`
}

// TableName returns the table name.
func (Task) TableName() string {
	return "t_task"
}

// Validate checks required fields before the row is persisted.
func (t *Task) Validate() error {
	if t.PlanId == 0 || t.SliceId == 0 || t.IdempotentKey == "" {
		return ErrValidation
	}
	if t.ProvenanceCode == "" || t.Operation == "" {
		return ErrValidation
	}
	if t.Priority < 1 || t.Priority > 9 {
		return ErrValidation
	}
	return nil
}

// LeaseExpired reports whether any held lease has lapsed at now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeasedUntil == nil || !t.LeasedUntil.After(now)
}

// AcquireLease claims the task for owner until the given expiry. It
// succeeds only from QUEUED with no live lease. Returning false is the
// expected concurrency outcome, not an error; the persisted CAS write
// decides the real winner.
func (t *Task) AcquireLease(owner string, until, now time.Time) bool {
	if t.Status != TaskStatusQueued {
		return false
	}
	if !t.LeaseExpired(now) {
		return false
	}
	t.LeaseOwner = owner
	t.LeasedUntil = &until
	t.LeaseCount++
	t.Status = TaskStatusRunning
	started := now
	t.StartedAt = &started
	return true
}

// RenewLease extends the lease; only the current holder of a RUNNING
// task may renew.
func (t *Task) RenewLease(owner string, until time.Time) bool {
	if t.Status != TaskStatusRunning || t.LeaseOwner != owner {
		return false
	}
	t.LeasedUntil = &until
	return true
}

// ReleaseLease clears the lease and records the terminal outcome.
func (t *Task) ReleaseLease(final TaskStatus, now time.Time) error {
	if !final.Terminal() || !t.Status.CanTransition(final) {
		return ErrIllegalTaskState
	}
	t.Status = final
	t.LeaseOwner = ""
	t.LeasedUntil = nil
	finished := now
	t.FinishedAt = &finished
	return nil
}

// PrepareForRetry returns a FAILED task to QUEUED for a fresh attempt,
// clearing the lease and execution timeline. Attempt history stays in
// the task runs.
func (t *Task) PrepareForRetry() error {
	if !t.Status.CanTransition(TaskStatusQueued) {
		return ErrIllegalTaskState
	}
	t.Status = TaskStatusQueued
	t.LeaseOwner = ""
	t.LeasedUntil = nil
	t.StartedAt = nil
	t.FinishedAt = nil
	return nil
}

// Cancel marks the task CANCELLED. An in-flight lease is not revoked; it
// expires naturally and the terminal status blocks re-acquisition.
func (t *Task) Cancel(now time.Time) error {
	if !t.Status.CanTransition(TaskStatusCancelled) {
		return ErrIllegalTaskState
	}
	t.Status = TaskStatusCancelled
	finished := now
	t.FinishedAt = &finished
	return nil
}
