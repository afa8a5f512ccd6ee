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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedTask() *Task {
	return &Task{
		ScheduleInstanceId: 1,
		PlanId:             2,
		SliceId:            3,
		ProvenanceCode:     "crossref",
		Operation:          "works",
		IdempotentKey:      "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Priority:           5,
		Status:             TaskStatusQueued,
	}
}

func TestTask_AcquireLease(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)

	task := queuedTask()
	require.True(t, task.AcquireLease("worker-a", until, now))
	assert.Equal(t, TaskStatusRunning, task.Status)
	assert.Equal(t, "worker-a", task.LeaseOwner)
	assert.Equal(t, 1, task.LeaseCount)
	require.NotNil(t, task.StartedAt)

	// second caller before expiry loses, no state change
	snapshot := *task
	assert.False(t, task.AcquireLease("worker-b", until.Add(time.Minute), now.Add(30*time.Second)))
	assert.Equal(t, snapshot, *task)
}

func TestTask_AcquireLease_AfterExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := queuedTask()
	require.True(t, task.AcquireLease("worker-a", now.Add(time.Minute), now))

	// requeue without clearing lease, as the reaper does for an
	// abandoned RUNNING task
	task.Status = TaskStatusQueued
	later := now.Add(2 * time.Minute)
	require.True(t, task.AcquireLease("worker-b", later.Add(time.Minute), later))
	assert.Equal(t, "worker-b", task.LeaseOwner)
	assert.Equal(t, 2, task.LeaseCount)
}

func TestTask_RenewLease(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := queuedTask()
	require.True(t, task.AcquireLease("worker-a", now.Add(time.Minute), now))

	assert.True(t, task.RenewLease("worker-a", now.Add(2*time.Minute)))
	assert.False(t, task.RenewLease("worker-b", now.Add(3*time.Minute)))

	require.NoError(t, task.ReleaseLease(TaskStatusSucceeded, now.Add(time.Minute)))
	assert.False(t, task.RenewLease("worker-a", now.Add(4*time.Minute)))
}

func TestTask_ReleaseLease(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := queuedTask()
	require.True(t, task.AcquireLease("worker-a", now.Add(time.Minute), now))

	require.NoError(t, task.ReleaseLease(TaskStatusFailed, now.Add(30*time.Second)))
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Empty(t, task.LeaseOwner)
	assert.Nil(t, task.LeasedUntil)
	require.NotNil(t, task.FinishedAt)

	// releasing to a non-terminal state is illegal
	running := queuedTask()
	require.True(t, running.AcquireLease("worker-a", now.Add(time.Minute), now))
	assert.ErrorIs(t, running.ReleaseLease(TaskStatusQueued, now), ErrIllegalTaskState)
}

func TestTask_PrepareForRetry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := queuedTask()
	require.True(t, task.AcquireLease("worker-a", now.Add(time.Minute), now))
	require.NoError(t, task.ReleaseLease(TaskStatusFailed, now))

	require.NoError(t, task.PrepareForRetry())
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)
	assert.Empty(t, task.LeaseOwner)
	// lease count survives as attempt evidence
	assert.Equal(t, 1, task.LeaseCount)

	// only FAILED tasks can be retried
	assert.ErrorIs(t, task.PrepareForRetry(), ErrIllegalTaskState)
}

func TestTask_Cancel(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := queuedTask()
	require.NoError(t, task.Cancel(now))
	assert.Equal(t, TaskStatusCancelled, task.Status)

	// cancelled tasks cannot be leased
	assert.False(t, task.AcquireLease("worker-a", now.Add(time.Minute), now))
}

func TestTaskRun_Lifecycle(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	run := &TaskRun{TaskId: 1, AttemptNo: 1, Status: RunStatusPlanned}

	require.NoError(t, run.Start(now))
	assert.Equal(t, RunStatusRunning, run.Status)
	require.NotNil(t, run.LastHeartbeat)

	require.NoError(t, run.AccumulateStats(RunStats{Fetched: 100, Upserted: 90, Pages: 1}))
	require.NoError(t, run.AccumulateStats(RunStats{Fetched: 50, Upserted: 50, Failed: 2, Pages: 1}))
	stats, err := run.LoadStats()
	require.NoError(t, err)
	assert.Equal(t, RunStats{Fetched: 150, Upserted: 140, Failed: 2, Pages: 2}, stats)

	require.NoError(t, run.Finish(RunStatusSucceeded, now.Add(time.Minute)))
	assert.ErrorIs(t, run.Finish(RunStatusFailed, now), ErrIllegalRunState)
}

func TestTaskRunBatch_Validate(t *testing.T) {
	page := 3
	token := "MTY4NQ=="

	paged := &TaskRunBatch{RunId: 1, BatchNo: 1, PageNo: &page}
	require.NoError(t, paged.Validate())

	tokened := &TaskRunBatch{RunId: 1, BatchNo: 1, BeforeToken: &token}
	require.NoError(t, tokened.Validate())

	both := &TaskRunBatch{RunId: 1, BatchNo: 1, PageNo: &page, BeforeToken: &token}
	assert.ErrorIs(t, both.Validate(), ErrValidation)

	neither := &TaskRunBatch{RunId: 1, BatchNo: 1}
	assert.ErrorIs(t, neither.Validate(), ErrValidation)
}

func TestTaskRunBatch_DeriveIdempotencyKey(t *testing.T) {
	page := 3
	token := "MTY4NQ=="

	paged := &TaskRunBatch{RunId: 7, BatchNo: 1, PageNo: &page}
	assert.Equal(t, "7:page:3", paged.DeriveIdempotencyKey())

	tokened := &TaskRunBatch{RunId: 7, BatchNo: 1, BeforeToken: &token}
	assert.Equal(t, "7:tok:MTY4NQ==", tokened.DeriveIdempotencyKey())
}
