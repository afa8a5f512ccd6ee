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

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/pkg/harvester"
	"github.com/harvexio/harvex/pkg/log"
)

// slicedPlan creates the standard day plan and runs slicing, returning
// the claimable tasks in claim order.
func slicedPlan(t *testing.T, env *testEnv, planKey string) (*model.Plan, []*model.Task) {
	t.Helper()
	ctx := context.Background()
	plan := env.dayPlan(t, planKey)
	_, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)
	tasks, err := env.repos.Tasks.FindClaimable(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	return plan, tasks
}

// releaseRetryGate moves a retry-scheduled task back inside the
// claimable window, standing in for the backoff delay elapsing.
func releaseRetryGate(t *testing.T, env *testEnv, taskId uint64) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := env.repos.Tasks.GetById(ctx, taskId)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusQueued, task.Status)
	past := time.Now().UTC().Add(-time.Second)
	task.LeasedUntil = &past
	ok, err := env.repos.Tasks.UpdateCAS(ctx, task)
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func TestExecutorHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	require.Len(t, tasks, 4)

	fake := &harvester.Fake{Pages: harvester.StaticPages(3, 10, "")}
	exec := env.newExecutor(fake, WorkerConfig{})

	for _, task := range tasks {
		require.NoError(t, exec.Execute(ctx, task))
	}

	done, err := env.repos.Tasks.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	for _, task := range done {
		assert.Equal(t, model.TaskStatusSucceeded, task.Status)
		assert.Equal(t, 1, task.LeaseCount)

		run, err := env.repos.TaskRuns.LastRun(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, model.RunStatusSucceeded, run.Status)
		stats, err := run.LoadStats()
		require.NoError(t, err)
		assert.Equal(t, int64(30), stats.Fetched)
		assert.Equal(t, int64(3), stats.Pages)

		batches, err := env.repos.TaskRuns.ListBatches(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, batches, 3)
		for _, batch := range batches {
			assert.Equal(t, model.BatchStatusSucceeded, batch.Status)
		}

		fact, err := env.repos.Outbox.GetByDedup(ctx, ChannelTaskCompleted, task.IdempotentKey+":completed")
		require.NoError(t, err)
		require.NotNil(t, fact)
	}

	slices, err := env.repos.Slices.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	for _, slice := range slices {
		assert.Equal(t, model.SliceStatusSucceeded, slice.Status)
	}

	// the last terminal task reconciles and completes the plan
	stored, err := env.repos.Plans.GetById(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, stored.Status)
	fact, err := env.repos.Outbox.GetByDedup(ctx, ChannelPlanCompleted, plan.PlanKey)
	require.NoError(t, err)
	require.NotNil(t, fact)

	// without observed watermarks the cursor lands on the window end
	key := repo.CursorKey{ProvenanceCode: "pubmed", Operation: "search", CursorKey: "edat"}
	cursor, err := env.cursors.Current(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "2024-01-02T00:00:00.000Z", cursor.ValueRaw)
	events, err := env.cursors.Events(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestExecutorObservedMaxWinsOverBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	fake := &harvester.Fake{Pages: harvester.StaticPages(1, 5, "2024-01-01T02:30:00.000Z")}
	exec := env.newExecutor(fake, WorkerConfig{})

	require.NoError(t, exec.Execute(ctx, tasks[0]))

	key := repo.CursorKey{ProvenanceCode: "pubmed", Operation: "search", CursorKey: "edat"}
	cursor, err := env.cursors.Current(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "2024-01-01T02:30:00.000Z", cursor.ValueRaw)
	assert.Equal(t, "2024-01-01T02:30:00.000Z", cursor.ObservedMax)
}

func TestExecutorLostLeaseRaceIsSilent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	stale, err := env.repos.Tasks.GetById(ctx, tasks[0].ID)
	require.NoError(t, err)

	fake := &harvester.Fake{Pages: harvester.StaticPages(1, 5, "")}
	exec := env.newExecutor(fake, WorkerConfig{})

	require.NoError(t, exec.Execute(ctx, tasks[0]))
	// second worker raced on a snapshot from before the claim
	require.NoError(t, exec.Execute(ctx, stale))

	run, err := env.repos.TaskRuns.LastRun(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.AttemptNo)
}

func TestExecutorRetryResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	fake := &harvester.Fake{
		Pages:    harvester.StaticPages(3, 10, ""),
		FailOn:   2,
		FailWith: errors.New("upstream 503"),
	}
	exec := env.newExecutor(fake, WorkerConfig{})

	// attempt 1 commits page 1, then dies on page 2
	require.NoError(t, exec.Execute(ctx, tasks[0]))

	task, err := env.repos.Tasks.GetById(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, task.Status)
	require.NotNil(t, task.LeasedUntil)
	assert.True(t, task.LeasedUntil.After(time.Now().UTC()))

	// the not-before gate keeps it out of the claim window
	claimable, err := env.repos.Tasks.FindClaimable(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	for _, c := range claimable {
		assert.NotEqual(t, task.ID, c.ID)
	}

	task = releaseRetryGate(t, env, task.ID)
	require.NoError(t, exec.Execute(ctx, task))

	task, err = env.repos.Tasks.GetById(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)

	run, err := env.repos.TaskRuns.LastRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.AttemptNo)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	// attempt 2 picked up at page 2 instead of restarting
	var pages []int
	for _, req := range fake.FetchLog {
		pages = append(pages, req.PageNo)
	}
	assert.Equal(t, []int{1, 2, 2, 3}, pages)
}

func TestExecutorResumesPastUncheckpointedBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	task := tasks[0]
	now := time.Now().UTC()

	// attempt 1 committed two pages but died after batch 2, before the
	// checkpoint write caught up: the checkpoint still points at batch 1
	prior := &model.TaskRun{
		TaskId:        task.ID,
		AttemptNo:     1,
		Status:        model.RunStatusPlanned,
		CorrelationId: "prior-attempt",
	}
	require.NoError(t, env.repos.TaskRuns.CreateRun(ctx, prior))
	require.NoError(t, prior.Start(now))
	raw, err := sonic.Marshal(runCheckpoint{BatchNo: 1, PageNo: 1})
	require.NoError(t, err)
	prior.Checkpoint = raw
	ok, err := env.repos.TaskRuns.UpdateRun(ctx, prior)
	require.NoError(t, err)
	require.True(t, ok)

	pageSize := 100
	for _, pageNo := range []int{1, 2} {
		page := pageNo
		batch := &model.TaskRunBatch{
			RunId:    prior.ID,
			BatchNo:  pageNo,
			Status:   model.BatchStatusRunning,
			PageNo:   &page,
			PageSize: &pageSize,
		}
		created, err := env.repos.TaskRuns.CreateBatch(ctx, batch)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, batch.Finish(model.BatchStatusSucceeded, 10, ""))
		ok, err := env.repos.TaskRuns.UpdateBatch(ctx, batch)
		require.NoError(t, err)
		require.True(t, ok)
	}

	fake := &harvester.Fake{Pages: harvester.StaticPages(3, 10, "")}
	exec := env.newExecutor(fake, WorkerConfig{})
	require.NoError(t, exec.Execute(ctx, task))

	// the committed page 2 is not fetched again
	require.Len(t, fake.FetchLog, 1)
	assert.Equal(t, 3, fake.FetchLog[0].PageNo)

	run, err := env.repos.TaskRuns.LastRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.AttemptNo)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	done, err := env.repos.Tasks.GetById(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, done.Status)
}

func TestExecutorFatalErrorIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	fake := &harvester.Fake{
		Pages:    harvester.StaticPages(3, 10, ""),
		FailOn:   1,
		FailWith: harvester.Fatal(errors.New("query rejected")),
	}
	exec := env.newExecutor(fake, WorkerConfig{})

	require.NoError(t, exec.Execute(ctx, tasks[0]))

	task, err := env.repos.Tasks.GetById(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	slice, err := env.repos.Slices.GetById(ctx, task.SliceId)
	require.NoError(t, err)
	assert.Equal(t, model.SliceStatusFailed, slice.Status)

	run, err := env.repos.TaskRuns.LastRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.AttemptNo)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	fact, err := env.repos.Outbox.GetByDedup(ctx, ChannelTaskCompleted, task.IdempotentKey+":failed")
	require.NoError(t, err)
	require.NotNil(t, fact)
	assert.Equal(t, "TASK_FAILED", fact.OpType)
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	// no pages seeded, every fetch fails with a retryable error
	fake := &harvester.Fake{}
	exec := env.newExecutor(fake, WorkerConfig{})

	require.NoError(t, exec.Execute(ctx, tasks[0]))
	task := releaseRetryGate(t, env, tasks[0].ID)

	// policy allows two attempts, the second is terminal
	require.NoError(t, exec.Execute(ctx, task))

	task, err := env.repos.Tasks.GetById(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	run, err := env.repos.TaskRuns.LastRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.AttemptNo)
}

func TestExecutorReapExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, tasks := slicedPlan(t, env, "pubmed:search:2024-01-01")
	task := tasks[0]

	// a worker claimed the task and vanished
	now := time.Now().UTC()
	require.True(t, task.AcquireLease("worker-gone", now.Add(-time.Minute), now))
	ok, err := env.repos.Tasks.UpdateCAS(ctx, task)
	require.NoError(t, err)
	require.True(t, ok)

	core, logs := observer.New(zapcore.DebugLevel)
	restore := log.SetLogger(zap.New(core).Sugar())
	defer restore()

	fake := &harvester.Fake{}
	exec := env.newExecutor(fake, WorkerConfig{})

	reaped, err := exec.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	task, err = env.repos.Tasks.GetById(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, task.Status)
	assert.Empty(t, task.LeaseOwner)
	assert.Nil(t, task.LeasedUntil)

	// the reap log names the owner that held the lapsed lease
	entries := logs.FilterMessage("abandoned task requeued").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-gone", entries[0].ContextMap()["previousOwner"])
}
