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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
)

func TestPlannerCreatePlanIdempotent(t *testing.T) {
	env := newTestEnv(t)

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	assert.Equal(t, model.PlanStatusDraft, plan.Status)

	again := env.dayPlan(t, "pubmed:search:2024-01-01")
	assert.Equal(t, plan.ID, again.ID)
}

func TestPlannerSlicePlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	slices, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, slices, 4)

	seen := make(map[string]bool)
	for i, slice := range slices {
		assert.Equal(t, i, slice.SeqNo)
		assert.Len(t, slice.SignatureHash, 64)
		assert.False(t, seen[slice.SignatureHash])
		seen[slice.SignatureHash] = true
		assert.Equal(t, model.SliceStatusPending, slice.Status)
	}

	// exactly one task per slice, each with a queued outbox fact
	tasks, err := env.repos.Tasks.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, model.TaskStatusQueued, task.Status)
		assert.Len(t, task.IdempotentKey, 64)
		fact, err := env.repos.Outbox.GetByDedup(ctx, ChannelTaskQueued, task.IdempotentKey)
		require.NoError(t, err)
		require.NotNil(t, fact)
		assert.Equal(t, model.OutboxStatusPending, fact.Status)
	}
}

func TestPlannerSlicePlanReplayConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	first, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)

	// a crashed planner re-runs slicing; nothing may duplicate
	second, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	tasks, err := env.repos.Tasks.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestPlannerSliceSignaturesNotSharedAcrossPlans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	planA := env.dayPlan(t, "pubmed:search:a")
	planB := env.dayPlan(t, "pubmed:search:b")

	slicesA, err := env.planner.SlicePlan(ctx, planA.ID)
	require.NoError(t, err)
	slicesB, err := env.planner.SlicePlan(ctx, planB.ID)
	require.NoError(t, err)

	// identical boundaries hash identically but stay per-plan rows
	for i := range slicesA {
		assert.Equal(t, slicesA[i].SignatureHash, slicesB[i].SignatureHash)
		assert.NotEqual(t, slicesA[i].ID, slicesB[i].ID)
	}
}

func TestPlannerSlicePlanIllegalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	_, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)

	// force the plan terminal, then slicing must be rejected
	plan, err = env.repos.Plans.GetById(ctx, plan.ID)
	require.NoError(t, err)
	plan.Status = model.PlanStatusReady
	ok, err := env.repos.Plans.UpdateCAS(ctx, plan)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.planner.SlicePlan(ctx, plan.ID)
	assert.ErrorIs(t, err, model.ErrIllegalPlanState)
}

func TestPlannerRefreshPlanStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	slices, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)

	// nothing terminal yet, refresh is a no-op
	refreshed, err := env.planner.RefreshPlanStatus(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusSlicing, refreshed.Status)

	finish := func(slice *model.PlanSlice, final model.SliceStatus) {
		require.NoError(t, slice.Transition(model.SliceStatusDispatched))
		require.NoError(t, slice.Transition(model.SliceStatusExecuting))
		require.NoError(t, slice.Transition(final))
		ok, err := env.repos.Slices.UpdateCAS(ctx, slice)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, slice := range slices[:3] {
		finish(slice, model.SliceStatusSucceeded)
	}
	finish(slices[3], model.SliceStatusFailed)

	refreshed, err = env.planner.RefreshPlanStatus(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPartial, refreshed.Status)
}

func TestPlannerCompletePlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := env.dayPlan(t, "pubmed:search:2024-01-01")
	slices, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)
	for _, slice := range slices {
		require.NoError(t, slice.Transition(model.SliceStatusDispatched))
		require.NoError(t, slice.Transition(model.SliceStatusExecuting))
		require.NoError(t, slice.Transition(model.SliceStatusSucceeded))
		ok, err := env.repos.Slices.UpdateCAS(ctx, slice)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = env.planner.RefreshPlanStatus(ctx, plan.ID)
	require.NoError(t, err)

	require.NoError(t, env.planner.CompletePlan(ctx, plan.ID))

	stored, err := env.repos.Plans.GetById(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, stored.Status)

	fact, err := env.repos.Outbox.GetByDedup(ctx, ChannelPlanCompleted, plan.PlanKey)
	require.NoError(t, err)
	require.NotNil(t, fact)

	// completing again is a no-op
	require.NoError(t, env.planner.CompletePlan(ctx, plan.ID))
}

func TestPlannerCursorLandmarkUsesWatermark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// seed the watermark the landmark slice must start from
	key := repo.CursorKey{ProvenanceCode: "pubmed", Operation: "search", CursorKey: "edat"}
	_, err := env.cursors.Advance(ctx, key, model.CursorTypeTime, model.Advance{
		Direction: model.DirectionForward,
		RawValue:  "2024-01-01T10:00:00.000Z",
	})
	require.NoError(t, err)

	seed := env.dayPlan(t, "seed-instance")
	plan, _, err := env.planner.CreatePlan(ctx, &CreatePlanReq{
		ScheduleInstanceId: seed.ScheduleInstanceId,
		PlanKey:            "pubmed:landmark",
		ProvenanceCode:     "pubmed",
		EndpointCode:       "eutils",
		Operation:          "search",
		WindowFrom:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowTo:           time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Strategy:           model.SliceStrategyCursorLandmark,
	})
	require.NoError(t, err)

	slices, err := env.planner.SlicePlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, slices, 1)

	boundary := string(slices[0].Boundary)
	assert.Contains(t, boundary, "2024-01-01T10:00:00.000Z")
}
