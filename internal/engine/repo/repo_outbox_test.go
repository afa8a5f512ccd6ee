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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/harvexio/harvex/internal/engine/model"
)

func newOutboxMessage(dedup string, payload string) *model.OutboxMessage {
	return &model.OutboxMessage{
		AggregateType: "TASK",
		AggregateId:   1,
		Channel:       "harvex.task.completed",
		OpType:        "TASK_COMPLETED",
		DedupKey:      dedup,
		Payload:       datatypes.JSON(payload),
	}
}

func TestOutboxRepo_EnqueueDedup(t *testing.T) {
	db := newTestDB(t)
	repo := NewOutboxRepo(db)
	ctx := context.Background()

	first := newOutboxMessage("task-1", `{"taskId":1}`)
	created, err := repo.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	// same (channel, dedupKey) with a different payload is a no-op
	second := newOutboxMessage("task-1", `{"taskId":999}`)
	created, err = repo.Enqueue(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.GetByDedup(ctx, "harvex.task.completed", "task-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.ID, stored.ID)
	assert.JSONEq(t, `{"taskId":1}`, string(stored.Payload))
}

func TestOutboxRepo_FindDue(t *testing.T) {
	db := newTestDB(t)
	repo := NewOutboxRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newOutboxMessage("due-1", `{}`)
	_, err := repo.Enqueue(ctx, due)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	delayed := newOutboxMessage("delayed-1", `{}`)
	delayed.NotBefore = &later
	_, err = repo.Enqueue(ctx, delayed)
	require.NoError(t, err)

	published := newOutboxMessage("done-1", `{}`)
	_, err = repo.Enqueue(ctx, published)
	require.NoError(t, err)
	require.True(t, published.Claim("relay-1", now.Add(time.Minute), now))
	ok, err := repo.UpdateCAS(ctx, published)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, published.MarkPublished("topic[0]@1", now))
	ok, err = repo.UpdateCAS(ctx, published)
	require.NoError(t, err)
	require.True(t, ok)

	rows, err := repo.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, due.ID, rows[0].ID)
}

func TestOutboxRepo_ClaimContention(t *testing.T) {
	db := newTestDB(t)
	repo := NewOutboxRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := newOutboxMessage("race-1", `{}`)
	_, err := repo.Enqueue(ctx, msg)
	require.NoError(t, err)

	a, err := repo.GetById(ctx, msg.ID)
	require.NoError(t, err)
	b, err := repo.GetById(ctx, msg.ID)
	require.NoError(t, err)

	require.True(t, a.Claim("relay-a", now.Add(time.Minute), now))
	ok, err := repo.UpdateCAS(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, b.Claim("relay-b", now.Add(time.Minute), now))
	ok, err = repo.UpdateCAS(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutboxRepo_ReclaimAbandonedPublishing(t *testing.T) {
	db := newTestDB(t)
	repo := NewOutboxRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := newOutboxMessage("orphan-1", `{}`)
	_, err := repo.Enqueue(ctx, msg)
	require.NoError(t, err)

	// publisher claims the row and dies before settling it
	require.True(t, msg.Claim("relay-dead", now.Add(time.Second), now))
	ok, err := repo.UpdateCAS(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	// invisible while the lease lives
	rows, err := repo.FindDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// due again once the lease lapses
	rows, err = repo.FindDue(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, msg.ID, rows[0].ID)
	assert.Equal(t, model.OutboxStatusPublishing, rows[0].Status)

	takeover := rows[0]
	require.True(t, takeover.Claim("relay-new", now.Add(time.Hour+time.Minute), now.Add(time.Hour)))
	ok, err = repo.UpdateCAS(ctx, takeover)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "relay-new", takeover.LeaseOwner)
}
