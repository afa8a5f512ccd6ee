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
	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/pkg/canonical"
)

func TestCursorRepo_GetOrCreate(t *testing.T) {
	db := newTestDB(t)
	repo := NewCursorRepo(db)
	ctx := context.Background()

	key := CursorKey{
		ProvenanceCode: "crossref",
		Operation:      "works",
		CursorKey:      "indexed",
	}

	cursor, err := repo.GetOrCreate(ctx, key, model.CursorTypeTime)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.NotZero(t, cursor.ID)
	assert.Empty(t, cursor.ValueRaw)

	again, err := repo.GetOrCreate(ctx, key, model.CursorTypeTime)
	require.NoError(t, err)
	assert.Equal(t, cursor.ID, again.ID)
}

func TestCursorRepo_AdvanceTransactional(t *testing.T) {
	db := newTestDB(t)
	repo := NewCursorRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := CursorKey{ProvenanceCode: "pubmed", Operation: "search", CursorKey: "edat"}
	cursor, err := repo.GetOrCreate(ctx, key, model.CursorTypeTime)
	require.NoError(t, err)

	mark := canonical.FormatInstant(now)
	event, err := cursor.Apply(model.Advance{
		Direction: model.DirectionForward,
		RawValue:  mark,
		Lineage:   model.Lineage{TaskId: 7, RunId: 8, BatchId: 9},
	}, now)
	require.NoError(t, err)

	err = db.Transaction(ctx, func(tx *gorm.DB) error {
		ok, err := repo.UpdateCASTx(tx, cursor)
		require.NoError(t, err)
		require.True(t, ok)
		appended, err := repo.AppendEventTx(tx, event)
		require.NoError(t, err)
		require.True(t, appended)
		return nil
	})
	require.NoError(t, err)

	stored, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, mark, stored.ValueRaw)
	assert.Equal(t, uint64(7), stored.TaskId)

	events, err := repo.ListEvents(ctx, cursor.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, mark, events[0].NewRaw)
}

func TestCursorRepo_DuplicateEventIgnored(t *testing.T) {
	db := newTestDB(t)
	repo := NewCursorRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := CursorKey{ProvenanceCode: "pubmed", Operation: "search", CursorKey: "edat"}
	cursor, err := repo.GetOrCreate(ctx, key, model.CursorTypeToken)
	require.NoError(t, err)

	event, err := cursor.Apply(model.Advance{
		Direction: model.DirectionForward,
		RawValue:  "tok-1",
		Lineage:   model.Lineage{RunId: 1, BatchId: 1},
	}, now)
	require.NoError(t, err)

	appended, err := repo.AppendEventTx(db.Database(), event)
	require.NoError(t, err)
	assert.True(t, appended)

	// a replayed batch derives the same idempotency key
	replay := *event
	replay.ID = 0
	appended, err = repo.AppendEventTx(db.Database(), &replay)
	require.NoError(t, err)
	assert.False(t, appended)
}

func TestCursorRepo_StaleUpdateLoses(t *testing.T) {
	db := newTestDB(t)
	repo := NewCursorRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := CursorKey{ProvenanceCode: "openalex", Operation: "works", CursorKey: "id"}
	cursor, err := repo.GetOrCreate(ctx, key, model.CursorTypeID)
	require.NoError(t, err)

	stale, err := repo.Get(ctx, key)
	require.NoError(t, err)

	_, err = cursor.Apply(model.Advance{Direction: model.DirectionForward, RawValue: "100"}, now)
	require.NoError(t, err)
	ok, err := repo.UpdateCASTx(db.Database(), cursor)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = stale.Apply(model.Advance{Direction: model.DirectionForward, RawValue: "50"}, now)
	require.NoError(t, err)
	ok, err = repo.UpdateCASTx(db.Database(), stale)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "100", stored.ValueRaw)
}
