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

func timeCursor() *Cursor {
	ten := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &Cursor{
		BaseModel:      BaseModel{ID: 11},
		ProvenanceCode: "pubmed",
		Operation:      "search",
		CursorKey:      "updated_at",
		Type:           CursorTypeTime,
		ValueRaw:       "2024-01-01T10:00:00.000Z",
		ValueInstant:   &ten,
	}
}

func TestCursor_ForwardAdvance(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := timeCursor()

	event, err := c.Apply(Advance{
		Direction: DirectionForward,
		RawValue:  "2024-01-01T11:00:00.000Z",
		Lineage:   Lineage{TaskId: 5, RunId: 6, BatchId: 7},
	}, now)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "2024-01-01T11:00:00.000Z", c.ValueRaw)
	assert.Equal(t, "2024-01-01T10:00:00.000Z", event.PrevRaw)
	require.NotNil(t, event.PrevInstant)
	assert.Equal(t, 10, event.PrevInstant.Hour())
	require.NotNil(t, event.NewInstant)
	assert.Equal(t, 11, event.NewInstant.Hour())
	assert.NotEmpty(t, event.IdempotencyKey)
	assert.Equal(t, uint64(6), event.RunId)
}

func TestCursor_ForwardRegressionRejected(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := timeCursor()
	before := *c

	event, err := c.Apply(Advance{
		Direction: DirectionForward,
		RawValue:  "2024-01-01T09:00:00.000Z",
	}, now)
	assert.ErrorIs(t, err, ErrCursorRegression)
	assert.Nil(t, event)
	// stored value unchanged
	assert.Equal(t, before.ValueRaw, c.ValueRaw)
	assert.True(t, before.ValueInstant.Equal(*c.ValueInstant))
}

func TestCursor_ForwardEqualValueAllowed(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := timeCursor()
	_, err := c.Apply(Advance{Direction: DirectionForward, RawValue: "2024-01-01T10:00:00.000Z"}, now)
	assert.NoError(t, err)
}

func TestCursor_BackfillWithinWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := timeCursor()

	window := &Window{
		From: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	event, err := c.Apply(Advance{
		Direction: DirectionBackfill,
		RawValue:  "2023-12-15T00:00:00.000Z",
		Window:    window,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, DirectionBackfill, event.Direction)
	assert.Equal(t, "2023-12-15T00:00:00.000Z", c.ValueRaw)

	// outside the declared window
	_, err = c.Apply(Advance{
		Direction: DirectionBackfill,
		RawValue:  "2024-06-01T00:00:00.000Z",
		Window:    window,
	}, now)
	assert.ErrorIs(t, err, ErrBackfillOutOfWindow)

	// backfill without a window is a validation failure
	_, err = c.Apply(Advance{Direction: DirectionBackfill, RawValue: "2023-12-10T00:00:00.000Z"}, now)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCursor_IDAdvance(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{
		BaseModel:      BaseModel{ID: 3},
		ProvenanceCode: "crossref",
		Operation:      "works",
		CursorKey:      "work_id",
		Type:           CursorTypeID,
		ValueRaw:       "1000",
		ValueNumeric:   "1000",
	}

	_, err := c.Apply(Advance{Direction: DirectionForward, RawValue: "999"}, now)
	assert.ErrorIs(t, err, ErrCursorRegression)

	event, err := c.Apply(Advance{Direction: DirectionForward, RawValue: "1500", ObservedMax: "2000"}, now)
	require.NoError(t, err)
	assert.Equal(t, "1500", c.ValueNumeric)
	assert.Equal(t, "2000", c.ObservedMax)
	assert.Equal(t, "1500", event.NewNumeric)

	_, err = c.Apply(Advance{Direction: DirectionForward, RawValue: "not-a-number"}, now)
	assert.ErrorIs(t, err, ErrCursorTypeMismatch)
}

func TestCursor_TokenAdvanceUnconditional(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{
		BaseModel:      BaseModel{ID: 4},
		ProvenanceCode: "openalex",
		Operation:      "works",
		CursorKey:      "page_token",
		Type:           CursorTypeToken,
		ValueRaw:       "zzzz",
	}
	_, err := c.Apply(Advance{Direction: DirectionForward, RawValue: "aaaa"}, now)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", c.ValueRaw)
}
