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
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
)

// advance CAS retry budget; contention on one cursor key is expected
// when parallel tasks of the same provenance finish together.
const advanceRetries = 5

// errAdvanceReplayed signals that an identical advance already
// committed; the caller treats it as success.
var errAdvanceReplayed = errors.New("cursor advance already applied")

// CursorService serializes watermark advances per cursor key. The
// FORWARD monotonicity check needs read-compare-write atomicity, so
// every advance runs the version CAS and the event append in one
// transaction and retries on conflict.
type CursorService struct {
	db    database.IDatabase
	repos *repo.Repositories
	sink  *metrics.Sink
}

func NewCursorService(db database.IDatabase, repos *repo.Repositories, sink *metrics.Sink) *CursorService {
	return &CursorService{db: db, repos: repos, sink: sink}
}

// Advance applies adv to the cursor identified by key, creating the
// cursor on first use. Regressions and window violations surface as
// errors without mutating anything.
func (s *CursorService) Advance(ctx context.Context, key repo.CursorKey, cursorType model.CursorType, adv model.Advance) (*model.Cursor, error) {
	var lastErr error
	for attempt := 0; attempt < advanceRetries; attempt++ {
		cursor, err := s.repos.Cursors.GetOrCreate(ctx, key, cursorType)
		if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}

		applied, err := s.tryAdvance(ctx, cursor, adv)
		if err == nil {
			return cursor, nil
		}
		if errors.Is(err, errAdvanceReplayed) {
			return cursor, nil
		}
		if !applied {
			// CAS conflict, reload and retry
			lastErr = err
			continue
		}
		if errors.Is(err, model.ErrCursorRegression) {
			s.sink.CursorRegressions.Inc()
			log.Errorw("cursor regression rejected",
				"provenance", key.ProvenanceCode, "operation", key.Operation,
				"cursorKey", key.CursorKey, "current", cursor.ValueRaw, "proposed", adv.RawValue)
		}
		return nil, err
	}
	return nil, fmt.Errorf("cursor advance lost %d CAS rounds: %w", advanceRetries, lastErr)
}

// tryAdvance runs one advance round. The bool is true when the failure
// is final rather than a retryable CAS conflict.
func (s *CursorService) tryAdvance(ctx context.Context, cursor *model.Cursor, adv model.Advance) (bool, error) {
	event, err := cursor.Apply(adv, time.Now().UTC())
	if err != nil {
		return true, err
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		return s.applyTx(tx, cursor, event)
	})
	if err != nil {
		if errors.Is(err, errAdvanceReplayed) {
			return true, errAdvanceReplayed
		}
		if errors.Is(err, errCASConflict) {
			return false, err
		}
		return true, err
	}

	s.sink.CursorAdvances.WithLabelValues(cursor.ProvenanceCode, string(adv.Direction)).Inc()
	log.Debugw("cursor advanced",
		"provenance", cursor.ProvenanceCode, "operation", cursor.Operation,
		"cursorKey", cursor.CursorKey, "direction", adv.Direction, "value", cursor.ValueRaw)
	return true, nil
}

var errCASConflict = errors.New("optimistic version conflict")

// AdvanceTx applies an already validated advance inside the caller's
// transaction, so a task's terminal write, its cursor move and its
// outbox fact commit atomically. The caller must have called Apply.
func (s *CursorService) AdvanceTx(tx *gorm.DB, cursor *model.Cursor, event *model.CursorEvent) error {
	return s.applyTx(tx, cursor, event)
}

func (s *CursorService) applyTx(tx *gorm.DB, cursor *model.Cursor, event *model.CursorEvent) error {
	appended, err := s.repos.Cursors.AppendEventTx(tx, event)
	if err != nil {
		return fmt.Errorf("append cursor event: %w", err)
	}
	if !appended {
		return errAdvanceReplayed
	}
	ok, err := s.repos.Cursors.UpdateCASTx(tx, cursor)
	if err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	if !ok {
		return errCASConflict
	}
	return nil
}

// Events lists the advance history of one cursor, newest last.
func (s *CursorService) Events(ctx context.Context, key repo.CursorKey, limit int) ([]*model.CursorEvent, error) {
	cursor, err := s.repos.Cursors.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, nil
	}
	return s.repos.Cursors.ListEvents(ctx, cursor.ID, limit)
}

// Current returns the cursor row for key, nil when it never advanced.
func (s *CursorService) Current(ctx context.Context, key repo.CursorKey) (*model.Cursor, error) {
	return s.repos.Cursors.Get(ctx, key)
}
