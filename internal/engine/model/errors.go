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

import "errors"

var (
	// ErrDuplicatePlanKey is returned when a plan with the same planKey
	// already exists. Callers resolve it to the existing plan.
	ErrDuplicatePlanKey = errors.New("model: duplicate plan key")

	// ErrIllegalPlanState is returned on an invalid plan transition.
	ErrIllegalPlanState = errors.New("model: illegal plan state transition")

	// ErrIllegalSliceState is returned on an invalid slice transition.
	ErrIllegalSliceState = errors.New("model: illegal slice state transition")

	// ErrIllegalTaskState is returned on an invalid task transition.
	ErrIllegalTaskState = errors.New("model: illegal task state transition")

	// ErrIllegalRunState is returned on an invalid run transition.
	ErrIllegalRunState = errors.New("model: illegal run state transition")

	// ErrIllegalOutboxState is returned on an invalid outbox transition.
	ErrIllegalOutboxState = errors.New("model: illegal outbox state transition")

	// ErrCursorRegression is returned when a FORWARD advance carries a
	// value smaller than the stored watermark. This signals a data
	// ordering bug upstream and is never retried internally.
	ErrCursorRegression = errors.New("model: forward cursor advance regresses")

	// ErrCursorTypeMismatch is returned when an advance carries a value
	// kind that does not match the cursor type.
	ErrCursorTypeMismatch = errors.New("model: cursor type mismatch")

	// ErrBackfillOutOfWindow is returned when a BACKFILL advance lands
	// outside the declared backfill window.
	ErrBackfillOutOfWindow = errors.New("model: backfill advance outside window")

	// ErrValidation is returned when required fields are missing or a
	// boundary is malformed; rejected before any state mutation.
	ErrValidation = errors.New("model: validation failed")
)
