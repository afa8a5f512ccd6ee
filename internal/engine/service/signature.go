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
	"fmt"

	"github.com/harvexio/harvex/pkg/canonical"
)

// SignBoundary canonicalizes a slice boundary and returns both the
// canonical JSON (persisted on the slice) and its signature hash.
// Identical boundaries always produce identical signatures, which is
// what makes createSlice idempotent.
func SignBoundary(canon canonical.Canonicalizer, boundary any) (string, string, error) {
	c, err := canon.Normalize(boundary)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize boundary: %w", err)
	}
	hash, err := canon.Hash(boundary)
	if err != nil {
		return "", "", fmt.Errorf("hash boundary: %w", err)
	}
	return c.JSON, hash, nil
}

// taskKeyMaterial is the complete set of inputs that define one task.
// Any change to any field yields a different idempotent key.
type taskKeyMaterial struct {
	SliceSignature string         `json:"sliceSignature"`
	ExprHash       string         `json:"exprHash"`
	Operation      string         `json:"operation"`
	TriggerContext string         `json:"triggerContext"`
	Params         map[string]any `json:"params"`
}

// DeriveTaskKey computes the globally unique task idempotent key from
// the slice signature, the slice-local expression hash, the operation
// code, the trigger context and the canonicalized task parameters.
func DeriveTaskKey(canon canonical.Canonicalizer, sliceSignature, exprHash, operation, triggerContext string, params map[string]any) (string, error) {
	key, err := canon.Hash(taskKeyMaterial{
		SliceSignature: sliceSignature,
		ExprHash:       exprHash,
		Operation:      operation,
		TriggerContext: triggerContext,
		Params:         params,
	})
	if err != nil {
		return "", fmt.Errorf("derive task key: %w", err)
	}
	return key, nil
}
