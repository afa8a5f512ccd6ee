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

package canonical

import (
	"testing"
	"time"
)

func TestNormalize_KeyOrder(t *testing.T) {
	s := NewService()
	a, err := s.Normalize(map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":["x","y"]}`
	if a.JSON != want {
		t.Errorf("Normalize() = %s, want %s", a.JSON, want)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	s := NewService()
	type boundary struct {
		From string `json:"from"`
		To   string `json:"to"`
		Size int    `json:"size"`
	}
	in := boundary{From: "2024-01-01T00:00:00.000Z", To: "2024-01-01T06:00:00.000Z", Size: 500}
	first, err := s.Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("Hash() not stable: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("Hash() length = %d, want 64 hex chars", len(first))
	}
}

func TestNormalize_NumberCoercion(t *testing.T) {
	s := NewService()
	a, err := s.Normalize(map[string]any{"n": 3.0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Normalize(map[string]any{"n": 3})
	if err != nil {
		t.Fatal(err)
	}
	if a.JSON != b.JSON {
		t.Errorf("3.0 and 3 canonicalize differently: %s vs %s", a.JSON, b.JSON)
	}
}

func TestHash_DistinctInputs(t *testing.T) {
	s := NewService()
	a, _ := s.Hash(map[string]any{"op": "search", "page": 1})
	b, _ := s.Hash(map[string]any{"op": "search", "page": 2})
	if a == b {
		t.Error("distinct inputs produced identical hashes")
	}
}

func TestFormatInstant(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	in := time.Date(2024, 1, 1, 18, 30, 0, 0, loc)
	got := FormatInstant(in)
	if got != "2024-01-01T10:30:00.000Z" {
		t.Errorf("FormatInstant() = %s", got)
	}
	back, err := ParseInstant(got)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(in) {
		t.Errorf("round trip mismatch: %v vs %v", back, in)
	}
}
