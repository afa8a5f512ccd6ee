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

package harvester

import (
	"context"
	"encoding/json"
)

// Record is one upstream item as fetched, before any normalization.
type Record struct {
	SourceId  string          `json:"sourceId"`
	Watermark string          `json:"watermark"`
	Payload   json.RawMessage `json:"payload"`
}

// PageRequest asks a provenance adapter for one page of a slice. Exactly
// one of PageNo or PageToken drives pagination, mirroring the batch
// idempotency key.
type PageRequest struct {
	ProvenanceCode string
	Operation      string
	CredentialRef  string
	Boundary       json.RawMessage
	Params         map[string]any
	PageNo         int
	PageToken      string
	PageSize       int
}

// Page is the result of one fetch. ObservedMax is the highest watermark
// value the adapter saw in this page, in the cursor's raw format.
type Page struct {
	Records     []Record
	NextToken   string
	HasMore     bool
	ObservedMax string
}

// Harvester fetches pages from one or more upstream literature sources.
// Implementations must be safe for concurrent use; the executor drives
// many tasks against a single instance.
type Harvester interface {
	FetchPage(ctx context.Context, req *PageRequest) (*Page, error)
}
