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

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PolicyCached(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"provenanceCode": "pubmed",
			"endpoints": {"search": "https://upstream/search"},
			"slicing": {"strategy": "TIME", "sliceMinutes": 60, "pageSize": 200},
			"retry": {"maxAttempts": 3},
			"cursor": {"type": "TIME", "cursorKey": "edat"}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseUrl: server.URL, CacheTtlSecs: 600})
	ctx := context.Background()

	policy, err := client.Policy(ctx, "pubmed")
	require.NoError(t, err)
	assert.Equal(t, "TIME", policy.Slicing.Strategy)
	assert.Equal(t, 200, policy.Slicing.PageSize)
	assert.Equal(t, "edat", policy.Cursor.CursorKey)

	_, err = client.Policy(ctx, "pubmed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestClient_StaleServedOnOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"provenanceCode": "crossref", "retry": {"maxAttempts": 5}}`))
	}))

	client := NewClient(Config{BaseUrl: server.URL, CacheTtlSecs: 1})
	ctx := context.Background()

	policy, err := client.Policy(ctx, "crossref")
	require.NoError(t, err)
	require.Equal(t, 5, policy.Retry.MaxAttempts)

	server.Close()
	// expire the cache entry, then the dead registry must not stall us
	client.mu.Lock()
	entry := client.cache["crossref"]
	entry.fetchedAt = entry.fetchedAt.Add(-time.Hour)
	client.cache["crossref"] = entry
	client.mu.Unlock()

	policy, err = client.Policy(ctx, "crossref")
	require.NoError(t, err)
	assert.Equal(t, 5, policy.Retry.MaxAttempts)
}

func TestClient_StaticFallback(t *testing.T) {
	client := NewClient(Config{
		Static: []ProvenancePolicy{{
			ProvenanceCode: "openalex",
			Slicing:        SlicingPolicy{Strategy: "ID_RANGE", IdRangeSize: 100000},
		}},
	})

	policy, err := client.Policy(context.Background(), "openalex")
	require.NoError(t, err)
	assert.Equal(t, "ID_RANGE", policy.Slicing.Strategy)

	_, err = client.Policy(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry([]ProvenancePolicy{{ProvenanceCode: "pubmed"}})

	policy, err := reg.Policy(context.Background(), "pubmed")
	require.NoError(t, err)
	assert.Equal(t, "pubmed", policy.ProvenanceCode)

	_, err = reg.Policy(context.Background(), "missing")
	assert.Error(t, err)
}
