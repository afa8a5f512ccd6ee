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
	"fmt"
	"sync"
)

// Fake serves pre-seeded pages keyed by page number and is used by the
// executor tests. FailOn lets a test inject one failing page; the error
// clears after it fires once so a retry can proceed.
type Fake struct {
	mu       sync.Mutex
	Pages    []*Page
	FailOn   int
	FailWith error
	FetchLog []PageRequest
}

func (f *Fake) FetchPage(_ context.Context, req *PageRequest) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchLog = append(f.FetchLog, *req)

	if f.FailWith != nil && req.PageNo == f.FailOn {
		err := f.FailWith
		f.FailWith = nil
		return nil, err
	}
	if req.PageNo < 1 || req.PageNo > len(f.Pages) {
		return nil, fmt.Errorf("fake harvester: no page %d", req.PageNo)
	}
	return f.Pages[req.PageNo-1], nil
}

// StaticPages builds n pages of count records each, with HasMore set on
// all but the last.
func StaticPages(n, count int, observedMax string) []*Page {
	pages := make([]*Page, 0, n)
	for p := 1; p <= n; p++ {
		records := make([]Record, 0, count)
		for i := 0; i < count; i++ {
			records = append(records, Record{
				SourceId: fmt.Sprintf("rec-%d-%d", p, i),
				Payload:  []byte(`{}`),
			})
		}
		pages = append(pages, &Page{
			Records:     records,
			HasMore:     p < n,
			ObservedMax: observedMax,
		})
	}
	return pages
}
