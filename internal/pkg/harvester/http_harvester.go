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
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/log"
)

// FatalError marks a fetch failure that retrying cannot fix, such as a
// rejected credential or a malformed request.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is non-retryable.
func IsFatal(err error) bool {
	for err != nil {
		if _, ok := err.(*FatalError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// pageEnvelope is the JSON body the provenance gateways answer with.
type pageEnvelope struct {
	Records     []Record `json:"records"`
	NextToken   string   `json:"nextToken"`
	HasMore     bool     `json:"hasMore"`
	ObservedMax string   `json:"observedMax"`
}

// HTTPHarvester fetches pages over HTTP from the endpoint the provenance
// registry advertises for each (provenance, operation) pair.
type HTTPHarvester struct {
	client   *resty.Client
	registry registry.IRegistry
}

// NewHTTPHarvester builds the adapter with sane transport defaults.
func NewHTTPHarvester(reg registry.IRegistry) *HTTPHarvester {
	client := resty.New()
	client.SetTimeout(60 * time.Second)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &HTTPHarvester{client: client, registry: reg}
}

func (h *HTTPHarvester) FetchPage(ctx context.Context, req *PageRequest) (*Page, error) {
	policy, err := h.registry.Policy(ctx, req.ProvenanceCode)
	if err != nil {
		return nil, fmt.Errorf("resolve provenance policy: %w", err)
	}
	endpoint, ok := policy.Endpoints[req.Operation]
	if !ok {
		return nil, Fatal(fmt.Errorf("provenance %s has no endpoint for operation %s", req.ProvenanceCode, req.Operation))
	}

	r := h.client.R().SetContext(ctx)
	if req.CredentialRef != "" {
		r.SetHeader("X-Credential-Ref", req.CredentialRef)
	}
	if len(req.Boundary) > 0 {
		r.SetQueryParam("boundary", string(req.Boundary))
	}
	for k, v := range req.Params {
		r.SetQueryParam(k, fmt.Sprint(v))
	}
	if req.PageToken != "" {
		r.SetQueryParam("pageToken", req.PageToken)
	} else {
		r.SetQueryParam("page", strconv.Itoa(req.PageNo))
	}
	if req.PageSize > 0 {
		r.SetQueryParam("pageSize", strconv.Itoa(req.PageSize))
	}

	start := time.Now()
	resp, err := r.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", req.ProvenanceCode, req.Operation, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
	case status == 429 || status >= 500:
		// rate limiting and upstream hiccups are retryable
		return nil, fmt.Errorf("fetch %s/%s: upstream status %d", req.ProvenanceCode, req.Operation, status)
	default:
		return nil, Fatal(fmt.Errorf("fetch %s/%s: upstream status %d", req.ProvenanceCode, req.Operation, status))
	}

	var envelope pageEnvelope
	if err := sonic.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, Fatal(fmt.Errorf("decode page body: %w", err))
	}

	log.Debugw("page fetched",
		"provenance", req.ProvenanceCode,
		"operation", req.Operation,
		"page", req.PageNo,
		"records", len(envelope.Records),
		"hasMore", envelope.HasMore,
		"duration", time.Since(start))

	return &Page{
		Records:     envelope.Records,
		NextToken:   envelope.NextToken,
		HasMore:     envelope.HasMore,
		ObservedMax: envelope.ObservedMax,
	}, nil
}
