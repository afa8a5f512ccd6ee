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
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/harvexio/harvex/pkg/log"
)

// SlicingPolicy carries the per-source slicing and paging parameters the
// planner and executor consume.
type SlicingPolicy struct {
	Strategy     string `json:"strategy"`
	SliceMinutes int    `json:"sliceMinutes"`
	IdRangeSize  int64  `json:"idRangeSize"`
	VolumeBudget int64  `json:"volumeBudget"`
	PageSize     int    `json:"pageSize"`
	MaxSlices    int    `json:"maxSlices"`
}

// RetryPolicy is the per-source attempt budget.
type RetryPolicy struct {
	MaxAttempts      int `json:"maxAttempts"`
	InitialDelaySecs int `json:"initialDelaySecs"`
	MaxDelaySecs     int `json:"maxDelaySecs"`
}

// CursorSpec names the watermark a source exposes.
type CursorSpec struct {
	Type      string `json:"type"` // TIME, ID or TOKEN
	CursorKey string `json:"cursorKey"`
}

// ProvenancePolicy is the registry's full policy document for one source.
type ProvenancePolicy struct {
	ProvenanceCode string            `json:"provenanceCode"`
	Endpoints      map[string]string `json:"endpoints"`
	CredentialRef  string            `json:"credentialRef"`
	Priority       int               `json:"priority"`
	RateLimitRps   int               `json:"rateLimitRps"`
	Slicing        SlicingPolicy     `json:"slicing"`
	Retry          RetryPolicy       `json:"retry"`
	Cursor         CursorSpec        `json:"cursor"`
}

// Config configures the registry client.
type Config struct {
	BaseUrl      string             `mapstructure:"baseUrl" json:"baseUrl"`
	TimeoutSecs  int                `mapstructure:"timeoutSecs" json:"timeoutSecs"`
	CacheTtlSecs int                `mapstructure:"cacheTtlSecs" json:"cacheTtlSecs"`
	Static       []ProvenancePolicy `mapstructure:"static" json:"static"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.TimeoutSecs <= 0 {
		c.TimeoutSecs = 10
	}
	if c.CacheTtlSecs <= 0 {
		c.CacheTtlSecs = 300
	}
}

// IRegistry resolves provenance policy documents. The registry itself is
// an existing read-only service; this client only fetches and caches.
type IRegistry interface {
	Policy(ctx context.Context, provenanceCode string) (*ProvenancePolicy, error)
}

type cacheEntry struct {
	policy    *ProvenancePolicy
	fetchedAt time.Time
}

// Client fetches policies over HTTP with a TTL cache and falls back to
// the statically configured documents when the registry is unreachable.
type Client struct {
	cfg    Config
	client *resty.Client

	mu     sync.RWMutex
	cache  map[string]cacheEntry
	static map[string]*ProvenancePolicy
}

// NewClient builds the registry client.
func NewClient(cfg Config) *Client {
	cfg.SetDefaults()
	static := make(map[string]*ProvenancePolicy, len(cfg.Static))
	for i := range cfg.Static {
		p := cfg.Static[i]
		static[p.ProvenanceCode] = &p
	}
	client := resty.New()
	client.SetTimeout(time.Duration(cfg.TimeoutSecs) * time.Second)
	return &Client{
		cfg:    cfg,
		client: client,
		cache:  make(map[string]cacheEntry),
		static: static,
	}
}

func (c *Client) Policy(ctx context.Context, provenanceCode string) (*ProvenancePolicy, error) {
	ttl := time.Duration(c.cfg.CacheTtlSecs) * time.Second

	c.mu.RLock()
	entry, ok := c.cache[provenanceCode]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < ttl {
		return entry.policy, nil
	}

	policy, err := c.fetch(ctx, provenanceCode)
	if err != nil {
		if ok {
			// serve the stale document rather than stall the planner
			log.Warnw("registry fetch failed, serving cached policy",
				"provenance", provenanceCode, "error", err)
			return entry.policy, nil
		}
		if fallback, has := c.static[provenanceCode]; has {
			log.Warnw("registry fetch failed, serving static policy",
				"provenance", provenanceCode, "error", err)
			return fallback, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[provenanceCode] = cacheEntry{policy: policy, fetchedAt: time.Now()}
	c.mu.Unlock()
	return policy, nil
}

func (c *Client) fetch(ctx context.Context, provenanceCode string) (*ProvenancePolicy, error) {
	if c.cfg.BaseUrl == "" {
		return nil, fmt.Errorf("registry baseUrl not configured")
	}
	resp, err := c.client.R().SetContext(ctx).
		Get(fmt.Sprintf("%s/api/v1/provenances/%s/policy", c.cfg.BaseUrl, provenanceCode))
	if err != nil {
		return nil, fmt.Errorf("fetch policy for %s: %w", provenanceCode, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch policy for %s: status %d", provenanceCode, resp.StatusCode())
	}
	var policy ProvenancePolicy
	if err := sonic.Unmarshal(resp.Body(), &policy); err != nil {
		return nil, fmt.Errorf("decode policy for %s: %w", provenanceCode, err)
	}
	if policy.ProvenanceCode == "" {
		policy.ProvenanceCode = provenanceCode
	}
	return &policy, nil
}

// StaticRegistry serves only the configured documents, used when no
// registry endpoint exists in the deployment.
type StaticRegistry struct {
	policies map[string]*ProvenancePolicy
}

// NewStaticRegistry indexes the given documents by provenance code.
func NewStaticRegistry(policies []ProvenancePolicy) *StaticRegistry {
	indexed := make(map[string]*ProvenancePolicy, len(policies))
	for i := range policies {
		p := policies[i]
		indexed[p.ProvenanceCode] = &p
	}
	return &StaticRegistry{policies: indexed}
}

func (r *StaticRegistry) Policy(_ context.Context, provenanceCode string) (*ProvenancePolicy, error) {
	policy, ok := r.policies[provenanceCode]
	if !ok {
		return nil, fmt.Errorf("unknown provenance %s", provenanceCode)
	}
	return policy, nil
}
