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

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/safe"
)

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// SetDefaults applies default values to unset fields.
func (c *MetricsConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9094"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Server serves the Prometheus scrape endpoint.
type Server struct {
	sink   *Sink
	cfg    MetricsConfig
	server *http.Server
}

// NewServer creates a metrics server around the given sink.
func NewServer(cfg MetricsConfig, sink *Sink) *Server {
	cfg.SetDefaults()
	return &Server{sink: sink, cfg: cfg}
}

// Sink returns the collector sink.
func (s *Server) Sink() *Sink {
	return s.sink
}

// Start begins serving unless disabled. Non-blocking.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.sink.Registry(), promhttp.HandlerOpts{}))
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	safe.Go(func() {
		log.Infow("metrics server listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server stopped", "error", err)
		}
	})
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
