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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Sink holds the engine's Prometheus collectors.
type Sink struct {
	registry *prometheus.Registry

	TasksTotal        *prometheus.CounterVec
	LeaseContention   prometheus.Counter
	CursorAdvances    *prometheus.CounterVec
	CursorRegressions prometheus.Counter
	OutboxTotal       *prometheus.CounterVec
	SlicesPlanned     *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
}

// NewSink creates a Sink with all collectors registered on a fresh registry.
func NewSink() *Sink {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Sink{
		registry: registry,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvex_tasks_total",
			Help: "Tasks reaching a status, labeled by provenance and status.",
		}, []string{"provenance", "status"}),
		LeaseContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvex_lease_contention_total",
			Help: "Lease acquisitions lost to a concurrent worker.",
		}),
		CursorAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvex_cursor_advances_total",
			Help: "Successful cursor advances, labeled by provenance and direction.",
		}, []string{"provenance", "direction"}),
		CursorRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvex_cursor_regressions_total",
			Help: "Rejected forward advances with a smaller value than stored.",
		}),
		OutboxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvex_outbox_messages_total",
			Help: "Outbox messages reaching a status, labeled by channel and status.",
		}, []string{"channel", "status"}),
		SlicesPlanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvex_slices_planned_total",
			Help: "Plan slices created, labeled by strategy.",
		}, []string{"strategy"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvex_batch_duration_seconds",
			Help:    "Wall time of one harvest batch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	registry.MustRegister(
		s.TasksTotal,
		s.LeaseContention,
		s.CursorAdvances,
		s.CursorRegressions,
		s.OutboxTotal,
		s.SlicesPlanned,
		s.BatchDuration,
	)
	return s
}

// Registry exposes the underlying registry for the metrics server.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}
