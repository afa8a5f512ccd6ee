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

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTraceCoreAddsSpanFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(newTraceCore(core)).Sugar()

	traceId, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanId, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceId,
		SpanID:  spanId,
	})
	BindContext(trace.ContextWithSpanContext(context.Background(), sc))
	defer BindContext(context.Background())

	l.Infow("task claimed", "taskId", 1)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, traceId.String(), fields["trace_id"])
	assert.Equal(t, spanId.String(), fields["span_id"])
}

func TestTraceCoreWithoutSpan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(newTraceCore(core)).Sugar()

	BindContext(context.Background())
	l.Infow("no active span")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.NotContains(t, fields, "trace_id")
	assert.NotContains(t, fields, "span_id")
}
