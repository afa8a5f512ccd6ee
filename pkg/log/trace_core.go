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
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

var activeCtx atomic.Value

// BindContext registers ctx as the ambient context for trace enrichment.
// Entries written while a span is active in ctx carry trace_id/span_id.
func BindContext(ctx context.Context) {
	if ctx != nil {
		activeCtx.Store(ctx)
	}
}

type traceCore struct {
	zapcore.Core
}

func newTraceCore(core zapcore.Core) zapcore.Core {
	return &traceCore{Core: core}
}

func (tc *traceCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if ctx, ok := activeCtx.Load().(context.Context); ok {
		span := trace.SpanFromContext(ctx)
		if sc := span.SpanContext(); sc.IsValid() {
			fields = append(fields, zapcore.Field{
				Key:    "trace_id",
				Type:   zapcore.StringType,
				String: sc.TraceID().String(),
			}, zapcore.Field{
				Key:    "span_id",
				Type:   zapcore.StringType,
				String: sc.SpanID().String(),
			})
		}
	}
	return tc.Core.Write(entry, fields)
}

func (tc *traceCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if tc.Enabled(entry.Level) {
		return checked.AddCore(entry, tc)
	}
	return checked
}

func (tc *traceCore) With(fields []zapcore.Field) zapcore.Core {
	return &traceCore{Core: tc.Core.With(fields)}
}
