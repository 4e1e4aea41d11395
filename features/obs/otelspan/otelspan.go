// Package otelspan mirrors workflow traces into OpenTelemetry. Spans are
// emitted retroactively when they reach a terminal state, with explicit start
// and end timestamps so the exported intervals match what the engine recorded.
package otelspan

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

const instrumentationName = "github.com/flowmesh/flowmesh/features/obs/otelspan"

// Exporter implements obs.Adapter over an OpenTelemetry tracer. Each workflow
// trace becomes one root span; node spans nest under it.
type Exporter struct {
	tracer oteltrace.Tracer

	mu    sync.Mutex
	roots map[string]rootSpan
}

type rootSpan struct {
	ctx  context.Context
	span oteltrace.Span
}

// New builds an exporter over the given tracer.
func New(tracer oteltrace.Tracer) (*Exporter, error) {
	if tracer == nil {
		return nil, fmt.Errorf("otelspan: tracer is required")
	}
	return &Exporter{tracer: tracer, roots: make(map[string]rootSpan)}, nil
}

// NewFromGlobal constructs an exporter over the global TracerProvider.
func NewFromGlobal() *Exporter {
	e, _ := New(otel.Tracer(instrumentationName))
	return e
}

// Name identifies the adapter in logs.
func (e *Exporter) Name() string { return "otel" }

// StartTrace opens the root span for a workflow execution.
func (e *Exporter) StartTrace(ctx context.Context, t *trace.Trace) error {
	sctx, span := e.tracer.Start(ctx, "workflow "+t.WorkflowID,
		oteltrace.WithTimestamp(t.StartedAt),
		oteltrace.WithAttributes(
			attribute.String("flowmesh.trace_id", t.ID),
			attribute.String("flowmesh.workflow_id", t.WorkflowID),
			attribute.String("flowmesh.execution_id", t.ExecutionID),
		))
	e.mu.Lock()
	e.roots[t.ID] = rootSpan{ctx: sctx, span: span}
	e.mu.Unlock()
	return nil
}

// LogSpan emits one terminal span nested under the workflow root.
func (e *Exporter) LogSpan(ctx context.Context, t *trace.Trace, s *trace.Span) error {
	e.mu.Lock()
	root, ok := e.roots[t.ID]
	e.mu.Unlock()
	parent := ctx
	if ok {
		parent = root.ctx
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowmesh.span_id", s.ID),
		attribute.String("flowmesh.span_type", string(s.Type)),
		attribute.Int64("flowmesh.duration_ms", s.DurationMs),
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", s.Model))
	}
	if s.Provider != "" {
		attrs = append(attrs, attribute.String("gen_ai.system", s.Provider))
	}
	if s.Tokens.Total > 0 {
		attrs = append(attrs,
			attribute.Int("gen_ai.usage.input_tokens", s.Tokens.Input),
			attribute.Int("gen_ai.usage.output_tokens", s.Tokens.Output),
		)
	}
	if s.Cost > 0 {
		attrs = append(attrs, attribute.Float64("flowmesh.cost_usd", s.Cost))
	}
	if s.RetryCount > 0 {
		attrs = append(attrs, attribute.Int("flowmesh.retry_count", s.RetryCount))
	}

	_, span := e.tracer.Start(parent, s.Name,
		oteltrace.WithTimestamp(s.StartedAt),
		oteltrace.WithAttributes(attrs...))
	if s.Status == trace.StatusFailed {
		span.SetStatus(codes.Error, s.ErrorMessage)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if s.CompletedAt.IsZero() {
		span.End()
	} else {
		span.End(oteltrace.WithTimestamp(s.CompletedAt))
	}
	return nil
}

// CompleteTrace closes the root span with the trace aggregates.
func (e *Exporter) CompleteTrace(_ context.Context, t *trace.Trace) error {
	e.mu.Lock()
	root, ok := e.roots[t.ID]
	delete(e.roots, t.ID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	root.span.SetAttributes(
		attribute.Float64("flowmesh.total_cost_usd", t.TotalCost),
		attribute.Int("flowmesh.total_tokens", t.TotalTokens.Total),
		attribute.Int64("flowmesh.total_duration_ms", t.TotalDurationMs),
	)
	if t.Status == trace.StatusFailed {
		root.span.SetStatus(codes.Error, t.ErrorMessage)
	} else {
		root.span.SetStatus(codes.Ok, string(t.Status))
	}
	if t.CompletedAt.IsZero() {
		root.span.End()
	} else {
		root.span.End(oteltrace.WithTimestamp(t.CompletedAt))
	}
	return nil
}
