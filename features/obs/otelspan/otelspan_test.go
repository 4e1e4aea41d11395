package otelspan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

type recordedSpan struct {
	embedded.Span

	name    string
	start   time.Time
	end     time.Time
	attrs   map[attribute.Key]attribute.Value
	status  codes.Code
	message string
	ended   bool
}

func (s *recordedSpan) End(opts ...oteltrace.SpanEndOption) {
	cfg := oteltrace.NewSpanEndConfig(opts...)
	s.end = cfg.Timestamp()
	s.ended = true
}

func (s *recordedSpan) AddEvent(string, ...oteltrace.EventOption) {}
func (s *recordedSpan) AddLink(oteltrace.Link)                    {}
func (s *recordedSpan) IsRecording() bool                         { return !s.ended }
func (s *recordedSpan) RecordError(error, ...oteltrace.EventOption) {
}
func (s *recordedSpan) SpanContext() oteltrace.SpanContext { return oteltrace.SpanContext{} }

func (s *recordedSpan) SetStatus(code codes.Code, message string) {
	s.status = code
	s.message = message
}

func (s *recordedSpan) SetName(name string) { s.name = name }

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordedSpan) TracerProvider() oteltrace.TracerProvider { return nil }

type recordingTracer struct {
	embedded.Tracer

	spans []*recordedSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	cfg := oteltrace.NewSpanStartConfig(opts...)
	span := &recordedSpan{
		name:  name,
		start: cfg.Timestamp(),
		attrs: make(map[attribute.Key]attribute.Value),
	}
	for _, a := range cfg.Attributes() {
		span.attrs[a.Key] = a.Value
	}
	t.spans = append(t.spans, span)
	return ctx, span
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testTrace() *trace.Trace {
	return &trace.Trace{
		ID:          "tr-1",
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		StartedAt:   base,
		CompletedAt: base.Add(5 * time.Second),
		Status:      trace.StatusCompleted,
		TotalCost:   0.03,
		TotalTokens: trace.TokenUsage{Total: 300},
	}
}

func TestTraceLifecycle(t *testing.T) {
	tracer := &recordingTracer{}
	e, err := New(tracer)
	require.NoError(t, err)
	ctx := context.Background()

	tr := testTrace()
	require.NoError(t, e.StartTrace(ctx, tr))
	require.Len(t, tracer.spans, 1)
	root := tracer.spans[0]
	require.Equal(t, "workflow wf-1", root.name)
	require.Equal(t, base, root.start)

	span := &trace.Span{
		ID:          "sp-1",
		Type:        trace.SpanLLM,
		Name:        "generate",
		Status:      trace.StatusCompleted,
		StartedAt:   base.Add(time.Second),
		CompletedAt: base.Add(3 * time.Second),
		Model:       "gpt-4o-mini",
		Provider:    "openai",
		Tokens:      trace.TokenUsage{Input: 200, Output: 100, Total: 300},
		Cost:        0.03,
	}
	require.NoError(t, e.LogSpan(ctx, tr, span))
	require.Len(t, tracer.spans, 2)
	child := tracer.spans[1]
	require.Equal(t, "generate", child.name)
	require.Equal(t, "gpt-4o-mini", child.attrs["gen_ai.request.model"].AsString())
	require.EqualValues(t, 200, child.attrs["gen_ai.usage.input_tokens"].AsInt64())
	require.Equal(t, codes.Ok, child.status)
	require.True(t, child.ended)
	require.Equal(t, base.Add(3*time.Second), child.end)

	require.NoError(t, e.CompleteTrace(ctx, tr))
	require.True(t, root.ended)
	require.Equal(t, base.Add(5*time.Second), root.end)
	require.EqualValues(t, 300, root.attrs["flowmesh.total_tokens"].AsInt64())
}

func TestFailedSpanSetsErrorStatus(t *testing.T) {
	tracer := &recordingTracer{}
	e, err := New(tracer)
	require.NoError(t, err)

	tr := testTrace()
	require.NoError(t, e.StartTrace(context.Background(), tr))
	span := &trace.Span{
		ID:           "sp-err",
		Type:         trace.SpanNodeExecution,
		Name:         "flaky",
		Status:       trace.StatusFailed,
		StartedAt:    base,
		CompletedAt:  base.Add(time.Second),
		ErrorMessage: "boom",
	}
	require.NoError(t, e.LogSpan(context.Background(), tr, span))
	child := tracer.spans[1]
	require.Equal(t, codes.Error, child.status)
	require.Equal(t, "boom", child.message)
}

func TestCompleteTraceForUnknownTraceIsNoop(t *testing.T) {
	e, err := New(&recordingTracer{})
	require.NoError(t, err)
	require.NoError(t, e.CompleteTrace(context.Background(), testTrace()))
}

func TestNewRequiresTracer(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
