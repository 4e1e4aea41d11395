package langfuse

import (
	"context"
	"testing"
	"time"

	lfmodel "github.com/henomis/langfuse-go/model"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

type fakeClient struct {
	traces      []*lfmodel.Trace
	spans       []*lfmodel.Span
	spanEnds    []*lfmodel.Span
	generations []*lfmodel.Generation
	genEnds     []*lfmodel.Generation
	flushes     int
}

func (f *fakeClient) Trace(t *lfmodel.Trace) (*lfmodel.Trace, error) {
	f.traces = append(f.traces, t)
	return t, nil
}

func (f *fakeClient) Span(s *lfmodel.Span, _ *string) (*lfmodel.Span, error) {
	f.spans = append(f.spans, s)
	return s, nil
}

func (f *fakeClient) SpanEnd(s *lfmodel.Span) (*lfmodel.Span, error) {
	f.spanEnds = append(f.spanEnds, s)
	return s, nil
}

func (f *fakeClient) Generation(g *lfmodel.Generation, _ *string) (*lfmodel.Generation, error) {
	f.generations = append(f.generations, g)
	return g, nil
}

func (f *fakeClient) GenerationEnd(g *lfmodel.Generation) (*lfmodel.Generation, error) {
	f.genEnds = append(f.genEnds, g)
	return g, nil
}

func (f *fakeClient) Flush(context.Context) { f.flushes++ }

var started = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func testTrace() *trace.Trace {
	return &trace.Trace{
		ID:          "tr-1",
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		Query:       "what is flowmesh",
		Status:      trace.StatusCompleted,
		TotalCost:   0.02,
		TotalTokens: trace.TokenUsage{Total: 200},
	}
}

func TestLLMSpanBecomesGeneration(t *testing.T) {
	client := &fakeClient{}
	e, err := New(client)
	require.NoError(t, err)

	span := &trace.Span{
		ID:          "sp-1",
		TraceID:     "tr-1",
		Type:        trace.SpanLLM,
		Name:        "generate",
		Status:      trace.StatusCompleted,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Model:       "gpt-4o-mini",
		Provider:    "openai",
		Tokens:      trace.TokenUsage{Input: 100, Output: 50, Total: 150},
		Cost:        0.01,
	}
	require.NoError(t, e.LogSpan(context.Background(), testTrace(), span))

	require.Len(t, client.generations, 1)
	require.Empty(t, client.spans)
	g := client.generations[0]
	require.Equal(t, "gpt-4o-mini", g.Model)
	require.Equal(t, 150, g.Usage.Total)
	require.Equal(t, 0.01, g.Usage.TotalCost)
	require.Equal(t, "openai", g.Metadata.(lfmodel.M)["provider"])
	require.Len(t, client.genEnds, 1)
	require.NotNil(t, client.genEnds[0].EndTime)
}

func TestNonLLMSpanBecomesSpan(t *testing.T) {
	client := &fakeClient{}
	e, err := New(client)
	require.NoError(t, err)

	span := &trace.Span{
		ID:           "sp-2",
		Type:         trace.SpanChunking,
		Name:         "chunk",
		Status:       trace.StatusFailed,
		StartedAt:    started,
		CompletedAt:  started.Add(time.Second),
		ErrorMessage: "empty input",
		ParentSpanID: "sp-0",
	}
	require.NoError(t, e.LogSpan(context.Background(), testTrace(), span))

	require.Empty(t, client.generations)
	require.Len(t, client.spans, 1)
	s := client.spans[0]
	require.Equal(t, lfmodel.ObservationLevelError, s.Level)
	require.Equal(t, "empty input", s.StatusMessage)
	require.Equal(t, "chunking", s.Metadata.(lfmodel.M)["span_type"])
}

func TestCompleteTraceFlushesAggregates(t *testing.T) {
	client := &fakeClient{}
	e, err := New(client)
	require.NoError(t, err)

	require.NoError(t, e.StartTrace(context.Background(), testTrace()))
	require.NoError(t, e.CompleteTrace(context.Background(), testTrace()))

	require.Len(t, client.traces, 2)
	out, ok := client.traces[1].Output.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "completed", out["status"])
	require.Equal(t, 0.02, out["total_cost"])
	require.Equal(t, 1, client.flushes)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
