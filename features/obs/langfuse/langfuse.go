// Package langfuse mirrors workflow traces into Langfuse. LLM and embedding
// spans become Langfuse generations so token usage and cost show up in the
// model analytics views; every other span type becomes a plain observation
// span under the same trace.
package langfuse

import (
	"context"
	"fmt"
	"time"

	lf "github.com/henomis/langfuse-go"
	lfmodel "github.com/henomis/langfuse-go/model"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

type (
	// Client captures the subset of the Langfuse SDK used by the exporter. It
	// is satisfied by *langfuse.Langfuse so tests can substitute a fake.
	Client interface {
		Trace(t *lfmodel.Trace) (*lfmodel.Trace, error)
		Span(s *lfmodel.Span, parentID *string) (*lfmodel.Span, error)
		SpanEnd(s *lfmodel.Span) (*lfmodel.Span, error)
		Generation(g *lfmodel.Generation, parentID *string) (*lfmodel.Generation, error)
		GenerationEnd(g *lfmodel.Generation) (*lfmodel.Generation, error)
		Flush(ctx context.Context)
	}

	// Exporter implements obs.Adapter on top of the Langfuse ingestion API.
	Exporter struct {
		client Client
	}
)

// New builds an exporter over an existing Langfuse client.
func New(client Client) (*Exporter, error) {
	if client == nil {
		return nil, fmt.Errorf("langfuse: client is required")
	}
	return &Exporter{client: client}, nil
}

// NewFromEnv constructs an exporter using the SDK's environment configuration
// (LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY, LANGFUSE_SECRET_KEY).
func NewFromEnv(ctx context.Context) (*Exporter, error) {
	return New(lf.New(ctx))
}

// Name identifies the adapter in logs.
func (e *Exporter) Name() string { return "langfuse" }

// StartTrace registers the trace shell so spans can attach to it immediately.
func (e *Exporter) StartTrace(_ context.Context, t *trace.Trace) error {
	_, err := e.client.Trace(&lfmodel.Trace{
		ID:    t.ID,
		Name:  t.WorkflowID,
		Input: t.Query,
		Metadata: lfmodel.M{
			"execution_id": t.ExecutionID,
		},
	})
	return err
}

// LogSpan mirrors one terminal span. Generations carry model, usage and cost;
// failed spans are marked with the error level and message.
func (e *Exporter) LogSpan(_ context.Context, t *trace.Trace, s *trace.Span) error {
	switch s.Type {
	case trace.SpanLLM, trace.SpanEmbedding:
		return e.logGeneration(t, s)
	default:
		return e.logSpan(t, s)
	}
}

func (e *Exporter) logGeneration(t *trace.Trace, s *trace.Span) error {
	g := &lfmodel.Generation{
		ID:        s.ID,
		TraceID:   t.ID,
		Name:      s.Name,
		StartTime: timePtr(s.StartedAt),
		Model:     s.Model,
		Input:     s.Inputs,
		Output:    s.Outputs,
		Usage: lfmodel.Usage{
			Input:     s.Tokens.Input,
			Output:    s.Tokens.Output,
			Total:     s.Tokens.Total,
			TotalCost: s.Cost,
		},
		Metadata: spanMetadata(s),
	}
	if s.Status == trace.StatusFailed {
		g.Level = lfmodel.ObservationLevelError
		g.StatusMessage = s.ErrorMessage
	}
	if _, err := e.client.Generation(g, parent(s)); err != nil {
		return err
	}
	if !s.CompletedAt.IsZero() {
		g.EndTime = timePtr(s.CompletedAt)
		_, err := e.client.GenerationEnd(g)
		return err
	}
	return nil
}

func (e *Exporter) logSpan(t *trace.Trace, s *trace.Span) error {
	sp := &lfmodel.Span{
		ID:        s.ID,
		TraceID:   t.ID,
		Name:      s.Name,
		StartTime: timePtr(s.StartedAt),
		Input:     s.Inputs,
		Output:    s.Outputs,
		Metadata:  spanMetadata(s),
	}
	if s.Status == trace.StatusFailed {
		sp.Level = lfmodel.ObservationLevelError
		sp.StatusMessage = s.ErrorMessage
	}
	if _, err := e.client.Span(sp, parent(s)); err != nil {
		return err
	}
	if !s.CompletedAt.IsZero() {
		sp.EndTime = timePtr(s.CompletedAt)
		_, err := e.client.SpanEnd(sp)
		return err
	}
	return nil
}

// CompleteTrace upserts the trace aggregates and flushes the ingestion queue.
func (e *Exporter) CompleteTrace(ctx context.Context, t *trace.Trace) error {
	lt := &lfmodel.Trace{
		ID:   t.ID,
		Name: t.WorkflowID,
		Output: map[string]any{
			"status":            string(t.Status),
			"total_cost":        t.TotalCost,
			"total_tokens":      t.TotalTokens.Total,
			"total_duration_ms": t.TotalDurationMs,
		},
	}
	md := lfmodel.M{
		"execution_id": t.ExecutionID,
	}
	if t.ErrorMessage != "" {
		md["error"] = t.ErrorMessage
	}
	lt.Metadata = md
	if _, err := e.client.Trace(lt); err != nil {
		return err
	}
	e.client.Flush(ctx)
	return nil
}

func spanMetadata(s *trace.Span) lfmodel.M {
	md := lfmodel.M{
		"span_type":   string(s.Type),
		"status":      string(s.Status),
		"duration_ms": s.DurationMs,
	}
	if s.Provider != "" {
		md["provider"] = s.Provider
	}
	if s.RetryCount > 0 {
		md["retry_count"] = s.RetryCount
	}
	if len(s.Evaluation) > 0 {
		md["evaluation"] = s.Evaluation
	}
	return md
}

func parent(s *trace.Span) *string {
	if s.ParentSpanID == "" {
		return nil
	}
	id := s.ParentSpanID
	return &id
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
