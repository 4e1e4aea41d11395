// Package trace defines the hierarchical trace/span model recorded for every
// workflow execution. A Trace owns its spans exclusively; spans reference their
// parents by id only so the tree stays acyclic and serialisable. Aggregation,
// parallel-interval detection and record snapshots live here; the span
// lifecycle API (start/complete/fail) is driven by the observability manager.
package trace

import (
	"time"
)

// Status enumerates span and trace lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SpanType identifies the operation a span records. The set is closed; adapters
// map these onto backend-specific observation kinds.
type SpanType string

const (
	SpanWorkflowStart SpanType = "workflow_start"
	SpanNodeExecution SpanType = "node_execution"
	SpanLLM           SpanType = "llm"
	SpanEmbedding     SpanType = "embedding"
	SpanVectorSearch  SpanType = "vector_search"
	SpanReranking     SpanType = "reranking"
	SpanChunking      SpanType = "chunking"
	SpanQueryInput    SpanType = "query_input"
	SpanFinalOutput   SpanType = "final_output"
	SpanAgentToolCall SpanType = "agent_tool_call"
)

type (
	// TokenUsage records prompt/completion token counts attributed to a span.
	TokenUsage struct {
		Input  int `json:"input" bson:"input"`
		Output int `json:"output" bson:"output"`
		Total  int `json:"total" bson:"total"`
	}

	// Span is one atomic operation within a trace. StartedAt/CompletedAt use
	// zero time values to mean "unset"; DurationMs is derived when the span
	// reaches a terminal state.
	Span struct {
		ID           string   `json:"span_id" bson:"span_id"`
		TraceID      string   `json:"trace_id" bson:"trace_id"`
		ParentSpanID string   `json:"parent_span_id,omitempty" bson:"parent_span_id,omitempty"`
		Type         SpanType `json:"span_type" bson:"span_type"`
		Name         string   `json:"name" bson:"name"`
		Status       Status   `json:"status" bson:"status"`

		StartedAt   time.Time `json:"started_at" bson:"started_at"`
		CompletedAt time.Time `json:"completed_at,omitzero" bson:"completed_at,omitempty"`
		DurationMs  int64     `json:"duration_ms" bson:"duration_ms"`

		Inputs  map[string]any `json:"inputs,omitempty" bson:"inputs,omitempty"`
		Outputs map[string]any `json:"outputs,omitempty" bson:"outputs,omitempty"`

		Tokens   TokenUsage `json:"tokens" bson:"tokens"`
		Cost     float64    `json:"cost" bson:"cost"`
		Model    string     `json:"model,omitempty" bson:"model,omitempty"`
		Provider string     `json:"provider,omitempty" bson:"provider,omitempty"`

		ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`
		ErrorKind    string `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
		ErrorStack   string `json:"error_stack,omitempty" bson:"error_stack,omitempty"`

		APILimits  map[string]any `json:"api_limits,omitempty" bson:"api_limits,omitempty"`
		RetryCount int            `json:"retry_count" bson:"retry_count"`
		Timeout    time.Duration  `json:"timeout,omitempty" bson:"timeout,omitempty"`

		Evaluation map[string]any `json:"evaluation,omitempty" bson:"evaluation,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`

		// ChildSpans lists child span ids in registration order.
		ChildSpans []string `json:"child_spans,omitempty" bson:"child_spans,omitempty"`
	}

	// Trace is the root of a span tree recorded for one workflow execution.
	Trace struct {
		ID          string `json:"trace_id" bson:"trace_id"`
		WorkflowID  string `json:"workflow_id" bson:"workflow_id"`
		ExecutionID string `json:"execution_id" bson:"execution_id"`
		Query       string `json:"query,omitempty" bson:"query,omitempty"`

		StartedAt   time.Time `json:"started_at" bson:"started_at"`
		CompletedAt time.Time `json:"completed_at,omitzero" bson:"completed_at,omitempty"`
		Status      Status    `json:"status" bson:"status"`

		TotalCost       float64    `json:"total_cost" bson:"total_cost"`
		TotalTokens     TokenUsage `json:"total_tokens" bson:"total_tokens"`
		TotalDurationMs int64      `json:"total_duration_ms" bson:"total_duration_ms"`

		ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

		// Spans maps span id to span; RootSpans lists top-level span ids in
		// registration order.
		Spans     map[string]*Span `json:"spans" bson:"spans"`
		RootSpans []string         `json:"root_spans" bson:"root_spans"`
	}
)

// Terminal reports whether the span has reached a terminal status. Terminal
// spans reject further mutation.
func (s *Span) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Finish stamps the completion time and derives DurationMs from the
// started/completed interval.
func (s *Span) Finish(status Status, at time.Time) {
	s.Status = status
	s.CompletedAt = at
	if !s.StartedAt.IsZero() && !at.Before(s.StartedAt) {
		s.DurationMs = at.Sub(s.StartedAt).Milliseconds()
	}
}

// ComputeTotals recomputes the trace aggregates as simple sums over its spans.
func (t *Trace) ComputeTotals() {
	var cost float64
	var tokens TokenUsage
	var duration int64
	for _, s := range t.Spans {
		cost += s.Cost
		tokens.Input += s.Tokens.Input
		tokens.Output += s.Tokens.Output
		tokens.Total += s.Tokens.Total
		duration += s.DurationMs
	}
	t.TotalCost = cost
	t.TotalTokens = tokens
	t.TotalDurationMs = duration
}

// Sequence returns the trace's started spans ordered by start time ascending.
func (t *Trace) Sequence() []*Span {
	spans := make([]*Span, 0, len(t.Spans))
	for _, s := range t.Spans {
		if !s.StartedAt.IsZero() {
			spans = append(spans, s)
		}
	}
	sortSpansByStart(spans)
	return spans
}
