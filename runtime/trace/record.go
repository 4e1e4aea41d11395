package trace

import "time"

type (
	// Record is the flattened, persistence-friendly snapshot of a trace. Stores
	// persist records; the cost forecaster consumes them. Only fields the
	// forecaster depends on are first-class, the rest round-trips through the
	// span records.
	Record struct {
		TraceID     string       `json:"trace_id" bson:"trace_id"`
		WorkflowID  string       `json:"workflow_id" bson:"workflow_id"`
		ExecutionID string       `json:"execution_id" bson:"execution_id"`
		UserID      string       `json:"user_id,omitempty" bson:"user_id,omitempty"`
		Status      Status       `json:"status" bson:"status"`
		StartedAt   time.Time    `json:"started_at" bson:"started_at"`
		CompletedAt time.Time    `json:"completed_at,omitzero" bson:"completed_at,omitempty"`
		TotalCost   float64      `json:"total_cost" bson:"total_cost"`
		TotalTokens TokenUsage   `json:"total_tokens" bson:"total_tokens"`
		Spans       []SpanRecord `json:"spans" bson:"spans"`
	}

	// SpanRecord is the per-span slice of a Record.
	SpanRecord struct {
		SpanID     string     `json:"span_id" bson:"span_id"`
		Type       SpanType   `json:"span_type" bson:"span_type"`
		Status     Status     `json:"status" bson:"status"`
		StartedAt  time.Time  `json:"started_at" bson:"started_at"`
		DurationMs int64      `json:"duration_ms" bson:"duration_ms"`
		Tokens     TokenUsage `json:"tokens" bson:"tokens"`
		Cost       float64    `json:"cost" bson:"cost"`
		Model      string     `json:"model,omitempty" bson:"model,omitempty"`
		Provider   string     `json:"provider,omitempty" bson:"provider,omitempty"`
	}
)

// ToRecord snapshots the trace into its record form. Span records follow the
// trace's start sequence so re-reading a record preserves execution order.
func (t *Trace) ToRecord() Record {
	rec := Record{
		TraceID:     t.ID,
		WorkflowID:  t.WorkflowID,
		ExecutionID: t.ExecutionID,
		Status:      t.Status,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		TotalCost:   t.TotalCost,
		TotalTokens: t.TotalTokens,
	}
	for _, s := range t.Sequence() {
		rec.Spans = append(rec.Spans, SpanRecord{
			SpanID:     s.ID,
			Type:       s.Type,
			Status:     s.Status,
			StartedAt:  s.StartedAt,
			DurationMs: s.DurationMs,
			Tokens:     s.Tokens,
			Cost:       s.Cost,
			Model:      s.Model,
			Provider:   s.Provider,
		})
	}
	return rec
}

// RecomputeTotals sums cost and token aggregates over the record's spans.
// Round-tripping a completed trace through ToRecord and RecomputeTotals yields
// the same numbers the trace froze at completion.
func (r *Record) RecomputeTotals() {
	var cost float64
	var tokens TokenUsage
	for _, s := range r.Spans {
		cost += s.Cost
		tokens.Input += s.Tokens.Input
		tokens.Output += s.Tokens.Output
		tokens.Total += s.Tokens.Total
	}
	r.TotalCost = cost
	r.TotalTokens = tokens
}
