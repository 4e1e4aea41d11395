// Package obs hosts the in-process observability core: the span lifecycle API,
// the bounded trace store, and the adapter fan-out that mirrors traces into
// external backends. All span and trace mutation flows through the Manager so
// the model invariants (status transitions, trace binding, frozen totals) are
// enforced in one place.
package obs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/runtime/telemetry"
	"github.com/flowmesh/flowmesh/runtime/trace"
)

type (
	// Adapter mirrors trace lifecycle events into an external observability
	// backend. Adapter failures are caught and logged by the manager; they
	// never propagate into the execution path.
	Adapter interface {
		// Name identifies the adapter in logs.
		Name() string
		// StartTrace is invoked once when a trace is created.
		StartTrace(ctx context.Context, t *trace.Trace) error
		// LogSpan is invoked each time a span reaches a terminal state.
		LogSpan(ctx context.Context, t *trace.Trace, s *trace.Span) error
		// CompleteTrace is invoked once after the trace is finalised and its
		// totals are frozen.
		CompleteTrace(ctx context.Context, t *trace.Trace) error
	}

	// Manager owns all in-flight traces for one engine process. Traces are held
	// in memory; retention is bounded by MaxTraces with FIFO eviction of
	// finished traces once the cap is exceeded.
	Manager struct {
		mu       sync.Mutex
		traces   map[string]*trace.Trace
		order    []string // trace ids in creation order, for eviction
		adapters []Adapter
		logger   telemetry.Logger
		max      int
		now      func() time.Time
	}

	// ManagerOption configures the Manager.
	ManagerOption func(*Manager)
)

// defaultMaxTraces bounds in-memory retention. Finished traces beyond the cap
// are evicted oldest-first.
const defaultMaxTraces = 1000

// terminalSpanTypes are the span types whose failure fails the owning trace.
var terminalSpanTypes = map[trace.SpanType]struct{}{
	trace.SpanLLM:         {},
	trace.SpanFinalOutput: {},
}

// WithAdapter attaches an observability adapter to the fan-out set.
func WithAdapter(a Adapter) ManagerOption {
	return func(m *Manager) {
		if a != nil {
			m.adapters = append(m.adapters, a)
		}
	}
}

// WithLogger sets the manager logger. Defaults to noop.
func WithLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxTraces overrides the in-memory retention cap.
func WithMaxTraces(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds an observability manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		traces: make(map[string]*trace.Trace),
		logger: telemetry.NewNoopLogger(),
		max:    defaultMaxTraces,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartTrace creates a trace for one workflow execution and notifies adapters.
func (m *Manager) StartTrace(ctx context.Context, workflowID, executionID, query string) *trace.Trace {
	t := &trace.Trace{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Query:       query,
		StartedAt:   m.now(),
		Status:      trace.StatusRunning,
		Spans:       make(map[string]*trace.Span),
	}
	m.mu.Lock()
	m.traces[t.ID] = t
	m.order = append(m.order, t.ID)
	m.evictLocked()
	m.mu.Unlock()

	m.notify(ctx, func(a Adapter) error { return a.StartTrace(ctx, t) })
	return t
}

// StartSpan opens a span in the given trace, linking it under parentID when
// supplied, otherwise under the trace root. Spans start in status running.
func (m *Manager) StartSpan(ctx context.Context, traceID string, spanType trace.SpanType, name, parentID string, inputs map[string]any) (*trace.Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil, fmt.Errorf("unknown trace %q", traceID)
	}
	s := &trace.Span{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Type:      spanType,
		Name:      name,
		Status:    trace.StatusRunning,
		StartedAt: m.now(),
		Inputs:    inputs,
	}
	if parentID != "" {
		parent, ok := t.Spans[parentID]
		if !ok {
			return nil, fmt.Errorf("unknown parent span %q in trace %q", parentID, traceID)
		}
		s.ParentSpanID = parentID
		parent.ChildSpans = append(parent.ChildSpans, s.ID)
	} else {
		t.RootSpans = append(t.RootSpans, s.ID)
	}
	t.Spans[s.ID] = s
	return s, nil
}

// CompleteSpan marks the span completed, records outputs and usage, and
// derives its duration. Completing an already-terminal span is a no-op with a
// warning.
func (m *Manager) CompleteSpan(ctx context.Context, spanID string, outputs map[string]any, tokens *trace.TokenUsage, cost float64) {
	m.mu.Lock()
	t, s := m.findSpanLocked(spanID)
	if s == nil {
		m.mu.Unlock()
		m.logger.Warn(ctx, "complete_span on unknown span", "span_id", spanID)
		return
	}
	if s.Terminal() {
		m.mu.Unlock()
		m.logger.Warn(ctx, "complete_span on terminal span ignored", "span_id", spanID, "status", string(s.Status))
		return
	}
	if outputs != nil {
		s.Outputs = outputs
	}
	if tokens != nil {
		s.Tokens = *tokens
	}
	if cost > 0 {
		s.Cost = cost
	}
	s.Finish(trace.StatusCompleted, m.now())
	m.mu.Unlock()

	m.notify(ctx, func(a Adapter) error { return a.LogSpan(ctx, t, s) })
}

// FailSpan marks the span failed with the given error details. When the span's
// type is terminal for the workflow (llm, final_output), the owning trace is
// marked failed with the same error.
func (m *Manager) FailSpan(ctx context.Context, spanID, errorMessage, errorKind, stack string) {
	m.mu.Lock()
	t, s := m.findSpanLocked(spanID)
	if s == nil {
		m.mu.Unlock()
		m.logger.Warn(ctx, "fail_span on unknown span", "span_id", spanID)
		return
	}
	if s.Terminal() {
		m.mu.Unlock()
		m.logger.Warn(ctx, "fail_span on terminal span ignored", "span_id", spanID, "status", string(s.Status))
		return
	}
	s.ErrorMessage = errorMessage
	s.ErrorKind = errorKind
	s.ErrorStack = stack
	s.Finish(trace.StatusFailed, m.now())
	if _, terminal := terminalSpanTypes[s.Type]; terminal {
		t.Status = trace.StatusFailed
		t.ErrorMessage = errorMessage
	}
	m.mu.Unlock()

	m.notify(ctx, func(a Adapter) error { return a.LogSpan(ctx, t, s) })
}

// CancelSpan marks a still-running span cancelled, typically during
// workflow-level cancellation.
func (m *Manager) CancelSpan(ctx context.Context, spanID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, s := m.findSpanLocked(spanID)
	if s == nil || s.Terminal() {
		return
	}
	s.Finish(trace.StatusCancelled, m.now())
}

// SpanUpdate carries the metadata merged by UpdateSpanMetadata. Nil maps and
// empty strings leave the corresponding span fields untouched.
type SpanUpdate struct {
	// Tokens are added to the span's running totals.
	Tokens *trace.TokenUsage
	// Cost, Model and Provider replace the span's scalar fields when set.
	Cost     *float64
	Model    string
	Provider string
	// APILimits and Metadata are merged key-by-key, last write wins.
	APILimits map[string]any
	Metadata  map[string]any
	// RetryCount replaces the span's retry counter when non-nil.
	RetryCount *int
}

// UpdateSpanMetadata merges usage and API metadata into a running span.
func (m *Manager) UpdateSpanMetadata(ctx context.Context, spanID string, update SpanUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, s := m.findSpanLocked(spanID)
	if s == nil {
		m.logger.Warn(ctx, "update_span_metadata on unknown span", "span_id", spanID)
		return
	}
	if s.Terminal() {
		m.logger.Warn(ctx, "update_span_metadata on terminal span ignored", "span_id", spanID)
		return
	}
	if update.Tokens != nil {
		s.Tokens.Input += update.Tokens.Input
		s.Tokens.Output += update.Tokens.Output
		s.Tokens.Total += update.Tokens.Total
	}
	if update.Cost != nil {
		s.Cost = *update.Cost
	}
	if update.Model != "" {
		s.Model = update.Model
	}
	if update.Provider != "" {
		s.Provider = update.Provider
	}
	if update.RetryCount != nil {
		s.RetryCount = *update.RetryCount
	}
	if len(update.APILimits) > 0 {
		if s.APILimits == nil {
			s.APILimits = make(map[string]any, len(update.APILimits))
		}
		for k, v := range update.APILimits {
			s.APILimits[k] = v
		}
	}
	if len(update.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			s.Metadata[k] = v
		}
	}
}

// AddSpanEvaluation attaches a structured scorecard to the span, replacing any
// previous evaluation.
func (m *Manager) AddSpanEvaluation(ctx context.Context, spanID string, evaluation map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, s := m.findSpanLocked(spanID)
	if s == nil {
		m.logger.Warn(ctx, "add_span_evaluation on unknown span", "span_id", spanID)
		return
	}
	s.Evaluation = evaluation
}

// FailTrace marks a running trace failed with the given error message. Used by
// the executor when a node failure aborts the workflow. Terminal traces are
// left untouched.
func (m *Manager) FailTrace(ctx context.Context, traceID, errorMessage string) {
	m.mu.Lock()
	t, ok := m.traces[traceID]
	if !ok || t.Status != trace.StatusRunning {
		m.mu.Unlock()
		return
	}
	t.Status = trace.StatusFailed
	t.ErrorMessage = errorMessage
	m.mu.Unlock()
	m.logger.Warn(ctx, "trace failed", "trace_id", traceID, "error", errorMessage)
}

// CompleteTrace finalises the trace: completion time is stamped, totals are
// computed as sums over spans and frozen, and adapters are notified. A trace
// already failed by a terminal span keeps its failed status.
func (m *Manager) CompleteTrace(ctx context.Context, traceID string) {
	m.mu.Lock()
	t, ok := m.traces[traceID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn(ctx, "complete_trace on unknown trace", "trace_id", traceID)
		return
	}
	if t.Status == trace.StatusCompleted {
		m.mu.Unlock()
		m.logger.Warn(ctx, "complete_trace on completed trace ignored", "trace_id", traceID)
		return
	}
	t.CompletedAt = m.now()
	if t.Status != trace.StatusFailed {
		t.Status = trace.StatusCompleted
	}
	t.ComputeTotals()
	m.mu.Unlock()

	m.notify(ctx, func(a Adapter) error { return a.CompleteTrace(ctx, t) })
}

// GetTrace returns the trace with the given id.
func (m *Manager) GetTrace(traceID string) (*trace.Trace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	return t, ok
}

// GetSpan returns the span with the given id.
func (m *Manager) GetSpan(spanID string) (*trace.Span, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, s := m.findSpanLocked(spanID)
	return s, s != nil
}

// ParallelSpans returns the overlapping-interval span groups for a trace.
func (m *Manager) ParallelSpans(traceID string) [][]*trace.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil
	}
	return t.ParallelGroups()
}

// SpanSequence returns the trace's started spans in start order.
func (m *Manager) SpanSequence(traceID string) []*trace.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil
	}
	return t.Sequence()
}

// notify fans an adapter callback out to every attached adapter. Errors and
// panics are logged and swallowed; notifications run sequentially so one trace
// sees adapter events in order.
func (m *Manager) notify(ctx context.Context, fn func(Adapter) error) {
	for _, a := range m.adapters {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error(ctx, "observability adapter panicked", "adapter", a.Name(), "panic", fmt.Sprint(r))
				}
			}()
			if err := fn(a); err != nil {
				m.logger.Warn(ctx, "observability adapter failed", "adapter", a.Name(), "err", err.Error())
			}
		}()
	}
}

// findSpanLocked locates a span and its owning trace. Callers hold the lock.
func (m *Manager) findSpanLocked(spanID string) (*trace.Trace, *trace.Span) {
	for _, t := range m.traces {
		if s, ok := t.Spans[spanID]; ok {
			return t, s
		}
	}
	return nil, nil
}

// evictLocked drops the oldest finished traces once the cap is exceeded.
// Running traces are never evicted. Callers hold the lock.
func (m *Manager) evictLocked() {
	for len(m.traces) > m.max {
		evicted := false
		for i, id := range m.order {
			t, ok := m.traces[id]
			if !ok {
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
			if t.Status != trace.StatusRunning {
				delete(m.traces, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
