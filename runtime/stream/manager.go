package stream

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/runtime/telemetry"
)

type (
	// Manager is the in-process fan-out channel for stream events. Publish
	// appends an event and delivers it to every subscriber of the event's
	// execution id; per-subscriber ordering matches publication order. Slow
	// subscribers drop events once their buffer fills rather than blocking
	// publishers; delivery is best-effort by contract.
	Manager struct {
		mu     sync.Mutex
		subs   map[string][]*subscription
		sinks  []Sink
		buffer int
		logger telemetry.Logger
		closed bool
	}

	subscription struct {
		executionID string
		ch          chan Event
	}

	// ManagerOption configures the Manager.
	ManagerOption func(*Manager)
)

const defaultBuffer = 256

// WithSink attaches a Sink that receives every published event in addition to
// in-process subscribers.
func WithSink(sink Sink) ManagerOption {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sink)
	}
}

// WithBuffer sets the per-subscriber channel buffer size.
func WithBuffer(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithLogger sets the manager logger. Defaults to a noop logger.
func WithLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds an in-process stream manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		subs:   make(map[string][]*subscription),
		buffer: defaultBuffer,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish delivers the event to all subscribers of its execution id and to any
// attached sinks. Publication is best-effort: a full subscriber buffer drops
// the event for that subscriber, and sink failures are logged, not propagated.
func (m *Manager) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	subs := make([]*subscription, len(m.subs[event.ExecutionID]))
	copy(subs, m.subs[event.ExecutionID])
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			m.logger.Warn(ctx, "stream subscriber buffer full, dropping event",
				"execution_id", event.ExecutionID, "event_kind", string(event.Kind))
		}
	}
	for _, sink := range sinks {
		if err := sink.Send(ctx, event); err != nil {
			m.logger.Warn(ctx, "stream sink send failed",
				"execution_id", event.ExecutionID, "err", err.Error())
		}
	}
}

// Subscribe registers a subscriber for the given execution id and returns the
// event channel plus a cancel function that unsubscribes and closes it.
func (m *Manager) Subscribe(executionID string) (<-chan Event, func()) {
	sub := &subscription{executionID: executionID, ch: make(chan Event, m.buffer)}
	m.mu.Lock()
	m.subs[executionID] = append(m.subs[executionID], sub)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			subs := m.subs[executionID]
			for i, s := range subs {
				if s == sub {
					m.subs[executionID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(m.subs[executionID]) == 0 {
				delete(m.subs, executionID)
			}
			m.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// CloseExecution closes and removes all subscribers of the given execution id.
// Published executions call this after their terminal event so observers see
// end-of-stream.
func (m *Manager) CloseExecution(executionID string) {
	m.mu.Lock()
	subs := m.subs[executionID]
	delete(m.subs, executionID)
	m.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

// Close shuts the manager down: all subscriber channels are closed and
// attached sinks are released.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string][]*subscription)
	sinks := m.sinks
	m.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
