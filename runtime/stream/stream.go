// Package stream provides the event model and fan-out transport for delivering
// real-time node execution updates to observers. Events are append-only
// snapshots keyed by execution id; the in-process Manager fans them out to
// per-execution subscribers in publication order, and Sink implementations
// forward them to external transports (SSE, WebSockets, Redis Streams).
package stream

import (
	"context"
	"time"
)

// Kind identifies the stream event variant.
type Kind string

const (
	KindNodeStarted   Kind = "node_started"
	KindNodeProgress  Kind = "node_progress"
	KindNodeOutput    Kind = "node_output"
	KindLog           Kind = "log"
	KindNodeCompleted Kind = "node_completed"
	KindNodeFailed    Kind = "node_failed"
)

type (
	// Event is one streaming update emitted during node execution. Events are
	// immutable after construction and safe to send concurrently.
	Event struct {
		// Kind identifies the event variant.
		Kind Kind `json:"event_kind"`
		// NodeID identifies the emitting node instance within the workflow.
		NodeID string `json:"node_id"`
		// ExecutionID correlates the event with one workflow execution. All
		// events of a single execution share the same id, enabling clients to
		// filter or group events per run.
		ExecutionID string `json:"execution_id"`
		// Agent optionally names the agent on whose behalf the node ran.
		Agent string `json:"agent,omitempty"`
		// Task optionally names the agent task.
		Task string `json:"task,omitempty"`
		// Payload carries the variant-specific data: progress fraction and
		// message for node_progress, partial or final output for node_output,
		// level and message for log, error details for node_failed.
		Payload map[string]any `json:"payload,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink delivers streaming events to an external transport. Implementations
	// must be thread-safe: the engine may call Send concurrently from multiple
	// goroutines when nodes execute in parallel.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. The
		// implementation is responsible for marshaling the event into the wire
		// format and handling transport-specific delivery semantics (retry,
		// buffering, backpressure).
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent; after
		// it returns, subsequent Send calls must return errors. The context
		// bounds graceful shutdown.
		Close(ctx context.Context) error
	}
)

// Progress builds a node_progress event payload. Fraction is clamped to [0, 1].
func Progress(fraction float64, message string) map[string]any {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return map[string]any{"progress": fraction, "message": message}
}
