// Package node defines the execution contract every workflow node implements:
// a JSON-schema configuration surface, schema-driven validation with defaults,
// typed execution, cost estimation and best-effort stream event emission.
// Concrete variants register factories in the node registry and are activated
// per execution by the workflow executor.
package node

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh/runtime/stream"
)

type (
	// Node is the capability set shared by all workflow node variants. A Node
	// value is an activation for one execution: the executor constructs it via
	// the registry factory, binds the execution id for streaming correlation,
	// runs it once and discards it.
	Node interface {
		// Type returns the registered node type identifier.
		Type() string

		// Schema describes the configuration structure.
		Schema() *Schema

		// ValidateConfig checks config against the schema, applying defaults in
		// place. Violations fail with *ConfigError carrying every reason.
		ValidateConfig(config map[string]any) error

		// Execute runs the node with validated config and returns its outputs.
		Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error)

		// EstimateCost returns the expected USD cost of executing with the
		// given inputs and config. Nonnegative; zero when the node is free.
		EstimateCost(inputs, config map[string]any) float64
	}

	// Publisher accepts stream events for eventual delivery. The in-process
	// stream.Manager satisfies it.
	Publisher interface {
		Publish(ctx context.Context, event stream.Event)
	}

	// Base carries the per-activation execution binding and emission helpers
	// shared by concrete nodes. Embed it and override the Node methods that
	// matter; EstimateCost defaults to zero.
	Base struct {
		executionID string
		nodeID      string
		publisher   Publisher
	}
)

// BindExecution associates the node activation with an execution id and stream
// publisher for event correlation. Unbound nodes emit nothing.
func (b *Base) BindExecution(executionID, nodeID string, publisher Publisher) {
	b.executionID = executionID
	b.nodeID = nodeID
	b.publisher = publisher
}

// ExecutionID returns the bound execution id, empty when unbound.
func (b *Base) ExecutionID() string { return b.executionID }

// EstimateCost returns zero; nodes with model or API costs override it.
func (b *Base) EstimateCost(map[string]any, map[string]any) float64 { return 0 }

// Emit publishes a stream event correlated with the bound execution.
// Best-effort and non-blocking: a no-op when no execution id is bound.
func (b *Base) Emit(ctx context.Context, kind stream.Kind, payload map[string]any) {
	if b.executionID == "" || b.publisher == nil {
		return
	}
	b.publisher.Publish(ctx, stream.Event{
		Kind:        kind,
		NodeID:      b.nodeID,
		ExecutionID: b.executionID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}

// EmitProgress publishes a node_progress event with the given fraction and
// message.
func (b *Base) EmitProgress(ctx context.Context, fraction float64, message string) {
	b.Emit(ctx, stream.KindNodeProgress, stream.Progress(fraction, message))
}

// EmitOutput publishes a node_output event carrying a partial or final output.
func (b *Base) EmitOutput(ctx context.Context, output map[string]any) {
	b.Emit(ctx, stream.KindNodeOutput, output)
}

// EmitLog publishes a log event with the given level and message.
func (b *Base) EmitLog(ctx context.Context, level, message string) {
	b.Emit(ctx, stream.KindLog, map[string]any{"level": level, "message": message})
}

// ExecuteSafe validates config then executes the node. Validation failures
// pass through unchanged; any other failure is wrapped in *ExecutionError so
// callers can attribute it to the node type.
func ExecuteSafe(ctx context.Context, n Node, inputs, config map[string]any) (map[string]any, error) {
	if config == nil {
		config = map[string]any{}
	}
	if err := n.ValidateConfig(config); err != nil {
		return nil, err
	}
	outputs, err := n.Execute(ctx, inputs, config)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ExecutionError{NodeType: n.Type(), Cause: err}
	}
	return outputs, nil
}
