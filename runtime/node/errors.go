package node

import (
	"fmt"
	"strings"
)

// ConfigError reports a node configuration that violates its schema. It
// carries the full list of reasons so callers can surface every violation at
// once. Configuration errors are never retried.
type ConfigError struct {
	// Reasons lists every violation found during validation.
	Reasons []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid node configuration: %s", strings.Join(e.Reasons, "; "))
}

// ExecutionError wraps any non-validation failure raised by a node body so
// callers can attribute it to the node type that produced it.
type ExecutionError struct {
	// NodeType identifies the failing node variant.
	NodeType string
	// Cause is the underlying failure.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %q execution failed: %v", e.NodeType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Cause }
