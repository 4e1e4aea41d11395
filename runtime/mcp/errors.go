package mcp

import "fmt"

// stderrLimit caps how much subprocess stderr is attached to errors.
const stderrLimit = 500

type (
	// SetupError reports a subprocess that could not be launched or exited
	// before the handshake. Stderr carries up to the first 500 characters of
	// the subprocess's stderr when available.
	SetupError struct {
		Server string
		Stderr string
		Cause  error
	}

	// ConnectError reports a handshake or protocol failure on an otherwise
	// launched subprocess.
	ConnectError struct {
		Server string
		Stderr string
		Cause  error
	}

	// CallError reports a tool call that returned an error envelope.
	CallError struct {
		Server  string
		Tool    string
		Code    int
		Message string
	}
)

// Error implements the error interface.
func (e *SetupError) Error() string {
	msg := fmt.Sprintf("mcp server %q setup failed", e.Server)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SetupError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("mcp server %q connection failed", e.Server)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("mcp tool %q on server %q failed (code %d): %s", e.Tool, e.Server, e.Code, e.Message)
}

// truncateStderr keeps the first stderrLimit characters of captured stderr.
func truncateStderr(s string) string {
	if len(s) > stderrLimit {
		return s[:stderrLimit]
	}
	return s
}
