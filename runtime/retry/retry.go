// Package retry executes operations with exponential backoff, honouring a
// two-class error taxonomy. Transient upstream faults are wrapped in
// RetryableError and retried up to a budget; permanent faults are wrapped in
// NonRetryableError and surface immediately. Backoff sleeps honour context
// cancellation so an in-flight retry aborts cleanly when the enclosing
// execution is cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type (
	// Config configures retry behavior for an operation.
	Config struct {
		// MaxRetries is the number of additional attempts after the first call.
		// The first call is attempt 0; MaxRetries=N permits a total of N+1
		// attempts.
		MaxRetries int
		// InitialDelay is the delay before the first retry.
		InitialDelay time.Duration
		// MaxDelay caps the delay between retries.
		MaxDelay time.Duration
		// ExponentialBase is the factor by which the delay grows after each
		// attempt. A value of 2.0 provides classic exponential backoff.
		ExponentialBase float64
		// Jitter multiplies each delay by a uniform random factor in [0.5, 1.0)
		// to prevent herd effects.
		Jitter bool
	}

	// RetryableError marks a transient upstream fault that backoff may recover.
	RetryableError struct {
		Cause error
	}

	// NonRetryableError marks a permanent upstream fault; retrying is pointless.
	NonRetryableError struct {
		Cause error
	}
)

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Error returns the error message.
func (e *RetryableError) Error() string {
	if e == nil || e.Cause == nil {
		return "retryable error"
	}
	return e.Cause.Error()
}

// Unwrap returns the underlying error.
func (e *RetryableError) Unwrap() error { return e.Cause }

// Error returns the error message.
func (e *NonRetryableError) Error() string {
	if e == nil || e.Cause == nil {
		return "non-retryable error"
	}
	return e.Cause.Error()
}

// Unwrap returns the underlying error.
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// Retryable wraps err as a RetryableError. Returns nil when err is nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Cause: err}
}

// NonRetryable wraps err as a NonRetryableError. Returns nil when err is nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Cause: err}
}

// IsRetryable reports whether err should be retried. Errors explicitly marked
// NonRetryableError are permanent; everything else, including unclassified
// errors, defaults to retryable. Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nre *NonRetryableError
	return !errors.As(err, &nre)
}

// Do executes fn with exponential backoff per cfg. On success the result is
// returned. A NonRetryableError from fn surfaces immediately; a retryable
// failure sleeps min(InitialDelay·ExponentialBase^attempt, MaxDelay) (scaled by
// jitter when enabled) and tries again until the budget is exhausted, at which
// point the last error surfaces unwrapped from its retry classification.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2.0
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, unwrapClass(err)
		}
		if attempt >= cfg.MaxRetries {
			break
		}
		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, unwrapClass(lastErr)
}

// backoffDelay computes the sleep before the retry following the given attempt.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64()*0.5 //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(delay)
}

// unwrapClass strips the retry classification wrapper so callers see the
// underlying provider error.
func unwrapClass(err error) error {
	var re *RetryableError
	if errors.As(err, &re) && re.Cause != nil {
		return re.Cause
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) && nre.Cause != nil {
		return nre.Cause
	}
	return err
}

// ExhaustedError reports a retry budget exhausted without success. It is used
// by callers that want attempt accounting in their error chains.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }
