package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Properties over the attempt accounting: a budget of N retries yields exactly
// N+1 attempts for an always-retryable failure, and exactly one attempt for a
// non-retryable failure regardless of budget.
func TestRetryAttemptProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("retryable failures use the whole budget", prop.ForAll(
		func(budget int) bool {
			calls := 0
			_, err := Do(context.Background(), Config{MaxRetries: budget}, func(context.Context) (int, error) {
				calls++
				return 0, Retryable(errors.New("transient"))
			})
			return err != nil && calls == budget+1
		},
		gen.IntRange(0, 6),
	))

	properties.Property("non-retryable failures never retry", prop.ForAll(
		func(budget int) bool {
			calls := 0
			_, err := Do(context.Background(), Config{MaxRetries: budget}, func(context.Context) (int, error) {
				calls++
				return 0, NonRetryable(errors.New("permanent"))
			})
			return err != nil && calls == 1
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
