package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Config{MaxRetries: 3}, func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, res)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, ExponentialBase: 2.0}
	res, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		if calls <= 2 {
			return 0, Retryable(errors.New("transient"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, res)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	cause := errors.New("still down")
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond}
	_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, Retryable(cause)
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, 4, calls, "MaxRetries=3 permits 4 attempts")
}

func TestDoZeroBudgetSingleAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{MaxRetries: 0}, func(context.Context) (int, error) {
		calls++
		return 0, Retryable(errors.New("nope"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoNonRetryableSurfacesImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("invalid api key")
	_, err := Do(context.Background(), Config{MaxRetries: 5, InitialDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, NonRetryable(cause)
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 10, InitialDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, func(context.Context) (int, error) {
			return 0, Retryable(errors.New("transient"))
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not abort on cancellation")
	}
}

func TestBackoffDelayGrowthAndCap(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, ExponentialBase: 2.0}
	require.Equal(t, 10*time.Millisecond, backoffDelay(cfg, 0))
	require.Equal(t, 20*time.Millisecond, backoffDelay(cfg, 1))
	require.Equal(t, 40*time.Millisecond, backoffDelay(cfg, 2))
	require.Equal(t, 50*time.Millisecond, backoffDelay(cfg, 3), "capped at MaxDelay")
}

func TestBackoffDelayJitterRange(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2.0, Jitter: true}
	for range 100 {
		d := backoffDelay(cfg, 0)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.Less(t, d, 100*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(NonRetryable(errors.New("bad request"))))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(Retryable(errors.New("rate limit"))))
	require.True(t, IsRetryable(errors.New("unclassified")), "unknown errors default to retryable")
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{429, true}, {500, true}, {502, true}, {503, true}, {504, true},
		{400, false}, {401, false}, {403, false}, {404, false}, {422, false},
		{418, true}, // unknown defaults to retryable
	}
	for _, tc := range cases {
		err := ClassifyHTTP(tc.status, "boom")
		require.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
	}
}

func TestClassifyProviderSubstrings(t *testing.T) {
	require.False(t, IsRetryable(ClassifyOpenAI(errors.New("Invalid API key provided"))))
	require.False(t, IsRetryable(ClassifyAnthropic(errors.New("model not found: claude-0"))))
	require.False(t, IsRetryable(ClassifyBedrock(errors.New("Unauthorized operation"))))
	require.True(t, IsRetryable(ClassifyOpenAI(errors.New("Rate limit exceeded, slow down"))))
	require.True(t, IsRetryable(ClassifyAnthropic(errors.New("connection reset by peer"))))
	require.True(t, IsRetryable(ClassifyBedrock(errors.New("request timeout"))))
	require.True(t, IsRetryable(ClassifyOpenAI(errors.New("something novel"))), "unknown defaults to retryable")
}
