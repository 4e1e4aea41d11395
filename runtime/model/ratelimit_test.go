package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	calls int
	err   error
}

func (s *stubClient) Complete(context.Context, Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Text: "ok"}, nil
}

func TestMiddlewareDelegates(t *testing.T) {
	l := NewAdaptiveRateLimiter(600_000, 600_000)
	stub := &stubClient{}
	client := l.Middleware()(stub)

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 1, stub.calls)
}

func TestBackoffHalvesBudgetOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(60_000, 60_000)
	stub := &stubClient{err: NewProviderError("openai", "chat", 429, ProviderErrorKindRateLimited, "rate limit", true, nil)}
	client := l.Middleware()(stub)

	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	require.InDelta(t, 30_000, l.currentTPM, 1)
}

func TestProbeRecoversBudget(t *testing.T) {
	l := NewAdaptiveRateLimiter(60_000, 120_000)
	l.backoff()
	floor := l.currentTPM
	l.probe()
	require.Greater(t, l.currentTPM, floor)
}

func TestNonRateLimitErrorsLeaveBudgetAlone(t *testing.T) {
	l := NewAdaptiveRateLimiter(60_000, 60_000)
	stub := &stubClient{err: errors.New("boom")}
	client := l.Middleware()(stub)

	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	require.InDelta(t, 60_000, l.currentTPM, 1)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(Request{}))
	req := Request{Messages: []Message{{Content: string(make([]byte, 300))}}}
	require.Equal(t, 600, estimateTokens(req))
}

func TestKindForHTTP(t *testing.T) {
	kind, retryable := KindForHTTP(401)
	require.Equal(t, ProviderErrorKindAuth, kind)
	require.False(t, retryable)

	kind, retryable = KindForHTTP(429)
	require.Equal(t, ProviderErrorKindRateLimited, kind)
	require.True(t, retryable)

	kind, retryable = KindForHTTP(503)
	require.Equal(t, ProviderErrorKindUnavailable, kind)
	require.True(t, retryable)

	kind, retryable = KindForHTTP(404)
	require.Equal(t, ProviderErrorKindInvalidRequest, kind)
	require.False(t, retryable)
}
