package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/model"
)

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func message(text string) *sdk.Message {
	return &sdk.Message{
		Model:   "claude-sonnet-4-20250514",
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: 20, OutputTokens: 5},
	}
}

func TestCompleteSplitsSystemPrompt(t *testing.T) {
	msgs := &fakeMessages{resp: message("bonjour")}
	c, err := New(msgs, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "answer in French"},
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	require.Equal(t, "bonjour", resp.Text)
	require.Equal(t, "anthropic", resp.Provider)
	require.Equal(t, 25, resp.Usage.TotalTokens)

	require.Len(t, msgs.lastParams.System, 1)
	require.Equal(t, "answer in French", msgs.lastParams.System[0].Text)
	require.Len(t, msgs.lastParams.Messages, 1)
	require.EqualValues(t, 256, msgs.lastParams.MaxTokens)
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	msgs := &fakeMessages{resp: message("ok")}
	c, err := New(msgs, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.EqualValues(t, defaultMaxTokens, msgs.lastParams.MaxTokens)
}

func TestCompleteRequiresNonSystemTurn(t *testing.T) {
	c, err := New(&fakeMessages{resp: message("x")}, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleSystem, Content: "only system"}},
	})
	require.ErrorContains(t, err, "non-system message")
}

func TestCompleteClassifiesTransportError(t *testing.T) {
	msgs := &fakeMessages{err: errors.New("tls handshake timeout")}
	c, err := New(msgs, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "anthropic", pe.Provider())
	require.True(t, pe.Retryable())
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.Error(t, err)
}
