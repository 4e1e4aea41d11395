package openai

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/model"
)

type fakeChat struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (f *fakeChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeEmbeddings struct {
	lastParams sdk.EmbeddingNewParams
	resp       *sdk.CreateEmbeddingResponse
	err        error
}

func (f *fakeEmbeddings) New(_ context.Context, body sdk.EmbeddingNewParams, _ ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func completion(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Model:   "gpt-4o-mini",
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: text}}},
		Usage:   sdk.CompletionUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	chat := &fakeChat{resp: completion("hi there")}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
		Temperature: 0.3,
		MaxTokens:   64,
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.EqualValues(t, "gpt-4o-mini", chat.lastParams.Model)
	require.Len(t, chat.lastParams.Messages, 2)
	require.Equal(t, 0.3, chat.lastParams.Temperature.Value)
	require.EqualValues(t, 64, chat.lastParams.MaxTokens.Value)
}

func TestCompleteRequiresMessagesAndModel(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{resp: completion("x")}})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{})
	require.ErrorContains(t, err, "messages")

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorContains(t, err, "model identifier")
}

func TestCompleteClassifiesTransportError(t *testing.T) {
	chat := &fakeChat{err: errors.New("connection refused")}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "openai", pe.Provider())
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	emb := &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{
			{Embedding: []float64{0.1, 0.2}},
			{Embedding: []float64{0.3, 0.4}},
		},
		Usage: sdk.CreateEmbeddingResponseUsage{PromptTokens: 9, TotalTokens: 9},
	}}
	c, err := New(Options{Embeddings: emb, DefaultEmbeddingModel: "text-embedding-3-small"})
	require.NoError(t, err)

	vectors, usage, err := c.Embed(context.Background(), "", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{0.1, 0.2}, {0.3, 0.4}}, vectors)
	require.Equal(t, 9, usage.TotalTokens)
	require.EqualValues(t, "text-embedding-3-small", emb.lastParams.Model)
}

func TestEmbedCountMismatch(t *testing.T) {
	emb := &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{{Embedding: []float64{0.1}}},
	}}
	c, err := New(Options{Embeddings: emb, DefaultEmbeddingModel: "text-embedding-3-small"})
	require.NoError(t, err)

	_, _, err = c.Embed(context.Background(), "", []string{"a", "b"})
	require.ErrorContains(t, err, "expected 2 embeddings")
}

func TestNewRequiresAService(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
