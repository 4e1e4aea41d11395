// Package openai provides model.Client and model.Embedder implementations
// backed by the OpenAI API. It translates engine requests into Chat Completions
// and Embeddings calls using github.com/openai/openai-go and maps failures into
// model.ProviderError values the retry classifier understands.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowmesh/flowmesh/runtime/model"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the openai-go chat completion service
	// used by the adapter. It is satisfied by the SDK's Chat.Completions
	// service so callers can pass either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// EmbeddingClient captures the subset of the openai-go embedding service
	// used by the Embedder.
	EmbeddingClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat provides the completion service. Required for Complete.
		Chat ChatClient

		// Embeddings provides the embedding service. Required for Embed.
		Embeddings EmbeddingClient

		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string

		// DefaultEmbeddingModel is used when Embed receives an empty model id.
		DefaultEmbeddingModel string
	}

	// Client implements model.Client and model.Embedder via the OpenAI API.
	Client struct {
		chat       ChatClient
		embeddings EmbeddingClient
		model      string
		embedModel string
	}
)

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil && opts.Embeddings == nil {
		return nil, errors.New("openai: a chat or embedding service is required")
	}
	return &Client{
		chat:       opts.Chat,
		embeddings: opts.Embeddings,
		model:      opts.DefaultModel,
		embedModel: opts.DefaultEmbeddingModel,
	}, nil
}

// NewFromAPIKey constructs a client over the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	sc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{
		Chat:                  &sc.Chat.Completions,
		Embeddings:            &sc.Embeddings,
		DefaultModel:          defaultModel,
		DefaultEmbeddingModel: "text-embedding-3-small",
	})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if c.chat == nil {
		return model.Response{}, errors.New("openai: chat service is not configured")
	}
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return model.Response{}, errors.New("openai: model identifier is required")
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, classify("chat.completions.new", err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, model.NewProviderError(providerName, "chat.completions.new", 0,
			model.ProviderErrorKindUnknown, "response contains no choices", true, nil)
	}
	return model.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Model:    resp.Model,
		Provider: providerName,
	}, nil
}

// Embed returns one vector per input text using the Embeddings API.
func (c *Client) Embed(ctx context.Context, modelID string, texts []string) ([][]float64, model.Usage, error) {
	if c.embeddings == nil {
		return nil, model.Usage{}, errors.New("openai: embedding service is not configured")
	}
	if len(texts) == 0 {
		return nil, model.Usage{}, errors.New("openai: texts are required")
	}
	if modelID == "" {
		modelID = c.embedModel
	}
	if modelID == "" {
		return nil, model.Usage{}, errors.New("openai: embedding model identifier is required")
	}

	resp, err := c.embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(modelID),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, model.Usage{}, classify("embeddings.new", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, model.Usage{}, model.NewProviderError(providerName, "embeddings.new", 0,
			model.ProviderErrorKindUnknown,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)), true, nil)
	}
	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	usage := model.Usage{
		InputTokens: int(resp.Usage.PromptTokens),
		TotalTokens: int(resp.Usage.TotalTokens),
	}
	return vectors, usage, nil
}

// classify converts SDK errors into ProviderError values. Status-bearing API
// errors map through KindForHTTP; transport failures count as unavailable.
func classify(operation string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		kind, retryable := model.KindForHTTP(apierr.StatusCode)
		return model.NewProviderError(providerName, operation, apierr.StatusCode, kind, apierr.Message, retryable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
