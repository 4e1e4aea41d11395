// Package model defines the provider-agnostic contract the engine uses to
// invoke LLM providers. Implementations wrap provider SDKs (OpenAI, Anthropic,
// Bedrock) and translate Request/Response to provider-specific formats. The
// engine only ever calls providers through retry-wrapped Clients; provider
// failures are classified into the retry taxonomy before they surface.
package model

import (
	"context"
)

type (
	// Client is the contract nodes use to invoke chat completions. Clients must
	// be thread-safe and reusable across invocations.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Implementations return *ProviderError
		// values so callers can classify failures for retry decisions.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Embedder is the contract nodes use to produce vector embeddings.
	// Implementations must be thread-safe.
	Embedder interface {
		// Embed returns one vector per input text, in order.
		Embed(ctx context.Context, model string, texts []string) ([][]float64, Usage, error)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "gpt-4o", "claude-sonnet-4-20250514").
		Model string

		// Messages is the ordered chat history provided to the model, including
		// system prompts, user inputs, and prior assistant responses.
		Messages []Message

		// Temperature controls sampling temperature. Zero means the provider
		// default.
		Temperature float64

		// MaxTokens caps the number of completion tokens the model can generate.
		// Zero means the provider default.
		MaxTokens int
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role string
		// Content is the message text.
		Content string
	}

	// Response wraps the generated text and token usage returned by the
	// provider.
	Response struct {
		// Text is the assistant completion.
		Text string
		// Usage reports token consumption when the provider supplies it.
		Usage Usage
		// Model echoes the model that served the request when known.
		Model string
		// Provider identifies the serving provider ("openai", "anthropic",
		// "bedrock").
		Provider string
		// RateLimits carries provider rate-limit response headers when
		// available (remaining requests/tokens, reset hints). Contents are
		// provider-defined.
		RateLimits map[string]any
	}

	// Usage records prompt/completion token counts.
	Usage struct {
		// InputTokens counts tokens consumed by the prompt and message history.
		InputTokens int
		// OutputTokens counts tokens produced by the model.
		OutputTokens int
		// TotalTokens is the aggregate; prefer it over summing when the
		// provider reports it directly.
		TotalTokens int
	}
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
