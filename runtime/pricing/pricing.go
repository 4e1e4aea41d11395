// Package pricing provides the read-only model pricing catalog used by cost
// estimation and span cost computation. Rates are expressed in USD per 1000
// tokens and keyed by (provider, model). Lookups fall back to a per-provider
// default entry so cost accounting degrades gracefully for unlisted models.
package pricing

import (
	"strings"
	"sync"
)

type (
	// Rate describes per-1k-token pricing and rate-limit hints for one model.
	Rate struct {
		// InputPer1K is the USD price per 1000 input tokens.
		InputPer1K float64
		// OutputPer1K is the USD price per 1000 output tokens.
		OutputPer1K float64
		// RequestsPerMinute hints at the provider's request rate limit.
		RequestsPerMinute int
		// TokensPerMinute hints at the provider's token rate limit.
		TokensPerMinute int
	}

	// Catalog is the provider × model pricing table. The catalog is read-mostly;
	// Register is advisory-locked for the rare startup-time extension.
	Catalog struct {
		mu    sync.RWMutex
		rates map[string]Rate
	}
)

// key builds the case-insensitive (provider, model) lookup key. An empty model
// addresses the provider default entry.
func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{rates: make(map[string]Rate)}
}

// Default returns the built-in catalog covering the OpenAI, Anthropic and
// Bedrock model families plus per-provider fallback entries.
func Default() *Catalog {
	c := NewCatalog()
	for m, r := range openaiRates {
		c.Register("openai", m, r)
	}
	for m, r := range anthropicRates {
		c.Register("anthropic", m, r)
	}
	for m, r := range bedrockRates {
		c.Register("bedrock", m, r)
	}
	return c
}

// Register adds or replaces the rate for (provider, model). An empty model
// registers the provider's fallback entry.
func (c *Catalog) Register(provider, model string, rate Rate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[key(provider, model)] = rate
}

// Lookup returns the rate for (provider, model). Unknown models fall back to
// the provider default entry; ok reports whether any entry matched.
func (c *Catalog) Lookup(provider, model string) (Rate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.rates[key(provider, model)]; ok {
		return r, true
	}
	r, ok := c.rates[key(provider, "")]
	return r, ok
}

// Cost computes the USD cost of a call with the given token counts. Unknown
// (provider, model) pairs cost zero.
func (c *Catalog) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	r, ok := c.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}

// Built-in rates. Values track published provider list prices; they are hints
// for forecasting, not billing records.
var (
	openaiRates = map[string]Rate{
		"":                       {InputPer1K: 0.0025, OutputPer1K: 0.01, RequestsPerMinute: 500, TokensPerMinute: 200_000},
		"gpt-4o":                 {InputPer1K: 0.0025, OutputPer1K: 0.01, RequestsPerMinute: 500, TokensPerMinute: 300_000},
		"gpt-4o-mini":            {InputPer1K: 0.00015, OutputPer1K: 0.0006, RequestsPerMinute: 500, TokensPerMinute: 2_000_000},
		"gpt-4.1":                {InputPer1K: 0.002, OutputPer1K: 0.008, RequestsPerMinute: 500, TokensPerMinute: 300_000},
		"gpt-4.1-mini":           {InputPer1K: 0.0004, OutputPer1K: 0.0016, RequestsPerMinute: 500, TokensPerMinute: 2_000_000},
		"o3-mini":                {InputPer1K: 0.0011, OutputPer1K: 0.0044, RequestsPerMinute: 500, TokensPerMinute: 200_000},
		"text-embedding-3-small": {InputPer1K: 0.00002, RequestsPerMinute: 3000, TokensPerMinute: 1_000_000},
		"text-embedding-3-large": {InputPer1K: 0.00013, RequestsPerMinute: 3000, TokensPerMinute: 1_000_000},
	}

	anthropicRates = map[string]Rate{
		"":                         {InputPer1K: 0.003, OutputPer1K: 0.015, RequestsPerMinute: 50, TokensPerMinute: 100_000},
		"claude-sonnet-4-20250514": {InputPer1K: 0.003, OutputPer1K: 0.015, RequestsPerMinute: 50, TokensPerMinute: 100_000},
		"claude-opus-4-20250514":   {InputPer1K: 0.015, OutputPer1K: 0.075, RequestsPerMinute: 50, TokensPerMinute: 80_000},
		"claude-3-5-haiku-20241022": {
			InputPer1K: 0.0008, OutputPer1K: 0.004, RequestsPerMinute: 50, TokensPerMinute: 200_000,
		},
	}

	bedrockRates = map[string]Rate{
		"": {InputPer1K: 0.003, OutputPer1K: 0.015, RequestsPerMinute: 60, TokensPerMinute: 100_000},
		"anthropic.claude-sonnet-4-20250514-v1:0": {InputPer1K: 0.003, OutputPer1K: 0.015, RequestsPerMinute: 60, TokensPerMinute: 100_000},
		"amazon.titan-embed-text-v2:0":            {InputPer1K: 0.00002, RequestsPerMinute: 2000, TokensPerMinute: 300_000},
		"cohere.rerank-v3-5:0":                    {InputPer1K: 0.002, RequestsPerMinute: 100, TokensPerMinute: 100_000},
	}
)
