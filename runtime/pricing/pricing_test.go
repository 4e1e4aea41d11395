package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupKnownModel(t *testing.T) {
	c := Default()
	r, ok := c.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	require.InDelta(t, 0.0025, r.InputPer1K, 1e-9)
	require.InDelta(t, 0.01, r.OutputPer1K, 1e-9)
	require.Positive(t, r.RequestsPerMinute)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	c := Default()
	r1, ok1 := c.Lookup("OpenAI", "GPT-4o")
	r2, ok2 := c.Lookup("openai", "gpt-4o")
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, r2, r1)
}

func TestLookupFallsBackToProviderDefault(t *testing.T) {
	c := Default()
	r, ok := c.Lookup("anthropic", "claude-experimental-v99")
	require.True(t, ok)
	def, _ := c.Lookup("anthropic", "")
	require.Equal(t, def, r)
}

func TestLookupUnknownProvider(t *testing.T) {
	c := Default()
	_, ok := c.Lookup("acme", "whatever")
	require.False(t, ok)
	require.Zero(t, c.Cost("acme", "whatever", 1000, 1000))
}

func TestCostComputation(t *testing.T) {
	c := Default()
	// 2000 input and 500 output tokens on gpt-4o: 2·0.0025 + 0.5·0.01.
	cost := c.Cost("openai", "gpt-4o", 2000, 500)
	require.InDelta(t, 0.01, cost, 1e-9)
}

func TestRegisterOverridesRate(t *testing.T) {
	c := NewCatalog()
	c.Register("local", "llama", Rate{InputPer1K: 0, OutputPer1K: 0})
	c.Register("local", "llama", Rate{InputPer1K: 0.001, OutputPer1K: 0.002})
	r, ok := c.Lookup("local", "llama")
	require.True(t, ok)
	require.InDelta(t, 0.001, r.InputPer1K, 1e-9)
}
