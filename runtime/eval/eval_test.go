package eval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

func TestEvaluateEmbedding(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanEmbedding,
		DurationMs: 500,
		Cost:       0.0001,
		Outputs:    map[string]any{"embeddings_count": 10},
	}
	result := Evaluate(s)
	require.InDelta(t, 20.0, result["embeddings_per_second"], 1e-9)
	require.InDelta(t, 0.00001, result["cost_per_embedding"], 1e-12)
	require.NotContains(t, result, "warnings")
}

func TestEvaluateEmbeddingWarnings(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanEmbedding,
		DurationMs: 1500,
		Cost:       0.02,
		Outputs:    map[string]any{"embeddings_count": 10},
	}
	result := Evaluate(s)
	warnings := result["warnings"].([]string)
	require.Len(t, warnings, 2, "slow and expensive")
}

func TestEvaluateVectorSearch(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanVectorSearch,
		DurationMs: 100,
		Outputs:    map[string]any{"scores": []any{0.9, 0.7, 0.8}},
	}
	result := Evaluate(s)
	require.Equal(t, 3, result["results_count"])
	require.InDelta(t, 0.8, result["avg_score"], 1e-9)
	require.InDelta(t, 0.7, result["min_score"], 1e-9)
	require.InDelta(t, 0.9, result["max_score"], 1e-9)
	require.NotContains(t, result, "warnings")
}

func TestEvaluateVectorSearchEmptyResults(t *testing.T) {
	s := &trace.Span{Type: trace.SpanVectorSearch, DurationMs: 600}
	result := Evaluate(s)
	warnings := result["warnings"].([]string)
	require.Len(t, warnings, 2, "empty results and slow search")
}

func TestEvaluateVectorSearchLowScores(t *testing.T) {
	s := &trace.Span{
		Type:    trace.SpanVectorSearch,
		Outputs: map[string]any{"scores": []any{0.2, 0.3}},
	}
	result := Evaluate(s)
	require.Contains(t, result, "warnings")
}

func TestEvaluateReranking(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanReranking,
		DurationMs: 200,
		Inputs:     map[string]any{"original_scores": []any{0.4, 0.6}},
		Outputs:    map[string]any{"rerank_scores": []any{0.7, 0.9}},
	}
	result := Evaluate(s)
	require.InDelta(t, 0.5, result["avg_original_score"], 1e-9)
	require.InDelta(t, 0.8, result["avg_rerank_score"], 1e-9)
	require.InDelta(t, 0.3, result["improvement"], 1e-9)
	require.InDelta(t, 60.0, result["improvement_pct"], 1e-9)
	require.NotContains(t, result, "warnings")
}

func TestEvaluateRerankingNegativeImprovement(t *testing.T) {
	s := &trace.Span{
		Type:    trace.SpanReranking,
		Inputs:  map[string]any{"original_scores": []any{0.8}},
		Outputs: map[string]any{"rerank_scores": []any{0.5}},
	}
	result := Evaluate(s)
	require.Contains(t, result, "warnings")
}

func TestEvaluateLLM(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanLLM,
		DurationMs: 2000,
		Cost:       0.005,
		Tokens:     trace.TokenUsage{Input: 100, Output: 100, Total: 200},
		APILimits:  map[string]any{"remaining": 500},
	}
	result := Evaluate(s)
	require.InDelta(t, 100.0, result["tokens_per_second"], 1e-9)
	require.InDelta(t, 0.000025, result["cost_per_token"], 1e-12)
	require.InDelta(t, 0.00005, result["cost_per_input_token"], 1e-12)
	require.InDelta(t, 0.00005, result["cost_per_output_token"], 1e-12)
	require.NotContains(t, result, "warnings")
}

func TestEvaluateLLMWarnings(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanLLM,
		DurationMs: 6000,
		Cost:       0.02,
		Tokens:     trace.TokenUsage{Input: 20, Output: 10, Total: 30},
		APILimits:  map[string]any{"remaining": 50},
	}
	result := Evaluate(s)
	warnings := result["warnings"].([]string)
	require.Len(t, warnings, 4, "slow, low throughput, expensive, near rate limit")
}

func TestEvaluateChunking(t *testing.T) {
	s := &trace.Span{
		Type:   trace.SpanChunking,
		Inputs: map[string]any{"chunk_size": 1024, "chunk_overlap": 128},
	}
	result := Evaluate(s)
	require.InDelta(t, 12.5, result["overlap_percentage"], 1e-9)
	require.NotContains(t, result, "warnings")
}

func TestEvaluateChunkingWarnings(t *testing.T) {
	small := Evaluate(&trace.Span{Type: trace.SpanChunking, Inputs: map[string]any{"chunk_size": 128, "chunk_overlap": 16}})
	require.Contains(t, small, "warnings")

	large := Evaluate(&trace.Span{Type: trace.SpanChunking, Inputs: map[string]any{"chunk_size": 4096, "chunk_overlap": 64}})
	require.Contains(t, large, "warnings")

	noOverlap := Evaluate(&trace.Span{Type: trace.SpanChunking, Inputs: map[string]any{"chunk_size": 512, "chunk_overlap": 0}})
	require.Contains(t, noOverlap, "warnings")
}

func TestEvaluateDefaultPassthrough(t *testing.T) {
	s := &trace.Span{
		Type:       trace.SpanQueryInput,
		Status:     trace.StatusCompleted,
		DurationMs: 5,
		Cost:       0,
	}
	result := Evaluate(s)
	require.Equal(t, "query_input", result["span_type"])
	require.Equal(t, "completed", result["status"])
	require.EqualValues(t, 5, result["duration_ms"])
}
