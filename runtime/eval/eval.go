// Package eval scores completed spans for quality and performance. Evaluate is
// a pure function dispatched on span type; it derives throughput and cost
// ratios from the span's recorded usage and flags threshold breaches as
// warnings. The evaluator is stateless and safe to call at any time, typically
// once per span before the trace is completed.
package eval

import (
	"fmt"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

// Evaluate returns a structured scorecard for the span. The scorecard always
// carries "span_type"; the remaining keys depend on the dispatch:
//
//   - embedding: embeddings_per_second, cost_per_embedding
//   - vector_search: avg/min/max result score, results_count
//   - reranking: original vs reranked score averages and improvement
//   - llm: tokens_per_second, cost-per-token ratios
//   - chunking: overlap_percentage
//   - anything else: a passthrough summary
//
// Threshold breaches are collected under "warnings".
func Evaluate(s *trace.Span) map[string]any {
	switch s.Type {
	case trace.SpanEmbedding:
		return evaluateEmbedding(s)
	case trace.SpanVectorSearch:
		return evaluateVectorSearch(s)
	case trace.SpanReranking:
		return evaluateReranking(s)
	case trace.SpanLLM:
		return evaluateLLM(s)
	case trace.SpanChunking:
		return evaluateChunking(s)
	default:
		return map[string]any{
			"span_type":   string(s.Type),
			"status":      string(s.Status),
			"duration_ms": s.DurationMs,
			"cost":        s.Cost,
		}
	}
}

func evaluateEmbedding(s *trace.Span) map[string]any {
	result := map[string]any{"span_type": string(s.Type)}
	var warnings []string

	count := intFrom(s.Outputs, "embeddings_count")
	if count == 0 {
		count = intFrom(s.Inputs, "texts_count")
	}
	if count > 0 && s.DurationMs > 0 {
		result["embeddings_per_second"] = float64(count) / (float64(s.DurationMs) / 1000)
	}
	if count > 0 {
		perEmbedding := s.Cost / float64(count)
		result["cost_per_embedding"] = perEmbedding
		if perEmbedding > 0.001 {
			warnings = append(warnings, fmt.Sprintf("cost per embedding %.6f exceeds 0.001", perEmbedding))
		}
	}
	if s.DurationMs > 1000 {
		warnings = append(warnings, fmt.Sprintf("embedding took %dms, expected under 1000ms", s.DurationMs))
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result
}

func evaluateVectorSearch(s *trace.Span) map[string]any {
	result := map[string]any{"span_type": string(s.Type)}
	var warnings []string

	scores := floatsFrom(s.Outputs, "scores")
	result["results_count"] = len(scores)
	if len(scores) == 0 {
		warnings = append(warnings, "search returned no results")
	} else {
		avg, minScore, maxScore := summarize(scores)
		result["avg_score"] = avg
		result["min_score"] = minScore
		result["max_score"] = maxScore
		if avg < 0.5 {
			warnings = append(warnings, fmt.Sprintf("average result score %.3f below 0.5", avg))
		}
	}
	if s.DurationMs > 500 {
		warnings = append(warnings, fmt.Sprintf("search took %dms, expected under 500ms", s.DurationMs))
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result
}

func evaluateReranking(s *trace.Span) map[string]any {
	result := map[string]any{"span_type": string(s.Type)}
	var warnings []string

	original := floatsFrom(s.Inputs, "original_scores")
	reranked := floatsFrom(s.Outputs, "rerank_scores")
	if len(original) > 0 && len(reranked) > 0 {
		avgOriginal, _, _ := summarize(original)
		avgReranked, _, _ := summarize(reranked)
		improvement := avgReranked - avgOriginal
		result["avg_original_score"] = avgOriginal
		result["avg_rerank_score"] = avgReranked
		result["improvement"] = improvement
		if avgOriginal != 0 {
			result["improvement_pct"] = improvement / avgOriginal * 100
		}
		if improvement < 0 {
			warnings = append(warnings, fmt.Sprintf("reranking decreased average score by %.3f", -improvement))
		}
	}
	if s.DurationMs > 1000 {
		warnings = append(warnings, fmt.Sprintf("reranking took %dms, expected under 1000ms", s.DurationMs))
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result
}

func evaluateLLM(s *trace.Span) map[string]any {
	result := map[string]any{"span_type": string(s.Type)}
	var warnings []string

	if s.Tokens.Total > 0 && s.DurationMs > 0 {
		tps := float64(s.Tokens.Total) / (float64(s.DurationMs) / 1000)
		result["tokens_per_second"] = tps
		if tps < 10 {
			warnings = append(warnings, fmt.Sprintf("throughput %.1f tokens/s below 10", tps))
		}
	}
	if s.Tokens.Total > 0 {
		result["cost_per_token"] = s.Cost / float64(s.Tokens.Total)
	}
	if s.Tokens.Input > 0 {
		result["cost_per_input_token"] = s.Cost / float64(s.Tokens.Input)
	}
	if s.Tokens.Output > 0 {
		result["cost_per_output_token"] = s.Cost / float64(s.Tokens.Output)
	}
	if s.DurationMs > 5000 {
		warnings = append(warnings, fmt.Sprintf("llm call took %dms, expected under 5000ms", s.DurationMs))
	}
	if s.Cost > 0.01 {
		warnings = append(warnings, fmt.Sprintf("llm call cost %.4f exceeds 0.01", s.Cost))
	}
	if remaining, ok := numberFrom(s.APILimits, "remaining"); ok && remaining < 100 {
		warnings = append(warnings, fmt.Sprintf("only %.0f API requests remaining", remaining))
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result
}

func evaluateChunking(s *trace.Span) map[string]any {
	result := map[string]any{"span_type": string(s.Type)}
	var warnings []string

	chunkSize := intFrom(s.Inputs, "chunk_size")
	overlap := intFrom(s.Inputs, "chunk_overlap")
	if chunkSize > 0 {
		pct := float64(overlap) / float64(chunkSize) * 100
		result["overlap_percentage"] = pct
		if chunkSize < 256 {
			warnings = append(warnings, fmt.Sprintf("chunk size %d below 256", chunkSize))
		}
		if chunkSize > 2048 {
			warnings = append(warnings, fmt.Sprintf("chunk size %d above 2048", chunkSize))
		}
		if overlap == 0 && chunkSize >= 512 {
			warnings = append(warnings, "zero overlap with chunk size >= 512 risks context loss")
		}
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result
}

// summarize returns the average, minimum and maximum of a non-empty sample.
func summarize(values []float64) (avg, minV, maxV float64) {
	minV, maxV = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return sum / float64(len(values)), minV, maxV
}

// floatsFrom extracts a numeric slice from an opaque payload map.
func floatsFrom(payload map[string]any, key string) []float64 {
	raw, ok := payload[key]
	if !ok {
		return nil
	}
	switch vs := raw.(type) {
	case []float64:
		return vs
	case []any:
		out := make([]float64, 0, len(vs))
		for _, v := range vs {
			if f, ok := toFloat(v); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

// intFrom extracts an integer from an opaque payload map, zero when absent.
func intFrom(payload map[string]any, key string) int {
	if f, ok := numberFrom(payload, key); ok {
		return int(f)
	}
	return 0
}

// numberFrom extracts a numeric value from an opaque payload map.
func numberFrom(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	return toFloat(payload[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
