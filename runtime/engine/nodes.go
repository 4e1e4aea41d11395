package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/flowmesh/flowmesh/runtime/model"
	"github.com/flowmesh/flowmesh/runtime/node"
	"github.com/flowmesh/flowmesh/runtime/retry"
	"github.com/flowmesh/flowmesh/runtime/trace"
)

// Built-in node type identifiers.
const (
	TypeLLM          = "llm"
	TypeEmbedding    = "embedding"
	TypeVectorSearch = "vector_search"
	TypeReranking    = "reranking"
	TypeChunking     = "chunking"
	TypeHTTPRequest  = "http_request"
	TypeTemplate     = "template"
)

// Output keys carrying usage metadata from provider-backed nodes to the
// executor. They are stripped before outputs flow downstream.
const (
	metaTokens   = "_tokens"
	metaCost     = "_cost"
	metaModel    = "_model"
	metaProvider = "_provider"
	metaLimits   = "_api_limits"
)

// llmNode calls a chat model through the engine's provider clients, with
// retries classified per provider.
type llmNode struct {
	node.Base
	engine *Engine
}

func newLLMNode(e *Engine) *llmNode { return &llmNode{engine: e} }

func (n *llmNode) Type() string { return TypeLLM }

func (n *llmNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"provider": {
				Type:        node.Types("string"),
				Description: "Model provider: openai, anthropic or bedrock.",
				Enum:        []any{"openai", "anthropic", "bedrock"},
				Default:     "openai",
			},
			"model": {
				Type:        node.Types("string"),
				Description: "Provider-specific model identifier.",
				MinLength:   node.Len(1),
			},
			"temperature": {
				Type:    node.Types("number"),
				Minimum: node.Num(0),
				Maximum: node.Num(2),
				Default: 0.7,
			},
			"max_tokens": {
				Type:    node.Types("integer"),
				Minimum: node.Num(1),
				Default: 1024,
			},
			"system_prompt": {Type: node.Types("string")},
		},
		Required: []string{"provider", "model"},
	}
}

func (n *llmNode) ValidateConfig(config map[string]any) error {
	return n.Schema().Validate(config)
}

func (n *llmNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	provider, _ := config["provider"].(string)
	modelID, _ := config["model"].(string)
	client, ok := n.engine.Model(provider)
	if !ok {
		return nil, retry.NonRetryable(fmt.Errorf("no client configured for provider %q", provider))
	}

	prompt := stringInput(inputs, "prompt", "query", "text")
	if prompt == "" {
		return nil, retry.NonRetryable(fmt.Errorf("llm node needs a prompt input"))
	}
	var messages []model.Message
	if system, _ := config["system_prompt"].(string); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	req := model.Request{
		Model:       modelID,
		Messages:    messages,
		Temperature: floatFrom(config, "temperature"),
		MaxTokens:   intFrom(config, "max_tokens"),
	}

	n.EmitProgress(ctx, 0.1, "calling "+provider)
	resp, err := retry.Do(ctx, n.engine.retryCfg, func(ctx context.Context) (model.Response, error) {
		r, err := client.Complete(ctx, req)
		if err != nil {
			return model.Response{}, retry.ClassifyProvider(provider, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	cost := n.engine.Pricing.Cost(provider, modelID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	n.EmitOutput(ctx, map[string]any{"text": resp.Text})
	return map[string]any{
		"text":       resp.Text,
		metaTokens:   tokenUsage(resp.Usage),
		metaCost:     cost,
		metaModel:    modelID,
		metaProvider: provider,
		metaLimits:   resp.RateLimits,
	}, nil
}

func (n *llmNode) EstimateCost(inputs, config map[string]any) float64 {
	provider, _ := config["provider"].(string)
	modelID, _ := config["model"].(string)
	promptTokens := len(stringInput(inputs, "prompt", "query", "text")) / 4
	maxTokens := intFrom(config, "max_tokens")
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return n.engine.Pricing.Cost(provider, modelID, promptTokens, maxTokens)
}

// embeddingNode embeds a batch of texts through a provider embedder.
type embeddingNode struct {
	node.Base
	engine *Engine
}

func newEmbeddingNode(e *Engine) *embeddingNode { return &embeddingNode{engine: e} }

func (n *embeddingNode) Type() string { return TypeEmbedding }

func (n *embeddingNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"provider": {Type: node.Types("string"), Default: "openai"},
			"model":    {Type: node.Types("string"), Default: "text-embedding-3-small"},
		},
		Required: []string{"provider", "model"},
	}
}

func (n *embeddingNode) ValidateConfig(config map[string]any) error {
	return n.Schema().Validate(config)
}

func (n *embeddingNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	provider, _ := config["provider"].(string)
	modelID, _ := config["model"].(string)
	embedder, ok := n.engine.Embedder(provider)
	if !ok {
		return nil, retry.NonRetryable(fmt.Errorf("no embedder configured for provider %q", provider))
	}

	texts := stringsInput(inputs, "texts", "chunks")
	if len(texts) == 0 {
		if text := stringInput(inputs, "text", "query"); text != "" {
			texts = []string{text}
		}
	}
	if len(texts) == 0 {
		return nil, retry.NonRetryable(fmt.Errorf("embedding node needs texts input"))
	}

	type embedded struct {
		vectors [][]float64
		usage   model.Usage
	}
	res, err := retry.Do(ctx, n.engine.retryCfg, func(ctx context.Context) (embedded, error) {
		v, u, err := embedder.Embed(ctx, modelID, texts)
		if err != nil {
			return embedded{}, retry.ClassifyProvider(provider, err)
		}
		return embedded{vectors: v, usage: u}, nil
	})
	if err != nil {
		return nil, err
	}
	vectors, usage := res.vectors, res.usage

	cost := n.engine.Pricing.Cost(provider, modelID, usage.InputTokens, 0)
	return map[string]any{
		"embeddings":       vectors,
		"embeddings_count": len(vectors),
		metaTokens:         tokenUsage(usage),
		metaCost:           cost,
		metaModel:          modelID,
		metaProvider:       provider,
	}, nil
}

// vectorSearchNode ranks candidate embeddings by cosine similarity. Pure
// compute: the vectors arrive as inputs, typically from an embedding node.
type vectorSearchNode struct {
	node.Base
}

func (n *vectorSearchNode) Type() string { return TypeVectorSearch }

func (n *vectorSearchNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"top_k":     {Type: node.Types("integer"), Minimum: node.Num(1), Default: 5},
			"min_score": {Type: node.Types("number"), Minimum: node.Num(0), Maximum: node.Num(1), Default: 0.0},
		},
	}
}

func (n *vectorSearchNode) ValidateConfig(config map[string]any) error {
	return n.Schema().Validate(config)
}

func (n *vectorSearchNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	query := vectorInput(inputs, "query_embedding")
	candidates := vectorsInput(inputs, "embeddings")
	if len(query) == 0 || len(candidates) == 0 {
		return nil, fmt.Errorf("vector_search needs query_embedding and embeddings inputs")
	}
	documents, _ := inputs["documents"].([]any)

	type hit struct {
		index int
		score float64
	}
	hits := make([]hit, 0, len(candidates))
	minScore := floatFrom(config, "min_score")
	for i, c := range candidates {
		score := cosine(query, c)
		if score >= minScore {
			hits = append(hits, hit{index: i, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK := intFrom(config, "top_k"); topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	scores := make([]float64, len(hits))
	indices := make([]int, len(hits))
	var results []any
	for i, h := range hits {
		scores[i] = h.score
		indices[i] = h.index
		if h.index < len(documents) {
			results = append(results, documents[h.index])
		}
	}
	return map[string]any{
		"scores":        scores,
		"indices":       indices,
		"results":       results,
		"results_count": len(hits),
	}, nil
}

// rerankingNode rescores documents by lexical overlap with the query. It is a
// deterministic stand-in for a cross-encoder; original scores pass through so
// downstream evaluation can measure the improvement.
type rerankingNode struct {
	node.Base
}

func (n *rerankingNode) Type() string { return TypeReranking }

func (n *rerankingNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"top_k": {Type: node.Types("integer"), Minimum: node.Num(1), Default: 5},
		},
	}
}

func (n *rerankingNode) ValidateConfig(config map[string]any) error {
	return n.Schema().Validate(config)
}

func (n *rerankingNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	query := stringInput(inputs, "query", "text")
	documents := stringsInput(inputs, "documents", "results")
	if query == "" || len(documents) == 0 {
		return nil, fmt.Errorf("reranking needs query and documents inputs")
	}

	type hit struct {
		doc   string
		score float64
	}
	hits := make([]hit, len(documents))
	for i, doc := range documents {
		hits[i] = hit{doc: doc, score: overlapScore(query, doc)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK := intFrom(config, "top_k"); topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	reranked := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		reranked[i] = h.doc
		scores[i] = h.score
	}
	out := map[string]any{
		"reranked":      reranked,
		"rerank_scores": scores,
	}
	if original := vectorInput(inputs, "original_scores"); len(original) > 0 {
		out["original_scores"] = original
	}
	return out, nil
}

// chunkingNode splits text into overlapping fixed-size chunks.
type chunkingNode struct {
	node.Base
}

func (n *chunkingNode) Type() string { return TypeChunking }

func (n *chunkingNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"chunk_size":    {Type: node.Types("integer"), Minimum: node.Num(1), Default: 1024},
			"chunk_overlap": {Type: node.Types("integer"), Minimum: node.Num(0), Default: 128},
		},
		Required: []string{"chunk_size"},
	}
}

func (n *chunkingNode) ValidateConfig(config map[string]any) error {
	if err := n.Schema().Validate(config); err != nil {
		return err
	}
	if intFrom(config, "chunk_overlap") >= intFrom(config, "chunk_size") {
		return &node.ConfigError{Reasons: []string{"chunk_overlap must be smaller than chunk_size"}}
	}
	return nil
}

func (n *chunkingNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	text := stringInput(inputs, "text")
	if text == "" {
		return nil, fmt.Errorf("chunking needs a text input")
	}
	size := intFrom(config, "chunk_size")
	overlap := intFrom(config, "chunk_overlap")

	var chunks []string
	step := size - overlap
	runes := []rune(text)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return map[string]any{
		"chunks":       chunks,
		"chunks_count": len(chunks),
	}, nil
}

// httpRequestNode performs one HTTP request.
type httpRequestNode struct {
	node.Base
	client *http.Client
}

func (n *httpRequestNode) Type() string { return TypeHTTPRequest }

func (n *httpRequestNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"url": {Type: node.Types("string"), MinLength: node.Len(1)},
			"method": {
				Type:    node.Types("string"),
				Enum:    []any{"GET", "POST", "PUT", "PATCH", "DELETE"},
				Default: "GET",
			},
			"headers":         {Type: node.Types("object")},
			"timeout_seconds": {Type: node.Types("integer"), Minimum: node.Num(1), Default: 30},
		},
		Required: []string{"url"},
	}
}

func (n *httpRequestNode) ValidateConfig(config map[string]any) error {
	return n.Schema().Validate(config)
}

func (n *httpRequestNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	url, _ := config["url"].(string)
	method, _ := config["method"].(string)

	var body io.Reader
	if raw := stringInput(inputs, "body"); raw != "" {
		body = strings.NewReader(raw)
	}
	timeout := time.Duration(intFrom(config, "timeout_seconds")) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, retry.ClassifyHTTP(resp.StatusCode, fmt.Sprintf("%s %s returned %s", method, url, resp.Status))
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}, nil
}

// templateNode renders a Go text template over the node inputs.
type templateNode struct {
	node.Base
}

func (n *templateNode) Type() string { return TypeTemplate }

func (n *templateNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"template": {Type: node.Types("string"), MinLength: node.Len(1)},
		},
		Required: []string{"template"},
	}
}

func (n *templateNode) ValidateConfig(config map[string]any) error {
	if err := n.Schema().Validate(config); err != nil {
		return err
	}
	raw, _ := config["template"].(string)
	if _, err := template.New("node").Parse(raw); err != nil {
		return &node.ConfigError{Reasons: []string{fmt.Sprintf("template does not parse: %v", err)}}
	}
	return nil
}

func (n *templateNode) Execute(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
	raw, _ := config["template"].(string)
	tmpl, err := template.New("node").Parse(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, inputs); err != nil {
		return nil, err
	}
	return map[string]any{"text": buf.String()}, nil
}

// tokenUsage converts provider usage into span token accounting.
func tokenUsage(u model.Usage) trace.TokenUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return trace.TokenUsage{Input: u.InputTokens, Output: u.OutputTokens, Total: total}
}

// stringInput returns the first non-empty string among the named inputs.
func stringInput(inputs map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := inputs[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// stringsInput extracts a string slice from the first matching input.
func stringsInput(inputs map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch vs := inputs[key].(type) {
		case []string:
			return vs
		case []any:
			out := make([]string, 0, len(vs))
			for _, v := range vs {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func vectorInput(inputs map[string]any, key string) []float64 {
	switch vs := inputs[key].(type) {
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

func vectorsInput(inputs map[string]any, key string) [][]float64 {
	switch vs := inputs[key].(type) {
	case [][]float64:
		return vs
	case []any:
		out := make([][]float64, 0, len(vs))
		for _, v := range vs {
			switch inner := v.(type) {
			case []float64:
				out = append(out, inner)
			case []any:
				vec := make([]float64, 0, len(inner))
				for _, x := range inner {
					if f, ok := toFloat(x); ok {
						vec = append(vec, f)
					}
				}
				out = append(out, vec)
			}
		}
		return out
	default:
		return nil
	}
}

func floatFrom(m map[string]any, key string) float64 {
	f, _ := toFloat(m[key])
	return f
}

func intFrom(m map[string]any, key string) int {
	f, _ := toFloat(m[key])
	return int(f)
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

// cosine similarity of two vectors; zero when lengths differ or either is
// zero-magnitude.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// overlapScore is the fraction of query terms present in the document.
func overlapScore(query, doc string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(doc)
	var matched int
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
