package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/model"
	"github.com/flowmesh/flowmesh/runtime/node"
	noderegistry "github.com/flowmesh/flowmesh/runtime/node/registry"
	"github.com/flowmesh/flowmesh/runtime/retry"
	"github.com/flowmesh/flowmesh/runtime/stream"
	"github.com/flowmesh/flowmesh/runtime/trace"
)

// fakeModel scripts Complete responses: it fails with failures retryable
// errors before succeeding.
type fakeModel struct {
	failures int32
	calls    int32
	text     string
}

func (m *fakeModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	n := atomic.AddInt32(&m.calls, 1)
	if n <= atomic.LoadInt32(&m.failures) {
		return model.Response{}, errors.New("rate limit exceeded")
	}
	return model.Response{
		Text:     m.text,
		Usage:    model.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		Model:    req.Model,
		Provider: "openai",
	}, nil
}

// memorySink captures every published stream event.
type memorySink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *memorySink) Send(_ context.Context, event stream.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) kinds() []stream.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// memoryRecords captures persisted trace records.
type memoryRecords struct {
	mu      sync.Mutex
	records []trace.Record
}

func (s *memoryRecords) SaveTrace(_ context.Context, rec trace.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// cancellingNode cancels the run's context mid-execution, the way an external
// abort interrupts an in-flight provider call.
type cancellingNode struct {
	node.Base
	cancel context.CancelFunc
}

func (n *cancellingNode) Type() string                        { return "canceller" }
func (n *cancellingNode) Schema() *node.Schema                { return &node.Schema{} }
func (n *cancellingNode) ValidateConfig(map[string]any) error { return nil }

func (n *cancellingNode) Execute(ctx context.Context, _, _ map[string]any) (map[string]any, error) {
	n.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:      2,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func newTestEngine(opts Options) *Engine {
	if opts.Retry == (retry.Config{}) {
		opts.Retry = fastRetry()
	}
	return New(opts)
}

func TestNewRegistersBuiltins(t *testing.T) {
	e := newTestEngine(Options{})
	for _, typ := range []string{TypeLLM, TypeEmbedding, TypeVectorSearch, TypeReranking, TypeChunking, TypeHTTPRequest, TypeTemplate} {
		require.True(t, e.Nodes.IsRegistered(typ), typ)
	}
	// Built-ins double as internal tools.
	tool, err := e.Tools.Get(TypeChunking)
	require.NoError(t, err)
	require.Equal(t, TypeChunking, tool.NodeType)
}

func TestRunValidatesGraph(t *testing.T) {
	e := newTestEngine(Options{})
	_, err := e.Executor().Run(context.Background(), WorkflowSpec{
		WorkflowID: "wf",
		Nodes: []NodeSpec{
			{ID: "a", Type: "nope"},
			{ID: "a", Type: TypeChunking},
		},
		Edges: []Edge{{From: "a", To: "ghost"}},
	}, nil)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	require.Len(t, invalid.Reasons, 3, "duplicate id, unknown type, unknown edge target")
}

func TestRunDetectsCycle(t *testing.T) {
	e := newTestEngine(Options{})
	_, err := e.Executor().Run(context.Background(), WorkflowSpec{
		WorkflowID: "wf",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeChunking, Config: map[string]any{"chunk_size": 10}},
			{ID: "b", Type: TypeChunking, Config: map[string]any{"chunk_size": 10}},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}, nil)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reasons[0], "cycle")
}

func TestRunPipelineCompletesTrace(t *testing.T) {
	sink := &memorySink{}
	records := &memoryRecords{}
	e := newTestEngine(Options{
		Streams:    stream.NewManager(stream.WithSink(sink)),
		TraceStore: records,
	})

	spec := WorkflowSpec{
		WorkflowID: "wf-1",
		Name:       "chunk and render",
		UserID:     "user-1",
		Nodes: []NodeSpec{
			{ID: "chunk", Type: TypeChunking, Config: map[string]any{"chunk_size": 16, "chunk_overlap": 4}},
			{ID: "render", Type: TypeTemplate, Config: map[string]any{"template": "{{.chunks_count}} chunks"}},
		},
		Edges: []Edge{{From: "chunk", To: "render"}},
	}
	result, err := e.Executor().Run(context.Background(), spec, map[string]any{
		"text": strings.Repeat("flowmesh ", 10),
	})
	require.NoError(t, err)
	require.Equal(t, trace.StatusCompleted, result.Status)
	require.Contains(t, result.Final["text"], "chunks")

	tr, ok := e.Obs.GetTrace(result.TraceID)
	require.True(t, ok)
	require.Equal(t, trace.StatusCompleted, tr.Status)
	// workflow_start + two nodes + final_output.
	require.Len(t, tr.Spans, 4)

	kinds := sink.kinds()
	require.Contains(t, kinds, stream.KindNodeStarted)
	require.Contains(t, kinds, stream.KindNodeCompleted)

	records.mu.Lock()
	defer records.mu.Unlock()
	require.Len(t, records.records, 1)
	require.Equal(t, "user-1", records.records[0].UserID)
	require.Equal(t, "wf-1", records.records[0].WorkflowID)
}

func TestRunLLMNodeRetriesAndAccounts(t *testing.T) {
	m := &fakeModel{failures: 1, text: "hello"}
	e := newTestEngine(Options{
		Models: map[string]model.Client{"openai": m},
	})

	spec := WorkflowSpec{
		WorkflowID: "wf-llm",
		Nodes: []NodeSpec{{
			ID:   "gen",
			Type: TypeLLM,
			Config: map[string]any{
				"provider": "openai",
				"model":    "gpt-4o-mini",
			},
		}},
	}
	result, err := e.Executor().Run(context.Background(), spec, map[string]any{"prompt": "say hello"})
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&m.calls), "one retry after a rate limit")
	require.Equal(t, "hello", result.Outputs["gen"]["text"])
	_, hasMeta := result.Outputs["gen"][metaTokens]
	require.False(t, hasMeta, "usage metadata stays out of node outputs")

	tr, ok := e.Obs.GetTrace(result.TraceID)
	require.True(t, ok)
	require.Equal(t, 150, tr.TotalTokens.Total)
	require.Positive(t, tr.TotalCost)

	for _, s := range tr.Spans {
		if s.Type == trace.SpanLLM {
			require.Equal(t, "gpt-4o-mini", s.Model)
			require.Equal(t, "openai", s.Provider)
			require.NotNil(t, s.Evaluation)
		}
	}
}

func TestRunNodeFailureFailsTrace(t *testing.T) {
	e := newTestEngine(Options{})
	spec := WorkflowSpec{
		WorkflowID: "wf-fail",
		Nodes: []NodeSpec{{
			// No text input provided, the node fails at execute.
			ID: "chunk", Type: TypeChunking, Config: map[string]any{"chunk_size": 16},
		}},
	}
	result, err := e.Executor().Run(context.Background(), spec, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `node "chunk"`)
	require.Equal(t, trace.StatusFailed, result.Status)

	tr, ok := e.Obs.GetTrace(result.TraceID)
	require.True(t, ok)
	require.Equal(t, trace.StatusFailed, tr.Status)
}

func TestRunCancellationMarksSpanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(Options{})
	e.Nodes.Register("canceller", func() node.Node { return &cancellingNode{cancel: cancel} }, noderegistry.Info{
		Name:     "Canceller",
		Category: "transform",
	})

	result, err := e.Executor().Run(ctx, WorkflowSpec{
		WorkflowID: "wf-cancel",
		Nodes:      []NodeSpec{{ID: "stop", Type: "canceller"}},
	}, nil)
	require.ErrorIs(t, err, context.Canceled)

	tr, ok := e.Obs.GetTrace(result.TraceID)
	require.True(t, ok)
	require.Equal(t, trace.StatusFailed, tr.Status)

	var cancelled *trace.Span
	for _, s := range tr.Spans {
		if s.Type == trace.SpanNodeExecution {
			cancelled = s
		}
	}
	require.NotNil(t, cancelled)
	require.Equal(t, trace.StatusCancelled, cancelled.Status, "cancelled nodes are not failures")
	require.Empty(t, cancelled.ErrorMessage)
}

func TestRunInvalidNodeConfig(t *testing.T) {
	e := newTestEngine(Options{})
	spec := WorkflowSpec{
		WorkflowID: "wf-bad-config",
		Nodes: []NodeSpec{{
			ID: "gen", Type: TypeLLM, Config: map[string]any{"provider": "openai", "temperature": 3.0},
		}},
	}
	_, err := e.Executor().Run(context.Background(), spec, map[string]any{"prompt": "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "temperature")
	require.Contains(t, err.Error(), "model", "missing required model is reported alongside")
}

func TestRunIndependentNodesShareLayer(t *testing.T) {
	e := newTestEngine(Options{})
	spec := WorkflowSpec{
		WorkflowID: "wf-parallel",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeChunking, Config: map[string]any{"chunk_size": 8}},
			{ID: "b", Type: TypeChunking, Config: map[string]any{"chunk_size": 8}},
			{ID: "join", Type: TypeTemplate, Config: map[string]any{"template": "{{.chunks_count}}"}},
		},
		Edges: []Edge{{From: "a", To: "join"}, {From: "b", To: "join"}},
	}
	layers, err := spec.layers()
	require.NoError(t, err)
	require.Len(t, layers, 2)
	require.Len(t, layers[0], 2)

	result, err := e.Executor().Run(context.Background(), spec, map[string]any{"text": "one two three four"})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 3)
}

func TestRunNodeDirect(t *testing.T) {
	e := newTestEngine(Options{})
	outputs, err := e.Executor().RunNode(context.Background(), TypeChunking,
		map[string]any{"text": "abcdefghij"},
		map[string]any{"chunk_size": 4, "chunk_overlap": 0})
	require.NoError(t, err)
	require.Equal(t, 3, outputs["chunks_count"])
}

func TestVectorSearchNode(t *testing.T) {
	e := newTestEngine(Options{})
	outputs, err := e.Executor().RunNode(context.Background(), TypeVectorSearch,
		map[string]any{
			"query_embedding": []float64{1, 0},
			"embeddings":      [][]float64{{1, 0}, {0, 1}, {0.9, 0.1}},
			"documents":       []any{"exact", "orthogonal", "close"},
		},
		map[string]any{"top_k": 2})
	require.NoError(t, err)
	scores := outputs["scores"].([]float64)
	require.Len(t, scores, 2)
	require.InDelta(t, 1.0, scores[0], 1e-9)
	require.Equal(t, []any{"exact", "close"}, outputs["results"])
}

func TestRerankingNode(t *testing.T) {
	e := newTestEngine(Options{})
	outputs, err := e.Executor().RunNode(context.Background(), TypeReranking,
		map[string]any{
			"query":     "workflow engine",
			"documents": []any{"a workflow engine for pipelines", "cooking recipes"},
		},
		nil)
	require.NoError(t, err)
	reranked := outputs["reranked"].([]string)
	require.Equal(t, "a workflow engine for pipelines", reranked[0])
	scores := outputs["rerank_scores"].([]float64)
	require.Greater(t, scores[0], scores[1])
}

func TestEmbeddingNodeUsesEmbedder(t *testing.T) {
	embedder := embedderFunc(func(_ context.Context, _ string, texts []string) ([][]float64, model.Usage, error) {
		vectors := make([][]float64, len(texts))
		for i := range vectors {
			vectors[i] = []float64{1, 2, 3}
		}
		return vectors, model.Usage{InputTokens: 7, TotalTokens: 7}, nil
	})
	e := newTestEngine(Options{Embedders: map[string]model.Embedder{"openai": embedder}})

	outputs, err := e.Executor().RunNode(context.Background(), TypeEmbedding,
		map[string]any{"texts": []any{"a", "b"}},
		map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 2, outputs["embeddings_count"])
}

type embedderFunc func(ctx context.Context, model string, texts []string) ([][]float64, model.Usage, error)

func (f embedderFunc) Embed(ctx context.Context, m string, texts []string) ([][]float64, model.Usage, error) {
	return f(ctx, m, texts)
}

func TestTemplateNodeRejectsBadTemplate(t *testing.T) {
	e := newTestEngine(Options{})
	_, err := e.Executor().RunNode(context.Background(), TypeTemplate,
		nil, map[string]any{"template": "{{.broken"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "template")
}
