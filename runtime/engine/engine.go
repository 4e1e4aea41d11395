// Package engine assembles the runtime: node and tool registries, the
// observability manager, the stream manager, MCP managers, pricing, secrets
// and provider clients, held on one explicit Engine value instead of package
// singletons. Construction is deterministic: New wires every collaborator,
// registers the built-in node set and binds the tool registry's execution
// paths.
package engine

import (
	"context"
	"net/http"

	"github.com/flowmesh/flowmesh/runtime/mcp"
	mcpmanager "github.com/flowmesh/flowmesh/runtime/mcp/manager"
	"github.com/flowmesh/flowmesh/runtime/model"
	"github.com/flowmesh/flowmesh/runtime/node"
	noderegistry "github.com/flowmesh/flowmesh/runtime/node/registry"
	"github.com/flowmesh/flowmesh/runtime/obs"
	"github.com/flowmesh/flowmesh/runtime/pricing"
	"github.com/flowmesh/flowmesh/runtime/retry"
	"github.com/flowmesh/flowmesh/runtime/secrets"
	"github.com/flowmesh/flowmesh/runtime/stream"
	"github.com/flowmesh/flowmesh/runtime/telemetry"
	"github.com/flowmesh/flowmesh/runtime/toolregistry"
	"github.com/flowmesh/flowmesh/runtime/trace"
)

type (
	// RecordStore persists completed trace records. The Mongo store satisfies
	// it; leaving it nil keeps traces in memory only.
	RecordStore interface {
		SaveTrace(ctx context.Context, rec trace.Record) error
	}

	// Options configures an Engine. Every field is optional; zero values get
	// working in-memory defaults.
	Options struct {
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics

		Nodes   *noderegistry.Registry
		Tools   *toolregistry.Registry
		Obs     *obs.Manager
		Streams *stream.Manager
		MCP     *mcp.Client
		Pricing *pricing.Catalog
		Secrets secrets.Resolver

		// Models maps provider name to its client; Embedders likewise.
		Models    map[string]model.Client
		Embedders map[string]model.Embedder

		// Retry applies to provider calls made by built-in nodes.
		Retry retry.Config

		// HTTPClient serves the http_request node.
		HTTPClient *http.Client

		// TraceStore persists completed traces for the forecaster.
		TraceStore RecordStore
	}

	// Engine is the explicit runtime context passed to constructors and
	// call-sites.
	Engine struct {
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics

		Nodes    *noderegistry.Registry
		Tools    *toolregistry.Registry
		Obs      *obs.Manager
		Streams  *stream.Manager
		MCP      *mcp.Client
		Managers *mcpmanager.Registry
		Pricing  *pricing.Catalog
		Secrets  secrets.Resolver

		models     map[string]model.Client
		embedders  map[string]model.Embedder
		retryCfg   retry.Config
		httpClient *http.Client
		traceStore RecordStore

		executor *Executor
	}
)

// New builds a fully wired engine. Built-in node types are registered, the
// node set is exposed as internal tools, and the tool registry routes MCP
// calls through the engine's MCP client and internal calls through the
// executor.
func New(opts Options) *Engine {
	e := &Engine{
		Logger:     opts.Logger,
		Tracer:     opts.Tracer,
		Metrics:    opts.Metrics,
		Nodes:      opts.Nodes,
		Tools:      opts.Tools,
		Obs:        opts.Obs,
		Streams:    opts.Streams,
		MCP:        opts.MCP,
		Pricing:    opts.Pricing,
		Secrets:    opts.Secrets,
		models:     opts.Models,
		embedders:  opts.Embedders,
		retryCfg:   opts.Retry,
		httpClient: opts.HTTPClient,
		traceStore: opts.TraceStore,
	}
	if e.Logger == nil {
		e.Logger = telemetry.NewNoopLogger()
	}
	if e.Tracer == nil {
		e.Tracer = telemetry.NewNoopTracer()
	}
	if e.Metrics == nil {
		e.Metrics = telemetry.NewNoopMetrics()
	}
	if e.Nodes == nil {
		e.Nodes = noderegistry.New(e.Logger)
	}
	if e.Tools == nil {
		e.Tools = toolregistry.New(e.Logger)
	}
	if e.Obs == nil {
		e.Obs = obs.NewManager(obs.WithLogger(e.Logger))
	}
	if e.Streams == nil {
		e.Streams = stream.NewManager(stream.WithLogger(e.Logger))
	}
	if e.Pricing == nil {
		e.Pricing = pricing.Default()
	}
	if e.Secrets == nil {
		e.Secrets = secrets.EnvResolver{}
	}
	if e.MCP == nil {
		e.MCP = mcp.New(e.Tools, mcp.WithLogger(e.Logger))
	}
	if e.retryCfg == (retry.Config{}) {
		e.retryCfg = retry.DefaultConfig()
	}
	if e.httpClient == nil {
		e.httpClient = http.DefaultClient
	}

	e.Managers = mcpmanager.NewRegistry(func(tenant string) *mcpmanager.Manager {
		return mcpmanager.New(tenant, nil, e.MCP,
			mcpmanager.WithLogger(e.Logger),
			mcpmanager.WithSecrets(e.Secrets))
	})

	e.registerBuiltins()
	e.Tools.RegisterInternalNodes(e.Nodes)
	e.executor = &Executor{engine: e}
	e.Tools.Bind(e.MCP, e.executor)
	return e
}

// WithManagerFactory replaces the per-tenant MCP manager factory, typically to
// supply a persistent store per tenant.
func (e *Engine) WithManagerFactory(build func(tenant string) *mcpmanager.Manager) {
	e.Managers = mcpmanager.NewRegistry(build)
}

// Executor returns the workflow executor bound to this engine.
func (e *Engine) Executor() *Executor { return e.executor }

// Model returns the client registered for a provider.
func (e *Engine) Model(provider string) (model.Client, bool) {
	c, ok := e.models[provider]
	return c, ok
}

// Embedder returns the embedder registered for a provider.
func (e *Engine) Embedder(provider string) (model.Embedder, bool) {
	em, ok := e.embedders[provider]
	return em, ok
}

// registerBuiltins installs the built-in node set.
func (e *Engine) registerBuiltins() {
	e.Nodes.Register(TypeLLM, func() node.Node { return newLLMNode(e) }, noderegistry.Info{
		Name:        "LLM Completion",
		Category:    "llm",
		Description: "Generates text with a configured model provider.",
		Inputs:      []string{"prompt"},
		Outputs:     []string{"text"},
	})
	e.Nodes.Register(TypeEmbedding, func() node.Node { return newEmbeddingNode(e) }, noderegistry.Info{
		Name:        "Embedding",
		Category:    "retrieval",
		Description: "Embeds texts into vectors with a configured provider.",
		Inputs:      []string{"texts"},
		Outputs:     []string{"embeddings"},
	})
	e.Nodes.Register(TypeVectorSearch, func() node.Node { return &vectorSearchNode{} }, noderegistry.Info{
		Name:        "Vector Search",
		Category:    "retrieval",
		Description: "Ranks candidate embeddings by cosine similarity to a query embedding.",
		Inputs:      []string{"query_embedding", "embeddings", "documents"},
		Outputs:     []string{"scores", "results"},
	})
	e.Nodes.Register(TypeReranking, func() node.Node { return &rerankingNode{} }, noderegistry.Info{
		Name:        "Reranking",
		Category:    "retrieval",
		Description: "Rescores retrieved documents against the query.",
		Inputs:      []string{"query", "documents", "original_scores"},
		Outputs:     []string{"reranked", "rerank_scores"},
	})
	e.Nodes.Register(TypeChunking, func() node.Node { return &chunkingNode{} }, noderegistry.Info{
		Name:        "Chunking",
		Category:    "ingestion",
		Description: "Splits text into overlapping chunks.",
		Inputs:      []string{"text"},
		Outputs:     []string{"chunks"},
	})
	e.Nodes.Register(TypeHTTPRequest, func() node.Node { return &httpRequestNode{client: e.httpClient} }, noderegistry.Info{
		Name:        "HTTP Request",
		Category:    "io",
		Description: "Performs an HTTP request and returns status and body.",
		Inputs:      []string{"body"},
		Outputs:     []string{"status", "body"},
	})
	e.Nodes.Register(TypeTemplate, func() node.Node { return &templateNode{} }, noderegistry.Info{
		Name:        "Template",
		Category:    "transform",
		Description: "Renders a text template over the node inputs.",
		Inputs:      []string{},
		Outputs:     []string{"text"},
	})
}
