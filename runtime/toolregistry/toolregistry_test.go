package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/node"
	noderegistry "github.com/flowmesh/flowmesh/runtime/node/registry"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	}
}

func TestRegisterMCPToolQualifiesName(t *testing.T) {
	r := New(nil)
	qualified := r.RegisterMCPTool("echo", "echoes input", echoSchema(), "demo", "utility")
	require.Equal(t, "demo.echo", qualified)

	tool, err := r.Get("demo.echo")
	require.NoError(t, err)
	require.Equal(t, SourceMCP, tool.Source)
	require.Equal(t, "demo", tool.ServerName)
}

func TestGetUnknown(t *testing.T) {
	r := New(nil)
	_, err := r.Get("nope")
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nope", unknown.Name)
}

func TestResolveBareName(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", nil, "demo", "")

	tool, err := r.Resolve("echo")
	require.NoError(t, err)
	require.Equal(t, "demo.echo", tool.Name)
}

func TestResolveAmbiguous(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", nil, "alpha", "")
	r.RegisterMCPTool("echo", "", nil, "beta", "")

	_, err := r.Resolve("echo")
	var ambiguous *AmbiguousToolError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, []string{"alpha.echo", "beta.echo"}, ambiguous.Candidates)
}

func TestRemoveServer(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", nil, "demo", "")
	r.RegisterMCPTool("sum", "", nil, "demo", "")
	r.RegisterMCPTool("other", "", nil, "keep", "")

	require.Equal(t, 2, r.CountServer("demo"))
	require.Equal(t, 2, r.RemoveServer("demo"))
	require.Zero(t, r.CountServer("demo"))
	require.Len(t, r.All(), 1)
}

func TestFilters(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", nil, "demo", "utility")
	r.RegisterInternalTool("summarize", "", nil, "llm", "llm")

	require.Len(t, r.BySource(SourceMCP), 1)
	require.Len(t, r.BySource(SourceInternal), 1)
	require.Equal(t, "summarize", r.ByCategory("llm")[0].Name)
}

type toolNode struct {
	node.Base
	executed map[string]any
}

func (n *toolNode) Type() string { return "summarize" }

func (n *toolNode) Schema() *node.Schema {
	return &node.Schema{
		Properties: map[string]*node.Property{
			"text": {Type: node.Types("string")},
		},
		Required: []string{"text"},
	}
}

func (n *toolNode) ValidateConfig(config map[string]any) error { return nil }

func (n *toolNode) Execute(_ context.Context, inputs, config map[string]any) (map[string]any, error) {
	return map[string]any{"inputs": inputs, "config": config}, nil
}

func TestRegisterInternalNodesOnce(t *testing.T) {
	nodes := noderegistry.New(nil)
	nodes.Register("summarize", func() node.Node { return &toolNode{} }, noderegistry.Info{
		Name:     "Summarize",
		Category: "llm",
	})

	r := New(nil)
	r.RegisterInternalNodes(nodes)
	require.Len(t, r.BySource(SourceInternal), 1)

	tool, err := r.Get("summarize")
	require.NoError(t, err)
	require.Equal(t, "summarize", tool.NodeType)
	require.NotNil(t, tool.InputSchema)

	// A second bulk registration is a no-op even after removal.
	r.RemoveServer("none")
	r.RegisterInternalNodes(nodes)
	require.Len(t, r.BySource(SourceInternal), 1)
}

type stubCaller struct {
	lastName string
	lastArgs map[string]any
	result   any
	err      error
}

func (c *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	c.lastName = name
	c.lastArgs = args
	return c.result, c.err
}

type stubExecutor struct {
	lastType   string
	lastInputs map[string]any
	lastConfig map[string]any
}

func (e *stubExecutor) RunNode(_ context.Context, nodeType string, inputs, config map[string]any) (map[string]any, error) {
	e.lastType = nodeType
	e.lastInputs = inputs
	e.lastConfig = config
	return map[string]any{"ok": true}, nil
}

func TestAdapterRoutesMCP(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", echoSchema(), "demo", "")
	caller := &stubCaller{result: map[string]any{"echoed": "hi"}}
	r.Bind(caller, nil)

	adapters, err := r.Adapters(nil, "demo.echo")
	require.NoError(t, err)
	require.Len(t, adapters, 1)

	result, err := adapters[0].Execute(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echoed": "hi"}, result)
	require.Equal(t, "demo.echo", caller.lastName)
}

func TestAdapterValidatesArguments(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", echoSchema(), "demo", "")
	r.Bind(&stubCaller{}, nil)

	adapters, err := r.Adapters(nil, "demo.echo")
	require.NoError(t, err)

	_, err = adapters[0].Execute(context.Background(), map[string]any{"text": 42})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid arguments")

	_, err = adapters[0].Execute(context.Background(), nil)
	require.Error(t, err, "missing required argument")
}

func TestAdapterRoutesInternalWithLLMConfig(t *testing.T) {
	r := New(nil)
	r.RegisterInternalTool("summarize", "", nil, "summarize", "llm")
	exec := &stubExecutor{}
	r.Bind(nil, exec)

	llm := map[string]any{"provider": "anthropic", "model": "claude-sonnet-4-5"}
	adapters, err := r.Adapters(llm, "summarize")
	require.NoError(t, err)

	_, err = adapters[0].Execute(context.Background(), map[string]any{"text": "long document"})
	require.NoError(t, err)
	require.Equal(t, "summarize", exec.lastType)
	require.Equal(t, "long document", exec.lastInputs["text"])
	require.Equal(t, "anthropic", exec.lastConfig["provider"])
}

func TestAdapterUnboundCaller(t *testing.T) {
	r := New(nil)
	r.RegisterMCPTool("echo", "", nil, "demo", "")

	adapters, err := r.Adapters(nil)
	require.NoError(t, err)
	_, err = adapters[0].Execute(context.Background(), map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no MCP caller")
}
