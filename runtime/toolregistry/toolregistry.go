// Package toolregistry maintains the unified catalog of callable tools:
// external tools exposed by MCP servers and internal tools backed by workflow
// nodes. Tools are keyed by fully qualified name ("server.tool" for MCP, bare
// name for internal) and surfaced to agent frameworks as adapters that
// validate arguments and route execution to the right backend.
package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	noderegistry "github.com/flowmesh/flowmesh/runtime/node/registry"
	"github.com/flowmesh/flowmesh/runtime/telemetry"
)

// Source identifies which backend executes a tool.
type Source string

const (
	// SourceMCP marks tools served by an external MCP subprocess.
	SourceMCP Source = "mcp"
	// SourceInternal marks tools backed by a workflow node type.
	SourceInternal Source = "internal"
)

type (
	// Tool is one catalog entry. Name is fully qualified: MCP tools carry
	// their server prefix ("server.tool"), internal tools their bare name.
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema,omitempty"`
		Source      Source         `json:"source"`
		ServerName  string         `json:"server_name,omitempty"`
		NodeType    string         `json:"node_type,omitempty"`
		Category    string         `json:"category,omitempty"`
	}

	// Caller invokes an MCP tool by qualified name. The MCP client satisfies
	// it.
	Caller interface {
		CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	}

	// NodeExecutor runs a node-backed tool. The workflow executor satisfies
	// it.
	NodeExecutor interface {
		RunNode(ctx context.Context, nodeType string, inputs, config map[string]any) (map[string]any, error)
	}

	// Registry is the unified tool catalog.
	Registry struct {
		mu                 sync.RWMutex
		tools              map[string]Tool
		internalRegistered bool
		caller             Caller
		executor           NodeExecutor
		logger             telemetry.Logger
	}

	// UnknownToolError reports a lookup for a name the catalog does not hold.
	UnknownToolError struct {
		Name string
	}

	// AmbiguousToolError reports a bare MCP tool name served by more than one
	// server. Candidates holds the qualified names, sorted.
	AmbiguousToolError struct {
		Name       string
		Candidates []string
	}
)

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Error implements the error interface.
func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool name %q is ambiguous, use one of: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// New builds an empty tool registry. A nil logger defaults to noop.
func New(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Bind wires the execution collaborators adapters route through. Called once
// during engine setup, after the MCP client and workflow executor exist.
func (r *Registry) Bind(caller Caller, executor NodeExecutor) {
	r.mu.Lock()
	r.caller = caller
	r.executor = executor
	r.mu.Unlock()
}

// RegisterMCPTool adds an external tool under its qualified name. Re-registering
// an existing name overwrites it, which is the expected path on server
// reconnect.
func (r *Registry) RegisterMCPTool(name, description string, schema map[string]any, serverName, category string) string {
	qualified := serverName + "." + name
	r.mu.Lock()
	r.tools[qualified] = Tool{
		Name:        qualified,
		Description: description,
		InputSchema: schema,
		Source:      SourceMCP,
		ServerName:  serverName,
		Category:    category,
	}
	r.mu.Unlock()
	return qualified
}

// RegisterInternalTool adds a node-backed tool under its bare name.
func (r *Registry) RegisterInternalTool(name, description string, schema map[string]any, nodeType, category string) {
	r.mu.Lock()
	r.tools[name] = Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Source:      SourceInternal,
		NodeType:    nodeType,
		Category:    category,
	}
	r.mu.Unlock()
}

// RegisterInternalNodes bulk-registers every node type known to the node
// registry as an internal tool. The registration runs exactly once; later
// calls are no-ops so setup paths can call it unconditionally.
func (r *Registry) RegisterInternalNodes(nodes *noderegistry.Registry) {
	r.mu.Lock()
	if r.internalRegistered {
		r.mu.Unlock()
		r.logger.Debug(context.Background(), "internal node tools already registered, skipping")
		return
	}
	r.internalRegistered = true
	r.mu.Unlock()

	for _, info := range nodes.All() {
		n, err := nodes.New(info.Type)
		if err != nil {
			continue
		}
		var schema map[string]any
		if s := n.Schema(); s != nil {
			schema = s.JSONSchema()
		}
		r.RegisterInternalTool(info.Type, info.Description, schema, info.Type, info.Category)
	}
}

// Get returns the tool registered under the exact name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Resolve finds an MCP tool by qualified or bare name. A bare name is matched
// against the tool part of every MCP entry; zero matches is unknown, more than
// one is ambiguous.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, nil
	}
	var matches []Tool
	for _, t := range r.tools {
		if t.Source != SourceMCP {
			continue
		}
		if strings.TrimPrefix(t.Name, t.ServerName+".") == name {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return Tool{}, &UnknownToolError{Name: name}
	case 1:
		return matches[0], nil
	default:
		candidates := make([]string, len(matches))
		for i, t := range matches {
			candidates[i] = t.Name
		}
		sort.Strings(candidates)
		return Tool{}, &AmbiguousToolError{Name: name, Candidates: candidates}
	}
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sortTools(tools)
	return tools
}

// ByCategory returns the tools in the given category, sorted by name.
func (r *Registry) ByCategory(category string) []Tool {
	return r.filter(func(t Tool) bool { return t.Category == category })
}

// BySource returns the tools of the given source, sorted by name.
func (r *Registry) BySource(source Source) []Tool {
	return r.filter(func(t Tool) bool { return t.Source == source })
}

// RemoveServer drops every tool served by the named MCP server and returns how
// many were removed. Called on server disconnect.
func (r *Registry) RemoveServer(serverName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int
	for name, t := range r.tools {
		if t.Source == SourceMCP && t.ServerName == serverName {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// CountServer returns how many tools the named MCP server currently serves.
func (r *Registry) CountServer(serverName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, t := range r.tools {
		if t.Source == SourceMCP && t.ServerName == serverName {
			n++
		}
	}
	return n
}

func (r *Registry) filter(keep func(Tool) bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tools []Tool
	for _, t := range r.tools {
		if keep(t) {
			tools = append(tools, t)
		}
	}
	sortTools(tools)
	return tools
}

func (r *Registry) collaborators() (Caller, NodeExecutor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caller, r.executor
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
}
