package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Adapter wraps one tool as an executable unit for agent frameworks. Arguments
// are validated against the tool's input schema before dispatch; execution
// routes to the MCP caller or the node executor depending on the tool source.
type Adapter struct {
	Tool     Tool
	schema   *jsonschema.Schema
	registry *Registry
	// llmConfig carries the caller's model configuration into node-backed
	// tools so internal tools inherit the agent's provider and model.
	llmConfig map[string]any
}

// Adapters wraps the named tools, or every registered tool when no names are
// given. llmConfig is merged into the config of node-backed executions; nil is
// fine. Fails when a name is unknown or a tool's input schema does not
// compile.
func (r *Registry) Adapters(llmConfig map[string]any, names ...string) ([]*Adapter, error) {
	var tools []Tool
	if len(names) == 0 {
		tools = r.All()
	} else {
		for _, name := range names {
			t, err := r.Get(name)
			if err != nil {
				return nil, err
			}
			tools = append(tools, t)
		}
	}
	adapters := make([]*Adapter, 0, len(tools))
	for _, t := range tools {
		schema, err := compileSchema(t)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Name, err)
		}
		adapters = append(adapters, &Adapter{
			Tool:      t,
			schema:    schema,
			registry:  r,
			llmConfig: llmConfig,
		})
	}
	return adapters, nil
}

// Execute validates args against the tool schema and runs the tool. MCP tools
// go through the bound caller with their qualified name; internal tools run
// through the node executor with args as node inputs and the adapter's LLM
// configuration as node config.
func (a *Adapter) Execute(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if a.schema != nil {
		if err := a.schema.Validate(normalize(args)); err != nil {
			return nil, fmt.Errorf("invalid arguments for tool %q: %w", a.Tool.Name, err)
		}
	}
	caller, executor := a.registry.collaborators()
	switch a.Tool.Source {
	case SourceMCP:
		if caller == nil {
			return nil, errors.New("no MCP caller bound to tool registry")
		}
		return caller.CallTool(ctx, a.Tool.Name, args)
	case SourceInternal:
		if executor == nil {
			return nil, errors.New("no node executor bound to tool registry")
		}
		config := make(map[string]any, len(a.llmConfig))
		for k, v := range a.llmConfig {
			config[k] = v
		}
		return executor.RunNode(ctx, a.Tool.NodeType, args, config)
	default:
		return nil, fmt.Errorf("tool %q has unknown source %q", a.Tool.Name, a.Tool.Source)
	}
}

// compileSchema compiles the tool's input schema. Tools without a schema skip
// argument validation.
func compileSchema(t Tool) (*jsonschema.Schema, error) {
	if len(t.InputSchema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalize(t.InputSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalize round-trips a value through JSON so Go-native numbers and typed
// slices take the shapes the schema validator expects.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
