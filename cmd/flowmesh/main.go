// Command flowmesh runs a small demonstration workflow against the engine.
// With no configuration it executes a pure chunk-and-render pipeline; when
// OPENAI_API_KEY is set it adds an LLM summarisation node so the run exercises
// a real provider, cost accounting and the trace aggregates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/flowmesh/flowmesh/features/model/openai"
	"github.com/flowmesh/flowmesh/runtime/engine"
	"github.com/flowmesh/flowmesh/runtime/model"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flowmesh:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	opts := engine.Options{}

	useLLM := false
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		client, err := openai.NewFromAPIKey(key, "gpt-4o-mini")
		if err != nil {
			return err
		}
		opts.Models = map[string]model.Client{"openai": client}
		opts.Embedders = map[string]model.Embedder{"openai": client}
		useLLM = true
	}

	e := engine.New(opts)

	spec := engine.WorkflowSpec{
		WorkflowID: "demo",
		Name:       "chunk and render",
		Nodes: []engine.NodeSpec{
			{ID: "chunk", Type: engine.TypeChunking, Config: map[string]any{
				"chunk_size":    120,
				"chunk_overlap": 20,
			}},
			{ID: "render", Type: engine.TypeTemplate, Config: map[string]any{
				"template": "split into {{.chunks_count}} chunks",
			}},
		},
		Edges: []engine.Edge{{From: "chunk", To: "render"}},
	}
	if useLLM {
		spec.Nodes = append(spec.Nodes, engine.NodeSpec{
			ID: "summary", Type: engine.TypeLLM, Config: map[string]any{
				"provider":      "openai",
				"model":         "gpt-4o-mini",
				"system_prompt": "Summarise the given text in one sentence.",
			},
		})
		spec.Edges = append(spec.Edges, engine.Edge{From: "chunk", To: "summary"})
	}

	inputs := map[string]any{
		"text": "FlowMesh executes workflow graphs of typed nodes. Each node runs " +
			"inside a span, usage and cost roll up into the trace, and stream " +
			"events surface progress while the run is in flight.",
		"prompt": "Summarise: workflow engines run graphs of typed nodes.",
	}

	result, err := e.Executor().Run(ctx, spec, inputs)
	if err != nil {
		return err
	}

	fmt.Printf("execution %s finished with status %s\n", result.ExecutionID, result.Status)
	out, err := json.MarshalIndent(result.Final, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if tr, ok := e.Obs.GetTrace(result.TraceID); ok {
		fmt.Printf("trace %s: %d spans, %d tokens, $%.6f\n",
			tr.ID, len(tr.Spans), tr.TotalTokens.Total, tr.TotalCost)
	}
	return nil
}
