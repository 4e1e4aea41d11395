package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/runtime/eval"
	"github.com/flowmesh/flowmesh/runtime/node"
	"github.com/flowmesh/flowmesh/runtime/obs"
	"github.com/flowmesh/flowmesh/runtime/stream"
	"github.com/flowmesh/flowmesh/runtime/trace"
)

type (
	// Executor runs workflow graphs against the engine.
	Executor struct {
		engine *Engine
	}

	// Result is the outcome of one workflow run. Outputs maps node id to
	// that node's outputs; final sink outputs are also surfaced under Final.
	Result struct {
		ExecutionID string
		TraceID     string
		Status      trace.Status
		Outputs     map[string]map[string]any
		Final       map[string]any
	}
)

// spanTypeByNode maps built-in node types to their span types. Anything else
// records as a generic node_execution span.
var spanTypeByNode = map[string]trace.SpanType{
	TypeLLM:          trace.SpanLLM,
	TypeEmbedding:    trace.SpanEmbedding,
	TypeVectorSearch: trace.SpanVectorSearch,
	TypeReranking:    trace.SpanReranking,
	TypeChunking:     trace.SpanChunking,
}

// Run validates the workflow graph and executes it: topological waves run
// concurrently, every node is wrapped in a span and stream events, and the
// trace is completed (or failed) exactly once. Cancelling ctx aborts the run.
func (x *Executor) Run(ctx context.Context, spec WorkflowSpec, inputs map[string]any) (*Result, error) {
	e := x.engine
	if err := spec.validate(e.Nodes); err != nil {
		return nil, err
	}
	layers, err := spec.layers()
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	tr := e.Obs.StartTrace(ctx, spec.WorkflowID, executionID, spec.Query)
	result := &Result{
		ExecutionID: executionID,
		TraceID:     tr.ID,
		Outputs:     make(map[string]map[string]any, len(spec.Nodes)),
	}

	if ws, err := e.Obs.StartSpan(ctx, tr.ID, trace.SpanWorkflowStart, spec.Name, "", inputs); err == nil {
		e.Obs.CompleteSpan(ctx, ws.ID, nil, nil, 0)
	}

	var mu sync.Mutex
	runErr := x.runLayers(ctx, tr.ID, executionID, &spec, layers, inputs, result, &mu)

	if runErr != nil {
		e.Obs.FailTrace(ctx, tr.ID, runErr.Error())
	} else {
		x.recordFinalOutput(ctx, tr.ID, &spec, result)
	}
	e.Obs.CompleteTrace(ctx, tr.ID)
	e.Streams.CloseExecution(executionID)

	if completed, ok := e.Obs.GetTrace(tr.ID); ok {
		result.Status = completed.Status
		x.persist(ctx, completed, &spec)
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// RunNode executes a single node outside a workflow. Internal tool adapters
// route through here.
func (x *Executor) RunNode(ctx context.Context, nodeType string, inputs, config map[string]any) (map[string]any, error) {
	n, err := x.engine.Nodes.New(nodeType)
	if err != nil {
		return nil, err
	}
	outputs, err := node.ExecuteSafe(ctx, n, inputs, config)
	if err != nil {
		return nil, err
	}
	stripMeta(outputs)
	return outputs, nil
}

func (x *Executor) runLayers(ctx context.Context, traceID, executionID string, spec *WorkflowSpec, layers [][]NodeSpec, inputs map[string]any, result *Result, mu *sync.Mutex) error {
	for _, layer := range layers {
		g, gctx := errgroup.WithContext(ctx)
		for _, ns := range layer {
			g.Go(func() error {
				nodeInputs := x.gatherInputs(spec, ns.ID, inputs, result, mu)
				outputs, err := x.runOne(gctx, traceID, executionID, ns, nodeInputs)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Outputs[ns.ID] = outputs
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// gatherInputs merges the workflow inputs with the outputs of every upstream
// node, upstream last so data flowing along edges wins.
func (x *Executor) gatherInputs(spec *WorkflowSpec, nodeID string, inputs map[string]any, result *Result, mu *sync.Mutex) map[string]any {
	merged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	mu.Lock()
	for _, from := range spec.upstream(nodeID) {
		for k, v := range result.Outputs[from] {
			merged[k] = v
		}
	}
	mu.Unlock()
	return merged
}

// runOne executes one node inside a span with stream events around it.
func (x *Executor) runOne(ctx context.Context, traceID, executionID string, ns NodeSpec, inputs map[string]any) (map[string]any, error) {
	e := x.engine
	n, err := e.Nodes.New(ns.Type)
	if err != nil {
		return nil, err
	}
	if binder, ok := n.(interface {
		BindExecution(string, string, node.Publisher)
	}); ok {
		binder.BindExecution(executionID, ns.ID, e.Streams)
	}

	spanType, ok := spanTypeByNode[ns.Type]
	if !ok {
		spanType = trace.SpanNodeExecution
	}
	span, err := e.Obs.StartSpan(ctx, traceID, spanType, ns.ID, "", inputs)
	if err != nil {
		return nil, err
	}

	x.publish(ctx, stream.KindNodeStarted, executionID, ns.ID, map[string]any{"node_type": ns.Type})

	config := cloneMap(ns.Config)
	started := time.Now()
	outputs, err := node.ExecuteSafe(ctx, n, inputs, config)
	e.Metrics.RecordTimer("node_execution", time.Since(started), "node_type", ns.Type)
	if errors.Is(err, context.Canceled) {
		// Workflow-level cancellation: the node did not fail on its own.
		e.Obs.CancelSpan(ctx, span.ID)
		x.publish(ctx, stream.KindNodeFailed, executionID, ns.ID, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("node %q: %w", ns.ID, err)
	}
	if err != nil {
		e.Obs.FailSpan(ctx, span.ID, err.Error(), errorKind(err), "")
		x.publish(ctx, stream.KindNodeFailed, executionID, ns.ID, map[string]any{"error": err.Error()})
		e.Logger.Error(ctx, "node execution failed", "node_id", ns.ID, "node_type", ns.Type, "err", err)
		return nil, fmt.Errorf("node %q: %w", ns.ID, err)
	}

	tokens, cost, update := extractMeta(outputs)
	if update != nil {
		e.Obs.UpdateSpanMetadata(ctx, span.ID, *update)
	}
	e.Obs.CompleteSpan(ctx, span.ID, outputs, tokens, cost)
	if completed, ok := e.Obs.GetSpan(span.ID); ok {
		e.Obs.AddSpanEvaluation(ctx, span.ID, eval.Evaluate(completed))
	}
	x.publish(ctx, stream.KindNodeCompleted, executionID, ns.ID, map[string]any{"node_type": ns.Type})
	return outputs, nil
}

// recordFinalOutput adds the closing span carrying the sink nodes' outputs.
func (x *Executor) recordFinalOutput(ctx context.Context, traceID string, spec *WorkflowSpec, result *Result) {
	final := make(map[string]any)
	for _, sink := range spec.sinks() {
		for k, v := range result.Outputs[sink] {
			final[k] = v
		}
	}
	result.Final = final
	if span, err := x.engine.Obs.StartSpan(ctx, traceID, trace.SpanFinalOutput, "final_output", "", nil); err == nil {
		x.engine.Obs.CompleteSpan(ctx, span.ID, final, nil, 0)
	}
}

func (x *Executor) persist(ctx context.Context, t *trace.Trace, spec *WorkflowSpec) {
	if x.engine.traceStore == nil {
		return
	}
	rec := t.ToRecord()
	rec.UserID = spec.UserID
	if err := x.engine.traceStore.SaveTrace(ctx, rec); err != nil {
		x.engine.Logger.Error(ctx, "trace persistence failed", "trace_id", t.ID, "err", err)
	}
}

func (x *Executor) publish(ctx context.Context, kind stream.Kind, executionID, nodeID string, payload map[string]any) {
	x.engine.Streams.Publish(ctx, stream.Event{
		Kind:        kind,
		NodeID:      nodeID,
		ExecutionID: executionID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}

// extractMeta strips provider usage metadata from node outputs and converts it
// into span accounting.
func extractMeta(outputs map[string]any) (*trace.TokenUsage, float64, *obs.SpanUpdate) {
	if outputs == nil {
		return nil, 0, nil
	}
	var tokens *trace.TokenUsage
	if u, ok := outputs[metaTokens].(trace.TokenUsage); ok {
		tokens = &u
	}
	cost, _ := toFloat(outputs[metaCost])

	var update *obs.SpanUpdate
	modelID, _ := outputs[metaModel].(string)
	provider, _ := outputs[metaProvider].(string)
	limits, _ := outputs[metaLimits].(map[string]any)
	if modelID != "" || provider != "" || len(limits) > 0 {
		update = &obs.SpanUpdate{Model: modelID, Provider: provider, APILimits: limits}
	}
	stripMeta(outputs)
	return tokens, cost, update
}

func stripMeta(outputs map[string]any) {
	delete(outputs, metaTokens)
	delete(outputs, metaCost)
	delete(outputs, metaModel)
	delete(outputs, metaProvider)
	delete(outputs, metaLimits)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func errorKind(err error) string {
	var cfgErr *node.ConfigError
	if errors.As(err, &cfgErr) {
		return "configuration_invalid"
	}
	var execErr *node.ExecutionError
	if errors.As(err, &execErr) {
		return "node_execution_failure"
	}
	return "error"
}
