package engine

import (
	"fmt"
	"sort"
	"strings"

	noderegistry "github.com/flowmesh/flowmesh/runtime/node/registry"
)

type (
	// WorkflowSpec is a directed acyclic graph of typed nodes. Edges carry
	// data: a node's inputs are the merged outputs of its upstream nodes,
	// with the workflow inputs feeding nodes that have no upstream.
	WorkflowSpec struct {
		WorkflowID string     `json:"workflow_id"`
		Name       string     `json:"name,omitempty"`
		Query      string     `json:"query,omitempty"`
		UserID     string     `json:"user_id,omitempty"`
		Nodes      []NodeSpec `json:"nodes"`
		Edges      []Edge     `json:"edges,omitempty"`
	}

	// NodeSpec places one typed node in the graph.
	NodeSpec struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		Config map[string]any `json:"config,omitempty"`
	}

	// Edge directs data flow from one node to another.
	Edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	// ValidationError carries every reason a workflow spec was rejected.
	ValidationError struct {
		Reasons []string
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "invalid workflow: " + strings.Join(e.Reasons, "; ")
}

// validate checks the spec shape: unique node ids, registered node types,
// edges between known nodes, no cycles. All violations are collected.
func (w *WorkflowSpec) validate(nodes *noderegistry.Registry) error {
	var reasons []string
	if w.WorkflowID == "" {
		reasons = append(reasons, "workflow_id is required")
	}
	if len(w.Nodes) == 0 {
		reasons = append(reasons, "workflow has no nodes")
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			reasons = append(reasons, "node with empty id")
			continue
		}
		if seen[n.ID] {
			reasons = append(reasons, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if !nodes.IsRegistered(n.Type) {
			reasons = append(reasons, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
	}
	for _, e := range w.Edges {
		if !seen[e.From] {
			reasons = append(reasons, fmt.Sprintf("edge references unknown node %q", e.From))
		}
		if !seen[e.To] {
			reasons = append(reasons, fmt.Sprintf("edge references unknown node %q", e.To))
		}
		if e.From == e.To {
			reasons = append(reasons, fmt.Sprintf("node %q has a self edge", e.From))
		}
	}

	if len(reasons) == 0 {
		if _, err := w.layers(); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// layers orders the graph into topological waves: every node in a wave has
// all of its upstream nodes in earlier waves, so waves run concurrently.
// Fails when the graph has a cycle.
func (w *WorkflowSpec) layers() ([][]NodeSpec, error) {
	indegree := make(map[string]int, len(w.Nodes))
	byID := make(map[string]NodeSpec, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = 0
		byID[n.ID] = n
	}
	downstream := make(map[string][]string)
	for _, e := range w.Edges {
		downstream[e.From] = append(downstream[e.From], e.To)
		indegree[e.To]++
	}

	var layers [][]NodeSpec
	remaining := len(w.Nodes)
	for remaining > 0 {
		var wave []string
		for id, deg := range indegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("workflow graph has a cycle")
		}
		sort.Strings(wave)
		layer := make([]NodeSpec, 0, len(wave))
		for _, id := range wave {
			layer = append(layer, byID[id])
			delete(indegree, id)
			remaining--
			for _, next := range downstream[id] {
				if _, ok := indegree[next]; ok {
					indegree[next]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// upstream returns the ids of nodes feeding the given node, in edge order.
func (w *WorkflowSpec) upstream(nodeID string) []string {
	var from []string
	for _, e := range w.Edges {
		if e.To == nodeID {
			from = append(from, e.From)
		}
	}
	return from
}

// sinks returns the ids of nodes with no outgoing edges, sorted.
func (w *WorkflowSpec) sinks() []string {
	hasOut := make(map[string]bool)
	for _, e := range w.Edges {
		hasOut[e.From] = true
	}
	var out []string
	for _, n := range w.Nodes {
		if !hasOut[n.ID] {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}
