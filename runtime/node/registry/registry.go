// Package registry maintains the process-wide mapping from node type
// identifiers to factories and metadata. Registration happens once during
// engine setup; lookups afterwards are read-mostly. The registry is
// thread-safe so late registration stays legal, but the engine treats it as
// frozen after startup.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowmesh/flowmesh/runtime/node"
	"github.com/flowmesh/flowmesh/runtime/telemetry"
)

type (
	// Factory constructs a fresh node activation for one execution.
	Factory func() node.Node

	// Info is the static metadata registered with a node type.
	Info struct {
		// Type is the node type identifier.
		Type string
		// Name is the human-readable node name.
		Name string
		// Category groups related node types (e.g. "llm", "retrieval", "io").
		Category string
		// Description documents the node for discovery surfaces.
		Description string
		// Inputs lists the declared input field names.
		Inputs []string
		// Outputs lists the declared output field names.
		Outputs []string
	}

	// Registry maps node types to factories and metadata.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]entry
		logger  telemetry.Logger
	}

	entry struct {
		factory Factory
		info    Info
	}

	// UnknownTypeError reports a lookup for an unregistered node type. It
	// carries the known types so callers can surface actionable messages.
	UnknownTypeError struct {
		Type  string
		Known []string
	}
)

// Error implements the error interface.
func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown node type %q (known: %s)", e.Type, strings.Join(e.Known, ", "))
}

// New builds an empty node registry. A nil logger defaults to noop.
func New(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{entries: make(map[string]entry), logger: logger}
}

// Register adds a node type. Registration is idempotent: re-registering an
// existing type overwrites it and logs a warning.
func (r *Registry) Register(nodeType string, factory Factory, info Info) {
	r.mu.Lock()
	_, exists := r.entries[nodeType]
	info.Type = nodeType
	r.entries[nodeType] = entry{factory: factory, info: info}
	r.mu.Unlock()
	if exists {
		r.logger.Warn(context.Background(), "node type re-registered, overwriting", "node_type", nodeType)
	}
}

// Get returns the metadata for a node type.
func (r *Registry) Get(nodeType string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeType]
	if !ok {
		return Info{}, &UnknownTypeError{Type: nodeType, Known: r.knownLocked()}
	}
	return e.info, nil
}

// New constructs a fresh node activation of the given type.
func (r *Registry) New(nodeType string) (node.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeType]
	if !ok {
		return nil, &UnknownTypeError{Type: nodeType, Known: r.knownLocked()}
	}
	return e.factory(), nil
}

// IsRegistered reports whether the node type is known.
func (r *Registry) IsRegistered(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[nodeType]
	return ok
}

// All returns the metadata of every registered node type, sorted by type.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// ByCategory returns the metadata of every node type in the given category,
// sorted by type.
func (r *Registry) ByCategory(category string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var infos []Info
	for _, e := range r.entries {
		if e.info.Category == category {
			infos = append(infos, e.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Categories returns the distinct categories of registered node types, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		seen[e.info.Category] = struct{}{}
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// Clear removes every registration. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]entry)
}

// knownLocked returns the sorted known type list. Callers hold the lock.
func (r *Registry) knownLocked() []string {
	known := make([]string, 0, len(r.entries))
	for t := range r.entries {
		known = append(known, t)
	}
	sort.Strings(known)
	return known
}
