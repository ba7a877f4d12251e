package graphstore

import (
	"context"
	"sort"
	"sync"

	"github.com/jonathan/textbook-forge/internal/kg"
)

// Memory is an in-process Store. It backs tests and single-shot CLI runs.
type Memory struct {
	mu     sync.RWMutex
	nodes  map[string]kg.Node
	scopes map[string]map[string]kg.Edge
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:  make(map[string]kg.Node),
		scopes: make(map[string]map[string]kg.Edge),
	}
}

// UpsertNodes merges nodes into the store.
func (m *Memory) UpsertNodes(_ context.Context, nodes []kg.Node) (int, error) {
	batch, err := collapseNodes(nodes)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, &StoreUnavailableError{Op: "upsert_nodes", Cause: errClosed}
	}
	for _, n := range batch {
		if existing, ok := m.nodes[n.ID]; ok {
			m.nodes[n.ID] = kg.MergeNode(existing, n)
			continue
		}
		n = kg.CloneNode(n)
		n.Aliases = kg.UnionStrings(n.Aliases)
		m.nodes[n.ID] = n
	}
	return len(batch), nil
}

// ReplaceScope swaps the edge set of scope under the store lock. Edges are
// copied; later changes by the caller do not reach the store.
func (m *Memory) ReplaceScope(_ context.Context, scope string, edges []kg.Edge) error {
	prepared, err := prepareEdges(scope, edges)
	if err != nil {
		return err
	}

	next := make(map[string]kg.Edge, len(prepared))
	for _, e := range prepared {
		next[e.ID] = kg.CloneEdge(e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &StoreUnavailableError{Op: "replace_scope", Cause: errClosed}
	}
	if len(next) == 0 {
		delete(m.scopes, scope)
		return nil
	}
	m.scopes[scope] = next
	return nil
}

// QueryScope returns a copy of scope.
func (m *Memory) QueryScope(_ context.Context, scope string) (*kg.Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, &StoreUnavailableError{Op: "query_scope", Cause: errClosed}
	}

	frag := &kg.Fragment{Scope: scope}
	for _, e := range m.scopes[scope] {
		frag.Edges = append(frag.Edges, kg.CloneEdge(e))
	}
	sort.Slice(frag.Edges, func(i, j int) bool { return frag.Edges[i].ID < frag.Edges[j].ID })

	for _, id := range referencedIDs(frag.Edges) {
		if n, ok := m.nodes[id]; ok {
			frag.Nodes = append(frag.Nodes, kg.CloneNode(n))
		}
	}
	return frag, nil
}

// Node returns a stored node by id.
func (m *Memory) Node(id string) (kg.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return kg.CloneNode(n), ok
}

// Close marks the store closed; later calls fail as unavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
