// Package graphstore persists knowledge-graph nodes and scoped edges with
// idempotent merge and replace-by-scope semantics.
package graphstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonathan/textbook-forge/internal/kg"
)

// Store is the graph persistence contract shared by every backend.
type Store interface {
	// UpsertNodes merges nodes by id and returns how many distinct ids were written.
	UpsertNodes(ctx context.Context, nodes []kg.Node) (int, error)
	// ReplaceScope atomically swaps every edge of scope for edges.
	ReplaceScope(ctx context.Context, scope string, edges []kg.Edge) error
	// QueryScope returns the edges of scope plus every node they reference.
	QueryScope(ctx context.Context, scope string) (*kg.Fragment, error)
	Close() error
}

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options select and configure a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open constructs the backend named by opts.Driver and ensures its schema.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("graph store driver %q requires a database url", opts.Driver)
		}
		return ConnectPostgres(ctx, opts.DatabaseURL)
	case DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown graph store driver %q", opts.Driver)
	}
}

// prepareEdges stamps edges onto scope and rejects ones that belong elsewhere.
func prepareEdges(scope string, edges []kg.Edge) ([]kg.Edge, error) {
	if scope == "" {
		return nil, &StoreConstraintError{Op: "replace_scope", Message: "scope is empty"}
	}
	out := make([]kg.Edge, 0, len(edges))
	seen := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if e.ID == "" || e.SourceID == "" || e.TargetID == "" {
			return nil, &StoreConstraintError{Op: "replace_scope", Message: fmt.Sprintf("edge %q is missing id or endpoints", e.ID)}
		}
		if e.Scope == "" {
			e.Scope = scope
		}
		if e.Scope != scope {
			return nil, &StoreConstraintError{
				Op:      "replace_scope",
				Message: fmt.Sprintf("edge %s has scope %q, expected %q", e.ID, e.Scope, scope),
			}
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// collapseNodes folds duplicate ids in one batch so backends see each id once.
func collapseNodes(nodes []kg.Node) ([]kg.Node, error) {
	index := make(map[string]int, len(nodes))
	out := make([]kg.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, &StoreConstraintError{Op: "upsert_nodes", Message: fmt.Sprintf("node %q has no id", n.Name)}
		}
		if i, ok := index[n.ID]; ok {
			out[i] = kg.MergeNode(out[i], n)
			continue
		}
		index[n.ID] = len(out)
		out = append(out, n)
	}
	return out, nil
}

// referencedIDs lists the distinct node ids touched by edges, sorted.
func referencedIDs(edges []kg.Edge) []string {
	set := make(map[string]struct{})
	for _, e := range edges {
		set[e.SourceID] = struct{}{}
		set[e.TargetID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
