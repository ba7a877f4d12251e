// Package kg implements the knowledge-graph core: content-addressable ids,
// fragment normalization, multi-fragment merging, display thresholds and
// graph quality evaluation.
package kg

import (
	"context"
	"sort"
)

// RelationType is the closed set of relation types stored in the graph.
type RelationType string

// Relation types
const (
	RelatesTo     RelationType = "RELATES_TO"
	PartOf        RelationType = "PART_OF"
	Requires      RelationType = "REQUIRES"
	ContrastsWith RelationType = "CONTRASTS_WITH"
	Defines       RelationType = "DEFINES"
)

// RelationTypes lists every valid relation type.
var RelationTypes = []RelationType{RelatesTo, PartOf, Requires, ContrastsWith, Defines}

// Valid reports whether r belongs to the closed enum.
func (r RelationType) Valid() bool {
	for _, t := range RelationTypes {
		if r == t {
			return true
		}
	}
	return false
}

// DefaultNodeType is used when an extraction does not name a node type.
const DefaultNodeType = "concept"

// Attribute keys with shared meaning across the package.
const (
	AttrOriginalRelation = "original_relation"
	AttrAlternatives     = "alternatives"
	AttrSupportingUnits  = "supporting_units"
	AttrEvidence         = "evidence"
	AttrChapter          = "chapter"
	AttrSubchapter       = "subchapter"
)

// Node is a concept in the graph. ID is derived from (Type, normalized Name).
type Node struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Edge is a typed relation between two nodes within one scope.
type Edge struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"source_id"`
	TargetID     string         `json:"target_id"`
	RelationType RelationType   `json:"relation_type"`
	Scope        string         `json:"scope"`
	OriginUnitID string         `json:"src"`
	Confidence   float64        `json:"confidence"`
	SupportCount int            `json:"support_count"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Fragment is a small graph bound to one scope. Order is the stage-local index
// of the unit that produced it and drives deterministic tie-breaking.
type Fragment struct {
	Scope string `json:"scope"`
	Order int    `json:"order"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeIndex returns the fragment's nodes keyed by id.
func (f *Fragment) NodeIndex() map[string]Node {
	idx := make(map[string]Node, len(f.Nodes))
	for _, n := range f.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// Writer is the subset of the graph store used by the graph stages.
type Writer interface {
	UpsertNodes(ctx context.Context, nodes []Node) (int, error)
	ReplaceScope(ctx context.Context, scope string, edges []Edge) error
}

// cloneAttributes copies a map, including string slices and nested maps.
func cloneAttributes(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if list, ok := asStringList(v); ok {
			out[k] = list
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAttributes(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// CloneNode returns a copy of n that shares no maps or slices with it.
func CloneNode(n Node) Node {
	if n.Aliases != nil {
		n.Aliases = append([]string(nil), n.Aliases...)
	}
	n.Attributes = cloneAttributes(n.Attributes)
	return n
}

// CloneEdge returns a copy of e that shares no maps with it.
func CloneEdge(e Edge) Edge {
	e.Attributes = cloneAttributes(e.Attributes)
	return e
}

// asStringList reports whether v is a list of strings, either as []string or
// as the []any produced by JSON decoding.
func asStringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// UnionStrings returns the sorted, de-duplicated union of the given lists,
// skipping empty strings.
func UnionStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// MergeAttributes folds incoming into base. List values are unioned; scalar
// conflicts resolve to incoming when overwrite is set, base otherwise.
func MergeAttributes(base, incoming map[string]any, overwrite bool) map[string]any {
	if len(incoming) == 0 {
		return cloneAttributes(base)
	}
	out := cloneAttributes(base)
	if out == nil {
		out = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		existing, ok := out[k]
		if !ok {
			if list, isList := asStringList(v); isList {
				out[k] = list
			} else {
				out[k] = v
			}
			continue
		}
		el, eIsList := asStringList(existing)
		il, iIsList := asStringList(v)
		if eIsList && iIsList {
			out[k] = UnionStrings(el, il)
			continue
		}
		if overwrite {
			out[k] = v
		}
	}
	return out
}

// MergeNode folds incoming into existing using store semantics: aliases and
// list attributes are unioned, non-empty scalars are last-write-wins.
func MergeNode(existing, incoming Node) Node {
	out := existing
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	out.Aliases = UnionStrings(existing.Aliases, incoming.Aliases)
	out.Attributes = MergeAttributes(existing.Attributes, incoming.Attributes, true)
	return out
}
