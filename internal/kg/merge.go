package kg

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// MergeStats summarizes one merge.
type MergeStats struct {
	Fragments         int `json:"fragments"`
	InputNodes        int `json:"input_nodes"`
	InputEdges        int `json:"input_edges"`
	Nodes             int `json:"nodes"`
	Edges             int `json:"edges"`
	DuplicateEdges    int `json:"duplicate_edges"`
	ConflictsResolved int `json:"conflicts_resolved"`
	DanglingEdges     int `json:"dangling_edges"`
}

// AggregateGraph is the deduplicated union of fragments under one wide scope.
type AggregateGraph struct {
	Fragment
	Stats MergeStats `json:"stats"`
}

// Merger combines per-unit fragments into an aggregate scope.
type Merger struct {
	ids *IDGenerator
}

// NewMerger creates a merger that re-derives edge ids with ids.
func NewMerger(ids *IDGenerator) *Merger {
	return &Merger{ids: ids}
}

type edgeKey struct {
	source   string
	target   string
	relation RelationType
}

type pairKey struct {
	source string
	target string
}

type mergedEdge struct {
	edge      Edge
	units     []string
	unitSet   map[string]struct{}
	firstSeen int
}

func (m *mergedEdge) attest(units []string) {
	for _, u := range units {
		if _, ok := m.unitSet[u]; ok {
			continue
		}
		m.unitSet[u] = struct{}{}
		m.units = append(m.units, u)
	}
}

// fragmentKey orders fragments for merging. Order and Scope come first;
// the origin unit and content keys separate fragments that tie on both.
type fragmentKey struct {
	order   int
	scope   string
	origin  string
	content string
}

func keyOf(f Fragment) fragmentKey {
	k := fragmentKey{order: f.Order, scope: f.Scope}
	edgeIDs := make([]string, 0, len(f.Edges))
	for _, e := range f.Edges {
		if e.OriginUnitID != "" && (k.origin == "" || e.OriginUnitID < k.origin) {
			k.origin = e.OriginUnitID
		}
		edgeIDs = append(edgeIDs, e.ID)
	}
	nodeIDs := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	sort.Strings(edgeIDs)
	sort.Strings(nodeIDs)
	k.content = strings.Join(edgeIDs, ",") + "|" + strings.Join(nodeIDs, ",")
	return k
}

func (k fragmentKey) less(o fragmentKey) bool {
	switch {
	case k.order != o.order:
		return k.order < o.order
	case k.scope != o.scope:
		return k.scope < o.scope
	case k.origin != o.origin:
		return k.origin < o.origin
	}
	return k.content < o.content
}

// Merge unions fragments into aggregateScope. Fragments are processed in
// (Order, Scope, origin unit, content) order so the result does not depend
// on the order of the input slice. Edges whose endpoints are not in the
// merged node set are dropped.
func (m *Merger) Merge(fragments []Fragment, aggregateScope string) (*AggregateGraph, error) {
	if aggregateScope == "" {
		return nil, &MergeError{Scope: aggregateScope, Message: "aggregate scope is empty"}
	}

	type keyed struct {
		frag Fragment
		key  fragmentKey
	}
	sorted := make([]keyed, len(fragments))
	for i, f := range fragments {
		sorted[i] = keyed{frag: f, key: keyOf(f)}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].key.less(sorted[j].key) })
	ordered := make([]Fragment, len(sorted))
	for i, k := range sorted {
		ordered[i] = k.frag
	}

	stats := MergeStats{Fragments: len(ordered)}
	nodes := make(map[string]Node)
	edges := make(map[edgeKey]*mergedEdge)
	seen := 0

	for _, frag := range ordered {
		stats.InputNodes += len(frag.Nodes)
		stats.InputEdges += len(frag.Edges)

		for _, n := range frag.Nodes {
			existing, ok := nodes[n.ID]
			if !ok {
				n.Aliases = UnionStrings(n.Aliases)
				n.Attributes = cloneAttributes(n.Attributes)
				nodes[n.ID] = n
				continue
			}
			nodes[n.ID] = mergeLonger(existing, n)
		}

		for _, e := range frag.Edges {
			if e.SourceID == "" || e.TargetID == "" {
				return nil, &MergeError{Scope: aggregateScope, Message: fmt.Sprintf("edge %s has no endpoints", e.ID)}
			}
			key := edgeKey{source: e.SourceID, target: e.TargetID, relation: e.RelationType}
			units := supportingUnits(e)

			if me, ok := edges[key]; ok {
				stats.DuplicateEdges++
				me.attest(units)
				me.edge.Confidence = math.Max(me.edge.Confidence, e.Confidence)
				me.edge.Attributes = MergeAttributes(me.edge.Attributes, e.Attributes, false)
				continue
			}

			me := &mergedEdge{
				edge:      e,
				unitSet:   make(map[string]struct{}),
				firstSeen: seen,
			}
			me.edge.Attributes = cloneAttributes(e.Attributes)
			me.attest(units)
			edges[key] = me
			seen++
		}
	}

	for key := range edges {
		_, hasSource := nodes[key.source]
		_, hasTarget := nodes[key.target]
		if !hasSource || !hasTarget {
			delete(edges, key)
			stats.DanglingEdges++
		}
	}

	winners := resolveConflicts(edges, &stats)

	out := &AggregateGraph{Fragment: Fragment{Scope: aggregateScope}}
	for _, me := range winners {
		e := me.edge
		e.Scope = aggregateScope
		e.SupportCount = len(me.units)
		if len(me.units) > 0 {
			e.OriginUnitID = me.units[0]
		}
		if e.Attributes == nil {
			e.Attributes = make(map[string]any)
		}
		e.Attributes[AttrSupportingUnits] = append([]string(nil), me.units...)
		e.ID = m.ids.EdgeID(e.SourceID, e.TargetID, e.RelationType, aggregateScope, "")
		out.Edges = append(out.Edges, e)
	}
	sort.Slice(out.Edges, func(i, j int) bool { return out.Edges[i].ID < out.Edges[j].ID })

	for _, n := range nodes {
		out.Nodes = append(out.Nodes, n)
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })

	stats.Nodes = len(out.Nodes)
	stats.Edges = len(out.Edges)
	out.Stats = stats
	return out, nil
}

// Store persists an aggregate: nodes are upserted before the scope is
// replaced so no stored edge references a missing node.
func (m *Merger) Store(ctx context.Context, w Writer, agg *AggregateGraph) error {
	if _, err := w.UpsertNodes(ctx, agg.Nodes); err != nil {
		return &MergeError{Scope: agg.Scope, Message: "failed to upsert nodes", Cause: err}
	}
	if err := w.ReplaceScope(ctx, agg.Scope, agg.Edges); err != nil {
		return &MergeError{Scope: agg.Scope, Message: "failed to replace scope", Cause: err}
	}
	return nil
}

// MergeAndStore merges fragments and persists the aggregate.
func (m *Merger) MergeAndStore(ctx context.Context, w Writer, fragments []Fragment, aggregateScope string) (*AggregateGraph, error) {
	agg, err := m.Merge(fragments, aggregateScope)
	if err != nil {
		return nil, err
	}
	if err := m.Store(ctx, w, agg); err != nil {
		return agg, err
	}
	return agg, nil
}

// resolveConflicts keeps one relation type per ordered node pair: higher
// support wins, ties go to the first encountered, then to the smaller
// relation type and edge id.
func resolveConflicts(edges map[edgeKey]*mergedEdge, stats *MergeStats) []*mergedEdge {
	byPair := make(map[pairKey][]*mergedEdge)
	for key, me := range edges {
		pk := pairKey{source: key.source, target: key.target}
		byPair[pk] = append(byPair[pk], me)
	}

	winners := make([]*mergedEdge, 0, len(byPair))
	for _, candidates := range byPair {
		sort.Slice(candidates, func(i, j int) bool {
			if len(candidates[i].units) != len(candidates[j].units) {
				return len(candidates[i].units) > len(candidates[j].units)
			}
			if candidates[i].firstSeen != candidates[j].firstSeen {
				return candidates[i].firstSeen < candidates[j].firstSeen
			}
			if candidates[i].edge.RelationType != candidates[j].edge.RelationType {
				return candidates[i].edge.RelationType < candidates[j].edge.RelationType
			}
			return candidates[i].edge.ID < candidates[j].edge.ID
		})
		winner := candidates[0]
		if len(candidates) > 1 {
			stats.ConflictsResolved += len(candidates) - 1
			alternatives := make([]string, 0, len(candidates)-1)
			for _, loser := range candidates[1:] {
				alternatives = append(alternatives, string(loser.edge.RelationType))
			}
			if winner.edge.Attributes == nil {
				winner.edge.Attributes = make(map[string]any)
			}
			winner.edge.Attributes[AttrAlternatives] = UnionStrings(alternatives)
		}
		winners = append(winners, winner)
	}
	return winners
}

// supportingUnits returns the units attesting e. Edges coming out of an
// earlier aggregate carry their full list so nested merges keep support.
func supportingUnits(e Edge) []string {
	if list, ok := asStringList(e.Attributes[AttrSupportingUnits]); ok && len(list) > 0 {
		return list
	}
	if e.OriginUnitID != "" {
		return []string{e.OriginUnitID}
	}
	return []string{e.Scope}
}

// mergeLonger merges nodes across fragments: the longer non-empty
// description is kept and aliases are unioned.
func mergeLonger(existing, incoming Node) Node {
	out := existing
	if len([]rune(incoming.Description)) > len([]rune(existing.Description)) {
		out.Description = incoming.Description
	}
	aliases := append([]string(nil), incoming.Aliases...)
	if incoming.Name != "" && incoming.Name != existing.Name {
		aliases = append(aliases, incoming.Name)
	}
	out.Aliases = UnionStrings(existing.Aliases, aliases)
	out.Attributes = MergeAttributes(existing.Attributes, incoming.Attributes, false)
	return out
}
