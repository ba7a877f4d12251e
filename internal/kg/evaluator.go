package kg

import (
	"math"
	"sort"
)

// Evaluation scores a graph against the outline and keywords it was built from.
type Evaluation struct {
	NodeCount          int            `json:"node_count"`
	EdgeCount          int            `json:"edge_count"`
	Components         int            `json:"components"`
	LargestComponent   int            `json:"largest_component"`
	ConnectivityScore  float64        `json:"connectivity_score"`
	RelationRichness   float64        `json:"relation_richness"`
	SubchapterCoverage float64        `json:"subchapter_coverage"`
	KeywordCoverage    float64        `json:"keyword_coverage"`
	CoverageScore      float64        `json:"coverage_score"`
	RelationCounts     map[string]int `json:"relation_counts"`
	MissingKeywords    []string       `json:"missing_keywords,omitempty"`
}

// Coverage weights.
const (
	weightSubchapter   = 0.4
	weightKeyword      = 0.3
	weightConnectivity = 0.2
	weightRichness     = 0.1
)

// Evaluator computes graph quality metrics.
type Evaluator struct {
	ids *IDGenerator
}

// NewEvaluator creates an evaluator matching keywords with ids' normalization.
func NewEvaluator(ids *IDGenerator) *Evaluator {
	return &Evaluator{ids: ids}
}

// Evaluate scores frag. subchapters are the unit ids expected to attest
// edges, keywords the concepts the graph should name.
func (ev *Evaluator) Evaluate(frag Fragment, subchapters, keywords []string) Evaluation {
	res := Evaluation{
		NodeCount:      len(frag.Nodes),
		EdgeCount:      len(frag.Edges),
		RelationCounts: make(map[string]int),
	}
	for _, e := range frag.Edges {
		res.RelationCounts[string(e.RelationType)]++
	}

	if len(frag.Nodes) > 0 {
		sizes := componentSizes(frag)
		res.Components = len(sizes)
		for _, s := range sizes {
			if s > res.LargestComponent {
				res.LargestComponent = s
			}
		}
		res.ConnectivityScore = float64(res.LargestComponent) / float64(len(frag.Nodes))
		res.RelationRichness = math.Min(1, float64(len(frag.Edges))/float64(len(frag.Nodes)))
	}

	res.SubchapterCoverage = ev.subchapterCoverage(frag, subchapters)
	res.KeywordCoverage, res.MissingKeywords = ev.keywordCoverage(frag, keywords)

	res.CoverageScore = round3(weightSubchapter*res.SubchapterCoverage +
		weightKeyword*res.KeywordCoverage +
		weightConnectivity*res.ConnectivityScore +
		weightRichness*res.RelationRichness)
	return res
}

// subchapterCoverage is the share of units that attest at least one edge.
func (ev *Evaluator) subchapterCoverage(frag Fragment, subchapters []string) float64 {
	if len(subchapters) == 0 {
		return 0
	}
	covered := make(map[string]struct{})
	for _, e := range frag.Edges {
		if units, ok := asStringList(e.Attributes[AttrSupportingUnits]); ok {
			for _, u := range units {
				covered[u] = struct{}{}
			}
		}
		if e.OriginUnitID != "" {
			covered[e.OriginUnitID] = struct{}{}
		}
	}

	hit := 0
	for _, s := range subchapters {
		if _, ok := covered[s]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(subchapters))
}

func (ev *Evaluator) keywordCoverage(frag Fragment, keywords []string) (float64, []string) {
	if len(keywords) == 0 {
		return 0, nil
	}
	names := make(map[string]struct{})
	for _, n := range frag.Nodes {
		names[ev.ids.NormalizeName(n.Name)] = struct{}{}
		for _, a := range n.Aliases {
			names[ev.ids.NormalizeName(a)] = struct{}{}
		}
	}

	hit := 0
	var missing []string
	for _, kw := range keywords {
		if _, ok := names[ev.ids.NormalizeName(kw)]; ok {
			hit++
			continue
		}
		missing = append(missing, kw)
	}
	sort.Strings(missing)
	return float64(hit) / float64(len(keywords)), missing
}

// componentSizes returns the size of every connected component, treating
// edges as undirected. Edges to unknown nodes are ignored.
func componentSizes(frag Fragment) []int {
	parent := make(map[string]string, len(frag.Nodes))
	for _, n := range frag.Nodes {
		parent[n.ID] = n.ID
	}

	find := func(x string) string {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for _, e := range frag.Edges {
		if _, ok := parent[e.SourceID]; !ok {
			continue
		}
		if _, ok := parent[e.TargetID]; !ok {
			continue
		}
		a, b := find(e.SourceID), find(e.TargetID)
		if a != b {
			parent[a] = b
		}
	}

	counts := make(map[string]int)
	for id := range parent {
		counts[find(id)]++
	}
	sizes := make([]int, 0, len(counts))
	for _, c := range counts {
		sizes = append(sizes, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
