package kg

// Default graph thresholds.
const (
	ThetaAdd         = 0.55
	ThetaShow        = 0.60
	MinEvidenceCount = 2
)

// Thresholds bound which edges are stored and which are displayed.
type Thresholds struct {
	Add              float64 `json:"theta_add"`
	Show             float64 `json:"theta_show"`
	MinEvidenceCount int     `json:"min_evidence_count"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Add: ThetaAdd, Show: ThetaShow, MinEvidenceCount: MinEvidenceCount}
}

// FilterForStore drops edges whose confidence is below the add threshold.
// Nodes are kept as is.
func (t Thresholds) FilterForStore(frag Fragment) Fragment {
	out := Fragment{Scope: frag.Scope, Order: frag.Order, Nodes: frag.Nodes}
	for _, e := range frag.Edges {
		if e.Confidence >= t.Add {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

// FilterForDisplay keeps edges that are either confident enough or attested
// by enough units, then drops nodes no remaining edge touches.
func (t Thresholds) FilterForDisplay(frag Fragment) Fragment {
	out := Fragment{Scope: frag.Scope, Order: frag.Order}
	used := make(map[string]struct{})
	for _, e := range frag.Edges {
		if e.Confidence < t.Show && e.SupportCount < t.MinEvidenceCount {
			continue
		}
		out.Edges = append(out.Edges, e)
		used[e.SourceID] = struct{}{}
		used[e.TargetID] = struct{}{}
	}
	for _, n := range frag.Nodes {
		if _, ok := used[n.ID]; ok {
			out.Nodes = append(out.Nodes, n)
		}
	}
	return out
}
