package kg

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/jonathan/textbook-forge/internal/schemas"
	embedded "github.com/jonathan/textbook-forge/schemas"
)

// DefaultConfidence is assigned to extracted edges that carry no confidence.
const DefaultConfidence = 0.8

// RawNode is one concept as emitted by the extraction prompt.
type RawNode struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// RawEdge is one relation as emitted by the extraction prompt. Endpoints are names.
type RawEdge struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// RawExtraction is the unvalidated output of the extraction step.
type RawExtraction struct {
	Nodes []RawNode `json:"nodes"`
	Edges []RawEdge `json:"edges"`
}

// relationAliases maps folded free-text labels onto the closed enum.
var relationAliases = map[string]RelationType{
	"relatesto":      RelatesTo,
	"related":        RelatesTo,
	"relatedto":      RelatesTo,
	"associated":     RelatesTo,
	"partof":         PartOf,
	"ispartof":       PartOf,
	"belongsto":      PartOf,
	"componentof":    PartOf,
	"subtopicof":     PartOf,
	"haspart":        PartOf,
	"requires":       Requires,
	"dependson":      Requires,
	"prerequisite":   Requires,
	"prerequisiteof": Requires,
	"needs":          Requires,
	"uses":           Requires,
	"contrastswith":  ContrastsWith,
	"contrasts":      ContrastsWith,
	"versus":         ContrastsWith,
	"differsfrom":    ContrastsWith,
	"oppositeof":     ContrastsWith,
	"defines":        Defines,
	"definedby":      Defines,
	"isa":            Defines,
	"instanceof":     Defines,
	"包含": PartOf,
	"属于": PartOf,
	"依赖": Requires,
	"前置": Requires,
	"对比": ContrastsWith,
	"定义": Defines,
	"相关": RelatesTo,
}

// MapRelation maps a free-text label onto the closed enum. Unknown labels map
// to RelatesTo and report known=false so the caller can keep the original.
func MapRelation(label string) (relation RelationType, known bool) {
	upper := RelationType(strings.ToUpper(strings.TrimSpace(label)))
	if upper.Valid() {
		return upper, true
	}
	if r, ok := relationAliases[foldName(label)]; ok {
		return r, true
	}
	return RelatesTo, false
}

// Normalizer canonicalizes raw extractions into typed fragments.
type Normalizer struct {
	ids *IDGenerator
}

// NewNormalizer creates a normalizer that derives ids with ids.
func NewNormalizer(ids *IDGenerator) *Normalizer {
	return &Normalizer{ids: ids}
}

// IDs returns the generator used by this normalizer.
func (n *Normalizer) IDs() *IDGenerator {
	return n.ids
}

// Options carry per-unit context into a normalized fragment.
type Options struct {
	// Order is the stage-local index of the producing unit.
	Order int
	// NodeAttributes are stamped onto every node (e.g. chapter, subchapter).
	NodeAttributes map[string]any
}

// ParseExtraction repairs, schema-validates and decodes LLM output.
func ParseExtraction(text string) (*RawExtraction, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, &MalformedExtractionError{Message: "empty extraction"}
	}

	doc := []byte(cleaned)
	if !json.Valid(doc) {
		repaired, err := jsonrepair.JSONRepair(cleaned)
		if err != nil {
			return nil, &MalformedExtractionError{Message: "extraction is not valid JSON", Cause: err}
		}
		doc = []byte(repaired)
	}

	if err := schemas.Validate(embedded.KGExtraction, doc); err != nil {
		var validationErr *schemas.ValidationError
		if errors.As(err, &validationErr) {
			return nil, &MalformedExtractionError{
				Message: "extraction does not match schema",
				Fields:  validationErr.Fields(),
			}
		}
		return nil, err
	}

	var raw RawExtraction
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &MalformedExtractionError{Message: "failed to decode extraction", Cause: err}
	}
	return &raw, nil
}

// NormalizeText parses and normalizes LLM extraction text in one step.
func (n *Normalizer) NormalizeText(text, scope, originUnitID string, opts Options) (*Fragment, error) {
	raw, err := ParseExtraction(text)
	if err != nil {
		return nil, err
	}
	return n.Normalize(*raw, scope, originUnitID, opts)
}

// Normalize converts a raw extraction into a fragment bound to scope. Nodes
// and edges that collapse to the same id are merged.
func (n *Normalizer) Normalize(raw RawExtraction, scope, originUnitID string, opts Options) (*Fragment, error) {
	if missing := missingFields(raw); len(missing) > 0 {
		return nil, &MalformedExtractionError{Message: "missing required fields", Fields: missing}
	}

	frag := &Fragment{Scope: scope, Order: opts.Order}
	nodeIndex := make(map[string]int)
	byName := make(map[string]string)

	addNode := func(node Node) {
		if i, ok := nodeIndex[node.ID]; ok {
			frag.Nodes[i] = mergeFirstSeen(frag.Nodes[i], node)
			return
		}
		nodeIndex[node.ID] = len(frag.Nodes)
		frag.Nodes = append(frag.Nodes, node)
	}

	for _, rn := range raw.Nodes {
		nodeType := strings.ToLower(strings.TrimSpace(rn.Type))
		if nodeType == "" {
			nodeType = DefaultNodeType
		}
		id, err := n.ids.NodeID(nodeType, rn.Name)
		if err != nil {
			return nil, err
		}
		name := collapse(rn.Name)
		addNode(Node{
			ID:          id,
			Type:        nodeType,
			Name:        name,
			Description: collapse(rn.Description),
			Aliases:     cleanAliases(rn.Aliases, name),
			Attributes:  cloneAttributes(opts.NodeAttributes),
		})
		byName[n.ids.NormalizeName(rn.Name)] = id
	}

	resolve := func(name string) (string, error) {
		if id, ok := byName[n.ids.NormalizeName(name)]; ok {
			return id, nil
		}
		id, err := n.ids.NodeID(DefaultNodeType, name)
		if err != nil {
			return "", err
		}
		addNode(Node{
			ID:         id,
			Type:       DefaultNodeType,
			Name:       collapse(name),
			Attributes: cloneAttributes(opts.NodeAttributes),
		})
		byName[n.ids.NormalizeName(name)] = id
		return id, nil
	}

	edgeIndex := make(map[string]int)
	for _, re := range raw.Edges {
		sourceID, err := resolve(re.Source)
		if err != nil {
			return nil, err
		}
		targetID, err := resolve(re.Target)
		if err != nil {
			return nil, err
		}

		relation, known := MapRelation(re.Type)
		attrs := map[string]any{}
		if !known && strings.TrimSpace(re.Type) != "" {
			attrs[AttrOriginalRelation] = strings.TrimSpace(re.Type)
		}
		evidence := collapse(re.Description)
		if evidence != "" {
			attrs[AttrEvidence] = evidence
		}
		if len(attrs) == 0 {
			attrs = nil
		}

		edge := Edge{
			ID:           n.ids.EdgeID(sourceID, targetID, relation, scope, evidence),
			SourceID:     sourceID,
			TargetID:     targetID,
			RelationType: relation,
			Scope:        scope,
			OriginUnitID: originUnitID,
			Confidence:   confidence(re.Confidence),
			SupportCount: 1,
			Attributes:   attrs,
		}

		if i, ok := edgeIndex[edge.ID]; ok {
			existing := frag.Edges[i]
			existing.Confidence = math.Max(existing.Confidence, edge.Confidence)
			existing.Attributes = MergeAttributes(existing.Attributes, edge.Attributes, false)
			frag.Edges[i] = existing
			continue
		}
		edgeIndex[edge.ID] = len(frag.Edges)
		frag.Edges = append(frag.Edges, edge)
	}

	return frag, nil
}

// mergeFirstSeen merges a duplicate node inside one fragment: the first
// description is kept unless empty, aliases are unioned.
func mergeFirstSeen(first, dup Node) Node {
	out := first
	if out.Description == "" {
		out.Description = dup.Description
	}
	aliases := append([]string(nil), dup.Aliases...)
	if dup.Name != "" && dup.Name != first.Name {
		aliases = append(aliases, dup.Name)
	}
	out.Aliases = UnionStrings(first.Aliases, aliases)
	out.Attributes = MergeAttributes(first.Attributes, dup.Attributes, false)
	return out
}

func missingFields(raw RawExtraction) []string {
	var missing []string
	for i, node := range raw.Nodes {
		if strings.TrimSpace(node.Name) == "" {
			missing = append(missing, "nodes["+strconv.Itoa(i)+"].name")
		}
	}
	for i, edge := range raw.Edges {
		if strings.TrimSpace(edge.Source) == "" {
			missing = append(missing, "edges["+strconv.Itoa(i)+"].source")
		}
		if strings.TrimSpace(edge.Target) == "" {
			missing = append(missing, "edges["+strconv.Itoa(i)+"].target")
		}
	}
	return missing
}

func confidence(c *float64) float64 {
	if c == nil {
		return DefaultConfidence
	}
	return math.Min(1, math.Max(0, *c))
}

func cleanAliases(aliases []string, canonical string) []string {
	var out []string
	for _, a := range aliases {
		a = collapse(a)
		if a == "" || a == canonical {
			continue
		}
		out = append(out, a)
	}
	return UnionStrings(out)
}

func collapse(s string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 && !strings.Contains(text[:idx], "{") {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
