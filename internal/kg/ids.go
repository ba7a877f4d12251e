package kg

import (
	"crypto/md5" //nolint:gosec // short content fingerprints, not security
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	nodeIDPrefix = "n_"
	edgeIDPrefix = "e_"
	idHexLength  = 16
	hashLength   = 12
)

var (
	// separators are stripped entirely so "machine-learning" and "Machine Learning" collapse.
	separators = regexp.MustCompile(`[\p{P}\p{S}\s]+`)
	whitespace = regexp.MustCompile(`\s+`)
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

// Synonyms maps a normalized surface form to its canonical normalized form.
type Synonyms map[string]string

// NewSynonyms builds a table from raw pairs, normalizing keys and values.
func NewSynonyms(pairs map[string]string) Synonyms {
	s := make(Synonyms, len(pairs))
	for from, to := range pairs {
		k := foldName(from)
		v := foldName(to)
		if k == "" || v == "" {
			continue
		}
		s[k] = v
	}
	return s
}

// DefaultSynonyms returns a fresh copy of the built-in abbreviation table.
func DefaultSynonyms() Synonyms {
	return NewSynonyms(map[string]string{
		"ML":   "machine learning",
		"DL":   "deep learning",
		"AI":   "artificial intelligence",
		"NLP":  "natural language processing",
		"CNN":  "convolutional neural network",
		"RNN":  "recurrent neural network",
		"LLM":  "large language model",
		"RL":   "reinforcement learning",
		"GNN":  "graph neural network",
		"KG":   "knowledge graph",
		"SGD":  "stochastic gradient descent",
		"MLP":  "multilayer perceptron",
		"GAN":  "generative adversarial network",
		"LSTM": "long short-term memory",
	})
}

// IDGenerator derives stable identifiers from normalized semantic content.
// It holds no mutable state after construction and is safe for concurrent use.
type IDGenerator struct {
	synonyms Synonyms
}

// NewIDGenerator creates a generator using the given synonym table (may be nil).
func NewIDGenerator(synonyms Synonyms) *IDGenerator {
	copied := make(Synonyms, len(synonyms))
	for k, v := range synonyms {
		copied[k] = v
	}
	return &IDGenerator{synonyms: copied}
}

// NormalizeName lowercases, strips punctuation and whitespace variance and
// applies the synonym table.
func (g *IDGenerator) NormalizeName(name string) string {
	folded := foldName(name)
	if canonical, ok := g.synonyms[folded]; ok {
		return canonical
	}
	return folded
}

// NodeID returns the content-derived id for a node of the given type.
func (g *IDGenerator) NodeID(nodeType, name string) (string, error) {
	normalized := g.NormalizeName(name)
	if normalized == "" {
		return "", &InvalidEntityError{Type: nodeType, Name: name}
	}
	if nodeType == "" {
		nodeType = DefaultNodeType
	}
	return nodeIDPrefix + shortSHA(strings.ToLower(nodeType)+"|"+normalized), nil
}

// EdgeID returns the content-derived id for an edge. The same fact asserted in
// two scopes produces two ids.
func (g *IDGenerator) EdgeID(sourceID, targetID string, relation RelationType, scope, content string) string {
	raw := strings.Join([]string{sourceID, targetID, string(relation), scope, ContentHash(content)}, "|")
	return edgeIDPrefix + shortSHA(raw)
}

// ContentHash fingerprints text after collapsing whitespace.
func ContentHash(content string) string {
	normalized := whitespace.ReplaceAllString(strings.TrimSpace(content), " ")
	return shortMD5(normalized)
}

// SectionID identifies one subchapter of a textbook.
func SectionID(topic, chapter, subchapter string) string {
	return shortMD5(topic + "|" + chapter + "|" + subchapter)
}

// SectionScope is the graph scope of one section.
func SectionScope(sectionID string) string {
	return "section:" + sectionID
}

// BookID is the aggregate scope of a whole run.
func BookID(topic, runID string) string {
	base := Slug(topic)
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		return "book:" + base
	}
	return "book:" + base + ":" + short
}

// Slug turns free text into a lowercase identifier fragment.
func Slug(text string) string {
	cleaned := nonWord.ReplaceAllString(text, "_")
	return strings.ToLower(strings.Trim(cleaned, "_"))
}

func foldName(name string) string {
	return separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
}

func shortSHA(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:idHexLength]
}

func shortMD5(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // fingerprint only
	return hex.EncodeToString(sum[:])[:hashLength]
}
