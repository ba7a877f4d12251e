// Package textbook implements the textbook workflow: an outline is planned,
// every subchapter is researched, written, validated, quizzed and turned into
// a knowledge-graph fragment, the fragments are merged into a book graph and
// the result is assembled into markdown artifacts.
package textbook

import (
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/types"
)

// Subchapter is one unit of work for the per-subchapter stages. ID is the
// content-addressable section id.
type Subchapter struct {
	ID           string `json:"id"`
	Order        int    `json:"order"`
	ChapterIndex int    `json:"chapter_index"`
	ChapterTitle string `json:"chapter_title"`
	Title        string `json:"title"`
	Outline      string `json:"outline"`
}

// Chapter groups subchapters under a title.
type Chapter struct {
	Title       string       `json:"title"`
	Outline     string       `json:"outline"`
	Subchapters []Subchapter `json:"subchapters"`
}

// Research holds the parsed researcher output of one subchapter.
type Research struct {
	Keywords    []string `json:"keywords"`
	Summary     string   `json:"summary"`
	KeyConcepts []string `json:"key_concepts"`
	References  int      `json:"references,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// Section is the written body of one subchapter with its validation verdict.
type Section struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	Passed   bool    `json:"passed"`
	Degraded bool    `json:"degraded,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
	Attempts int     `json:"attempts"`
}

// Stats summarize a finished book.
type Stats struct {
	Chapters    int `json:"chapters"`
	Subchapters int `json:"subchapters"`
	Passed      int `json:"passed"`
	Degraded    int `json:"degraded"`
	Failed      int `json:"failed"`
	QA          int `json:"qa"`
	KGNodes     int `json:"kg_nodes"`
	KGEdges     int `json:"kg_edges"`
}

// State is the pipeline state of one textbook run. Each stage writes its own
// fields; per-unit maps are keyed by section id.
type State struct {
	RunID   string           `json:"run_id"`
	Request types.RunRequest `json:"request"`
	BookID  string           `json:"book_id"`

	Chapters  []Chapter              `json:"chapters"`
	Research  map[string]Research    `json:"research"`
	Keywords  []string               `json:"keywords"`
	Sections  map[string]Section     `json:"sections"`
	QA        map[string]string      `json:"qa"`
	Fragments map[string]kg.Fragment `json:"fragments"`

	Aggregate  *kg.AggregateGraph `json:"aggregate,omitempty"`
	Evaluation *kg.Evaluation     `json:"evaluation,omitempty"`

	Document  string   `json:"-"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// NewState returns the initial state of a run.
func NewState(runID string, req types.RunRequest) *State {
	return &State{
		RunID:     runID,
		Request:   req,
		BookID:    kg.BookID(req.Topic, runID),
		Research:  make(map[string]Research),
		Sections:  make(map[string]Section),
		QA:        make(map[string]string),
		Fragments: make(map[string]kg.Fragment),
	}
}

// Subchapters returns every subchapter in outline order.
func (s *State) Subchapters() []Subchapter {
	var out []Subchapter
	for _, ch := range s.Chapters {
		out = append(out, ch.Subchapters...)
	}
	return out
}

// SectionIDs returns the ids of subchapters with a stored graph fragment, in
// outline order.
func (s *State) SectionIDs() []string {
	var ids []string
	for _, sub := range s.Subchapters() {
		if _, ok := s.Fragments[sub.ID]; ok {
			ids = append(ids, sub.ID)
		}
	}
	return ids
}

// Stats computes the summary counters of the current state.
func (s *State) Stats() Stats {
	st := Stats{Chapters: len(s.Chapters)}
	for _, sub := range s.Subchapters() {
		st.Subchapters++
		sec, ok := s.Sections[sub.ID]
		switch {
		case !ok:
			st.Failed++
		case sec.Degraded:
			st.Degraded++
		default:
			st.Passed++
		}
		if s.QA[sub.ID] != "" {
			st.QA++
		}
	}
	if s.Aggregate != nil {
		st.KGNodes = len(s.Aggregate.Nodes)
		st.KGEdges = len(s.Aggregate.Edges)
	}
	return st
}

func (s *State) passed(id string) bool {
	sec, ok := s.Sections[id]
	return ok && sec.Passed && !sec.Degraded
}
