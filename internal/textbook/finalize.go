package textbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/schemas"
	embedded "github.com/jonathan/textbook-forge/schemas"
)

// BookMetadata is the content of book.json.
type BookMetadata struct {
	RunID       string         `json:"run_id"`
	Topic       string         `json:"topic"`
	Language    string         `json:"language"`
	BookID      string         `json:"book_id"`
	SectionIDs  []string       `json:"section_ids"`
	Stats       Stats          `json:"stats"`
	Evaluation  *kg.Evaluation `json:"evaluation,omitempty"`
	Chapters    []Chapter      `json:"chapters"`
	GeneratedAt string         `json:"generated_at"`
}

// QAEntry is one element of qa.json.
type QAEntry struct {
	SectionID  string `json:"section_id"`
	Chapter    string `json:"chapter"`
	Subchapter string `json:"subchapter"`
	QA         string `json:"qa"`
}

type finalizeResult struct {
	Document  string
	Artifacts []string
}

func (w *Workflow) finalizeStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageFinalize,
		Category: engine.CategoryOutput,
		FanOut: func(s *State) []engine.Unit {
			snapshot := *s
			return []engine.Unit{{ID: s.BookID, Input: &snapshot}}
		},
		Run: func(_ context.Context, unit engine.Unit, _ engine.Attempt) (any, error) {
			return w.finalize(unit.Input.(*State))
		},
		Apply: func(s *State, _ string, result any, _ engine.Outcome) {
			r := result.(finalizeResult)
			s.Document = r.Document
			s.Artifacts = r.Artifacts
		},
		MaxAttempts: w.settings.RetryCount,
		Required:    true,
	}
}

// finalize renders the book and writes every artifact of the run.
func (w *Workflow) finalize(s *State) (finalizeResult, error) {
	doc := RenderMarkdown(s)
	sectionIDs := s.SectionIDs()
	if sectionIDs == nil {
		sectionIDs = []string{}
	}

	meta := BookMetadata{
		RunID:       s.RunID,
		Topic:       s.Request.Topic,
		Language:    s.Request.Language,
		BookID:      s.BookID,
		SectionIDs:  sectionIDs,
		Stats:       s.Stats(),
		Evaluation:  s.Evaluation,
		Chapters:    s.Chapters,
		GeneratedAt: w.now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return finalizeResult{}, engine.Fatal("failed to encode book metadata", err)
	}
	if err := schemas.Validate(embedded.BookMetadata, metaJSON); err != nil {
		return finalizeResult{}, engine.Fatal("book metadata is invalid", err)
	}

	qa := make([]QAEntry, 0, len(s.QA))
	for _, sub := range s.Subchapters() {
		if text := s.QA[sub.ID]; text != "" {
			qa = append(qa, QAEntry{SectionID: sub.ID, Chapter: sub.ChapterTitle, Subchapter: sub.Title, QA: text})
		}
	}
	qaJSON, err := json.MarshalIndent(qa, "", "  ")
	if err != nil {
		return finalizeResult{}, engine.Fatal("failed to encode qa", err)
	}
	idsJSON, err := json.MarshalIndent(map[string]any{"book_id": s.BookID, "section_ids": sectionIDs}, "", "  ")
	if err != nil {
		return finalizeResult{}, engine.Fatal("failed to encode section ids", err)
	}

	files := map[string][]byte{
		artifacts.BookMarkdown: []byte(doc),
		artifacts.BookJSON:     metaJSON,
		artifacts.QAJSON:       qaJSON,
		artifacts.SectionIDs:   idsJSON,
		artifacts.BookID:       []byte(s.BookID + "\n"),
	}
	if _, err := w.artifacts.Write(s.RunID, files); err != nil {
		return finalizeResult{}, fmt.Errorf("failed to write artifacts: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	w.logger.Info("book written", "run_id", s.RunID, "book_id", s.BookID, "sections", len(sectionIDs), "artifacts", len(names))
	return finalizeResult{Document: doc, Artifacts: names}, nil
}
