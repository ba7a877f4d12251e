package textbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
	"github.com/jonathan/textbook-forge/internal/schemas"
	"github.com/jonathan/textbook-forge/internal/types"
	embedded "github.com/jonathan/textbook-forge/schemas"
)

const planUnitID = "outline"

type planInput struct {
	RunID   string
	Request types.RunRequest
}

// outline is the planner reply after normalization. Problems are collected
// instead of returned as errors so the revise loop can feed them back.
type outline struct {
	Chapters []Chapter
	Problems []string
}

type rawOutline struct {
	Chapters []struct {
		Title       string `json:"title"`
		Outline     string `json:"outline"`
		Subchapters []struct {
			Title   string `json:"title"`
			Outline string `json:"outline"`
		} `json:"subchapters"`
	} `json:"chapters"`
}

func (w *Workflow) planStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StagePlan,
		Category: engine.CategoryPlanning,
		FanOut: func(s *State) []engine.Unit {
			return []engine.Unit{{ID: planUnitID, Input: planInput{RunID: s.RunID, Request: s.Request}}}
		},
		Run: func(ctx context.Context, unit engine.Unit, attempt engine.Attempt) (any, error) {
			in := unit.Input.(planInput)
			return w.plan(ctx, in.Request, attempt)
		},
		Validate: func(_ context.Context, _ engine.Unit, result any) (engine.Verdict, error) {
			o := result.(*outline)
			if len(o.Problems) == 0 {
				return engine.Verdict{Passed: true, Score: 10}, nil
			}
			return engine.Verdict{Passed: false, Feedback: strings.Join(o.Problems, "\n")}, nil
		},
		Apply: func(s *State, _ string, result any, _ engine.Outcome) {
			s.Chapters = result.(*outline).Chapters
		},
		MaxAttempts: w.settings.PlanAttempts,
		UnitTimeout: w.settings.UnitTimeout,
		Required:    true,
	}
}

func (w *Workflow) plan(ctx context.Context, req types.RunRequest, attempt engine.Attempt) (*outline, error) {
	vars := map[string]string{
		"Topic":    req.Topic,
		"Language": req.Language,
		"Feedback": attempt.Feedback,
	}
	if req.UnitCount > 0 {
		vars["MaxSubchapters"] = strconv.Itoa(req.UnitCount)
	}
	text, err := w.generate(ctx, prompts.Planner, req.Locale(), vars, llm.Params{Tier: llm.TierAdvanced, JSON: true})
	if err != nil {
		return nil, err
	}
	return parseOutline(req, text), nil
}

// parseOutline decodes and normalizes a planner reply. Chapters without
// subchapters become a single subchapter, duplicate sections are dropped and
// unit_count truncates the subchapters kept.
func parseOutline(req types.RunRequest, text string) *outline {
	out := &outline{}

	doc, err := llm.RepairJSON(text)
	if err != nil {
		out.Problems = append(out.Problems, "reply is not JSON: "+err.Error())
		return out
	}
	if err := schemas.Validate(embedded.Outline, doc); err != nil {
		var ve *schemas.ValidationError
		if errors.As(err, &ve) {
			out.Problems = append(out.Problems, ve.Problems()...)
			return out
		}
		out.Problems = append(out.Problems, err.Error())
		return out
	}
	var raw rawOutline
	if err := json.Unmarshal(doc, &raw); err != nil {
		out.Problems = append(out.Problems, "failed to decode outline: "+err.Error())
		return out
	}

	seen := make(map[string]bool)
	order := 0
	limit := req.UnitCount
	for ci, rc := range raw.Chapters {
		if limit > 0 && order >= limit {
			break
		}
		ch := Chapter{Title: strings.TrimSpace(rc.Title), Outline: strings.TrimSpace(rc.Outline)}
		type pair struct{ title, outline string }
		subs := make([]pair, 0, len(rc.Subchapters))
		for _, rs := range rc.Subchapters {
			subs = append(subs, pair{strings.TrimSpace(rs.Title), strings.TrimSpace(rs.Outline)})
		}
		if len(subs) == 0 {
			subs = append(subs, pair{ch.Title, ch.Outline})
		}

		for si, p := range subs {
			if limit > 0 && order >= limit {
				break
			}
			if p.title == "" {
				out.Problems = append(out.Problems, fmt.Sprintf("chapter %d subchapter %d: title is missing", ci+1, si+1))
				continue
			}
			if n := utf8.RuneCountInString(p.outline); n < MinOutlineRunes {
				out.Problems = append(out.Problems, fmt.Sprintf("chapter %d subchapter %q: outline has %d characters, need at least %d", ci+1, p.title, n, MinOutlineRunes))
			}
			id := kg.SectionID(req.Topic, ch.Title, p.title)
			if seen[id] {
				continue
			}
			seen[id] = true
			ch.Subchapters = append(ch.Subchapters, Subchapter{
				ID:           id,
				Order:        order,
				ChapterIndex: len(out.Chapters),
				ChapterTitle: ch.Title,
				Title:        p.title,
				Outline:      p.outline,
			})
			order++
		}
		if len(ch.Subchapters) > 0 {
			out.Chapters = append(out.Chapters, ch)
		}
	}
	if len(out.Chapters) == 0 && len(out.Problems) == 0 {
		out.Problems = append(out.Problems, "outline has no usable subchapters")
	}
	return out
}
