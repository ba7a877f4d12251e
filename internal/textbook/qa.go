package textbook

import (
	"context"
	"errors"
	"strings"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
	"github.com/jonathan/textbook-forge/internal/types"
)

type qaInput struct {
	Sub      Subchapter
	Request  types.RunRequest
	Content  string
	Research Research
}

func (w *Workflow) qaStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageQA,
		Category: engine.CategoryGeneration,
		FanOut: func(s *State) []engine.Unit {
			var units []engine.Unit
			for _, sub := range s.Subchapters() {
				if !s.passed(sub.ID) || s.QA[sub.ID] != "" {
					continue
				}
				units = append(units, engine.Unit{ID: sub.ID, Order: sub.Order, Input: qaInput{
					Sub:      sub,
					Request:  s.Request,
					Content:  s.Sections[sub.ID].Content,
					Research: s.Research[sub.ID],
				}})
			}
			return units
		},
		Run: func(ctx context.Context, unit engine.Unit, _ engine.Attempt) (any, error) {
			in := unit.Input.(qaInput)
			text, err := w.generate(ctx, prompts.QA, in.Request.Locale(), map[string]string{
				"Topic":           in.Request.Topic,
				"SubchapterTitle": in.Sub.Title,
				"Content":         in.Content,
				"Keywords":        strings.Join(in.Research.Keywords, ", "),
				"ResearchSummary": in.Research.Summary,
				"Language":        in.Request.Language,
			}, llm.Params{Tier: llm.TierLite})
			if err != nil {
				return nil, err
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return nil, errors.New("qa returned empty content")
			}
			return text, nil
		},
		Apply: func(s *State, unitID string, result any, _ engine.Outcome) {
			s.QA[unitID] = result.(string)
		},
		Concurrency: w.settings.QAWorkers,
		MaxAttempts: w.settings.RetryCount,
		UnitTimeout: w.settings.UnitTimeout,
	}
}
