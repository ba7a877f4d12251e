package textbook

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
	"github.com/jonathan/textbook-forge/internal/types"
)

type graphInput struct {
	Sub      Subchapter
	Request  types.RunRequest
	Content  string
	Keywords []string
}

type aggregateInput struct {
	BookID    string
	Fragments []kg.Fragment
	UnitIDs   []string
	Keywords  []string
}

type aggregateResult struct {
	Graph      *kg.AggregateGraph
	Evaluation kg.Evaluation
}

func (w *Workflow) graphStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageGraph,
		Category: engine.CategoryGraph,
		FanOut: func(s *State) []engine.Unit {
			var units []engine.Unit
			for _, sub := range s.Subchapters() {
				if !s.passed(sub.ID) {
					continue
				}
				units = append(units, engine.Unit{ID: sub.ID, Order: sub.Order, Input: graphInput{
					Sub:      sub,
					Request:  s.Request,
					Content:  s.Sections[sub.ID].Content,
					Keywords: s.Research[sub.ID].Keywords,
				}})
			}
			return units
		},
		Run: func(ctx context.Context, unit engine.Unit, _ engine.Attempt) (any, error) {
			return w.buildSectionGraph(ctx, unit.Input.(graphInput))
		},
		Apply: func(s *State, unitID string, result any, _ engine.Outcome) {
			s.Fragments[unitID] = result.(kg.Fragment)
		},
		Concurrency: w.settings.KGWorkers,
		MaxAttempts: w.settings.RetryCount,
		UnitTimeout: w.settings.UnitTimeout,
	}
}

// buildSectionGraph extracts, normalizes and stores the fragment of one
// section. Nodes are written before the scope so stored edges never dangle.
func (w *Workflow) buildSectionGraph(ctx context.Context, in graphInput) (kg.Fragment, error) {
	text, err := w.generate(ctx, prompts.KG, in.Request.Locale(), map[string]string{
		"Topic":           in.Request.Topic,
		"SubchapterTitle": in.Sub.Title,
		"Content":         in.Content,
		"Keywords":        strings.Join(in.Keywords, ", "),
	}, llm.Params{Tier: llm.TierStandard, JSON: true})
	if err != nil {
		return kg.Fragment{}, err
	}

	frag, err := w.normalizer.NormalizeText(text, kg.SectionScope(in.Sub.ID), in.Sub.ID, kg.Options{
		Order: in.Sub.Order,
		NodeAttributes: map[string]any{
			kg.AttrChapter:    in.Sub.ChapterTitle,
			kg.AttrSubchapter: in.Sub.Title,
		},
	})
	if err != nil {
		return kg.Fragment{}, err
	}
	filtered := w.thresholds.FilterForStore(*frag)

	if _, err := w.store.UpsertNodes(ctx, filtered.Nodes); err != nil {
		return kg.Fragment{}, fmt.Errorf("failed to store nodes of %s: %w", in.Sub.ID, err)
	}
	if err := w.store.ReplaceScope(ctx, filtered.Scope, filtered.Edges); err != nil {
		return kg.Fragment{}, fmt.Errorf("failed to replace scope %s: %w", filtered.Scope, err)
	}
	w.logger.Debug("section graph stored", "section", in.Sub.ID, "nodes", len(filtered.Nodes), "edges", len(filtered.Edges))
	return filtered, nil
}

func (w *Workflow) aggregateStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageAggregate,
		Category: engine.CategoryGraph,
		FanOut: func(s *State) []engine.Unit {
			in := aggregateInput{BookID: s.BookID, Keywords: s.Keywords}
			for _, sub := range s.Subchapters() {
				if frag, ok := s.Fragments[sub.ID]; ok {
					in.Fragments = append(in.Fragments, frag)
					in.UnitIDs = append(in.UnitIDs, sub.ID)
				}
			}
			return []engine.Unit{{ID: s.BookID, Input: in}}
		},
		Run: func(ctx context.Context, unit engine.Unit, _ engine.Attempt) (any, error) {
			in := unit.Input.(aggregateInput)
			agg, err := w.merger.MergeAndStore(ctx, w.store, in.Fragments, in.BookID)
			if err != nil {
				return nil, err
			}
			return aggregateResult{Graph: agg, Evaluation: w.evaluator.Evaluate(agg.Fragment, in.UnitIDs, in.Keywords)}, nil
		},
		Apply: func(s *State, _ string, result any, _ engine.Outcome) {
			r := result.(aggregateResult)
			s.Aggregate = r.Graph
			s.Evaluation = &r.Evaluation
		},
		MaxAttempts: w.settings.RetryCount,
		UnitTimeout: w.settings.UnitTimeout,
		Optional:    true,
	}
}
