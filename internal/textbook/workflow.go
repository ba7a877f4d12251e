package textbook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/fetch"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
)

// PipelineName identifies the textbook pipeline in events and run records.
const PipelineName = "textbook"

// Stage names, in execution order.
const (
	StagePlan      = "plan"
	StageResearch  = "research"
	StageWrite     = "write"
	StageQA        = "qa"
	StageGraph     = "graph"
	StageAggregate = "aggregate"
	StageFinalize  = "finalize"
)

// StageNames lists the stages in execution order.
var StageNames = []string{StagePlan, StageResearch, StageWrite, StageQA, StageGraph, StageAggregate, StageFinalize}

// Default workflow settings.
const (
	DefaultMaxWorkers         = 50
	DefaultPassThreshold      = 7.0
	DefaultMaxRewriteAttempts = 1
	DefaultPlanAttempts       = 3
	DefaultUnitTimeout        = 120 * time.Second
	DefaultExcerptRunes       = 1500
	MinOutlineRunes           = 30
)

// Settings tune the stages. Zero values select the defaults above, except
// MaxRewriteAttempts where zero disables rewrites; negative means default.
type Settings struct {
	ResearchWorkers int
	WriterWorkers   int
	QAWorkers       int
	KGWorkers       int

	UnitTimeout time.Duration
	// Attempts of transient failures for units without a revise loop.
	RetryCount int

	PassThreshold      float64
	MaxRewriteAttempts int
	PlanAttempts       int
	ExcerptRunes       int
}

func (s Settings) withDefaults() Settings {
	for _, n := range []*int{&s.ResearchWorkers, &s.WriterWorkers, &s.QAWorkers, &s.KGWorkers} {
		if *n <= 0 {
			*n = DefaultMaxWorkers
		}
	}
	if s.UnitTimeout <= 0 {
		s.UnitTimeout = DefaultUnitTimeout
	}
	if s.RetryCount <= 0 {
		s.RetryCount = 3
	}
	if s.PassThreshold <= 0 {
		s.PassThreshold = DefaultPassThreshold
	}
	if s.MaxRewriteAttempts < 0 {
		s.MaxRewriteAttempts = DefaultMaxRewriteAttempts
	}
	if s.PlanAttempts <= 0 {
		s.PlanAttempts = DefaultPlanAttempts
	}
	if s.ExcerptRunes <= 0 {
		s.ExcerptRunes = DefaultExcerptRunes
	}
	return s
}

// Deps are the collaborators of a Workflow. Generator, Store and Artifacts
// are required.
type Deps struct {
	Generator  llm.Generator
	Prompts    *prompts.Registry
	Store      graphstore.Store
	Artifacts  *artifacts.Writer
	Fetcher    *fetch.Fetcher
	IDs        *kg.IDGenerator
	Thresholds *kg.Thresholds
	Logger     *slog.Logger
}

// Workflow builds the textbook pipeline.
type Workflow struct {
	gen        llm.Generator
	prompts    *prompts.Registry
	store      graphstore.Store
	artifacts  *artifacts.Writer
	fetcher    *fetch.Fetcher
	ids        *kg.IDGenerator
	normalizer *kg.Normalizer
	merger     *kg.Merger
	evaluator  *kg.Evaluator
	thresholds kg.Thresholds
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a workflow.
func New(deps Deps, settings Settings) (*Workflow, error) {
	switch {
	case deps.Generator == nil:
		return nil, errors.New("textbook: generator is required")
	case deps.Store == nil:
		return nil, errors.New("textbook: graph store is required")
	case deps.Artifacts == nil:
		return nil, errors.New("textbook: artifact writer is required")
	}
	w := &Workflow{
		gen:        deps.Generator,
		prompts:    deps.Prompts,
		store:      deps.Store,
		artifacts:  deps.Artifacts,
		fetcher:    deps.Fetcher,
		ids:        deps.IDs,
		thresholds: kg.DefaultThresholds(),
		settings:   settings.withDefaults(),
		logger:     deps.Logger,
		now:        time.Now,
	}
	if w.prompts == nil {
		w.prompts = prompts.New()
	}
	if w.ids == nil {
		w.ids = kg.NewIDGenerator(kg.DefaultSynonyms())
	}
	if deps.Thresholds != nil {
		w.thresholds = *deps.Thresholds
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.normalizer = kg.NewNormalizer(w.ids)
	w.merger = kg.NewMerger(w.ids)
	w.evaluator = kg.NewEvaluator(w.ids)
	return w, nil
}

// Pipeline returns the ordered stage list of a textbook run.
func (w *Workflow) Pipeline() engine.Pipeline[State] {
	return engine.Pipeline[State]{
		Name: PipelineName,
		Stages: []engine.Stage[State]{
			w.planStage(),
			w.researchStage(),
			w.writeStage(),
			w.qaStage(),
			w.graphStage(),
			w.aggregateStage(),
			w.finalizeStage(),
		},
		Result: Result,
	}
}

// Result projects a finished state onto the run result.
func Result(s *State) map[string]any {
	ids := s.SectionIDs()
	if ids == nil {
		ids = []string{}
	}
	return map[string]any{
		"book_id":     s.BookID,
		"section_ids": ids,
		"artifacts":   s.Artifacts,
		"stats":       s.Stats(),
	}
}

// generate renders stage's prompt and calls the generator.
func (w *Workflow) generate(ctx context.Context, stage, locale string, vars map[string]string, params llm.Params) (string, error) {
	messages, err := w.prompts.Resolve(stage, locale, vars)
	if err != nil {
		return "", engine.Fatal("failed to resolve prompt", err)
	}
	return w.gen.Generate(ctx, messages, params)
}
