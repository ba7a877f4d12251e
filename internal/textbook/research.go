package textbook

import (
	"context"
	"regexp"
	"strings"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
	"github.com/jonathan/textbook-forge/internal/types"
)

type researchInput struct {
	Sub     Subchapter
	Request types.RunRequest
}

var researchHeading = regexp.MustCompile(`(?m)^#{2,3}\s*(.+?)\s*$`)

func (w *Workflow) researchStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageResearch,
		Category: engine.CategoryGeneration,
		FanOut: func(s *State) []engine.Unit {
			subs := s.Subchapters()
			units := make([]engine.Unit, 0, len(subs))
			for _, sub := range subs {
				units = append(units, engine.Unit{ID: sub.ID, Order: sub.Order, Input: researchInput{Sub: sub, Request: s.Request}})
			}
			return units
		},
		Run: func(ctx context.Context, unit engine.Unit, _ engine.Attempt) (any, error) {
			return w.research(ctx, unit.Input.(researchInput))
		},
		Fallback: func(unit engine.Unit, _ any, _ *engine.Verdict, _ error) any {
			sub := unit.Input.(researchInput).Sub
			return Research{Keywords: []string{sub.Title}, Summary: sub.Outline, Degraded: true}
		},
		Apply: func(s *State, unitID string, result any, _ engine.Outcome) {
			r := result.(Research)
			s.Research[unitID] = r
			s.Keywords = dedupeKeywords(s.Keywords, r.Keywords)
		},
		Concurrency: w.settings.ResearchWorkers,
		MaxAttempts: w.settings.RetryCount,
		UnitTimeout: w.settings.UnitTimeout,
	}
}

func (w *Workflow) research(ctx context.Context, in researchInput) (Research, error) {
	var references string
	var fetched int
	if urls := in.Request.ReferenceURLs(); len(urls) > 0 && w.fetcher != nil {
		var errs []error
		references, errs = w.fetcher.Excerpts(ctx, urls, in.Request.UseBrowser(), w.settings.ExcerptRunes)
		for _, err := range errs {
			w.logger.Warn("reference fetch failed", "section", in.Sub.ID, "error", err)
		}
		fetched = len(urls) - len(errs)
	}

	text, err := w.generate(ctx, prompts.Researcher, in.Request.Locale(), map[string]string{
		"Topic":             in.Request.Topic,
		"ChapterTitle":      in.Sub.ChapterTitle,
		"SubchapterTitle":   in.Sub.Title,
		"SubchapterOutline": in.Sub.Outline,
		"References":        references,
	}, llm.Params{Tier: llm.TierStandard})
	if err != nil {
		return Research{}, err
	}

	r := parseResearch(text)
	r.References = fetched
	if len(r.Keywords) == 0 {
		r.Keywords = []string{in.Sub.Title}
	}
	r.Keywords = dedupeKeywords(r.Keywords)
	return r, nil
}

// parseResearch reads the keyword, summary and key concept sections of a
// researcher reply. Headings may be Chinese or English. A reply without
// recognised headings becomes the summary.
func parseResearch(text string) Research {
	var r Research
	matches := researchHeading.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		heading := strings.ToLower(text[m[2]:m[3]])
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])
		switch {
		case strings.Contains(heading, "关键词") || strings.Contains(heading, "keyword"):
			r.Keywords = splitList(body)
		case strings.Contains(heading, "关键概念") || strings.Contains(heading, "concept"):
			r.KeyConcepts = splitList(body)
		case strings.Contains(heading, "总结") || strings.Contains(heading, "summary"):
			r.Summary = body
		}
	}
	if len(matches) == 0 {
		r.Summary = strings.TrimSpace(text)
	}
	return r
}
