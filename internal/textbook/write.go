package textbook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/prompts"
	"github.com/jonathan/textbook-forge/internal/types"
)

type writeInput struct {
	Sub      Subchapter
	Request  types.RunRequest
	Research Research
}

// draft is one writer attempt. Validate fills in the verdict fields.
type draft struct {
	Content  string
	Score    float64
	Passed   bool
	Feedback string
	Attempts int
	Degraded bool
}

var (
	htmlTag       = regexp.MustCompile(`(?i)<(p|h[1-6]|ul|ol|li|div|table|pre|code|strong|em|br|section|article)\b[^>]*>`)
	markdownFence = regexp.MustCompile("(?s)^```(?:markdown|md)?\\s*\n(.*?)\n```\\s*$")
)

func (w *Workflow) writeStage() engine.Stage[State] {
	return engine.Stage[State]{
		Name:     StageWrite,
		Category: engine.CategoryGeneration,
		FanOut: func(s *State) []engine.Unit {
			subs := s.Subchapters()
			units := make([]engine.Unit, 0, len(subs))
			for _, sub := range subs {
				r, ok := s.Research[sub.ID]
				if !ok {
					r = Research{Keywords: []string{sub.Title}, Summary: sub.Outline, Degraded: true}
				}
				units = append(units, engine.Unit{ID: sub.ID, Order: sub.Order, Input: writeInput{Sub: sub, Request: s.Request, Research: r}})
			}
			return units
		},
		Run: func(ctx context.Context, unit engine.Unit, attempt engine.Attempt) (any, error) {
			return w.write(ctx, unit.Input.(writeInput), attempt)
		},
		Validate: func(ctx context.Context, unit engine.Unit, result any) (engine.Verdict, error) {
			return w.review(ctx, unit.Input.(writeInput), result.(*draft))
		},
		Fallback: func(unit engine.Unit, last any, verdict *engine.Verdict, err error) any {
			return degradedDraft(last, verdict, err)
		},
		Apply: func(s *State, unitID string, result any, outcome engine.Outcome) {
			d := result.(*draft)
			s.Sections[unitID] = Section{
				Content:  d.Content,
				Score:    d.Score,
				Passed:   d.Passed && outcome == engine.OutcomeDone,
				Degraded: d.Degraded || outcome == engine.OutcomeDegraded,
				Feedback: d.Feedback,
				Attempts: d.Attempts,
			}
		},
		Concurrency: w.settings.WriterWorkers,
		MaxAttempts: w.settings.MaxRewriteAttempts + 1,
		UnitTimeout: w.settings.UnitTimeout,
	}
}

func (w *Workflow) write(ctx context.Context, in writeInput, attempt engine.Attempt) (*draft, error) {
	text, err := w.generate(ctx, prompts.Writer, in.Request.Locale(), map[string]string{
		"Topic":             in.Request.Topic,
		"ChapterTitle":      in.Sub.ChapterTitle,
		"SubchapterTitle":   in.Sub.Title,
		"SubchapterOutline": in.Sub.Outline,
		"Keywords":          strings.Join(in.Research.Keywords, ", "),
		"ResearchSummary":   in.Research.Summary,
		"Feedback":          attempt.Feedback,
		"Language":          in.Request.Language,
	}, llm.Params{Tier: llm.TierAdvanced})
	if err != nil {
		return nil, err
	}
	content, err := toMarkdown(text)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, errors.New("writer returned empty content")
	}
	return &draft{Content: content, Attempts: attempt.Number}, nil
}

func (w *Workflow) review(ctx context.Context, in writeInput, d *draft) (engine.Verdict, error) {
	text, err := w.generate(ctx, prompts.Validator, in.Request.Locale(), map[string]string{
		"Topic":             in.Request.Topic,
		"SubchapterTitle":   in.Sub.Title,
		"Content":           d.Content,
		"SubchapterOutline": in.Sub.Outline,
		"Keywords":          strings.Join(in.Research.Keywords, ", "),
		"ResearchSummary":   in.Research.Summary,
	}, llm.Params{Tier: llm.TierLite})
	if err != nil {
		return engine.Verdict{}, err
	}

	d.Score = parseScore(text)
	d.Passed = d.Score >= w.settings.PassThreshold
	verdict := engine.Verdict{Passed: d.Passed, Score: d.Score}
	if !d.Passed {
		d.Feedback = rewriteFeedback(text)
		verdict.Feedback = d.Feedback
	}
	return verdict, nil
}

// degradedDraft builds the placeholder of a section whose attempts are
// exhausted. The last draft, if any, is kept below the marker.
func degradedDraft(last any, verdict *engine.Verdict, err error) *draft {
	reason := "validation did not pass"
	switch {
	case verdict != nil:
		reason = fmt.Sprintf("score %.1f/10 below threshold", verdict.Score)
	case err != nil:
		reason = err.Error()
	}
	out := &draft{Degraded: true}
	body := fmt.Sprintf("> [content degraded: %s]", reason)
	if prev, ok := last.(*draft); ok && prev != nil {
		out.Score = prev.Score
		out.Feedback = prev.Feedback
		out.Attempts = prev.Attempts
		if prev.Content != "" {
			body += "\n\n" + prev.Content
		}
	}
	if verdict != nil {
		out.Score = verdict.Score
		out.Feedback = verdict.Feedback
	}
	out.Content = body
	return out
}

// toMarkdown unwraps a fenced markdown reply and converts HTML replies to
// markdown.
func toMarkdown(text string) (string, error) {
	text = strings.TrimSpace(text)
	if m := markdownFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if !htmlTag.MatchString(text) {
		return text, nil
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return "", fmt.Errorf("failed to convert writer HTML: %w", err)
	}
	return strings.TrimSpace(md), nil
}
