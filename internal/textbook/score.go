package textbook

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultScore is used when a validator reply carries no parsable score.
const DefaultScore = 5.0

var (
	overallScore = regexp.MustCompile(`(?i)(?:总体评分|overall score)\s*[:：]?\s*\**\s*(\d+(?:\.\d+)?)\s*\**\s*/\s*10`)
	anyScore     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*\**\s*/\s*10`)
	rewriteHead  = regexp.MustCompile(`(?im)^#{1,6}\s*(?:重写建议|rewrite guidance)\s*[:：]?[ \t]*`)
	improveHead  = regexp.MustCompile(`(?im)^#{1,6}\s*(?:改进建议|suggestions)\s*[:：]?[ \t]*`)
	nextHead     = regexp.MustCompile(`(?m)^#{1,6}\s`)
)

// parseScore extracts the overall score of a validator reply, trying the
// labelled form first, then any "X/10", then DefaultScore. Scores are
// clamped to [0, 10].
func parseScore(text string) float64 {
	var raw string
	if m := overallScore.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := anyScore.FindStringSubmatch(text); m != nil {
		raw = m[1]
	}
	if raw == "" {
		return DefaultScore
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return DefaultScore
	}
	switch {
	case score < 0:
		return 0
	case score > 10:
		return 10
	}
	return score
}

// rewriteFeedback extracts the rewrite guidance of a validator reply, falling
// back to the improvement suggestions and then to the whole reply.
func rewriteFeedback(text string) string {
	for _, head := range []*regexp.Regexp{rewriteHead, improveHead} {
		if body := sectionAfter(text, head); body != "" {
			return body
		}
	}
	return strings.TrimSpace(text)
}

func sectionAfter(text string, head *regexp.Regexp) string {
	loc := head.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	if next := nextHead.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}
	return strings.TrimSpace(rest)
}
