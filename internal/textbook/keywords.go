package textbook

import (
	"regexp"
	"strings"
	"unicode"
)

var listNumbering = regexp.MustCompile(`^\d+[.)、）]\s*`)

// canonicalKeyword folds a keyword for deduplication: lowercase, separators
// become spaces, everything but letters, digits and CJK is dropped.
func canonicalKeyword(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r == '-' || r == '_' || r == '/' || unicode.IsSpace(r):
			sb.WriteRune(' ')
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Han, r):
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// dedupeKeywords keeps the first spelling of every canonical keyword.
func dedupeKeywords(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, kw := range list {
			kw = strings.TrimSpace(kw)
			key := canonicalKeyword(kw)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, kw)
		}
	}
	return out
}

// splitList splits a comma, enumeration or newline separated list and strips
// bullets and numbering.
func splitList(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ',', '，', '、', ';', '；', '\n':
			return true
		}
		return false
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimLeft(p, "-*•· ")
		p = listNumbering.ReplaceAllString(p, "")
		p = strings.Trim(strings.TrimSpace(p), "*`\"“”")
		if p == "" || p == "..." || p == "…" {
			continue
		}
		out = append(out, p)
	}
	return out
}
