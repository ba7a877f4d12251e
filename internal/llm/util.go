package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// CleanJSONBlock removes markdown code block wrappers and surrounding prose
// from JSON responses. LLMs often wrap JSON in ```json ... ``` blocks even
// when instructed not to.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	// Handle ```json ... ``` blocks
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	// Handle generic ``` ... ``` blocks
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// Skip potential language identifier on first line
		if idx := strings.Index(text, "\n"); idx >= 0 {
			firstLine := text[:idx]
			if len(firstLine) < 20 && !strings.Contains(firstLine, " ") && !strings.Contains(firstLine, "{") {
				text = text[idx+1:]
			}
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	// Preamble or trailing prose around a bare JSON value
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	var extracted string
	if text[start] == '{' {
		extracted = extractJSONObject(text[start:])
	} else {
		extracted = extractJSONArray(text[start:])
	}
	if extracted == "" {
		return text
	}
	return extracted
}

// extractJSONObject returns the balanced object at the start of s, or "".
func extractJSONObject(s string) string {
	if !strings.HasPrefix(s, "{") {
		return ""
	}
	return extractBalanced(s)
}

// extractJSONArray returns the balanced array at the start of s, or "".
func extractJSONArray(s string) string {
	if !strings.HasPrefix(s, "[") {
		return ""
	}
	return extractBalanced(s)
}

func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// RepairJSON strips fences and prose from an LLM reply and returns a valid
// JSON document, repairing it when needed.
func RepairJSON(text string) ([]byte, error) {
	cleaned := CleanJSONBlock(text)
	if cleaned == "" {
		return nil, fmt.Errorf("failed to parse JSON: empty response")
	}
	if json.Valid([]byte(cleaned)) {
		return []byte(cleaned), nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to repair JSON: %w", err)
	}
	return []byte(repaired), nil
}

// ParseJSON decodes an LLM reply into v. Fences and prose are stripped first;
// when the remainder does not decode it is repaired and decoded again.
func ParseJSON(text string, v any) error {
	doc, err := RepairJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}
