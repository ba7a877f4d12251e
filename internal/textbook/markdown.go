package textbook

import (
	"fmt"
	"sort"
	"strings"
)

// MissingContentMarker stands in for a subchapter without a written section.
const MissingContentMarker = "> [content missing]"

type labels struct {
	Guide     string
	QA        string
	Appendix  string
	Nodes     string
	Edges     string
	Coverage  string
	Relations string
}

var localeLabels = map[string]labels{
	"zh": {
		Guide:     "本节要点",
		QA:        "练习与问答",
		Appendix:  "附录：知识图谱",
		Nodes:     "节点数",
		Edges:     "关系数",
		Coverage:  "覆盖度评分",
		Relations: "关系类型",
	},
	"en": {
		Guide:     "Key points",
		QA:        "Questions and Answers",
		Appendix:  "Appendix: Knowledge Graph",
		Nodes:     "Nodes",
		Edges:     "Edges",
		Coverage:  "Coverage score",
		Relations: "Relation types",
	},
}

// RenderMarkdown assembles the book document of s.
func RenderMarkdown(s *State) string {
	l, ok := localeLabels[s.Request.Locale()]
	if !ok {
		l = localeLabels["zh"]
	}

	var sb strings.Builder
	for _, ch := range s.Chapters {
		fmt.Fprintf(&sb, "# %s\n\n", ch.Title)
		if ch.Outline != "" {
			for _, line := range strings.Split(ch.Outline, "\n") {
				fmt.Fprintf(&sb, "> %s\n", strings.TrimSpace(line))
			}
			sb.WriteString("\n")
		}

		for _, sub := range ch.Subchapters {
			fmt.Fprintf(&sb, "## %s\n\n", sub.Title)
			if guide := guideLine(s, sub); guide != "" {
				fmt.Fprintf(&sb, "*%s: %s*\n\n", l.Guide, guide)
			}

			sec, ok := s.Sections[sub.ID]
			if ok && strings.TrimSpace(sec.Content) != "" {
				sb.WriteString(demoteHeadings(sec.Content))
			} else {
				sb.WriteString(MissingContentMarker)
			}
			sb.WriteString("\n\n")

			if qa := strings.TrimSpace(s.QA[sub.ID]); qa != "" {
				fmt.Fprintf(&sb, "### %s\n\n%s\n\n", l.QA, demoteQA(qa))
			}
		}
	}

	if s.Aggregate != nil {
		fmt.Fprintf(&sb, "# %s\n\n", l.Appendix)
		fmt.Fprintf(&sb, "- %s: %d\n", l.Nodes, len(s.Aggregate.Nodes))
		fmt.Fprintf(&sb, "- %s: %d\n", l.Edges, len(s.Aggregate.Edges))
		if s.Evaluation != nil {
			fmt.Fprintf(&sb, "- %s: %.3f\n", l.Coverage, s.Evaluation.CoverageScore)
			if len(s.Evaluation.RelationCounts) > 0 {
				relations := make([]string, 0, len(s.Evaluation.RelationCounts))
				for rel := range s.Evaluation.RelationCounts {
					relations = append(relations, rel)
				}
				sort.Strings(relations)
				parts := make([]string, 0, len(relations))
				for _, rel := range relations {
					parts = append(parts, fmt.Sprintf("%s %d", rel, s.Evaluation.RelationCounts[rel]))
				}
				fmt.Fprintf(&sb, "- %s: %s\n", l.Relations, strings.Join(parts, ", "))
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func guideLine(s *State, sub Subchapter) string {
	if r, ok := s.Research[sub.ID]; ok && len(r.KeyConcepts) > 0 {
		return strings.Join(r.KeyConcepts, ", ")
	}
	if r, ok := s.Research[sub.ID]; ok && len(r.Keywords) > 0 {
		return strings.Join(r.Keywords, ", ")
	}
	return ""
}

// demoteHeadings shifts body headings below the subchapter level so the
// document keeps a single chapter/subchapter hierarchy.
func demoteHeadings(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") {
			lines[i] = "##" + line
		}
	}
	return strings.Join(lines, "\n")
}

// demoteQA moves "### Q1" style headings under the QA sub-section.
func demoteQA(qa string) string {
	lines := strings.Split(qa, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "####") {
			lines[i] = "#### " + strings.TrimLeft(line, "# ")
		}
	}
	return strings.Join(lines, "\n")
}
