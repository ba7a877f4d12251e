// Package observability provides logger construction and formatted output
// utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/textbook"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintOutline outputs the planned chapters and their subchapters.
func (p *Printer) PrintOutline(chapters []textbook.Chapter) {
	if len(chapters) == 0 {
		return
	}

	var sb strings.Builder
	total := 0
	for i, ch := range chapters {
		total += len(ch.Subchapters)
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, ch.Title))

		count := min(len(ch.Subchapters), maxItemsToShow)
		for j := 0; j < count; j++ {
			sb.WriteString(fmt.Sprintf("   • %s\n", ch.Subchapters[j].Title))
		}
		if len(ch.Subchapters) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("   ... and %d more\n", len(ch.Subchapters)-maxItemsToShow))
		}
	}
	sb.WriteString(fmt.Sprintf("\n%d chapters, %d subchapters", len(chapters), total))

	p.printBox("TEXTBOOK OUTLINE", sb.String())
}

// PrintStats outputs the section counters of a finished run.
func (p *Printer) PrintStats(stats textbook.Stats) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Chapters:     %d\n", stats.Chapters))
	sb.WriteString(fmt.Sprintf("Subchapters:  %d\n", stats.Subchapters))
	sb.WriteString(fmt.Sprintf("Passed:       %d\n", stats.Passed))
	sb.WriteString(fmt.Sprintf("Degraded:     %d\n", stats.Degraded))
	sb.WriteString(fmt.Sprintf("Failed:       %d\n", stats.Failed))
	sb.WriteString(fmt.Sprintf("QA sections:  %d\n", stats.QA))
	sb.WriteString(fmt.Sprintf("KG:           %d nodes, %d edges", stats.KGNodes, stats.KGEdges))

	p.printBox("RUN STATISTICS", sb.String())
}

// PrintEvaluation outputs the knowledge graph quality report.
func (p *Printer) PrintEvaluation(ev *kg.Evaluation) {
	if ev == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Coverage score:  %.3f\n", ev.CoverageScore))
	sb.WriteString(fmt.Sprintf("Subchapters:     %.2f\n", ev.SubchapterCoverage))
	sb.WriteString(fmt.Sprintf("Keywords:        %.2f\n", ev.KeywordCoverage))
	sb.WriteString(fmt.Sprintf("Connectivity:    %.2f (%d components)\n", ev.ConnectivityScore, ev.Components))
	sb.WriteString(fmt.Sprintf("Richness:        %.2f\n", ev.RelationRichness))

	if len(ev.RelationCounts) > 0 {
		types := make([]string, 0, len(ev.RelationCounts))
		for t := range ev.RelationCounts {
			types = append(types, t)
		}
		sort.Strings(types)
		sb.WriteString("\nRelations:\n")
		for _, t := range types {
			sb.WriteString(fmt.Sprintf("  • %s: %d\n", t, ev.RelationCounts[t]))
		}
	}

	if len(ev.MissingKeywords) > 0 {
		count := min(len(ev.MissingKeywords), maxItemsToShow)
		sb.WriteString(fmt.Sprintf("\nMissing keywords: %s", strings.Join(ev.MissingKeywords[:count], ", ")))
		if len(ev.MissingKeywords) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf(" ... and %d more", len(ev.MissingKeywords)-maxItemsToShow))
		}
	}

	p.printBox("KNOWLEDGE GRAPH EVALUATION", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintDiagnostics outputs degraded and failed units of a run.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintDiagnostics(d runstate.Diagnostics) {
	if len(d.Degraded) == 0 && len(d.Failed) == 0 && !d.Partial {
		fmt.Fprintf(p.out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, "✅ ALL UNITS COMPLETED")
		fmt.Fprintf(p.out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
		return
	}

	var sb strings.Builder
	writeRefs := func(mark string, refs []runstate.UnitRef) {
		for _, ref := range refs {
			sb.WriteString(fmt.Sprintf("%s %s/%s\n", mark, ref.Stage, ref.UnitID))
			if ref.Reason != "" {
				sb.WriteString(fmt.Sprintf("  %s\n", ref.Reason))
			}
		}
	}
	writeRefs("⚠", d.Degraded)
	writeRefs("✗", d.Failed)
	if d.Partial {
		sb.WriteString(fmt.Sprintf("\nPartial result: %s", d.PartialReason))
	}

	p.printBox("RUN DIAGNOSTICS", strings.TrimSuffix(sb.String(), "\n"))
}
