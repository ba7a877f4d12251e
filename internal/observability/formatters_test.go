package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/textbook"
)

func TestPrintOutline(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintOutline([]textbook.Chapter{
		{Title: "Vectors", Subchapters: []textbook.Subchapter{{Title: "Vector spaces"}, {Title: "Linear independence"}}},
		{Title: "Matrices", Subchapters: []textbook.Subchapter{{Title: "Multiplication"}}},
	})
	output := buf.String()

	assert.Contains(t, output, "TEXTBOOK OUTLINE")
	assert.Contains(t, output, "1. Vectors")
	assert.Contains(t, output, "• Linear independence")
	assert.Contains(t, output, "2 chapters, 3 subchapters")
}

func TestPrintOutline_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintOutline(nil)
	assert.Empty(t, buf.String())
}

func TestPrintOutline_TruncatesLongLists(t *testing.T) {
	var buf bytes.Buffer
	subs := make([]textbook.Subchapter, 7)
	for i := range subs {
		subs[i].Title = "sub"
	}
	NewPrinter(&buf).PrintOutline([]textbook.Chapter{{Title: "Long", Subchapters: subs}})

	assert.Contains(t, buf.String(), "... and 2 more")
	assert.Equal(t, maxItemsToShow, strings.Count(buf.String(), "• sub"))
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintStats(textbook.Stats{Chapters: 2, Subchapters: 3, Passed: 2, Degraded: 1, KGNodes: 4, KGEdges: 3})
	output := buf.String()

	assert.Contains(t, output, "RUN STATISTICS")
	assert.Contains(t, output, "Degraded:     1")
	assert.Contains(t, output, "4 nodes, 3 edges")
}

func TestPrintEvaluation(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintEvaluation(&kg.Evaluation{
		CoverageScore:   0.815,
		Components:      2,
		RelationCounts:  map[string]int{"REQUIRES": 2, "DEFINES": 1},
		MissingKeywords: []string{"basis"},
	})
	output := buf.String()

	assert.Contains(t, output, "KNOWLEDGE GRAPH EVALUATION")
	assert.Contains(t, output, "0.815")
	assert.Contains(t, output, "(2 components)")
	assert.Less(t, strings.Index(output, "DEFINES: 1"), strings.Index(output, "REQUIRES: 2"))
	assert.Contains(t, output, "Missing keywords: basis")
}

func TestPrintEvaluation_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintEvaluation(nil)
	assert.Empty(t, buf.String())
}

func TestPrintDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintDiagnostics(runstate.Diagnostics{})
	assert.Contains(t, buf.String(), "ALL UNITS COMPLETED")

	buf.Reset()
	p.PrintDiagnostics(runstate.Diagnostics{
		Degraded:      []runstate.UnitRef{{Stage: "write", UnitID: "sec:1", Reason: "score 5.0 below 7.0"}},
		Failed:        []runstate.UnitRef{{Stage: "kg", UnitID: "sec:2"}},
		Partial:       true,
		PartialReason: "aggregate failed",
	})
	output := buf.String()

	assert.Contains(t, output, "RUN DIAGNOSTICS")
	assert.Contains(t, output, "⚠ write/sec:1")
	assert.Contains(t, output, "score 5.0 below 7.0")
	assert.Contains(t, output, "✗ kg/sec:2")
	assert.Contains(t, output, "Partial result: aggregate failed")
}

func TestPrintBox_TruncatesByRune(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).printBox("T", strings.Repeat("向", 80))

	assert.Contains(t, buf.String(), "...")
	assert.NotContains(t, buf.String(), strings.Repeat("向", boxWidth-3))
}
