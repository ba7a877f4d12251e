package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/llm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "fatal", err: Fatal("boom", nil), want: ClassFatal},
		{name: "wrapped fatal", err: fmt.Errorf("stage: %w", &FatalError{Message: "x"}), want: ClassFatal},
		{name: "store constraint", err: &graphstore.StoreConstraintError{Op: "replace_scope", Message: "wrong scope"}, want: ClassFatal},
		{name: "store unavailable", err: &graphstore.StoreUnavailableError{Op: "query_scope", Cause: errors.New("refused")}, want: ClassTransient},
		{name: "malformed extraction", err: &kg.MalformedExtractionError{Message: "bad"}, want: ClassStructural},
		{name: "invalid entity", err: &kg.InvalidEntityError{Type: "concept"}, want: ClassStructural},
		{name: "transient provider", err: &llm.ProviderError{Provider: "gemini", Transient: true}, want: ClassTransient},
		{name: "bad request provider", err: &llm.ProviderError{Provider: "gemini", StatusCode: 400}, want: ClassStructural},
		{name: "config", err: &config.ConfigError{Field: "GEMINI_API_KEY", Message: "is required"}, want: ClassFatal},
		{name: "unauthorized provider", err: &llm.ProviderError{Provider: "gemini", StatusCode: 401}, want: ClassFatal},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
		{name: "unknown", err: errors.New("???"), want: ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFatalError_Message(t *testing.T) {
	assert.Equal(t, "boom", Fatal("boom", nil).Error())
	assert.Equal(t, "boom: cause", Fatal("boom", errors.New("cause")).Error())
	assert.Equal(t, "cause", Fatal("", errors.New("cause")).Error())
	assert.Equal(t, "plan/outline: empty", (&FatalError{Stage: "plan", UnitID: "outline", Message: "empty"}).Error())

	cause := errors.New("root")
	assert.ErrorIs(t, Fatal("wrap", cause), cause)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "write/u1: boom", summarize("write", "u1", errors.New("boom")))
	assert.Equal(t, "write: boom", summarize("write", "", errors.New("boom")))
	assert.Equal(t, "plan/outline: empty", summarize("write", "u1", &FatalError{Stage: "plan", UnitID: "outline", Message: "empty"}))
}
