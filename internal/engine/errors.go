package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/llm"
)

// FatalError aborts the whole run. Stages return it when continuing cannot
// produce a meaningful result.
type FatalError struct {
	Stage   string
	UnitID  string
	Message string
	Cause   error
}

func (e *FatalError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("%s/%s: %s", e.Stage, e.UnitID, msg)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// Fatal wraps err so the executor aborts the run.
func Fatal(message string, err error) error {
	return &FatalError{Message: message, Cause: err}
}

// ErrorClass decides how the executor reacts to a unit error.
type ErrorClass int

const (
	// ClassTransient errors consume an attempt and are retried.
	ClassTransient ErrorClass = iota
	// ClassStructural errors exclude the unit from the run.
	ClassStructural
	// ClassFatal errors abort the run.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the executor taxonomy. Unknown errors are
// treated as transient so they go through the attempt budget.
func Classify(err error) ErrorClass {
	var (
		fatal      *FatalError
		constraint *graphstore.StoreConstraintError
		malformed  *kg.MalformedExtractionError
		invalid    *kg.InvalidEntityError
		provider   *llm.ProviderError
		cfg        *config.ConfigError
	)
	switch {
	case errors.As(err, &fatal), errors.As(err, &constraint), errors.As(err, &cfg):
		return ClassFatal
	case errors.As(err, &malformed), errors.As(err, &invalid):
		return ClassStructural
	case errors.As(err, &provider):
		switch {
		case provider.Transient:
			return ClassTransient
		case provider.StatusCode == 401 || provider.StatusCode == 403:
			return ClassFatal
		}
		return ClassStructural
	case graphstore.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// summarize renders the "stage/unit: message" form stored on failed runs.
func summarize(stage, unitID string, err error) string {
	var fatal *FatalError
	if errors.As(err, &fatal) && fatal.Stage != "" {
		return fatal.Error()
	}
	if unitID == "" {
		return fmt.Sprintf("%s: %v", stage, err)
	}
	return fmt.Sprintf("%s/%s: %v", stage, unitID, err)
}
