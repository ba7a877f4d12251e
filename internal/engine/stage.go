// Package engine executes a fixed, ordered list of stages over a shared
// pipeline state. Each stage fans out into units that run with bounded
// concurrency, go through a validate and revise loop, and are merged back
// into the state serially in unit order.
package engine

import (
	"context"
	"time"
)

// Unit is one independent piece of work of a stage. Input carries everything
// Run needs so units never read the shared state concurrently.
type Unit struct {
	ID    string
	Order int
	Input any
}

// Attempt describes the current try of a unit. Number starts at 1.
type Attempt struct {
	Number int
	// Feedback is the validator feedback of the previous attempt.
	Feedback string
	// Previous is the result of the previous attempt, nil on the first try.
	Previous any
	// LastErr is the error of the previous attempt, if it failed.
	LastErr error
}

// Verdict is the outcome of validating a unit result.
type Verdict struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// Outcome tells Apply how a result was obtained.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeDegraded Outcome = "degraded"
)

// Stage categories
const (
	CategoryPlanning   = "planning"
	CategoryGeneration = "generation"
	CategoryGraph      = "graph"
	CategoryOutput     = "output"
)

// Stage is one step of a Pipeline over state S.
type Stage[S any] struct {
	Name     string
	Category string

	// FanOut lists the units of the stage. It runs on the executor goroutine
	// and may read state freely.
	FanOut func(state *S) []Unit

	// Run produces the result of one attempt.
	Run func(ctx context.Context, unit Unit, attempt Attempt) (any, error)

	// Validate is optional. A failing verdict triggers a revision with the
	// verdict feedback until MaxAttempts is reached.
	Validate func(ctx context.Context, unit Unit, result any) (Verdict, error)

	// Fallback is optional. It builds the degraded result of a unit whose
	// attempts are exhausted; verdict is nil when the last attempt errored.
	Fallback func(unit Unit, last any, verdict *Verdict, err error) any

	// Apply merges one unit result into state. It is called serially, in unit
	// order, on the executor goroutine.
	Apply func(state *S, unitID string, result any, outcome Outcome)

	// Concurrency bounds in-flight units. Zero means 1.
	Concurrency int
	// MaxAttempts bounds tries per unit, revisions and retries included. Zero means 1.
	MaxAttempts int
	// UnitTimeout bounds a single attempt. Zero disables the timeout.
	UnitTimeout time.Duration

	// Required stages fail the run when any unit yields no result.
	Required bool
	// Optional stages only mark the run partial when a unit fails, fatally or not.
	Optional bool
}

func (s Stage[S]) concurrency() int {
	if s.Concurrency <= 0 {
		return 1
	}
	return s.Concurrency
}

func (s Stage[S]) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

// Pipeline is a fixed ordered list of stages plus the projection of the final
// state reported as the run result.
type Pipeline[S any] struct {
	Name   string
	Stages []Stage[S]
	// Result is optional and builds RunState.Result on success.
	Result func(state *S) map[string]any
}
