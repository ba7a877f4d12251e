// Package runstate tracks workflow runs: creation, monotonic status
// transitions, diagnostics and a per-run event broker.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/textbook-forge/internal/types"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a run may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidTransition is returned when an update would leave a terminal
	// state or move a run backwards.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// TransitionError names the rejected transition. It wraps ErrInvalidTransition.
type TransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition from %s to %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// UnitRef identifies one unit of a stage and why it was flagged.
type UnitRef struct {
	Stage  string `json:"stage"`
	UnitID string `json:"unit_id"`
	Reason string `json:"reason,omitempty"`
}

// Diagnostics records non-fatal problems of a run.
type Diagnostics struct {
	Degraded      []UnitRef `json:"degraded"`
	Failed        []UnitRef `json:"failed"`
	Partial       bool      `json:"partial"`
	PartialReason string    `json:"partial_reason,omitempty"`
}

// RunState is the externally visible state of one run.
type RunState struct {
	RunID        string           `json:"run_id"`
	Status       Status           `json:"status"`
	CurrentStage string           `json:"current_stage,omitempty"`
	Error        string           `json:"error,omitempty"`
	Result       map[string]any   `json:"result,omitempty"`
	Diagnostics  Diagnostics      `json:"diagnostics"`
	Request      types.RunRequest `json:"request"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status       *Status
	CurrentStage *string
	Error        *string
	Result       map[string]any
	Diagnostics  *Diagnostics
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Event types published on a run's stream.
const (
	EventWorkflowStart = "workflow_start"
	EventStageStart    = "stage_start"
	EventStageProgress = "stage_progress"
	EventUnitDone      = "unit_done"
	EventUnitDegraded  = "unit_degraded"
	EventUnitFailed    = "unit_failed"
	EventStageEnd      = "stage_end"
	EventWorkflowEnd   = "workflow_end"
)

// Event is one progress notification of a run.
type Event struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Stage   string         `json:"stage,omitempty"`
	UnitID  string         `json:"unit_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// Store is the run state contract used by the executor and the server.
type Store interface {
	Create(ctx context.Context, req types.RunRequest) (RunState, error)
	Get(ctx context.Context, runID string) (RunState, error)
	List(ctx context.Context) ([]RunState, error)
	Update(ctx context.Context, runID string, patch Patch) (RunState, error)
	// Subscribe returns a channel receiving events published from now on.
	// It is closed when the run reaches a terminal state or ctx is done.
	Subscribe(ctx context.Context, runID string) (<-chan Event, error)
	Publish(ctx context.Context, runID string, event Event) error
}

// Persister durably stores run snapshots.
type Persister interface {
	Save(ctx context.Context, state RunState) error
	// Load returns ErrNotFound for unknown runs.
	Load(ctx context.Context, runID string) (RunState, error)
	List(ctx context.Context) ([]RunState, error)
}

// apply folds patch into state, enforcing monotonic transitions.
func apply(state RunState, patch Patch, now time.Time) (RunState, error) {
	if state.Status.Terminal() {
		to := state.Status
		if patch.Status != nil {
			to = *patch.Status
		}
		return state, &TransitionError{RunID: state.RunID, From: state.Status, To: to}
	}
	if patch.Status != nil {
		if !state.Status.CanTransition(*patch.Status) {
			return state, &TransitionError{RunID: state.RunID, From: state.Status, To: *patch.Status}
		}
		state.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		state.CurrentStage = *patch.CurrentStage
	}
	if patch.Error != nil {
		state.Error = *patch.Error
	}
	if patch.Result != nil {
		merged := make(map[string]any, len(state.Result)+len(patch.Result))
		for k, v := range state.Result {
			merged[k] = v
		}
		for k, v := range patch.Result {
			merged[k] = v
		}
		state.Result = merged
	}
	if patch.Diagnostics != nil {
		state.Diagnostics = cloneDiagnostics(*patch.Diagnostics)
	}
	state.UpdatedAt = now
	return state, nil
}

func cloneDiagnostics(d Diagnostics) Diagnostics {
	d.Degraded = append([]UnitRef{}, d.Degraded...)
	d.Failed = append([]UnitRef{}, d.Failed...)
	return d
}
