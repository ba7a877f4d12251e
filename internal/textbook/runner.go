package textbook

import (
	"context"

	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/types"
)

// Runner executes textbook runs on an executor. The run must already exist in
// the executor's run store.
type Runner struct {
	workflow *Workflow
	exec     *engine.Executor[State]
}

// NewRunner binds a workflow to an executor.
func NewRunner(w *Workflow, exec *engine.Executor[State]) *Runner {
	return &Runner{workflow: w, exec: exec}
}

// Run executes runID and returns the report and the final state.
func (r *Runner) Run(ctx context.Context, runID string, req types.RunRequest) (*engine.Report, *State, error) {
	state := NewState(runID, req)
	report, err := r.exec.Execute(ctx, runID, r.workflow.Pipeline(), state)
	return report, state, err
}

// Execute is Run without the results. The outcome lands in the run store.
func (r *Runner) Execute(ctx context.Context, runID string, req types.RunRequest) error {
	_, _, err := r.Run(ctx, runID, req)
	return err
}

// Cancel requests cancellation of runID and reports whether it is executing.
func (r *Runner) Cancel(runID string) bool {
	return r.exec.Cancel(runID)
}
