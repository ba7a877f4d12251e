package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/textbook-forge/internal/runstate"
)

// -----------------------------------------------------------------------------
// Run Steps Methods
// -----------------------------------------------------------------------------

// StartRunStep records that a stage began. Restarting a stage resets its row.
func (db *DB) StartRunStep(ctx context.Context, runID, stage, category string, unitsTotal int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, stage, category, status, units_total, started_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (run_id, stage) DO UPDATE SET
		     category = EXCLUDED.category, status = EXCLUDED.status,
		     units_total = EXCLUDED.units_total, units_done = 0, units_degraded = 0,
		     units_failed = 0, error_message = NULL, started_at = NOW(),
		     completed_at = NULL, duration_ms = NULL`,
		runID, stage, category, StepStatusInProgress, unitsTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to start run step %s: %w", stage, err)
	}
	return nil
}

// CompleteRunStep records the outcome of a stage
func (db *DB) CompleteRunStep(ctx context.Context, runID, stage string, summary StepSummary) error {
	var errorMsg *string
	if summary.Error != "" {
		errorMsg = &summary.Error
	}

	result, err := db.pool.Exec(ctx,
		`UPDATE run_steps
		 SET status = $1, units_done = $2, units_degraded = $3, units_failed = $4,
		     error_message = $5, completed_at = NOW(),
		     duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::INTEGER
		 WHERE run_id = $6 AND stage = $7`,
		summary.Status, summary.Done, summary.Degraded, summary.Failed, errorMsg, runID, stage,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run step %s: %w", stage, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("step not found: %s", stage)
	}
	return nil
}

const runStepColumns = `run_id, stage, category, status, units_total, units_done, units_degraded,
	units_failed, error_message, started_at, completed_at, duration_ms`

// GetRunStep retrieves a run step by run id and stage name
func (db *DB) GetRunStep(ctx context.Context, runID, stage string) (*RunStep, error) {
	var step RunStep
	err := db.pool.QueryRow(ctx,
		`SELECT `+runStepColumns+` FROM run_steps WHERE run_id = $1 AND stage = $2`,
		runID, stage,
	).Scan(&step.RunID, &step.Stage, &step.Category, &step.Status, &step.UnitsTotal,
		&step.UnitsDone, &step.UnitsDegraded, &step.UnitsFailed, &step.ErrorMessage,
		&step.StartedAt, &step.CompletedAt, &step.DurationMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run step: %w", err)
	}
	return &step, nil
}

// ListRunSteps retrieves all steps of a run in start order
func (db *DB) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runStepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		var step RunStep
		if err := rows.Scan(&step.RunID, &step.Stage, &step.Category, &step.Status, &step.UnitsTotal,
			&step.UnitsDone, &step.UnitsDegraded, &step.UnitsFailed, &step.ErrorMessage,
			&step.StartedAt, &step.CompletedAt, &step.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// -----------------------------------------------------------------------------
// Step recording from executor events
// -----------------------------------------------------------------------------

// StepRecorder turns stage_start and stage_end events into run_steps rows.
type StepRecorder struct {
	db     *DB
	logger *slog.Logger
}

// NewStepRecorder creates a recorder. A nil logger uses slog.Default().
func NewStepRecorder(db *DB, logger *slog.Logger) *StepRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRecorder{db: db, logger: logger}
}

// OnEvent records stage boundaries. Failures are logged, never returned.
func (r *StepRecorder) OnEvent(ctx context.Context, ev runstate.Event) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch ev.Type {
	case runstate.EventStageStart:
		err = r.db.StartRunStep(ctx, ev.RunID, ev.Stage, stringField(ev.Data, "category"), intField(ev.Data, "units"))
	case runstate.EventStageEnd:
		err = r.db.CompleteRunStep(ctx, ev.RunID, ev.Stage, StepSummary{
			Status:   stringField(ev.Data, "status"),
			Done:     intField(ev.Data, "done"),
			Degraded: intField(ev.Data, "degraded"),
			Failed:   intField(ev.Data, "failed"),
			Error:    stringField(ev.Data, "error"),
		})
	default:
		return
	}
	if err != nil {
		r.logger.Warn("failed to record run step", "run_id", ev.RunID, "stage", ev.Stage, "event", ev.Type, "error", err)
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
