// Package db provides PostgreSQL persistence for run records and their
// per-stage history.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/textbook-forge/internal/runstate"
)

// Pool is the subset of *pgxpool.Pool used here. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool Pool
}

var _ runstate.Persister = (*DB)(nil)

// DefaultListLimit caps List when no limit is configured.
const DefaultListLimit = 200

// Schema creates the run tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	state         JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id         TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
	stage          TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	units_total    INTEGER NOT NULL DEFAULT 0,
	units_done     INTEGER NOT NULL DEFAULT 0,
	units_degraded INTEGER NOT NULL DEFAULT 0,
	units_failed   INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER,
	PRIMARY KEY (run_id, stage)
);
`

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool Pool) *DB {
	return &DB{pool: pool}
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// EnsureSchema creates the tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create run schema: %w", err)
	}
	return nil
}

// Save upserts a run snapshot.
func (db *DB) Save(ctx context.Context, state runstate.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (run_id, status, current_stage, error_message, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id) DO UPDATE SET
		     status = EXCLUDED.status, current_stage = EXCLUDED.current_stage,
		     error_message = EXCLUDED.error_message, state = EXCLUDED.state,
		     updated_at = EXCLUDED.updated_at`,
		state.RunID, string(state.Status), state.CurrentStage, state.Error, data, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	return nil
}

// Load retrieves a run snapshot. Unknown ids yield runstate.ErrNotFound.
func (db *DB) Load(ctx context.Context, runID string) (runstate.RunState, error) {
	var data []byte
	err := db.pool.QueryRow(ctx, `SELECT state FROM runs WHERE run_id = $1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runstate.RunState{}, runstate.ErrNotFound
		}
		return runstate.RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var state runstate.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return runstate.RunState{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return state, nil
}

// List retrieves recent runs, newest first.
func (db *DB) List(ctx context.Context) ([]runstate.RunState, error) {
	return db.ListRuns(ctx, RunFilters{})
}

// RunFilters holds optional filters for listing runs
type RunFilters struct {
	Status string
	Limit  int
}

// ListRuns retrieves runs with optional filters
func (db *DB) ListRuns(ctx context.Context, filters RunFilters) ([]runstate.RunState, error) {
	if filters.Limit <= 0 {
		filters.Limit = DefaultListLimit
	}

	query := `SELECT state FROM runs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filters.Status)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []runstate.RunState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var state runstate.RunState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run and its steps (via cascade)
func (db *DB) DeleteRun(ctx context.Context, runID string) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return runstate.ErrNotFound
	}
	return nil
}
