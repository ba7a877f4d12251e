package db

import "time"

// StepStatus constants
const (
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusCancelled  = "cancelled"
)

// RunStep is the recorded execution of one stage of a run
type RunStep struct {
	RunID         string     `json:"run_id"`
	Stage         string     `json:"stage"`
	Category      string     `json:"category"`
	Status        string     `json:"status"`
	UnitsTotal    int        `json:"units_total"`
	UnitsDone     int        `json:"units_done"`
	UnitsDegraded int        `json:"units_degraded"`
	UnitsFailed   int        `json:"units_failed"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int       `json:"duration_ms,omitempty"`
}

// StepSummary is the outcome reported when a stage ends
type StepSummary struct {
	Status   string
	Done     int
	Degraded int
	Failed   int
	Error    string
}
