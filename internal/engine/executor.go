package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/textbook-forge/internal/retry"
	"github.com/jonathan/textbook-forge/internal/runstate"
)

// DefaultGracePeriod is how long in-flight units may keep running after a
// cancellation request before their context is cancelled.
const DefaultGracePeriod = 2 * time.Second

// ErrCancelled is the cancellation cause recorded by Executor.Cancel.
var ErrCancelled = errors.New("run cancelled")

// Options configures an Executor. Zero values select defaults.
type Options struct {
	// Runs receives status, stage and diagnostics updates plus every event.
	// Nil disables run state tracking.
	Runs        runstate.Store
	Observer    Observer
	Logger      *slog.Logger
	GracePeriod time.Duration
	// Retry shapes the wait between attempts after a transient error.
	Retry retry.Policy
	// Classify overrides the default error taxonomy.
	Classify func(error) ErrorClass
}

// Executor runs pipelines over state S. One executor may run many pipelines
// concurrently; each run is identified by its run id.
type Executor[S any] struct {
	runs     runstate.Store
	observer Observer
	logger   *slog.Logger
	grace    time.Duration
	retry    retry.Policy
	classify func(error) ErrorClass

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewExecutor creates an executor.
func NewExecutor[S any](opts Options) *Executor[S] {
	e := &Executor[S]{
		runs:     opts.Runs,
		observer: opts.Observer,
		logger:   opts.Logger,
		grace:    opts.GracePeriod,
		retry:    opts.Retry.WithDefaults(),
		classify: opts.Classify,
		active:   make(map[string]context.CancelCauseFunc),
	}
	if e.observer == nil {
		e.observer = NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.grace <= 0 {
		e.grace = DefaultGracePeriod
	}
	if e.classify == nil {
		e.classify = Classify
	}
	return e
}

// StageReport summarizes one executed stage.
type StageReport struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Units    int           `json:"units"`
	Done     int           `json:"done"`
	Degraded int           `json:"degraded"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of Execute.
type Report struct {
	RunID       string               `json:"run_id"`
	Status      runstate.Status      `json:"status"`
	Error       string               `json:"error,omitempty"`
	Diagnostics runstate.Diagnostics `json:"diagnostics"`
	Stages      []StageReport        `json:"stages"`
}

// Stage statuses reported on stage_end events.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
)

// Cancel stops scheduling new units of runID. In-flight units get the grace
// period before their context is cancelled. It reports whether the run is
// executing here.
func (e *Executor[S]) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Running reports whether runID is currently executing.
func (e *Executor[S]) Running(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// Execute runs every stage of p in order over state. A failed or cancelled
// run is reported through Report.Status; the error is reserved for runs that
// could not be started.
func (e *Executor[S]) Execute(ctx context.Context, runID string, p Pipeline[S], state *S) (*Report, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	if _, exists := e.active[runID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s is already executing", runID)
	}
	e.active[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	// Bookkeeping outlives cancellation of ctx.
	bg := context.WithoutCancel(ctx)
	report := &Report{RunID: runID}

	if e.runs != nil {
		if _, err := e.runs.Update(bg, runID, runstate.Patch{Status: runstate.Ptr(runstate.StatusRunning)}); err != nil {
			if errors.Is(err, runstate.ErrInvalidTransition) {
				current, getErr := e.runs.Get(bg, runID)
				if getErr != nil {
					return nil, fmt.Errorf("failed to start run %s: %w", runID, getErr)
				}
				report.Status = current.Status
				report.Error = current.Error
				return report, nil
			}
			return nil, fmt.Errorf("failed to start run %s: %w", runID, err)
		}
	}

	e.logger.Info("run started", "run_id", runID, "pipeline", p.Name, "stages", len(p.Stages))
	e.emit(bg, runID, runstate.Event{
		Type: runstate.EventWorkflowStart,
		Data: map[string]any{"pipeline": p.Name, "stages": len(p.Stages)},
	})

	for _, stage := range p.Stages {
		if runCtx.Err() != nil {
			e.finish(bg, report, runstate.StatusCancelled, "cancelled before stage "+stage.Name, nil)
			return report, nil
		}

		sr, failure := e.runStage(bg, runCtx, runID, stage, state, &report.Diagnostics)
		report.Stages = append(report.Stages, sr)

		switch {
		case failure != "":
			e.finish(bg, report, runstate.StatusFailed, failure, nil)
			return report, nil
		case sr.Status == StageCancelled:
			e.finish(bg, report, runstate.StatusCancelled, "cancelled during stage "+stage.Name, nil)
			return report, nil
		}
	}

	var result map[string]any
	if p.Result != nil {
		result = p.Result(state)
	}
	e.finish(bg, report, runstate.StatusSucceeded, "", result)
	return report, nil
}

type unitStatus int

const (
	unitDone unitStatus = iota
	unitDegraded
	unitFailed
	unitFatal
	unitCancelled
)

type unitResult struct {
	unit     Unit
	status   unitStatus
	value    any
	verdict  *Verdict
	err      error
	attempts int
}

func (r unitResult) reason() string {
	switch {
	case r.err != nil:
		return r.err.Error()
	case r.verdict != nil && r.verdict.Feedback != "":
		return fmt.Sprintf("score %.1f: %s", r.verdict.Score, r.verdict.Feedback)
	case r.verdict != nil:
		return fmt.Sprintf("score %.1f", r.verdict.Score)
	default:
		return ""
	}
}

// runStage executes one stage. It returns a non-empty failure summary when the
// run must fail.
func (e *Executor[S]) runStage(bg, runCtx context.Context, runID string, stage Stage[S], state *S, diag *runstate.Diagnostics) (StageReport, string) {
	start := time.Now()
	var units []Unit
	if stage.FanOut != nil {
		units = stage.FanOut(state)
	}
	sr := StageReport{Name: stage.Name, Units: len(units)}

	e.updateRun(bg, runID, runstate.Patch{CurrentStage: runstate.Ptr(stage.Name)})
	e.emit(bg, runID, runstate.Event{
		Type:  runstate.EventStageStart,
		Stage: stage.Name,
		Data:  map[string]any{"category": stage.Category, "units": len(units)},
	})

	schedCtx, stopScheduling := context.WithCancel(runCtx)
	defer stopScheduling()
	unitCtx, cancelUnits := context.WithCancel(bg)
	defer cancelUnits()

	stageDone := make(chan struct{})
	defer close(stageDone)
	go func() {
		select {
		case <-runCtx.Done():
		case <-stageDone:
			return
		}
		timer := time.NewTimer(e.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelUnits()
		case <-stageDone:
		}
	}()

	results := make(chan unitResult, len(units))
	go func() {
		var g errgroup.Group
		g.SetLimit(stage.concurrency())
		for _, u := range units {
			if schedCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				if schedCtx.Err() != nil {
					return nil
				}
				results <- e.runUnit(schedCtx, unitCtx, stage, u)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	collected := make([]unitResult, 0, len(units))
	var fatal *unitResult
	for r := range results {
		collected = append(collected, r)
		e.emitUnit(bg, runID, stage.Name, r)
		if r.status == unitFatal && fatal == nil {
			first := r
			fatal = &first
			stopScheduling()
			cancelUnits()
		}
		e.emit(bg, runID, runstate.Event{
			Type:  runstate.EventStageProgress,
			Stage: stage.Name,
			Data:  map[string]any{"completed": len(collected), "total": len(units)},
		})
	}

	sort.SliceStable(collected, func(i, j int) bool {
		if collected[i].unit.Order != collected[j].unit.Order {
			return collected[i].unit.Order < collected[j].unit.Order
		}
		return collected[i].unit.ID < collected[j].unit.ID
	})

	var firstFailed *unitResult
	for i := range collected {
		r := collected[i]
		switch r.status {
		case unitDone:
			sr.Done++
			if stage.Apply != nil {
				stage.Apply(state, r.unit.ID, r.value, OutcomeDone)
			}
		case unitDegraded:
			sr.Degraded++
			diag.Degraded = append(diag.Degraded, runstate.UnitRef{Stage: stage.Name, UnitID: r.unit.ID, Reason: r.reason()})
			if stage.Apply != nil {
				stage.Apply(state, r.unit.ID, r.value, OutcomeDegraded)
			}
		case unitFailed, unitFatal:
			sr.Failed++
			diag.Failed = append(diag.Failed, runstate.UnitRef{Stage: stage.Name, UnitID: r.unit.ID, Reason: r.reason()})
			if firstFailed == nil {
				firstFailed = &collected[i]
			}
		}
	}

	var failure string
	sr.Status = StageCompleted
	switch {
	case fatal != nil && stage.Optional, firstFailed != nil && stage.Optional:
		culprit := firstFailed
		if fatal != nil {
			culprit = fatal
		}
		diag.Partial = true
		diag.PartialReason = summarize(stage.Name, culprit.unit.ID, culprit.err)
		sr.Status = StageFailed
	case fatal != nil:
		failure = summarize(stage.Name, fatal.unit.ID, fatal.err)
		sr.Status = StageFailed
	case runCtx.Err() != nil:
		sr.Status = StageCancelled
	case firstFailed != nil && stage.Required:
		failure = summarize(stage.Name, firstFailed.unit.ID, firstFailed.err)
		sr.Status = StageFailed
	}
	sr.Duration = time.Since(start)

	e.updateRun(bg, runID, runstate.Patch{Diagnostics: diag})
	endData := map[string]any{
		"status":   sr.Status,
		"done":     sr.Done,
		"degraded": sr.Degraded,
		"failed":   sr.Failed,
		"duration": sr.Duration.String(),
	}
	if failure != "" {
		endData["error"] = failure
	}
	e.emit(bg, runID, runstate.Event{Type: runstate.EventStageEnd, Stage: stage.Name, Data: endData})
	e.logger.Info("stage finished", "run_id", runID, "stage", stage.Name, "status", sr.Status,
		"done", sr.Done, "degraded", sr.Degraded, "failed", sr.Failed, "duration", sr.Duration)
	return sr, failure
}

// runUnit drives the attempt loop of one unit. schedCtx ends when no further
// attempts may start; unitCtx ends when in-flight work must stop.
func (e *Executor[S]) runUnit(schedCtx, unitCtx context.Context, stage Stage[S], unit Unit) unitResult {
	maxAttempts := stage.maxAttempts()
	attempt := Attempt{Number: 1}

	var (
		last        any
		lastVerdict *Verdict
		lastErr     error
	)
	cancelled := func() unitResult {
		return unitResult{unit: unit, status: unitCancelled, attempts: attempt.Number}
	}

	for {
		if attempt.Number > 1 && schedCtx.Err() != nil {
			return cancelled()
		}

		value, err := e.attempt(unitCtx, stage, unit, attempt)
		if unitCtx.Err() != nil {
			return cancelled()
		}

		if err == nil {
			if stage.Validate == nil {
				return unitResult{unit: unit, status: unitDone, value: value, attempts: attempt.Number}
			}
			verdict, verr := e.validate(unitCtx, stage, unit, value)
			if unitCtx.Err() != nil {
				return cancelled()
			}
			if verr == nil {
				last, lastVerdict, lastErr = value, &verdict, nil
				if verdict.Passed {
					return unitResult{unit: unit, status: unitDone, value: value, verdict: &verdict, attempts: attempt.Number}
				}
				if attempt.Number >= maxAttempts {
					break
				}
				attempt = Attempt{Number: attempt.Number + 1, Feedback: verdict.Feedback, Previous: value}
				continue
			}
			err = verr
		}

		switch e.classify(err) {
		case ClassFatal:
			return unitResult{unit: unit, status: unitFatal, err: err, attempts: attempt.Number}
		case ClassStructural:
			return unitResult{unit: unit, status: unitFailed, err: err, attempts: attempt.Number}
		}

		lastVerdict, lastErr = nil, err
		if attempt.Number >= maxAttempts {
			break
		}
		e.logger.Debug("retrying unit", "stage", stage.Name, "unit", unit.ID, "attempt", attempt.Number, "error", err)
		if !e.backoff(schedCtx, attempt.Number) {
			return cancelled()
		}
		attempt = Attempt{Number: attempt.Number + 1, Feedback: attempt.Feedback, Previous: last, LastErr: err}
	}

	return e.exhausted(stage, unit, last, lastVerdict, lastErr, attempt.Number)
}

// exhausted builds the result of a unit that used every attempt.
func (e *Executor[S]) exhausted(stage Stage[S], unit Unit, last any, verdict *Verdict, err error, attempts int) unitResult {
	if stage.Fallback != nil {
		if value := stage.Fallback(unit, last, verdict, err); value != nil {
			return unitResult{unit: unit, status: unitDegraded, value: value, verdict: verdict, err: err, attempts: attempts}
		}
	}
	if verdict != nil && last != nil && !stage.Required {
		return unitResult{unit: unit, status: unitDegraded, value: last, verdict: verdict, attempts: attempts}
	}
	if err == nil {
		err = fmt.Errorf("validation failed after %d attempts", attempts)
		if verdict != nil && verdict.Feedback != "" {
			err = fmt.Errorf("validation failed after %d attempts: %s", attempts, verdict.Feedback)
		}
	}
	return unitResult{unit: unit, status: unitFailed, verdict: verdict, err: err, attempts: attempts}
}

func (e *Executor[S]) attempt(unitCtx context.Context, stage Stage[S], unit Unit, attempt Attempt) (value any, err error) {
	ctx, cancel := e.attemptContext(unitCtx, stage)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = &FatalError{Message: fmt.Sprintf("unit panicked: %v", p)}
		}
	}()
	return stage.Run(ctx, unit, attempt)
}

func (e *Executor[S]) validate(unitCtx context.Context, stage Stage[S], unit Unit, value any) (verdict Verdict, err error) {
	ctx, cancel := e.attemptContext(unitCtx, stage)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = &FatalError{Message: fmt.Sprintf("validator panicked: %v", p)}
		}
	}()
	return stage.Validate(ctx, unit, value)
}

func (e *Executor[S]) attemptContext(parent context.Context, stage Stage[S]) (context.Context, context.CancelFunc) {
	if stage.UnitTimeout > 0 {
		return context.WithTimeout(parent, stage.UnitTimeout)
	}
	return context.WithCancel(parent)
}

func (e *Executor[S]) emitUnit(ctx context.Context, runID, stage string, r unitResult) {
	ev := runstate.Event{Stage: stage, UnitID: r.unit.ID, Data: map[string]any{"attempts": r.attempts}}
	if r.verdict != nil {
		ev.Data["score"] = r.verdict.Score
	}
	switch r.status {
	case unitDone:
		ev.Type = runstate.EventUnitDone
	case unitDegraded:
		ev.Type = runstate.EventUnitDegraded
		ev.Message = r.reason()
	case unitFailed, unitFatal:
		ev.Type = runstate.EventUnitFailed
		ev.Message = r.reason()
		ev.Data["class"] = e.classify(r.err).String()
	default:
		return
	}
	e.emit(ctx, runID, ev)
}

func (e *Executor[S]) emit(ctx context.Context, runID string, ev runstate.Event) {
	ev.RunID = runID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.observer.OnEvent(ctx, ev)
	if e.runs == nil {
		return
	}
	if err := e.runs.Publish(ctx, runID, ev); err != nil {
		e.logger.Debug("failed to publish event", "run_id", runID, "event", ev.Type, "error", err)
	}
}

func (e *Executor[S]) updateRun(ctx context.Context, runID string, patch runstate.Patch) {
	if e.runs == nil {
		return
	}
	if _, err := e.runs.Update(ctx, runID, patch); err != nil {
		e.logger.Warn("failed to update run state", "run_id", runID, "error", err)
	}
}

// finish emits workflow_end and then moves the run to its terminal status,
// which closes subscriber streams.
func (e *Executor[S]) finish(ctx context.Context, report *Report, status runstate.Status, message string, result map[string]any) {
	report.Status = status
	if status != runstate.StatusSucceeded {
		report.Error = message
	}

	data := map[string]any{"status": string(status)}
	if report.Error != "" {
		data["error"] = report.Error
	}
	if report.Diagnostics.Partial {
		data["partial"] = true
	}
	e.emit(ctx, report.RunID, runstate.Event{Type: runstate.EventWorkflowEnd, Data: data})

	patch := runstate.Patch{Status: runstate.Ptr(status), Diagnostics: &report.Diagnostics, Result: result}
	if report.Error != "" {
		patch.Error = runstate.Ptr(report.Error)
	}
	e.updateRun(ctx, report.RunID, patch)

	level := slog.LevelInfo
	if status == runstate.StatusFailed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "run finished", "run_id", report.RunID, "status", status, "error", report.Error,
		"degraded", len(report.Diagnostics.Degraded), "failed_units", len(report.Diagnostics.Failed),
		"partial", report.Diagnostics.Partial)
}
