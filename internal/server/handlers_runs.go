package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/types"
)

// keepAliveInterval spaces comment lines on idle streams.
var keepAliveInterval = 15 * time.Second

// RunResponse is returned when a run is accepted or cancelled.
type RunResponse struct {
	RunID  string          `json:"run_id"`
	Status runstate.Status `json:"status"`
}

// RunListResponse lists runs, newest first.
type RunListResponse struct {
	Runs  []runstate.RunState `json:"runs"`
	Count int                 `json:"count"`
}

// handleCreateRun validates a RunRequest, registers the run and starts it
// in the background.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, &ErrValidation{Message: "invalid request body: " + err.Error()})
		return
	}
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}
	if !s.workflows.Has(req.WorkflowID) {
		s.writeError(w, r, &ErrValidation{Field: "WorkflowID", Message: "is not served here"})
		return
	}

	run, err := s.runs.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to create run: %w", err))
		return
	}
	s.logger.Info("run accepted", "run_id", run.RunID, "topic", req.Topic, "language", req.Language)
	s.start(run)

	s.jsonResponse(w, http.StatusAccepted, RunResponse{RunID: run.RunID, Status: run.Status})
}

// start executes run on the server's run context.
func (s *Server) start(run runstate.RunState) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		err := s.runner.Execute(s.runCtx, run.RunID, run.Request)
		if err == nil {
			return
		}
		s.logger.Error("run could not start", "run_id", run.RunID, "error", err)
		bg := context.WithoutCancel(s.runCtx)
		if _, uerr := s.runs.Update(bg, run.RunID, runstate.Patch{
			Status: runstate.Ptr(runstate.StatusFailed),
			Error:  runstate.Ptr(err.Error()),
		}); uerr != nil {
			s.logger.Warn("failed to record run failure", "run_id", run.RunID, "error", uerr)
		}
	}()
}

// handleListRuns lists runs, optionally filtered by ?status=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.Status) == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	if runs == nil {
		runs = []runstate.RunState{}
	}
	s.jsonResponse(w, http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleCancelRun asks the executor to stop a run. A run that is not
// executing here, such as one still pending, is marked cancelled directly.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Status.Terminal() {
		s.errorResponse(w, http.StatusConflict, fmt.Sprintf("run %s is already %s", id, run.Status))
		return
	}

	if s.runner.Cancel(id) {
		s.logger.Info("run cancellation requested", "run_id", id)
		s.jsonResponse(w, http.StatusAccepted, RunResponse{RunID: id, Status: run.Status})
		return
	}

	updated, err := s.runs.Update(r.Context(), id, runstate.Patch{
		Status: runstate.Ptr(runstate.StatusCancelled),
		Error:  runstate.Ptr("cancelled before start"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("run cancelled before start", "run_id", id)
	s.jsonResponse(w, http.StatusAccepted, RunResponse{RunID: id, Status: updated.Status})
}

// handleStreamRun streams progress events as SSE: a "state" snapshot first,
// then every event, then the final "state" and "complete".
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	// Subscribe before the snapshot so no event falls between them.
	events, err := s.runs.Subscribe(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stream, err := openEventStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := stream.emit("state", run); err != nil {
		return
	}
	if run.Status.Terminal() {
		stream.finish(id, string(run.Status))
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.keepAlive(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				final, err := s.runs.Get(context.WithoutCancel(ctx), id)
				if err != nil {
					stream.fail(err.Error())
					return
				}
				if err := stream.emit("state", final); err != nil {
					return
				}
				stream.finish(id, string(final.Status))
				return
			}
			if err := stream.emit(ev.Type, ev); err != nil {
				return
			}
		}
	}
}
