// Package server provides the HTTP REST API for textbook runs, their
// artifacts and the knowledge graph.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/server/middleware"
	"github.com/jonathan/textbook-forge/internal/server/ratelimit"
	"github.com/jonathan/textbook-forge/internal/types"
	"github.com/jonathan/textbook-forge/internal/workflows"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 30 * time.Second
)

// Runner executes accepted runs in the background.
type Runner interface {
	// Execute runs runID to completion. It returns an error only when the
	// run could not be started; outcomes land in the run store.
	Execute(ctx context.Context, runID string, req types.RunRequest) error
	// Cancel requests cancellation and reports whether runID is executing.
	Cancel(runID string) bool
}

// Config holds server configuration
type Config struct {
	Port       int
	Runs       runstate.Store
	Runner     Runner
	Artifacts  *artifacts.Writer
	Graph      graphstore.Store
	Thresholds kg.Thresholds
	// Workflows is the served catalog. Default: workflows.Default().
	Workflows *workflows.Registry
	// JWT enables bearer auth on mutating routes when a secret is set.
	JWT       config.JWTConfig
	RateLimit *ratelimit.Config
	Logger    *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	runs        runstate.Store
	runner      Runner
	artifacts   *artifacts.Writer
	graph       graphstore.Store
	thresholds  kg.Thresholds
	workflows   *workflows.Registry
	jwtService  *JWTService
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger

	// runCtx outlives requests; background runs stop when it is cancelled.
	runCtx   context.Context
	stopRuns context.CancelFunc
	running  sync.WaitGroup
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Runs == nil:
		return nil, errors.New("server: run store is required")
	case cfg.Runner == nil:
		return nil, errors.New("server: runner is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("server: artifact writer is required")
	case cfg.Graph == nil:
		return nil, errors.New("server: graph store is required")
	}

	s := &Server{
		runs:        cfg.Runs,
		runner:      cfg.Runner,
		artifacts:   cfg.Artifacts,
		graph:       cfg.Graph,
		thresholds:  cfg.Thresholds,
		workflows:   cfg.Workflows,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		logger:      cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.workflows == nil {
		s.workflows = workflows.Default()
	}
	if s.thresholds == (kg.Thresholds{}) {
		s.thresholds = kg.DefaultThresholds()
	}
	if cfg.JWT.Enabled() {
		if err := cfg.JWT.Validate(); err != nil {
			return nil, err
		}
		s.jwtService = NewJWTService(cfg.JWT)
	}
	s.runCtx, s.stopRuns = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams clear their own deadline.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /runs", s.requireAuth(s.handleCreateRun))
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.Handle("POST /runs/{id}/cancel", s.requireAuth(s.handleCancelRun))
	mux.HandleFunc("GET /runs/{id}/stream", s.handleStreamRun)
	mux.HandleFunc("GET /runs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /runs/{id}/artifacts/{name}", s.handleGetArtifact)
	mux.HandleFunc("GET /runs/{id}/archive", s.handleArchive)

	mux.HandleFunc("GET /kg/scopes/{scope}", s.handleQueryScope)
	mux.HandleFunc("GET /kg/sections/{id}", s.handleSectionGraph)
	mux.HandleFunc("GET /kg/books/{id}", s.handleBookGraph)

	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /workflows/{id}/schema", s.handleWorkflowSchema)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withRateLimit(s.withLogging(s.withCORS(mux)))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close cancels background runs, waits for them to record their outcome and
// stops the rate limiter.
func (s *Server) Close() {
	s.stopRuns()
	s.running.Wait()
	s.rateLimiter.Stop()
}

// requireAuth guards h with bearer auth when JWT is configured.
func (s *Server) requireAuth(h http.HandlerFunc) http.Handler {
	if s.jwtService == nil {
		return h
	}
	return middleware.AuthMiddleware(s.jwtService.AsTokenValidator())(h)
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs. It keeps
// streaming working by forwarding Flush and exposing the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err onto a status. Internal errors are logged and replaced
// by a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// clientID extracts the client identifier from RemoteAddr.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds() + 0.999)
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	s.logger.Warn("rate limit exceeded", "client", clientID(r), "method", r.Method, "path", r.URL.Path, "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
