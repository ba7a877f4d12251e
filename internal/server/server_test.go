package server

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/server/ratelimit"
	"github.com/jonathan/textbook-forge/internal/types"
)

const testSecret = "test-secret-at-least-16"

// fakeRunner moves runs through running to a terminal state. With block set
// it waits for block to close or for cancellation.
type fakeRunner struct {
	runs    runstate.Store
	block   chan struct{}
	started chan string
	err     error

	mu        sync.Mutex
	executing map[string]context.CancelFunc
}

func newFakeRunner(runs runstate.Store) *fakeRunner {
	return &fakeRunner{runs: runs, executing: make(map[string]context.CancelFunc)}
}

func (f *fakeRunner) Execute(ctx context.Context, runID string, _ types.RunRequest) error {
	if f.err != nil {
		return f.err
	}
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.executing[runID] = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.executing, runID)
		f.mu.Unlock()
		cancel()
	}()

	if _, err := f.runs.Update(ctx, runID, runstate.Patch{Status: runstate.Ptr(runstate.StatusRunning)}); err != nil {
		return nil
	}
	if f.started != nil {
		f.started <- runID
	}
	status := runstate.StatusSucceeded
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			status = runstate.StatusCancelled
		}
	}
	_, _ = f.runs.Update(context.Background(), runID, runstate.Patch{Status: &status})
	return nil
}

func (f *fakeRunner) Cancel(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cancel, ok := f.executing[runID]
	if ok {
		cancel()
	}
	return ok
}

type testServer struct {
	*Server
	runs      *runstate.Memory
	runner    *fakeRunner
	artifacts *artifacts.Writer
	graph     *graphstore.Memory
	handler   http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	runs := runstate.NewMemory()
	ts := &testServer{
		runs:      runs,
		runner:    newFakeRunner(runs),
		artifacts: artifacts.NewWriter(t.TempDir()),
		graph:     graphstore.NewMemory(),
	}
	cfg := Config{
		Runs:      ts.runs,
		Runner:    ts.runner,
		Artifacts: ts.artifacts,
		Graph:     ts.graph,
		RateLimit: &ratelimit.Config{Enabled: false},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	ts.Server = s
	ts.handler = s.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createRun(t *testing.T) runstate.RunState {
	t.Helper()
	run, err := ts.runs.Create(context.Background(), types.RunRequest{Topic: "线性代数"}.WithDefaults())
	require.NoError(t, err)
	return run
}

func (ts *testServer) waitForStatus(t *testing.T, runID string, want runstate.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := ts.runs.Get(context.Background(), runID)
		return err == nil && run.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	runs := runstate.NewMemory()
	_, err = New(Config{Runs: runs, Runner: newFakeRunner(runs), Graph: graphstore.NewMemory()})
	assert.ErrorContains(t, err, "artifact writer")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodOptions, "/runs", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCreateRun(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数", "unit_count": 3}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[RunResponse](t, w)
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, runstate.StatusPending, resp.Status)

	ts.waitForStatus(t, resp.RunID, runstate.StatusSucceeded)
	run, err := ts.runs.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultLanguage, run.Request.Language, "defaults applied")
	assert.Equal(t, 3, run.Request.UnitCount)
}

func TestCreateRun_Invalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"topic": `, "invalid request body"},
		{"missing topic", `{"language": "en"}`, "Topic"},
		{"unknown workflow", `{"topic": "x", "workflow_id": "novel"}`, "WorkflowID"},
		{"negative unit count", `{"topic": "x", "unit_count": -1}`, "UnitCount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tt.want)
		})
	}

	runs, err := ts.runs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests create no run")
}

func TestCreateRun_RunnerErrorFailsRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.err = errors.New("executor unavailable")

	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[RunResponse](t, w).RunID

	ts.waitForStatus(t, id, runstate.StatusFailed)
	run, err := ts.runs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "executor unavailable", run.Error)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t)

	w := ts.do(t, http.MethodGet, "/runs/"+run.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[runstate.RunState](t, w)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, "线性代数", got.Request.Topic)

	w = ts.do(t, http.MethodGet, "/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "run not found", decode[map[string]string](t, w)["error"])
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	first := ts.createRun(t)
	second := ts.createRun(t)
	_, err := ts.runs.Update(context.Background(), second.RunID, runstate.Patch{Status: runstate.Ptr(runstate.StatusCancelled)})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[RunListResponse](t, w).Count)

	w = ts.do(t, http.MethodGet, "/runs?status=pending", "")
	list := decode[RunListResponse](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, first.RunID, list.Runs[0].RunID)

	w = ts.do(t, http.MethodGet, "/runs?status=failed", "")
	assert.Equal(t, `{"runs":[],"count":0}`, strings.TrimSpace(w.Body.String()))
}

func TestCancelRun(t *testing.T) {
	t.Run("unknown run", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/runs/unknown/cancel", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("pending run is cancelled directly", func(t *testing.T) {
		ts := newTestServer(t)
		run := ts.createRun(t)

		w := ts.do(t, http.MethodPost, "/runs/"+run.RunID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, runstate.StatusCancelled, decode[RunResponse](t, w).Status)

		got, err := ts.runs.Get(context.Background(), run.RunID)
		require.NoError(t, err)
		assert.Equal(t, "cancelled before start", got.Error)
	})

	t.Run("executing run is signalled", func(t *testing.T) {
		ts := newTestServer(t)
		ts.runner.block = make(chan struct{})
		ts.runner.started = make(chan string, 1)

		w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		id := <-ts.runner.started

		w = ts.do(t, http.MethodPost, "/runs/"+id+"/cancel", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, runstate.StatusRunning, decode[RunResponse](t, w).Status)
		ts.waitForStatus(t, id, runstate.StatusCancelled)
	})

	t.Run("terminal run conflicts", func(t *testing.T) {
		ts := newTestServer(t)
		run := ts.createRun(t)
		_, err := ts.runs.Update(context.Background(), run.RunID, runstate.Patch{Status: runstate.Ptr(runstate.StatusFailed)})
		require.NoError(t, err)

		w := ts.do(t, http.MethodPost, "/runs/"+run.RunID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, decode[map[string]string](t, w)["error"], "already failed")
	})
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
	require.NoError(t, sc.Err())
	t.Fatal("stream ended before an event")
	return ev
}

func TestStreamRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.block = make(chan struct{})
	ts.runner.started = make(chan string, 1)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := <-ts.runner.started

	resp, err := http.Get(srv.URL + "/runs/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sc := bufio.NewScanner(resp.Body)

	ev := readEvent(t, sc)
	require.Equal(t, "state", ev.name)
	assert.Contains(t, ev.data, `"status":"running"`)

	require.NoError(t, ts.runs.Publish(context.Background(), id, runstate.Event{
		Type: runstate.EventUnitDone, Stage: "write", UnitID: "sec-1",
	}))
	ev = readEvent(t, sc)
	assert.Equal(t, runstate.EventUnitDone, ev.name)
	assert.Contains(t, ev.data, `"unit_id":"sec-1"`)

	close(ts.runner.block)
	ev = readEvent(t, sc)
	require.Equal(t, "state", ev.name)
	assert.Contains(t, ev.data, `"status":"succeeded"`)
	ev = readEvent(t, sc)
	assert.Equal(t, "complete", ev.name)
	assert.JSONEq(t, `{"run_id":"`+id+`","status":"succeeded"}`, ev.data)
}

func TestStreamRun_TerminalAndUnknown(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/unknown/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	run := ts.createRun(t)
	_, err = ts.runs.Update(context.Background(), run.RunID, runstate.Patch{Status: runstate.Ptr(runstate.StatusCancelled)})
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/runs/" + run.RunID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, "state", readEvent(t, sc).name)
	assert.Equal(t, "complete", readEvent(t, sc).name)
}

func TestArtifacts(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t)

	w := ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/artifacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[artifacts.Manifest](t, w).Entries, "nothing written yet")

	_, err := ts.artifacts.Write(run.RunID, map[string][]byte{
		"book.md":   []byte("# 向量\n"),
		"book.json": []byte(`{"topic":"线性代数"}`),
	})
	require.NoError(t, err)

	w = ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/artifacts", "")
	manifest := decode[artifacts.Manifest](t, w)
	assert.Equal(t, []string{"book.json", "book.md"}, manifest.Names())
	assert.Empty(t, manifest.Dir, "server paths are not exposed")

	w = ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/artifacts/book.md", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "# 向量\n", w.Body.String())

	w = ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/artifacts/qa.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/artifacts/..book.md", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/runs/unknown/artifacts", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArchive(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t)

	w := ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/archive", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "no artifacts yet")

	_, err := ts.artifacts.Write(run.RunID, map[string][]byte{"book.md": []byte("# 向量\n")})
	require.NoError(t, err)

	w = ts.do(t, http.MethodGet, "/runs/"+run.RunID+"/archive", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "book.md", zr.File[0].Name)
}

func TestKnowledgeGraph(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	scope := kg.SectionScope("sec-1")

	nodes := []kg.Node{
		{ID: "n:a", Type: kg.DefaultNodeType, Name: "向量"},
		{ID: "n:b", Type: kg.DefaultNodeType, Name: "向量空间"},
		{ID: "n:c", Type: kg.DefaultNodeType, Name: "基"},
	}
	_, err := ts.graph.UpsertNodes(ctx, nodes)
	require.NoError(t, err)
	require.NoError(t, ts.graph.ReplaceScope(ctx, scope, []kg.Edge{
		{ID: "e:1", SourceID: "n:a", TargetID: "n:b", RelationType: kg.PartOf, Confidence: 0.9, SupportCount: 1},
		{ID: "e:2", SourceID: "n:b", TargetID: "n:c", RelationType: kg.RelatesTo, Confidence: 0.56, SupportCount: 1},
	}))

	w := ts.do(t, http.MethodGet, "/kg/sections/sec-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	frag := decode[kg.Fragment](t, w)
	assert.Equal(t, scope, frag.Scope)
	assert.Len(t, frag.Edges, 2)
	assert.Len(t, frag.Nodes, 3)

	w = ts.do(t, http.MethodGet, "/kg/scopes/"+scope+"?display=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	frag = decode[kg.Fragment](t, w)
	require.Len(t, frag.Edges, 1, "low confidence edge hidden")
	assert.Equal(t, "e:1", frag.Edges[0].ID)
	assert.Len(t, frag.Nodes, 2)

	w = ts.do(t, http.MethodGet, "/kg/scopes/"+scope+"?display=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/kg/books/linear-algebra", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scope":"book:linear-algebra","order":0,"nodes":[],"edges":[]}`, w.Body.String())
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.JWT = config.JWTConfig{Secret: testSecret, ExpirationHours: 1}
	})
	token, err := ts.jwtService.GenerateToken("ci-bot")
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[RunResponse](t, w).RunID

	w = ts.do(t, http.MethodGet, "/runs/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code, "reads stay open")

	w = ts.do(t, http.MethodPost, "/runs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNew_RejectsWeakJWTSecret(t *testing.T) {
	runs := runstate.NewMemory()
	_, err := New(Config{
		Runs:      runs,
		Runner:    newFakeRunner(runs),
		Artifacts: artifacts.NewWriter(t.TempDir()),
		Graph:     graphstore.NewMemory(),
		JWT:       config.JWTConfig{Secret: "short", ExpirationHours: 1},
	})
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.RateLimit = &ratelimit.Config{
			Enabled:       true,
			DefaultLimit:  100,
			DefaultWindow: time.Minute,
			EndpointConfigs: []ratelimit.EndpointConfig{
				{Path: "/runs", Method: http.MethodPost, Limit: 1, Window: time.Hour, Burst: 1},
			},
		}
	})

	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	w = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
