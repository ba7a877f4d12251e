package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/workflows"
)

func TestListWorkflows(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[WorkflowListResponse](t, w)
	require.Equal(t, 1, resp.Count)
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, workflows.TextbookID, resp.Workflows[0].ID)
	assert.NotEmpty(t, resp.Workflows[0].InputSchema)
}

func TestGetWorkflow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/workflows/textbook", "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[workflows.Metadata](t, w)
	assert.Equal(t, "Textbook", m.Name)
	assert.Equal(t, []string{"textbook", "knowledge-graph"}, m.Tags)

	w = ts.do(t, http.MethodGet, "/workflows/textbook/schema", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		InputSchema map[string]any `json:"input_schema"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run_request.schema.json", body.InputSchema["$id"])

	for _, path := range []string{"/workflows/novel", "/workflows/novel/schema"} {
		w = ts.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Contains(t, decode[map[string]string](t, w)["error"], "workflow not found")
	}
}

func TestCreateRun_WorkflowNotServed(t *testing.T) {
	reg := workflows.NewRegistry()
	require.NoError(t, reg.Register(workflows.Metadata{ID: "other", Name: "Other"}))
	ts := newTestServer(t, func(c *Config) { c.Workflows = reg })

	w := ts.do(t, http.MethodPost, "/runs", `{"topic": "线性代数"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "WorkflowID")

	w = ts.do(t, http.MethodGet, "/workflows", "")
	assert.Equal(t, 1, decode[WorkflowListResponse](t, w).Count)
}
