package server

import (
	"net/http"

	"github.com/jonathan/textbook-forge/internal/workflows"
)

// WorkflowListResponse lists the workflow catalog.
type WorkflowListResponse struct {
	Workflows []workflows.Metadata `json:"workflows"`
	Count     int                  `json:"count"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	list := s.workflows.List()
	s.jsonResponse(w, http.StatusOK, WorkflowListResponse{Workflows: list, Count: len(list)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	m, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, m)
}

// handleWorkflowSchema returns only the input schema, for form builders.
func (s *Server) handleWorkflowSchema(w http.ResponseWriter, r *http.Request) {
	m, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"input_schema": m.InputSchema})
}
