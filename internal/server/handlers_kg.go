package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jonathan/textbook-forge/internal/kg"
)

// handleQueryScope returns the fragment stored under a scope. With
// ?display=true the display thresholds are applied.
func (s *Server) handleQueryScope(w http.ResponseWriter, r *http.Request) {
	s.queryScope(w, r, r.PathValue("scope"))
}

func (s *Server) handleSectionGraph(w http.ResponseWriter, r *http.Request) {
	s.queryScope(w, r, kg.SectionScope(r.PathValue("id")))
}

// handleBookGraph accepts a book id with or without its "book:" prefix.
func (s *Server) handleBookGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !strings.HasPrefix(id, "book:") {
		id = "book:" + id
	}
	s.queryScope(w, r, id)
}

func (s *Server) queryScope(w http.ResponseWriter, r *http.Request, scope string) {
	if strings.TrimSpace(scope) == "" {
		s.writeError(w, r, &ErrValidation{Field: "scope", Message: "must not be empty"})
		return
	}

	display := false
	if raw := r.URL.Query().Get("display"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "display", Message: "must be a boolean"})
			return
		}
		display = v
	}

	frag, err := s.graph.QueryScope(r.Context(), scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := *frag
	if display {
		out = s.thresholds.FilterForDisplay(out)
	}
	if out.Nodes == nil {
		out.Nodes = []kg.Node{}
	}
	if out.Edges == nil {
		out.Edges = []kg.Edge{}
	}
	s.jsonResponse(w, http.StatusOK, out)
}
