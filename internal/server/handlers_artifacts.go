package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jonathan/textbook-forge/internal/artifacts"
)

// contentTypes maps artifact kinds onto response content types.
var contentTypes = map[string]string{
	"markdown": "text/markdown; charset=utf-8",
	"json":     "application/json",
	"text":     "text/plain; charset=utf-8",
	"logs":     "application/x-ndjson",
}

// handleListArtifacts returns the manifest of a run. Runs that wrote nothing
// yet have an empty manifest.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.runs.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	manifest, err := s.artifacts.List(id)
	var missing *artifacts.NotFoundError
	switch {
	case errors.As(err, &missing):
		manifest = artifacts.Manifest{RunID: id, Entries: []artifacts.Entry{}}
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	manifest.Dir = ""
	s.jsonResponse(w, http.StatusOK, manifest)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	data, err := s.artifacts.Read(id, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ct, ok := contentTypes[artifacts.FileType(name)]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleArchive returns every artifact of a run as one zip.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.runs.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.artifacts.Archive(id, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
