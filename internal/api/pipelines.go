package api

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/pipelined/internal/descriptor"
)

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.catalog.List()
	if err != nil {
		s.writeDomainError(w, "list pipelines", err)
		return
	}
	if pipelines == nil {
		pipelines = []descriptor.Pipeline{}
	}
	s.writeJSON(w, http.StatusOK, pipelines)
}

// handleGetDescriptor serves a pipeline's exported description. The export
// is buffered so a failure still yields an error body.
func (s *Server) handleGetDescriptor(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.engine.ExportDescriptor(r.Context(), chi.URLParam(r, "name"), &buf); err != nil {
		s.writeDomainError(w, "export descriptor", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("write descriptor", "error", err)
	}
}
