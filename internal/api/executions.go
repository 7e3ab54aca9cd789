package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/pipelined/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createExecutionRequest is the JSON body for POST /v1/executions.
type createExecutionRequest struct {
	Identifier         string          `json:"identifier"`
	Name               string          `json:"name"`
	PipelineIdentifier string          `json:"pipelineIdentifier"`
	Timeout            *int            `json:"timeout"`
	StudyIdentifier    string          `json:"studyIdentifier"`
	InputValues        json.RawMessage `json:"inputValues"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidModel, "Invalid model provided")
		return
	}

	switch {
	case req.Identifier != "":
		s.writeError(w, http.StatusBadRequest, codeIdentifierSet,
			"'identifier' must not be set. It will be assigned by the system upon execution initialization.")
		return
	case req.Name == "":
		s.writeError(w, http.StatusBadRequest, codeInvalidModel, "name is required")
		return
	case req.PipelineIdentifier == "":
		s.writeError(w, http.StatusBadRequest, codeInvalidPipeline, "Invalid 'pipelineIdentifier'")
		return
	}

	inputs := []byte(req.InputValues)
	if len(inputs) == 0 || string(inputs) == "null" {
		inputs = []byte("{}")
	}

	ex := &model.Execution{
		Name:       req.Name,
		PipelineID: req.PipelineIdentifier,
		TimeoutS:   req.Timeout,
		StudyID:    req.StudyIdentifier,
		Creator:    userFrom(r),
	}
	if err := s.engine.Create(r.Context(), ex, inputs); err != nil {
		s.writeDomainError(w, "create execution", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, ex)
}

// ownedExecution loads the execution named in the URL and checks the caller
// created it. It writes the error response itself.
func (s *Server) ownedExecution(w http.ResponseWriter, r *http.Request) (*model.Execution, bool) {
	id := chi.URLParam(r, "id")

	ex, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, "get execution", err)
		return nil, false
	}
	// Other users' executions are reported as missing.
	if ex.Creator != userFrom(r) {
		s.writeError(w, http.StatusNotFound, codeExecutionNotFound, "Execution '"+id+"' not found.")
		return nil, false
	}
	return ex, true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), userFrom(r), limit, offset)
	if err != nil {
		s.writeDomainError(w, "list executions", err)
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// handleCountExecutions answers after a forced dataset update so that
// executions created on another node are counted.
func (s *Server) handleCountExecutions(w http.ResponseWriter, r *http.Request) {
	if s.syncer != nil {
		if err := s.syncer.ForceSyncNow(r.Context()); err != nil {
			s.logger.Warn("forced dataset update", "error", err)
			s.writeError(w, http.StatusInternalServerError, codeSiblingCannotUpdate,
				"The data dataset was not able to update from its sibling.")
			return
		}
	}

	n, err := s.store.CountExecutions(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, "count executions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handlePlayExecution(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}
	if err := s.engine.Play(r.Context(), ex.ID, ex.Creator); err != nil {
		s.writeDomainError(w, "play execution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillExecution(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}
	if err := s.engine.Kill(r.Context(), ex.ID, ex.Creator); err != nil {
		s.writeDomainError(w, "kill execution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
