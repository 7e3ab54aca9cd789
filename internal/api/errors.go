package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/pipelined/internal/dataset"
	"github.com/seantiz/pipelined/internal/descriptor"
	"github.com/seantiz/pipelined/internal/engine"
	"github.com/seantiz/pipelined/internal/store"
)

// CARMIN error codes returned in the errorCode field.
const (
	codeUnexpected          = 1
	codeInvalidModel        = 10
	codeUnauthorized        = 45
	codePathDoesNotExist    = 56
	codeIdentifierSet       = 100
	codeExecutionNotFound   = 105
	codeInvalidPipeline     = 115
	codeInitializationFail  = 130
	codeCannotReplay        = 135
	codeInvalidTimeout      = 140
	codeKillNotRunning      = 145
	codeKillFinishing       = 150
	codeUnsupportedType     = 165
	codeSiblingUnspecified  = 170
	codeSiblingCannotUpdate = 175
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status, code int, message string) {
	errorResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	s.writeJSON(w, status, errorResponse{ErrorCode: code, ErrorMessage: message})
}

// errorMapping pairs a domain error with its HTTP status and error code.
type errorMapping struct {
	target error
	status int
	code   int
}

var errorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, codeExecutionNotFound},
	{engine.ErrForbidden, http.StatusForbidden, codeUnauthorized},
	{engine.ErrCannotReplay, http.StatusBadRequest, codeCannotReplay},
	{engine.ErrInvalidTimeout, http.StatusBadRequest, codeInvalidTimeout},
	{engine.ErrCannotKillNotRunning, http.StatusBadRequest, codeKillNotRunning},
	{engine.ErrCannotKillFinishing, http.StatusBadRequest, codeKillFinishing},
	{descriptor.ErrPipelineNotFound, http.StatusBadRequest, codeInvalidPipeline},
	{descriptor.ErrUnsupportedType, http.StatusBadRequest, codeUnsupportedType},
	{descriptor.ErrInvalidInvocation, http.StatusBadRequest, codeInitializationFail},
	{dataset.ErrSiblingUnspecified, http.StatusInternalServerError, codeSiblingUnspecified},
}

// writeDomainError maps err to its CARMIN code. Unknown errors are logged and
// reported as unexpected.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			s.writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, codeUnexpected,
		"An unexpected error occurred. Please contact the system administrator.")
}
