package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/pipeline"
)

// Response is the envelope of every API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendData(w http.ResponseWriter, status int, data any, message string) {
	s.sendJSON(w, status, Response{Success: true, Data: data, Message: message})
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message})
}

// writeError maps pipeline errors to HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rlErr *pipeline.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		s.sendError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, pipeline.ErrValidation), errors.Is(err, chain.ErrInvalidAddress):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrDuplicateDocument):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrCompilation):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pipeline.ErrCompilerUnavailable):
		s.logger.Error("compiler unavailable", "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Compiler unavailable")
	case errors.Is(err, chain.ErrOutcomeUnknown):
		s.logger.Error("chain outcome unknown", "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, pipeline.ErrDeployment), errors.Is(err, pipeline.ErrBlockchain):
		s.logger.Error("chain request failed", "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decode reads a JSON body; errors are reported as 400
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}
