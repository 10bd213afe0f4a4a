package api

import (
	"net/http"

	"github.com/nugget/supportdesk/internal/actions"
)

// Error codes carried in the error envelope.
const (
	codeValidation   = "VALIDATION_ERROR"
	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
	codeRateLimited  = "RATE_LIMITED"
	codeInternal     = "INTERNAL_ERROR"
	codeUnavailable  = "SERVICE_UNAVAILABLE"
)

type errorBody struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Details []actions.FieldError `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	s.writeError(w, status, errorBody{Code: code, Message: message})
}

func (s *Server) validationError(w http.ResponseWriter, message string, details []actions.FieldError) {
	s.writeError(w, http.StatusBadRequest, errorBody{Code: codeValidation, Message: message, Details: details})
}

func (s *Server) writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, errorEnvelope{Error: body}, s.logger)
}
