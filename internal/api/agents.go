package api

import (
	"errors"
	"net/http"

	"github.com/nugget/supportdesk/internal/delegate"
)

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"agents": s.deps.Agents.ListAgents()}, s.logger)
}

func (s *Server) handleAgentCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.deps.Agents.GetAgentCapabilities(r.PathValue("category"))
	if errors.Is(err, delegate.ErrUnknownCategory) {
		s.validationError(w, "unknown agent category", nil)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, caps, s.logger)
}

// handleRunStats reports per-category responder performance.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, codeUnavailable, "run history not configured")
		return
	}
	stats, err := s.deps.Runs.Stats(r.Context())
	if err != nil {
		s.logger.Error("run stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "failed to compute run stats")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"categories": stats}, s.logger)
}
