package api

import (
	"errors"
	"net/http"

	"github.com/nugget/supportdesk/internal/chat"
	"github.com/nugget/supportdesk/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}

	limit := min(queryInt(r, "limit", defaultPageSize), maxPageSize)
	if limit == 0 {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)

	convs, total, err := s.deps.Chat.Conversations(r.Context(), userID, limit, offset)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}

	conv, msgs, err := s.deps.Chat.Conversation(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.conversationError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}

	if err := s.deps.Chat.DeleteConversation(r.Context(), userID, r.PathValue("id")); err != nil {
		s.conversationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}

	doc, contentType, err := s.deps.Chat.Export(r.Context(), userID, r.PathValue("id"), r.URL.Query().Get("format"))
	if errors.Is(err, chat.ErrUnsupportedFormat) {
		s.validationError(w, "format must be markdown or html", nil)
		return
	}
	if err != nil {
		s.conversationError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(doc); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}

// handleConversationRuns lists the responder runs behind a
// conversation's replies, newest first.
func (s *Server) handleConversationRuns(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}
	if s.deps.Runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, codeUnavailable, "run history not configured")
		return
	}

	id := r.PathValue("id")
	if _, _, err := s.deps.Chat.Conversation(r.Context(), userID, id); err != nil {
		s.conversationError(w, err)
		return
	}

	runs, err := s.deps.Runs.ListByConversation(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("list runs failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "failed to list runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(runs),
		"runs":  runs,
	}, s.logger)
}

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrConversationNotFound) {
		s.errorResponse(w, http.StatusNotFound, codeNotFound, "conversation not found")
		return
	}
	s.logger.Error("conversation request failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, codeInternal, "internal server error")
}
