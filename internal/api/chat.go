package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/supportdesk/internal/chat"
	"github.com/nugget/supportdesk/internal/stream"
)

// streamWriteTimeout bounds each streamed write; it is renewed per event.
const streamWriteTimeout = 120 * time.Second

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}
	req := s.decodeChat(w, r)
	if req == nil {
		return
	}

	res, err := s.deps.Chat.Send(r.Context(), chat.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		RequestID:      requestID(r.Context()),
	})
	if err != nil {
		s.chatError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	var reqErr *chat.RequestError
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		s.errorResponse(w, http.StatusNotFound, codeNotFound, "conversation not found")
	case errors.As(err, &reqErr):
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, reqErr.Message)
	default:
		s.logger.Error("chat request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "failed to process message")
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}
	req := s.decodeChat(w, r)
	if req == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.deps.Chat.Stream(ctx, chat.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		RequestID:      requestID(ctx),
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	for ev := range events {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		if err := s.writeSSE(w, ev); err != nil {
			s.logger.Debug("failed to write SSE event", "error", err)
			cancel()
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16 * 1024,
}

// handleChatWS serves a chat session over one WebSocket. Each client
// frame is a chat request; the server answers with its events in order
// and reads the next frame only after the terminal event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := s.callerID(w, r)
	if userID == "" {
		return
	}

	up := upgrader
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host || s.originAllowed(origin)
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := s.logger.With("request_id", requestID(ctx), "user_id", userID)
	log.Debug("websocket session opened")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		req, details, err := validateChat(raw)
		if err == nil && details != nil {
			err = fmt.Errorf("invalid request: %s: %s", details[0].Field, details[0].Message)
		}
		if err != nil {
			if werr := conn.WriteJSON(stream.Error(err.Error())); werr != nil {
				return
			}
			continue
		}

		events, err := s.deps.Chat.Stream(ctx, chat.Request{
			UserID:         userID,
			ConversationID: req.ConversationID,
			Message:        req.Message,
		})
		if err != nil {
			msg := "failed to process message"
			if errors.Is(err, chat.ErrConversationNotFound) {
				msg = "conversation not found"
			}
			if werr := conn.WriteJSON(stream.Error(msg)); werr != nil {
				return
			}
			continue
		}

		for ev := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", "error", err)
				cancel()
				for range events {
				}
				return
			}
		}
	}
}
