// Package api implements the support chat HTTP API: synchronous and
// streaming chat (SSE and WebSocket), conversation history, agent
// listing, and model routing introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/supportdesk/internal/agent"
	"github.com/nugget/supportdesk/internal/buildinfo"
	"github.com/nugget/supportdesk/internal/chat"
	"github.com/nugget/supportdesk/internal/delegate"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/ratelimit"
	"github.com/nugget/supportdesk/internal/router"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// AgentDirectory describes the available responders.
type AgentDirectory interface {
	ListAgents() []delegate.AgentInfo
	GetAgentCapabilities(category string) (*delegate.AgentCapabilities, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Chat   *chat.Orchestrator
	Agents AgentDirectory
	Router *router.Router
	Runs   *agent.RunStore

	// Health reports whether storage is reachable.
	Health func(ctx context.Context) error
	// Providers, when set, reports model provider reachability. A down
	// provider degrades health without failing it.
	Providers interface {
		PingEach(ctx context.Context) map[string]error
	}

	// Limiter throttles chat and conversation routes per caller. Nil
	// disables throttling.
	Limiter        *ratelimit.Store
	AllowedOrigins []string
	Bus            *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server. Call [Server.Start] to serve.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.Handle("POST /v1/chat", s.limited(s.handleChat))
	mux.Handle("POST /v1/chat/stream", s.limited(s.handleChatStream))
	mux.Handle("GET /v1/chat/ws", s.limited(s.handleChatWS))

	// Agents
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/agents/{category}", s.handleAgentCapabilities)
	mux.HandleFunc("GET /v1/runs/stats", s.handleRunStats)

	// Conversations
	mux.Handle("GET /v1/conversations", s.limited(s.handleConversationList))
	mux.Handle("GET /v1/conversations/{id}", s.limited(s.handleConversationGet))
	mux.Handle("DELETE /v1/conversations/{id}", s.limited(s.handleConversationDelete))
	mux.Handle("GET /v1/conversations/{id}/export", s.limited(s.handleConversationExport))
	mux.Handle("GET /v1/conversations/{id}/runs", s.limited(s.handleConversationRuns))

	// Router introspection
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withRequestID(s.withLogging(s.withRecover(s.withCORS(mux))))
}

// Start begins serving HTTP requests. It returns when the server is
// shut down or fails to listen.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streaming handlers extend their own write deadline per event.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Supportdesk",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	checks := map[string]string{}
	if s.deps.Health != nil {
		checks["storage"] = "ok"
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", "check", "storage", "error", err)
			checks["storage"] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	if s.deps.Providers != nil {
		for name, err := range s.deps.Providers.PingEach(ctx) {
			checks[name] = "ok"
			if err == nil {
				continue
			}
			s.logger.Warn("health check failed", "check", name, "error", err)
			checks[name] = err.Error()
			if code == http.StatusOK {
				status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"status": status, "checks": checks}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, codeUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.Router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, codeUnavailable, "router not configured")
		return
	}

	limit := queryInt(r, "limit", 20)
	decisions := s.deps.Router.GetAuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, codeUnavailable, "router not configured")
		return
	}

	decision := s.deps.Router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, codeNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

// queryInt parses a positive integer query parameter, returning def
// when it is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
