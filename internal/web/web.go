// Package web implements the SSE Endpoint Layer (spec §6): the HTTP
// surface a chat client or control-plane caller uses to start turns,
// follow them over Server-Sent Events, resolve permission prompts, and
// inspect the Session Store.
package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/parachute-run/parachute/internal/auth"
	"github.com/parachute-run/parachute/internal/orchestrator"
	"github.com/parachute-run/parachute/internal/sessions"
)

// Config wires the dependencies a Handler dispatches to.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        sessions.Store
	Auth         *auth.Service
	// AuthMode is one of "disabled", "remote", or "always" (config's
	// auth.mode). "remote" exempts loopback callers from presenting
	// credentials; "always" does not.
	AuthMode string
	Logger   *slog.Logger
}

// Handler is the SSE Endpoint Layer's HTTP entrypoint.
type Handler struct {
	config Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler builds a Handler with its routes registered.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		config: cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("POST /api/chat/{id}/abort", h.handleAbort)
	h.mux.HandleFunc("GET /api/chat/{id}/stream-status", h.handleStreamStatus)
	h.mux.HandleFunc("GET /api/chat/{id}/join", h.handleJoin)
	h.mux.HandleFunc("POST /api/chat/{id}/answer", h.handleAnswer)

	h.mux.HandleFunc("POST /api/sessions/{id}/permissions/grant", h.handleGrant)
	h.mux.HandleFunc("POST /api/sessions/{id}/permissions/deny", h.handleDeny)

	h.mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	h.mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("POST /api/sessions/{id}/archive", h.handleArchiveSession)
	h.mux.HandleFunc("POST /api/sessions/{id}/unarchive", h.handleUnarchiveSession)

	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
}

// ServeHTTP implements http.Handler directly, so Handler can be
// mounted under a prefix by a caller that strips it first.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount wraps the Handler in the logging and auth middleware chain,
// applied outermost-first so every request is logged regardless of
// auth outcome.
func (h *Handler) Mount() http.Handler {
	var handler http.Handler = h
	handler = AuthMiddleware(h.config.Auth, h.config.AuthMode, h.logger)(handler)
	handler = LoggingMiddleware(h.logger)(handler)
	return handler
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}
