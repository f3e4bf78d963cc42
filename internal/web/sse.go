package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/parachute-run/parachute/internal/orchestrator"
	"github.com/parachute-run/parachute/pkg/models"
)

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	SessionID        string `json:"sessionId"`
	Message          string `json:"message"`
	Module           string `json:"module"`
	TrustLevel       string `json:"trustLevel"`
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
	SystemPrompt     string `json:"systemPrompt"`
	EnvSlug          string `json:"envSlug"`
	Persistent       bool   `json:"persistent"`
	NetworkEnabled   bool   `json:"networkEnabled"`
}

// handleChat starts a turn and streams its events back as SSE. The
// resolved session ID is sent first as an "x-session-id" framing
// comment so a client that started with no session ID learns the one
// it was assigned before the first real event arrives.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	dispatch := orchestrator.DispatchRequest{
		SessionID:        req.SessionID,
		Message:          req.Message,
		Module:           req.Module,
		Source:           models.SourceWeb,
		TrustLevel:       models.TrustLevel(req.TrustLevel),
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		SystemPrompt:     req.SystemPrompt,
		EnvSlug:          req.EnvSlug,
		Persistent:       req.Persistent,
		NetworkEnabled:   req.NetworkEnabled,
	}

	sessionID, buffered, events, unsubscribe, err := h.config.Orchestrator.Dispatch(r.Context(), dispatch)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer unsubscribe()

	h.streamSSE(w, r, sessionID, buffered, events)
}

// handleJoin attaches to an already-running or recently-finished turn
// without starting a new one, letting a second client (or the same
// client after a reconnect) follow the same stream.
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	buffered, events, unsubscribe, err := h.config.Orchestrator.Join(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer unsubscribe()

	h.streamSSE(w, r, sessionID, buffered, events)
}

func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, sessionID string, buffered []models.TurnEvent, events <-chan models.TurnEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	for _, ev := range buffered {
		if !writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !writeEvent(w, ev) {
				return
			}
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.TurnEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}
