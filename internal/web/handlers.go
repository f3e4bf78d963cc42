package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/pkg/models"
)

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	if !h.config.Orchestrator.Abort(sessionID) {
		writeError(w, http.StatusNotFound, "no active turn for this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

func (h *Handler) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	info, ok := h.config.Orchestrator.StreamStatus(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no stream for this session")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type answerRequest struct {
	RequestID string         `json:"requestId"`
	Answers   map[string]any `json:"answers"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.config.Orchestrator.AnswerQuestions(sessionID, req.RequestID, req.Answers) {
		writeError(w, http.StatusNotFound, "no pending question with that request id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"answered": true})
}

type permissionRequest struct {
	RequestID string `json:"requestId"`
	Pattern   string `json:"pattern"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	var req permissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.config.Orchestrator.Grant(sessionID, req.RequestID, req.Pattern) {
		writeError(w, http.StatusNotFound, "no pending permission request with that request id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": true})
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r)
	var req permissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.config.Orchestrator.Deny(sessionID, req.RequestID) {
		writeError(w, http.StatusNotFound, "no pending permission request with that request id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"denied": true})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := sessions.ListOptions{
		Module: r.URL.Query().Get("module"),
		Source: models.SessionSource(r.URL.Query().Get("source")),
	}
	if v := r.URL.Query().Get("archived"); v != "" {
		archived := v == "true"
		opts.Archived = &archived
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	list, err := h.config.Store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.config.Store.Get(r.Context(), pathID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Store.Archive(r.Context(), pathID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": true})
}

func (h *Handler) handleUnarchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Store.Unarchive(r.Context(), pathID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": false})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if err == sessions.ErrNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
