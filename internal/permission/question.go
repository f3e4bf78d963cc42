package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-run/parachute/pkg/models"
)

// CheckAskUserQuestion handles the AskUserQuestion tool specially: it
// is distinct from the approval flow above a prompt/deny decision —
// the tool call is always let through, but it blocks until the
// operator supplies an answer map (or the longer question timeout
// elapses, in which case an empty answer map is returned so the Agent
// Runtime sees a clear "no answer" signal).
func (h *Handler) CheckAskUserQuestion(ctx context.Context, raw json.RawMessage) map[string]any {
	in := parseInput(raw)
	if len(in.Questions) == 0 {
		return map[string]any{}
	}

	h.mu.Lock()
	toolUseID := h.nextQuestionToolUseID
	h.nextQuestionToolUseID = ""
	h.mu.Unlock()
	if toolUseID == "" {
		toolUseID = uuid.NewString()[:8]
	}
	requestID := fmt.Sprintf("%s-q-%s", h.sessionID, toolUseID)

	req := models.UserQuestionRequest{
		ID:        requestID,
		SessionID: h.sessionID,
		Questions: in.Questions,
		Status:    models.RequestPending,
		CreatedAt: time.Now(),
	}
	pq := &pendingQuestion{request: req, resolve: make(chan map[string]any, 1)}

	h.mu.Lock()
	h.pendingQuestions[requestID] = pq
	h.mu.Unlock()

	if h.OnUserQuestion != nil {
		h.OnUserQuestion(req)
	}

	timeout := h.QuestionTimeout
	if timeout <= 0 {
		timeout = DefaultQuestionTimeout
	}

	var answers map[string]any
	select {
	case answers = <-pq.resolve:
	case <-time.After(timeout):
		answers = map[string]any{}
	case <-ctx.Done():
		answers = map[string]any{}
	}

	h.mu.Lock()
	delete(h.pendingQuestions, requestID)
	h.mu.Unlock()

	return answers
}

// AnswerQuestions resolves a pending AskUserQuestion round-trip.
// Idempotent — a second call against an already-resolved request is a
// no-op.
func (h *Handler) AnswerQuestions(requestID string, answers map[string]any) bool {
	h.mu.Lock()
	pq, ok := h.pendingQuestions[requestID]
	if !ok || pq.request.Status != models.RequestPending {
		h.mu.Unlock()
		return false
	}
	pq.request.Status = models.RequestGranted
	h.mu.Unlock()

	select {
	case pq.resolve <- answers:
	default:
	}
	return true
}

// PendingQuestions returns a snapshot of all currently pending
// AskUserQuestion round-trips.
func (h *Handler) PendingQuestions() []models.UserQuestionRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.UserQuestionRequest, 0, len(h.pendingQuestions))
	for _, pq := range h.pendingQuestions {
		if pq.request.Status == models.RequestPending {
			out = append(out, pq.request)
		}
	}
	return out
}
