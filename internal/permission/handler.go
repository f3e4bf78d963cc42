// Package permission implements the Permission Handler (spec §4.2): a
// synchronous, in-stream gate on every tool invocation inside a live
// turn. It classifies tools, enforces the deny list and trust level,
// and — when neither settles the question — parks the call behind an
// operator-resolved approval or question request with a bounded
// timeout.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-run/parachute/internal/vault"
	"github.com/parachute-run/parachute/pkg/models"
)

const (
	// DefaultApprovalTimeout is how long a permission_request waits for
	// an operator decision before auto-denying.
	DefaultApprovalTimeout = 120 * time.Second

	// DefaultQuestionTimeout is how long an AskUserQuestion round-trip
	// waits before resolving with an empty answer map.
	DefaultQuestionTimeout = 300 * time.Second

	// DefaultMaxPending bounds the number of simultaneously in-flight
	// approval requests per handler (per session).
	DefaultMaxPending = 100
)

// Decision is the verdict the handler returns for a single tool call.
type Decision struct {
	Allow       bool
	Message     string
	Interrupt   bool
	RequestID   string
	Suggestions []string
}

// DenialInfo is passed to OnDenial for observability whenever a call is
// denied outright (deny list, dangerous command, sandboxed host tool,
// timeout, or explicit operator deny).
type DenialInfo struct {
	Tool     string
	FilePath string
	Command  string
	Reason   string
}

// Handler is bound to one session for the lifetime of one turn (or
// longer, if the caller chooses to reuse it across turns — callers are
// expected to call Cleanup when the session ends).
type Handler struct {
	sessionID string
	matcher   *vault.Matcher

	ApprovalTimeout time.Duration
	QuestionTimeout time.Duration
	MaxPending      int

	OnRequest          func(models.PermissionRequest)
	OnUserQuestion     func(models.UserQuestionRequest)
	OnDenial           func(DenialInfo)
	OnPermissionUpdate func(models.SessionPermissions)

	mu               sync.Mutex
	perms            models.SessionPermissions
	pending          map[string]*pendingApproval
	pendingQuestions map[string]*pendingQuestion

	// nextQuestionToolUseID is stashed by the orchestrator when it sees
	// the AskUserQuestion tool_use block in the assistant message,
	// before the Agent Runtime invokes the tool, so the request ID
	// matches the one already emitted on the turn's event stream.
	nextQuestionToolUseID string
}

type permissionKind int

const (
	kindRead permissionKind = iota
	kindWrite
	kindBash
)

type pendingApproval struct {
	request models.PermissionRequest
	kind    permissionKind
	resolve chan string // "granted", "granted:<pattern>", or "denied"
}

type pendingQuestion struct {
	request models.UserQuestionRequest
	resolve chan map[string]any
}

// NewHandler constructs a Handler bound to sessionID with the given
// initial permissions and an extra set of deny-list patterns on top of
// the built-in ones.
func NewHandler(sessionID string, perms models.SessionPermissions, extraDenyPatterns []string) *Handler {
	return &Handler{
		sessionID:        sessionID,
		matcher:          vault.New(extraDenyPatterns),
		ApprovalTimeout:  DefaultApprovalTimeout,
		QuestionTimeout:  DefaultQuestionTimeout,
		MaxPending:       DefaultMaxPending,
		perms:            perms,
		pending:          make(map[string]*pendingApproval),
		pendingQuestions: make(map[string]*pendingQuestion),
	}
}

// Permissions returns the handler's current session permissions,
// including any patterns granted mid-turn.
func (h *Handler) Permissions() models.SessionPermissions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms
}

// StashQuestionToolUseID records the tool_use_id the orchestrator
// observed for the next AskUserQuestion call, consumed the next time
// CheckAskUserQuestion runs.
func (h *Handler) StashQuestionToolUseID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextQuestionToolUseID = id
}

type toolInput struct {
	FilePath  string            `json:"file_path"`
	Path      string            `json:"path"`
	Command   string            `json:"command"`
	Questions []models.Question `json:"questions"`
}

// Check decides whether a tool call is admitted. toolUseID, if
// non-empty, is combined with the session ID to build a stable
// request ID for any resulting approval request.
func (h *Handler) Check(ctx context.Context, toolName string, input json.RawMessage, toolUseID string) Decision {
	class := ClassifyTool(toolName)

	effective := h.Permissions().EffectiveTrustLevel()

	switch class {
	case ClassAlwaysAllow:
		return Decision{Allow: true}
	case ClassBash:
		return h.checkBash(ctx, input, toolUseID, effective)
	case ClassRead:
		return h.checkPath(ctx, toolName, input, toolUseID, effective, kindRead)
	case ClassWrite:
		return h.checkPath(ctx, toolName, input, toolUseID, effective, kindWrite)
	case ClassAskUser:
		// AskUserQuestion never goes through allow/deny — the orchestrator
		// routes it to CheckAskUserQuestion instead, which blocks for an
		// operator answer rather than returning a verdict.
		return Decision{Allow: true}
	default:
		if effective == models.TrustDirect {
			return Decision{Allow: true}
		}
		return Decision{Allow: false, Message: fmt.Sprintf("unknown tool: %s", toolName)}
	}
}

func parseInput(raw json.RawMessage) toolInput {
	var in toolInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	return in
}

func (h *Handler) filePath(in toolInput) string {
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.Path
}

func (h *Handler) checkPath(ctx context.Context, toolName string, raw json.RawMessage, toolUseID string, trust models.TrustLevel, kind permissionKind) Decision {
	in := parseInput(raw)
	relPath := vault.Normalize(h.filePath(in))

	if relPath != "" && h.matcher.IsDenied(relPath) {
		h.denial(DenialInfo{Tool: toolName, FilePath: relPath, Reason: "denied_by_ignore_list"})
		return Decision{Allow: false, Message: fmt.Sprintf("access denied: %s matches a security pattern", relPath)}
	}

	if trust == models.TrustSandboxed {
		return Decision{Allow: false, Message: "sandboxed agents cannot use host tool: " + toolName}
	}

	if trust == models.TrustDirect {
		return Decision{Allow: true}
	}

	perms := h.Permissions()
	allowed := false
	switch kind {
	case kindRead:
		allowed = relPath != "" && vault.MatchesAny(relPath, perms.Read)
	case kindWrite:
		allowed = relPath != "" && vault.MatchesAny(relPath, perms.Write)
	}
	if allowed {
		return Decision{Allow: true}
	}

	return h.requestApproval(ctx, toolName, raw, toolUseID, relPath, kind)
}

func (h *Handler) checkBash(ctx context.Context, raw json.RawMessage, toolUseID string, trust models.TrustLevel) Decision {
	in := parseInput(raw)
	command := in.Command

	if reason := dangerousBashReason(command); reason != "" {
		h.denial(DenialInfo{Tool: BashToolName, Command: command, Reason: reason})
		return Decision{Allow: false, Message: reason}
	}

	if trust == models.TrustSandboxed {
		return Decision{Allow: false, Message: "sandboxed agents cannot use host tool: " + BashToolName}
	}

	if trust == models.TrustDirect {
		return Decision{Allow: true}
	}

	if h.Permissions().Bash.Allows(baseCommand(command)) {
		return Decision{Allow: true}
	}

	return h.requestApproval(ctx, BashToolName, raw, toolUseID, command, kindBash)
}

func (h *Handler) denial(info DenialInfo) {
	if h.OnDenial != nil {
		h.OnDenial(info)
	}
}

func (h *Handler) requestApproval(ctx context.Context, toolName string, raw json.RawMessage, toolUseID, filePath string, kind permissionKind) Decision {
	h.mu.Lock()
	if len(h.pending) >= h.MaxPending {
		h.mu.Unlock()
		h.denial(DenialInfo{Tool: toolName, FilePath: filePath, Reason: "server_overloaded"})
		return Decision{Allow: false, Message: "server overloaded with permission requests"}
	}

	suggestions := vault.SuggestGrants(filePath)
	requestID := h.buildRequestID(toolUseID)
	req := models.PermissionRequest{
		ID:          requestID,
		SessionID:   h.sessionID,
		Tool:        toolName,
		Input:       append([]byte(nil), raw...),
		FilePath:    filePath,
		Suggestions: suggestions,
		Status:      models.RequestPending,
		CreatedAt:   time.Now(),
	}
	pa := &pendingApproval{request: req, kind: kind, resolve: make(chan string, 1)}
	h.pending[requestID] = pa
	h.mu.Unlock()

	if h.OnRequest != nil {
		h.OnRequest(req)
	}

	timeout := h.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}

	var decision string
	select {
	case decision = <-pa.resolve:
	case <-time.After(timeout):
		decision = "timeout"
	case <-ctx.Done():
		decision = "timeout"
	}

	h.mu.Lock()
	delete(h.pending, requestID)
	h.mu.Unlock()

	if decision == "timeout" {
		h.denial(DenialInfo{Tool: toolName, FilePath: filePath, Reason: "timeout"})
		return Decision{Allow: false, Message: fmt.Sprintf("permission timeout for %s", toolName), RequestID: requestID}
	}
	if decision == "denied" {
		h.denial(DenialInfo{Tool: toolName, FilePath: filePath, Reason: "denied"})
		return Decision{Allow: false, Message: fmt.Sprintf("permission denied for %s", toolName), RequestID: requestID}
	}

	// "granted" or "granted:<pattern>"
	if pattern, ok := strings.CutPrefix(decision, "granted:"); ok {
		h.addPermission(kind, pattern)
	}
	return Decision{Allow: true, RequestID: requestID}
}

func (h *Handler) buildRequestID(toolUseID string) string {
	if toolUseID == "" {
		toolUseID = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%s", h.sessionID, toolUseID)
}

func (h *Handler) addPermission(kind permissionKind, pattern string) {
	h.mu.Lock()
	switch kind {
	case kindRead:
		if !contains(h.perms.Read, pattern) {
			h.perms.Read = append(append([]string(nil), h.perms.Read...), pattern)
		}
	case kindWrite:
		if !contains(h.perms.Write, pattern) {
			h.perms.Write = append(append([]string(nil), h.perms.Write...), pattern)
		}
	case kindBash:
		h.perms.Bash = h.perms.Bash.WithCommand(pattern)
	}
	updated := h.perms
	h.mu.Unlock()

	if h.OnPermissionUpdate != nil {
		h.OnPermissionUpdate(updated)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Grant resolves a pending approval request as allowed. If pattern is
// non-empty, it is added to the session's read/write/bash grant set
// (monotonic: grants never shrink mid-turn). Idempotent — a second
// call against an already-resolved request is a no-op.
func (h *Handler) Grant(requestID, pattern string) bool {
	h.mu.Lock()
	pa, ok := h.pending[requestID]
	if !ok || pa.request.Status != models.RequestPending {
		h.mu.Unlock()
		return false
	}
	pa.request.Status = models.RequestGranted
	h.mu.Unlock()

	decision := "granted"
	if pattern != "" {
		decision = "granted:" + pattern
	}
	select {
	case pa.resolve <- decision:
	default:
	}
	return true
}

// Deny resolves a pending approval request as denied. Idempotent.
func (h *Handler) Deny(requestID string) bool {
	h.mu.Lock()
	pa, ok := h.pending[requestID]
	if !ok || pa.request.Status != models.RequestPending {
		h.mu.Unlock()
		return false
	}
	pa.request.Status = models.RequestDenied
	h.mu.Unlock()

	select {
	case pa.resolve <- "denied":
	default:
	}
	return true
}

// PendingRequests returns a snapshot of all currently pending approval
// requests.
func (h *Handler) PendingRequests() []models.PermissionRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.PermissionRequest, 0, len(h.pending))
	for _, pa := range h.pending {
		if pa.request.Status == models.RequestPending {
			out = append(out, pa.request)
		}
	}
	return out
}

// Cleanup force-resolves every pending approval and question as
// denied / empty-answered and clears all handler state. Called on
// session or turn end so no resolver goroutine is left waiting.
func (h *Handler) Cleanup(logger *slog.Logger) {
	h.mu.Lock()
	approvals := len(h.pending)
	for _, pa := range h.pending {
		select {
		case pa.resolve <- "denied":
		default:
		}
	}
	h.pending = make(map[string]*pendingApproval)

	questions := len(h.pendingQuestions)
	for _, pq := range h.pendingQuestions {
		select {
		case pq.resolve <- map[string]any{}:
		default:
		}
	}
	h.pendingQuestions = make(map[string]*pendingQuestion)
	h.mu.Unlock()

	if (approvals > 0 || questions > 0) && logger != nil {
		logger.Warn("cleaned up pending permission state",
			"sessionId", h.sessionID, "approvals", approvals, "questions", questions)
	}
}

// CleanupStale force-resolves (as denied / empty) and removes any
// pending approval or question request older than maxAge. Intended to
// run from a periodic sweep alongside the Stream Manager's cleanup.
func (h *Handler) CleanupStale(maxAge time.Duration) int {
	now := time.Now()
	cleaned := 0

	h.mu.Lock()
	for id, pa := range h.pending {
		if now.Sub(pa.request.CreatedAt) > maxAge {
			select {
			case pa.resolve <- "denied":
			default:
			}
			delete(h.pending, id)
			cleaned++
		}
	}
	for id, pq := range h.pendingQuestions {
		if now.Sub(pq.request.CreatedAt) > maxAge {
			select {
			case pq.resolve <- map[string]any{}:
			default:
			}
			delete(h.pendingQuestions, id)
			cleaned++
		}
	}
	h.mu.Unlock()

	return cleaned
}
