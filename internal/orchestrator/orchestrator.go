// Package orchestrator implements the Orchestrator (spec §4.4): given a
// message and an optional session ID, it resolves the session, builds a
// Permission Handler bound to it, picks between running the Agent
// Runtime in-process or inside a sandbox container, and republishes the
// resulting event sequence on the Stream Manager so any number of
// subscribers can follow the same turn.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-run/parachute/internal/agent"
	"github.com/parachute-run/parachute/internal/permission"
	"github.com/parachute-run/parachute/internal/sandbox"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/internal/stream"
	"github.com/parachute-run/parachute/pkg/models"
)

// maxDirectRounds bounds the number of model round-trips a single turn
// may take in direct mode, guarding against a tool-call loop that never
// converges.
const maxDirectRounds = 25

// permissionsMetadataKey is where a session's SessionPermissions are
// stored inside Session.Metadata (spec §4.2's permission set is
// per-session, not its own store).
const permissionsMetadataKey = "permissions"

// RecoveryMode controls what the Orchestrator does when Dispatch is
// given a session_id the Session Store doesn't recognize (spec §4.4
// "Recovery modes").
type RecoveryMode int

const (
	// RecoveryNewSession creates a fresh session and emits a
	// session_unavailable notice early in the stream.
	RecoveryNewSession RecoveryMode = iota
	// RecoveryContextSummary would inject a stored context summary into
	// the prompt and continue under a new session. The Session Store
	// keeps only metadata, not a durable message log, so there is no
	// summary to recover here; this mode degrades to RecoveryNewSession
	// without the notice event suppressed, same as RecoveryNewSession.
	RecoveryContextSummary
)

// SandboxBackend is the subset of *sandbox.Manager the Orchestrator
// depends on, narrowed for testability.
type SandboxBackend interface {
	RunAgent(ctx context.Context, cfg sandbox.AgentConfig, message string) (<-chan models.TurnEvent, error)
	RunSession(ctx context.Context, cfg sandbox.AgentConfig, message string) (<-chan models.TurnEvent, error)
}

// Curator produces a short title from a turn's assistant output. Run
// once, when a session's title is still unset, at turn end (spec §4.4's
// "post-exchange curator").
type Curator interface {
	Title(text string) string
}

// Config holds Orchestrator-wide defaults.
type Config struct {
	DefaultModel        string
	DefaultSystemPrompt string
	ExtraDenyPatterns   []string
	RecoveryMode        RecoveryMode
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAgentRuntime wires the in-process Agent Runtime adapter (C5) and
// its local tool executor, enabling direct-trust turns.
func WithAgentRuntime(runtime agent.LLMProvider, executor *agent.Executor) Option {
	return func(o *Orchestrator) {
		o.runtime = runtime
		o.executor = executor
	}
}

// WithSandbox wires the Container Sandbox Manager (C4), enabling
// sandboxed-trust turns.
func WithSandbox(backend SandboxBackend) Option {
	return func(o *Orchestrator) {
		o.sandbox = backend
	}
}

// WithCurator overrides the default title curator.
func WithCurator(c Curator) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.curator = c
		}
	}
}

// Orchestrator is the Orchestrator (C6).
type Orchestrator struct {
	store   sessions.Store
	streams *stream.Manager
	runtime agent.LLMProvider
	executor *agent.Executor
	sandbox SandboxBackend
	curator Curator
	logger  *slog.Logger
	cfg     Config

	handlersMu sync.Mutex
	handlers   map[string]*permission.Handler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Orchestrator. store and streams are required; an
// Agent Runtime and/or Sandbox backend are wired in via Option so tests
// can exercise one mode at a time.
func New(store sessions.Store, streams *stream.Manager, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		streams:  streams,
		cfg:      cfg,
		logger:   slog.Default(),
		curator:  defaultCurator{},
		handlers: make(map[string]*permission.Handler),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DispatchRequest describes one turn.
type DispatchRequest struct {
	// SessionID, if non-empty, identifies an existing session to
	// continue. Empty starts a fresh session.
	SessionID string

	Message string

	Module string
	Source models.SessionSource

	// TrustLevel overrides the session's trust level for this turn only
	// when set; otherwise the session's own trust level governs whether
	// the turn runs direct or sandboxed.
	TrustLevel models.TrustLevel

	WorkingDirectory string
	Model            string
	SystemPrompt     string

	// EnvSlug, when set, routes a sandboxed turn to the named shared
	// container instead of the caller's private session container.
	EnvSlug string
	// Persistent routes a sandboxed turn through the session's
	// persistent container instead of a one-shot ephemeral one.
	Persistent bool

	NetworkEnabled bool
}

// Dispatch resolves/creates the session, starts a background turn, and
// returns a live subscription to its event stream (spec §4.4). The
// returned sessionID is the one the caller should use for subsequent
// abort/permission/join calls — it may differ from req.SessionID if the
// session was not found and a fresh one was created.
func (o *Orchestrator) Dispatch(ctx context.Context, req DispatchRequest) (sessionID string, buffered []models.TurnEvent, events <-chan models.TurnEvent, unsubscribe func(), err error) {
	session, unavailable, err := o.resolveSession(ctx, req)
	if err != nil {
		return "", nil, nil, nil, err
	}

	perms := o.readPermissions(session)
	if req.TrustLevel != "" {
		session.TrustLevel = req.TrustLevel
	}
	perms.TrustLevel = session.TrustLevel

	handler := permission.NewHandler(session.ID, perms, o.cfg.ExtraDenyPatterns)
	o.wireHandler(handler, session.ID)

	turnCtx, cancel := context.WithCancel(context.Background())
	if !o.streams.Start(session.ID, cancel) {
		cancel()
		return "", nil, nil, nil, errors.New("orchestrator: a turn is already in progress for this session")
	}
	o.registerHandler(session.ID, handler)

	go o.run(turnCtx, session, req, handler, unavailable)

	buffered, events, unsubscribe, err = o.streams.Subscribe(session.ID)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return session.ID, buffered, events, unsubscribe, nil
}

// Abort interrupts the active turn for sessionID, if any.
func (o *Orchestrator) Abort(sessionID string) bool {
	return o.streams.Abort(sessionID)
}

// Grant resolves a pending permission request for sessionID as allowed.
func (o *Orchestrator) Grant(sessionID, requestID, pattern string) bool {
	h := o.handler(sessionID)
	if h == nil {
		return false
	}
	return h.Grant(requestID, pattern)
}

// Deny resolves a pending permission request for sessionID as denied.
func (o *Orchestrator) Deny(sessionID, requestID string) bool {
	h := o.handler(sessionID)
	if h == nil {
		return false
	}
	return h.Deny(requestID)
}

// AnswerQuestions resolves a pending AskUserQuestion round-trip for
// sessionID.
func (o *Orchestrator) AnswerQuestions(sessionID, requestID string, answers map[string]any) bool {
	h := o.handler(sessionID)
	if h == nil {
		return false
	}
	return h.AnswerQuestions(requestID, answers)
}

// PendingRequests returns sessionID's in-flight permission requests, if
// a turn is active for it.
func (o *Orchestrator) PendingRequests(sessionID string) []models.PermissionRequest {
	h := o.handler(sessionID)
	if h == nil {
		return nil
	}
	return h.PendingRequests()
}

// PendingQuestions returns sessionID's in-flight AskUserQuestion
// round-trips, if a turn is active for it.
func (o *Orchestrator) PendingQuestions(sessionID string) []models.UserQuestionRequest {
	h := o.handler(sessionID)
	if h == nil {
		return nil
	}
	return h.PendingQuestions()
}

// Join attaches to sessionID's in-progress or just-finished turn
// without starting a new one, for a second client (or a reconnecting
// one) to follow the same event sequence.
func (o *Orchestrator) Join(sessionID string) (buffered []models.TurnEvent, events <-chan models.TurnEvent, unsubscribe func(), err error) {
	return o.streams.Subscribe(sessionID)
}

// StreamStatus reports a point-in-time snapshot of sessionID's stream.
func (o *Orchestrator) StreamStatus(sessionID string) (stream.StreamInfo, bool) {
	return o.streams.Info(sessionID)
}

func (o *Orchestrator) wireHandler(h *permission.Handler, sessionID string) {
	h.OnRequest = func(r models.PermissionRequest) {
		o.streams.Publish(sessionID, models.TurnEvent{
			Type:      models.TurnEventPermissionRequest,
			Time:      time.Now(),
			SessionID: sessionID,
			Permission: &models.PermissionRequestEvent{
				RequestID:   r.ID,
				Tool:        r.Tool,
				FilePath:    r.FilePath,
				Suggestions: r.Suggestions,
			},
		})
	}
	h.OnUserQuestion = func(r models.UserQuestionRequest) {
		o.streams.Publish(sessionID, models.TurnEvent{
			Type:      models.TurnEventUserQuestion,
			Time:      time.Now(),
			SessionID: sessionID,
			Question: &models.UserQuestionEvent{
				RequestID: r.ID,
				Questions: r.Questions,
			},
		})
	}
	h.OnPermissionUpdate = func(p models.SessionPermissions) {
		go o.persistPermissions(sessionID, p)
	}
	h.OnDenial = func(info permission.DenialInfo) {
		o.logger.Info("tool call denied", "session_id", sessionID, "tool", info.Tool, "reason", info.Reason)
	}
}

func (o *Orchestrator) run(ctx context.Context, session *models.Session, req DispatchRequest, handler *permission.Handler, unavailable bool) {
	defer o.unregisterHandler(session.ID)
	defer handler.Cleanup(o.logger)

	o.streams.Publish(session.ID, models.TurnEvent{
		Type:      models.TurnEventSession,
		Time:      time.Now(),
		SessionID: session.ID,
	})
	if unavailable {
		o.streams.Publish(session.ID, models.TurnEvent{
			Type:      models.TurnEventError,
			Time:      time.Now(),
			SessionID: session.ID,
			Error:     "session_unavailable: the requested session was not found; a new session has been started",
		})
	}

	model := req.Model
	if model == "" {
		model = session.Model
	}
	if model == "" {
		model = o.cfg.DefaultModel
	}
	o.streams.Publish(session.ID, models.TurnEvent{
		Type:      models.TurnEventModel,
		Time:      time.Now(),
		SessionID: session.ID,
		Model:     model,
	})

	effective := handler.Permissions().EffectiveTrustLevel()

	var events <-chan models.TurnEvent
	var err error
	if effective == models.TrustSandboxed {
		events, err = o.runSandboxed(ctx, session, req, handler, model)
	} else {
		events, err = o.runDirect(ctx, session, req, handler, model)
	}
	if err != nil {
		o.streams.Publish(session.ID, models.TurnEvent{
			Type:      models.TurnEventError,
			Time:      time.Now(),
			SessionID: session.ID,
			Error:     err.Error(),
		})
		return
	}

	toolUseCount := 0
	var lastText strings.Builder
	for ev := range events {
		ev.SessionID = session.ID
		if ev.Type == models.TurnEventToolUse && ev.Tool != nil {
			toolUseCount++
			if ev.Tool.Name == permission.AskUserQuestionToolName {
				handler.StashQuestionToolUseID(ev.Tool.ToolUseID)
			}
		}
		if ev.Type == models.TurnEventText {
			lastText.WriteString(ev.Text)
		}
		o.streams.Publish(session.ID, ev)
	}

	o.finishTurn(session.ID, toolUseCount, lastText.String())
}

func (o *Orchestrator) resolveSession(ctx context.Context, req DispatchRequest) (*models.Session, bool, error) {
	if req.SessionID == "" {
		session, err := o.createSession(ctx, req)
		return session, false, err
	}

	session, err := o.store.Get(ctx, req.SessionID)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, false, err
	}

	session, err = o.createSession(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (o *Orchestrator) createSession(ctx context.Context, req DispatchRequest) (*models.Session, error) {
	now := time.Now()
	trust := req.TrustLevel
	if trust == "" {
		trust = models.TrustDirect
	}
	session := &models.Session{
		ID:               uuid.NewString(),
		Module:           req.Module,
		Source:           req.Source,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		TrustLevel:       trust,
		CreatedAt:        now,
		LastAccessed:     now,
		Metadata:         map[string]any{},
	}
	o.writePermissions(session, models.NewSessionPermissions())
	if err := o.store.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) readPermissions(session *models.Session) models.SessionPermissions {
	if session.Metadata == nil {
		return models.NewSessionPermissions()
	}
	raw, ok := session.Metadata[permissionsMetadataKey]
	if !ok {
		return models.NewSessionPermissions()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return models.NewSessionPermissions()
	}
	var perms models.SessionPermissions
	if err := json.Unmarshal(data, &perms); err != nil {
		return models.NewSessionPermissions()
	}
	return perms
}

func (o *Orchestrator) writePermissions(session *models.Session, perms models.SessionPermissions) {
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata[permissionsMetadataKey] = perms
}

func (o *Orchestrator) persistPermissions(sessionID string, perms models.SessionPermissions) {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := o.store.Get(ctx, sessionID)
	if err != nil {
		o.logger.Warn("failed to reload session for permission grant", "session_id", sessionID, "error", err)
		return
	}
	o.writePermissions(current, perms)
	if err := o.store.Update(ctx, current); err != nil {
		o.logger.Warn("failed to persist permission grant", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) finishTurn(sessionID string, toolUseCount int, lastText string) {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := o.store.Get(ctx, sessionID)
	if err != nil {
		o.logger.Warn("failed to reload session at turn end", "session_id", sessionID, "error", err)
		return
	}

	current.Touch(time.Now())
	if current.Title == "" {
		if title := o.curator.Title(lastText); title != "" {
			current.Title = title
			current.TitleSource = models.TitleSourceAI
		}
	}

	if err := o.store.Update(ctx, current); err != nil {
		o.logger.Warn("failed to persist session at turn end", "session_id", sessionID, "error", err)
	}
	_ = toolUseCount
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[sessionID] = l
	}
	return l
}

func (o *Orchestrator) registerHandler(sessionID string, h *permission.Handler) {
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	o.handlers[sessionID] = h
}

func (o *Orchestrator) unregisterHandler(sessionID string) {
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	delete(o.handlers, sessionID)
}

func (o *Orchestrator) handler(sessionID string) *permission.Handler {
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	return o.handlers[sessionID]
}

type defaultCurator struct{}

// Title takes the first line (or first 60 characters, whichever is
// shorter) of the turn's assistant text as a session title.
func (defaultCurator) Title(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxLen = 60
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > maxLen {
		return strings.TrimSpace(string(runes[:maxLen])) + "…"
	}
	return string(runes)
}
