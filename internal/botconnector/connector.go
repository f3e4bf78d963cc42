package botconnector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-run/parachute/internal/channels"
	"github.com/parachute-run/parachute/internal/channels/utils"
	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/markdown"
	"github.com/parachute-run/parachute/internal/orchestrator"
	"github.com/parachute-run/parachute/internal/pairing"
	"github.com/parachute-run/parachute/internal/policy"
	"github.com/parachute-run/parachute/internal/ratelimit"
	"github.com/parachute-run/parachute/internal/reply"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/pkg/models"
)

// maxInitNudges caps how many "awaiting approval" reminders a connector
// sends a still-pending user before it goes quiet (spec.md §3 supplement,
// ported from connectors/base.py's _init_nudge_sent).
const maxInitNudges = 3

// defaultBotMentionWord is the case-insensitive substring treated as a
// group-chat mention when no platform-native mention is available.
const defaultBotMentionWord = "parachute"

// adapter is the subset of a channels.FullAdapter a Connector drives.
// Not every platform implements channels.HealthAdapter (Matrix does
// not), so health reporting is kept out of this interface and handled
// through an optional type assertion in the Supervisor.
type adapter interface {
	channels.Adapter
	channels.LifecycleAdapter
	channels.InboundAdapter
	channels.OutboundAdapter
}

type capabilitiesProvider interface {
	Capabilities() channels.Capabilities
}

// Config describes one platform connector.
type Config struct {
	Platform models.ChannelType
	Source   models.SessionSource
	Adapter  adapter

	Orchestrator *orchestrator.Orchestrator
	Store        sessions.Store
	Pairing      *pairing.Store
	Limiter      *ratelimit.Limiter

	DM    config.ChannelPolicyConfig
	Group config.ChannelPolicyConfig

	// DMScope controls how direct-message sessions are keyed: "main"
	// shares one session across every DM peer, "per-peer" gives each
	// sender their own, "per-channel-peer" additionally separates by
	// the channel's own chat ID (meaningful for platforms where a peer
	// can reach the bot through more than one surface).
	DMScope string

	MarkdownTables markdown.TableMode

	Logger *slog.Logger
}

// Connector runs the receive loop for one platform: it admits senders
// per the configured channel policy, resolves or creates a session per
// chat, dispatches turns to the Orchestrator, and relays replies back
// through the adapter.
type Connector struct {
	platform models.ChannelType
	source   models.SessionSource
	adapter  adapter

	orch    *orchestrator.Orchestrator
	store   sessions.Store
	pairing *pairing.Store
	limiter *ratelimit.Limiter

	dmPolicy    config.ChannelPolicyConfig
	groupPolicy config.ChannelPolicyConfig
	dmScope     string

	tableMode markdown.TableMode

	logger *slog.Logger

	state *stateMachine

	chatLocksMu sync.Mutex
	chatLocks   map[string]*sync.Mutex

	history *groupHistory

	nudgesMu sync.Mutex
	nudges   map[string]int
}

// New constructs a Connector. It logs a security warning at startup if
// either surface's admission policy is "open",
// mirroring connectors/base.py's constructor warnings.
func New(cfg Config) *Connector {
	logger := utils.EnsureLoggerWithComponent(cfg.Logger, "botconnector")
	if cfg.DM.Policy == "open" {
		logger.Warn("channel DM policy is open: any sender may start a session", "platform", cfg.Platform)
	}
	if cfg.Group.Policy == "open" {
		logger.Warn("channel group policy is open: any sender may start a session", "platform", cfg.Platform)
	}

	dmScope := cfg.DMScope
	if dmScope == "" {
		dmScope = "main"
	}

	return &Connector{
		platform:    cfg.Platform,
		source:      cfg.Source,
		adapter:     cfg.Adapter,
		orch:        cfg.Orchestrator,
		store:       cfg.Store,
		pairing:     cfg.Pairing,
		limiter:     cfg.Limiter,
		dmPolicy:    cfg.DM,
		groupPolicy: cfg.Group,
		dmScope:     dmScope,
		tableMode:   cfg.MarkdownTables,
		logger:      logger.With("platform", cfg.Platform),
		state:       newStateMachine(),
		chatLocks:   make(map[string]*sync.Mutex),
		history:     newGroupHistory(50, 500),
		nudges:      make(map[string]int),
	}
}

// Run starts the adapter and processes inbound messages until ctx is
// cancelled or the adapter's message stream ends. It returns nil when ctx
// is cancelled, and a non-nil error when the connector cannot enter the
// running state, the adapter fails to start, or the message stream
// closes, so the Supervisor can tell a requested stop from a failure
// worth backing off and retrying.
func (c *Connector) Run(ctx context.Context) error {
	if !c.state.transition(StateRunning) {
		return invalidTransitionError(c.state.get(), StateRunning)
	}

	if err := c.adapter.Start(ctx); err != nil {
		c.state.transition(StateFailed)
		return fmt.Errorf("start adapter: %w", err)
	}
	defer c.adapter.Stop(context.Background())

	var wg sync.WaitGroup
	messages := c.adapter.Messages()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.state.transition(StateStopped)
			return nil
		case msg, ok := <-messages:
			if !ok {
				wg.Wait()
				return fmt.Errorf("adapter %s: message stream closed", c.platform)
			}
			wg.Add(1)
			go func(m *models.Message) {
				defer wg.Done()
				c.handleMessage(ctx, m)
			}(msg)
		}
	}
}

func (c *Connector) handleMessage(ctx context.Context, msg *models.Message) {
	chatID, senderID, senderDisplay, chatType := extractChatContext(c.platform, msg)
	if chatID == "" {
		c.logger.Warn("dropping message with no resolvable chat ID")
		return
	}

	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	if c.limiter != nil && !c.limiter.Allow(ratelimit.CompositeKey(string(c.platform), chatID, senderID)) {
		c.logger.Debug("rate limit exceeded, dropping message", "chat_id", chatID, "sender_id", senderID)
		return
	}

	session, admitted, immediateReply := c.admit(ctx, chatType, chatID, senderID, senderDisplay)
	if immediateReply != "" {
		c.send(ctx, msg, immediateReply)
	}
	if !admitted {
		return
	}

	text := strings.TrimSpace(msg.Content)

	if chatType == models.ChatGroup {
		c.history.record(chatID, senderDisplay, text)
	}

	if ack, handled := c.handleCommand(ctx, session, chatType, text); handled {
		if ack != "" {
			c.send(ctx, msg, ack)
		}
		return
	}

	if !c.shouldRespond(session, chatType, text) {
		return
	}

	prompt := text
	if chatType == models.ChatGroup {
		if ctxBlock := c.history.format(chatID); ctxBlock != "" {
			prompt = ctxBlock + "\n" + text
		}
	}

	c.dispatchAndReply(ctx, msg, session, prompt)
}

// admit resolves the session tied to this chat, creating one if needed,
// and decides whether the current turn may proceed. It returns the
// session (which may be a pending-pairing session), whether the turn is
// admitted, and an immediate reply to send regardless (a pairing nudge,
// a denial notice, or an activation confirmation).
func (c *Connector) admit(ctx context.Context, chatType models.ChatType, chatID, senderID, senderDisplay string) (*models.Session, bool, string) {
	linkChatID := c.linkChatID(chatType, chatID, senderID)

	session, err := c.store.GetByBotLink(ctx, c.platform, linkChatID)
	if err != nil && err != sessions.ErrNotFound {
		c.logger.Error("session lookup failed", "error", err)
		return nil, false, ""
	}

	if session != nil {
		if session.Metadata == nil {
			session.Metadata = make(map[string]any)
		}
		if pending, _ := session.Metadata["pending_initialization"].(bool); pending {
			return c.resolvePending(ctx, session, senderID)
		}
		return session, true, ""
	}

	policyCfg := c.policyFor(chatType)
	switch policyCfg.Policy {
	case "disabled":
		return nil, false, ""
	case "open":
		return c.createSession(ctx, chatType, linkChatID, senderID, senderDisplay, models.TrustSandboxed)
	case "allowlist":
		if contains(policyCfg.AllowFrom, senderID) {
			return c.createSession(ctx, chatType, linkChatID, senderID, senderDisplay, models.TrustSandboxed)
		}
		return nil, false, "You are not authorized to use this bot."
	case "pairing":
		channelKey := pairingChannelKey(c.platform, chatType)
		if c.pairing != nil {
			if allowed, _ := c.pairing.IsAllowed(channelKey, senderID); allowed {
				return c.createSession(ctx, chatType, linkChatID, senderID, senderDisplay, models.TrustSandboxed)
			}
		}
		return c.startPairing(ctx, chatType, linkChatID, senderID, senderDisplay)
	default:
		return nil, false, ""
	}
}

func (c *Connector) policyFor(chatType models.ChatType) config.ChannelPolicyConfig {
	if chatType == models.ChatGroup {
		return c.groupPolicy
	}
	return c.dmPolicy
}

// linkChatID derives the BotLink chat ID key per the DM scope; group
// chats are always keyed by the platform chat ID regardless of scope.
func (c *Connector) linkChatID(chatType models.ChatType, chatID, senderID string) string {
	if chatType == models.ChatGroup {
		return chatID
	}
	switch c.dmScope {
	case "per-peer":
		return "peer:" + senderID
	case "per-channel-peer":
		return "peer:" + senderID + "@" + chatID
	default: // "main"
		return "dm:main"
	}
}

func (c *Connector) createSession(ctx context.Context, chatType models.ChatType, linkChatID, senderID, senderDisplay string, trust models.TrustLevel) (*models.Session, bool, string) {
	now := time.Now()
	session := &models.Session{
		ID:         uuid.NewString(),
		Module:     "bot-connector",
		Source:     c.source,
		TrustLevel: trust,
		CreatedAt:  now,
		LastAccessed: now,
		BotLink: &models.BotLink{
			Platform: c.platform,
			ChatID:   linkChatID,
			ChatType: chatType,
		},
		Metadata: map[string]any{
			"sender_id":      senderID,
			"sender_display": senderDisplay,
		},
	}
	if err := c.store.Create(ctx, session); err != nil {
		c.logger.Error("create session failed", "error", err)
		return nil, false, ""
	}
	return session, true, ""
}

// startPairing creates a pending session and a PairingRequest for an
// unknown sender. A subsequent message from the same chat re-checks the
// request's resolution via resolvePending.
func (c *Connector) startPairing(ctx context.Context, chatType models.ChatType, linkChatID, senderID, senderDisplay string) (*models.Session, bool, string) {
	existing, err := c.store.GetPendingPairingRequest(ctx, c.platform, senderID)
	if err == nil && existing != nil {
		return nil, false, c.nudgeText(linkChatID)
	}

	req := &models.PairingRequest{
		ID:                  uuid.NewString(),
		Platform:            c.platform,
		PlatformUserID:      senderID,
		PlatformUserDisplay: senderDisplay,
		PlatformChatID:      linkChatID,
		Status:              models.PairingPending,
		CreatedAt:           time.Now(),
	}
	if err := c.store.CreatePairingRequest(ctx, req); err != nil {
		c.logger.Error("create pairing request failed", "error", err)
		return nil, false, ""
	}

	now := time.Now()
	session := &models.Session{
		ID:           uuid.NewString(),
		Module:       "bot-connector",
		Source:       c.source,
		TrustLevel:   models.TrustSandboxed,
		CreatedAt:    now,
		LastAccessed: now,
		BotLink: &models.BotLink{
			Platform: c.platform,
			ChatID:   linkChatID,
			ChatType: chatType,
		},
		Metadata: map[string]any{
			"pending_initialization": true,
			"pairing_request_id":     req.ID,
			"sender_id":              senderID,
			"sender_display":         senderDisplay,
		},
	}
	if err := c.store.Create(ctx, session); err != nil {
		c.logger.Error("create pending session failed", "error", err)
		return nil, false, ""
	}

	return nil, false, "Thanks for reaching out. An operator needs to approve access before I can respond; I'll let you know once that happens."
}

// resolvePending checks whether a pending session's pairing request has
// been resolved. On approval it activates the session and lifts the
// pending flag; on denial it replies once and leaves the flag in place
// so later messages are silently dropped.
func (c *Connector) resolvePending(ctx context.Context, session *models.Session, senderID string) (*models.Session, bool, string) {
	reqID, _ := session.Metadata["pairing_request_id"].(string)
	if reqID == "" {
		return nil, false, ""
	}
	req, err := c.store.GetPairingRequest(ctx, reqID)
	if err != nil {
		return nil, false, c.nudgeText(session.BotLink.ChatID)
	}

	switch req.Status {
	case models.PairingApproved:
		session.TrustLevel = req.ApprovedTrustLevel
		if session.TrustLevel == "" {
			session.TrustLevel = models.TrustSandboxed
		}
		delete(session.Metadata, "pending_initialization")
		session.LastAccessed = time.Now()
		if err := c.store.Update(ctx, session); err != nil {
			c.logger.Error("activate session failed", "error", err)
			return nil, false, ""
		}
		if c.pairing != nil {
			channelKey := pairingChannelKey(c.platform, session.BotLink.ChatType)
			_ = c.pairing.AddToAllowlist(channelKey, senderID)
		}
		c.clearInitNudge(session.BotLink.ChatID)
		return session, true, "You're approved. How can I help?"
	case models.PairingDenied:
		if denied, _ := session.Metadata["pairing_denied_notified"].(bool); denied {
			return nil, false, ""
		}
		session.Metadata["pairing_denied_notified"] = true
		_ = c.store.Update(ctx, session)
		return nil, false, "Your access request was denied."
	default:
		return nil, false, c.nudgeText(session.BotLink.ChatID)
	}
}

// nudgeText returns the "awaiting approval" reminder, capped to
// maxInitNudges per chat so an impatient unapproved user doesn't get a
// reply to every message they send.
func (c *Connector) nudgeText(chatID string) string {
	c.nudgesMu.Lock()
	defer c.nudgesMu.Unlock()
	if c.nudges[chatID] >= maxInitNudges {
		return ""
	}
	c.nudges[chatID]++
	return "Still waiting on operator approval. I'll respond once that's granted."
}

func (c *Connector) clearInitNudge(chatID string) {
	c.nudgesMu.Lock()
	defer c.nudgesMu.Unlock()
	delete(c.nudges, chatID)
}

// handleCommand intercepts /activation and /send chat commands before
// they reach the turn dispatcher.
func (c *Connector) handleCommand(ctx context.Context, session *models.Session, chatType models.ChatType, text string) (string, bool) {
	if activation := policy.ParseActivationCommand(text); activation.HasCommand {
		if chatType != models.ChatGroup {
			return "Activation mode only applies to group chats.", true
		}
		if activation.Mode == nil {
			return "Usage: /activation mention|always", true
		}
		session.Metadata["group_activation"] = string(*activation.Mode)
		_ = c.store.Update(ctx, session)
		return fmt.Sprintf("Activation mode set to %q.", *activation.Mode), true
	}

	if send := policy.ParseSendPolicyCommand(text); send.HasCommand {
		if send.Mode == "" {
			return "Usage: /send allow|deny|inherit", true
		}
		if send.Mode == string(policy.SendPolicyInherit) {
			delete(session.Metadata, "send_policy")
		} else {
			session.Metadata["send_policy"] = send.Mode
		}
		_ = c.store.Update(ctx, session)
		return fmt.Sprintf("Send policy set to %q.", send.Mode), true
	}

	return "", false
}

// shouldRespond is the single decision point the REDESIGN FLAG
// resolution calls for: it decides, for both DM and group chats,
// whether this message should trigger a turn at all.
func (c *Connector) shouldRespond(session *models.Session, chatType models.ChatType, text string) bool {
	if override, ok := session.Metadata["send_policy"].(string); ok {
		switch policy.SendPolicyOverride(override) {
		case policy.SendPolicyDeny:
			return false
		case policy.SendPolicyAllow:
			return true
		}
	}

	if chatType == models.ChatDM {
		return text != ""
	}

	mode := policy.ActivationMention
	if raw, ok := session.Metadata["group_activation"].(string); ok {
		if normalized := policy.NormalizeGroupActivation(raw); normalized != nil {
			mode = *normalized
		}
	}
	if mode == policy.ActivationAlways {
		return text != ""
	}
	return mentionsBot(text)
}

func mentionsBot(text string) bool {
	return strings.Contains(strings.ToLower(text), defaultBotMentionWord)
}

func (c *Connector) dispatchAndReply(ctx context.Context, msg *models.Message, session *models.Session, prompt string) {
	sessionID, buffered, events, unsubscribe, err := c.orch.Dispatch(ctx, orchestrator.DispatchRequest{
		SessionID: session.ID,
		Message:   prompt,
		Module:    "bot-connector",
		Source:    c.source,
	})
	if err != nil {
		c.logger.Error("dispatch failed", "session_id", session.ID, "error", err)
		c.send(ctx, msg, "Something went wrong handling that, please try again.")
		return
	}
	defer unsubscribe()

	var text strings.Builder
	consume := func(ev models.TurnEvent) bool {
		if ev.Type == models.TurnEventText {
			text.WriteString(ev.Text)
		}
		return !ev.Type.IsTerminal()
	}
	for _, ev := range buffered {
		if !consume(ev) {
			break
		}
	}
	for ev := range events {
		if !consume(ev) {
			break
		}
	}

	final := reply.StripHeartbeatToken(reply.StripSilentToken(text.String()))
	if final == "" || reply.IsSilentReplyText(text.String()) {
		return
	}
	if c.tableMode != "" && c.tableMode != markdown.TableModeOff {
		final = markdown.ConvertTables(final, c.tableMode)
	}

	c.logger.Debug("turn complete", "session_id", sessionID)
	c.send(ctx, msg, final)
}

func (c *Connector) send(ctx context.Context, inReplyTo *models.Message, text string) {
	if text == "" {
		return
	}
	chunker := c.chunkerFor()
	for _, chunk := range chunker.Chunk(text) {
		out := &models.Message{
			ID:        uuid.NewString(),
			Channel:   c.platform,
			ChannelID: inReplyTo.ChannelID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   chunk,
			Metadata:  inReplyTo.Metadata,
			CreatedAt: time.Now(),
		}
		if err := c.adapter.Send(ctx, out); err != nil {
			c.logger.Error("send failed", "error", err)
			return
		}
	}
}

func (c *Connector) chunkerFor() *channels.MessageChunker {
	if cp, ok := c.adapter.(capabilitiesProvider); ok {
		return channels.ChunkerFromCapabilities(cp.Capabilities())
	}
	return channels.NewMessageChunker(defaultMaxMessageLength(c.platform))
}

func defaultMaxMessageLength(platform models.ChannelType) int {
	switch platform {
	case models.ChannelTelegram:
		return 4096
	case models.ChannelDiscord:
		return 2000
	default:
		return 4000
	}
}

func (c *Connector) chatLock(chatID string) *sync.Mutex {
	c.chatLocksMu.Lock()
	defer c.chatLocksMu.Unlock()
	lock, ok := c.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		c.chatLocks[chatID] = lock
	}
	return lock
}

// pairingChannelKey scopes the on-disk allowlist cache by platform and
// surface so a DM approval never leaks into group admission.
func pairingChannelKey(platform models.ChannelType, chatType models.ChatType) string {
	return string(platform) + "-" + string(chatType)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// extractChatContext pulls the platform-neutral chat ID, sender ID,
// sender display name, and chat type out of a channel adapter's
// Metadata, which is populated per-platform in internal/channels.
func extractChatContext(platform models.ChannelType, msg *models.Message) (chatID, senderID, senderDisplay string, chatType models.ChatType) {
	meta := msg.Metadata
	chatType = models.ChatGroup
	if ct, ok := meta["conversation_type"].(string); ok && ct == "dm" {
		chatType = models.ChatDM
	}

	switch platform {
	case models.ChannelTelegram:
		if v, ok := meta["chat_id"]; ok {
			chatID = fmt.Sprint(v)
		}
	case models.ChannelDiscord:
		if v, ok := meta["discord_channel_id"].(string); ok {
			chatID = v
		}
	case models.ChannelMatrix:
		chatID = msg.ChannelID
	default:
		chatID = msg.ChannelID
	}
	if chatID == "" {
		chatID = msg.ChannelID
	}

	if v, ok := meta["sender_id"]; ok {
		senderID = fmt.Sprint(v)
	}
	if v, ok := meta["sender_name"].(string); ok {
		senderDisplay = v
	}
	if senderDisplay == "" {
		senderDisplay = senderID
	}
	return chatID, senderID, senderDisplay, chatType
}
