// Package models defines the core data types shared across the agent
// execution core: sessions, permissions, containers, and turn events.
package models

import "time"

// ChannelType identifies the bot platform a session is linked to, if any.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelMatrix   ChannelType = "matrix"
)

// ChatType distinguishes a direct message from a group/channel context.
type ChatType string

const (
	ChatDM    ChatType = "dm"
	ChatGroup ChatType = "group"
)

// SessionSource identifies where a session originated.
type SessionSource string

const (
	SourceWeb      SessionSource = "web"
	SourceCLI      SessionSource = "cli"
	SourceTelegram SessionSource = "telegram"
	SourceDiscord  SessionSource = "discord"
	SourceMatrix   SessionSource = "matrix"
)

// IsBot reports whether the source is a bot connector, as opposed to a
// direct operator-facing caller. Credential injection (internal/sandbox)
// keys off this distinction and must never be overridden.
func (s SessionSource) IsBot() bool {
	switch s {
	case SourceTelegram, SourceDiscord, SourceMatrix:
		return true
	default:
		return false
	}
}

// TitleSource records whether a session title was set by the user or
// generated by the post-exchange curator.
type TitleSource string

const (
	TitleSourceUser TitleSource = "user"
	TitleSourceAI   TitleSource = "ai"
)

// TrustLevel determines what isolation and permissions a session's turns
// run under. Direct is unrestricted; Sandboxed runs inside a container
// produced by the Container Sandbox Manager with no host bash and no
// network unless explicitly enabled.
type TrustLevel string

const (
	TrustDirect    TrustLevel = "direct"
	TrustSandboxed TrustLevel = "sandboxed"
)

// BotLink identifies the platform chat a session is tied to.
type BotLink struct {
	Platform ChannelType `json:"platform"`
	ChatID   string      `json:"chatId"`
	ChatType ChatType    `json:"chatType"`
}

// Session is a durable conversation handle. The Session Store owns its
// durable state; every other component holds borrowed values obtained by
// re-reading the store, never a long-lived pointer into it.
type Session struct {
	ID               string         `json:"id"`
	Title            string         `json:"title,omitempty"`
	TitleSource      TitleSource    `json:"titleSource,omitempty"`
	Module           string         `json:"module"`
	Source           SessionSource  `json:"source"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	Model            string         `json:"model,omitempty"`
	TrustLevel       TrustLevel     `json:"trustLevel"`
	MessageCount     int            `json:"messageCount"`
	Archived         bool           `json:"archived"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastAccessed     time.Time      `json:"lastAccessed"`
	BotLink          *BotLink       `json:"botLink,omitempty"`
	WorkspaceSlug    string         `json:"workspaceSlug,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Touch bumps LastAccessed to now and increments MessageCount by one,
// mirroring the orchestrator's per-turn session mutation.
func (s *Session) Touch(now time.Time) {
	s.LastAccessed = now
	s.MessageCount++
}

// BashPermission is the sum type resolving spec's mixed-shape
// `bash: list | bool` field into a proper tagged union (REDESIGN FLAG):
// Unrestricted | List(allowed commands) | Denied.
type BashPermission struct {
	kind     bashKind
	commands map[string]struct{}
}

type bashKind int

const (
	bashKindDenied bashKind = iota
	bashKindUnrestricted
	bashKindList
)

// BashDenyAll denies every bash invocation.
func BashDenyAll() BashPermission { return BashPermission{kind: bashKindDenied} }

// BashAllowAll allows every bash invocation (subject to the dangerous-
// command filter, which always applies regardless of trust level).
func BashAllowAll() BashPermission { return BashPermission{kind: bashKindUnrestricted} }

// BashAllowlist restricts bash to the given base commands.
func BashAllowlist(commands []string) BashPermission {
	set := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		set[c] = struct{}{}
	}
	return BashPermission{kind: bashKindList, commands: set}
}

// Allows reports whether the given base command (the first whitespace
// token of the full command line) is permitted by this policy.
func (b BashPermission) Allows(baseCommand string) bool {
	switch b.kind {
	case bashKindUnrestricted:
		return true
	case bashKindList:
		_, ok := b.commands[baseCommand]
		return ok
	default:
		return false
	}
}

// Commands returns the allowlist, or nil if not a List policy.
func (b BashPermission) Commands() []string {
	if b.kind != bashKindList {
		return nil
	}
	out := make([]string, 0, len(b.commands))
	for c := range b.commands {
		out = append(out, c)
	}
	return out
}

// WithCommand returns a copy of the allowlist policy with an additional
// command granted. If the receiver is not a List policy, it is returned
// unchanged — only list-shaped bash grants monotonically grow.
func (b BashPermission) WithCommand(cmd string) BashPermission {
	if b.kind != bashKindList {
		return b
	}
	set := make(map[string]struct{}, len(b.commands)+1)
	for c := range b.commands {
		set[c] = struct{}{}
	}
	set[cmd] = struct{}{}
	return BashPermission{kind: bashKindList, commands: set}
}

// MarshalJSON renders the sum type in the wire shape original clients
// expect: `true`, `false`, or a string array.
func (b BashPermission) MarshalJSON() ([]byte, error) {
	switch b.kind {
	case bashKindUnrestricted:
		return []byte("true"), nil
	case bashKindDenied:
		return []byte("false"), nil
	default:
		return marshalStringSet(b.commands)
	}
}

// UnmarshalJSON accepts `true`, `false`, or a string array.
func (b *BashPermission) UnmarshalJSON(data []byte) error {
	kind, commands, err := unmarshalBashPermission(data)
	if err != nil {
		return err
	}
	b.kind = kind
	b.commands = commands
	return nil
}

// DefaultReadPatterns, DefaultWritePatterns, DefaultBash mirror the
// original implementation's defaults for a freshly-created session.
func DefaultBash() BashPermission {
	return BashAllowlist([]string{"ls", "pwd", "tree"})
}

// SessionPermissions records what a session's agent may do. Stored in
// session metadata under the "permissions" key. Grants only ever grow
// within a turn; nothing here is ever revoked mid-turn (spec invariant).
type SessionPermissions struct {
	// TrustLevel is the explicit, modern field. Canonical per DESIGN.md's
	// Open Question resolution — TrustMode is legacy and never silently
	// promotes a non-Direct TrustLevel.
	TrustLevel TrustLevel `json:"trustLevel"`

	// TrustMode is the deprecated boolean predecessor to TrustLevel,
	// retained only so sessions created before TrustLevel existed keep
	// working without a migration.
	TrustMode bool `json:"trustMode"`

	Read  []string       `json:"read"`
	Write []string       `json:"write"`
	Bash  BashPermission `json:"bash"`
}

// NewSessionPermissions returns the default permission set granted to a
// freshly created session: direct trust, no extra read grants, write
// access to the artifacts scratch area, and the safe read-only bash
// trio.
func NewSessionPermissions() SessionPermissions {
	return SessionPermissions{
		TrustLevel: TrustDirect,
		TrustMode:  true,
		Read:       nil,
		Write:      []string{"Chat/artifacts/*"},
		Bash:       DefaultBash(),
	}
}

// EffectiveTrustLevel resolves the legacy TrustMode vs. the modern
// TrustLevel per the spec's Open Question: TrustLevel is canonical, and
// an explicit non-Direct TrustLevel is never overridden by TrustMode.
func (p SessionPermissions) EffectiveTrustLevel() TrustLevel {
	if p.TrustLevel != "" && p.TrustLevel != TrustDirect {
		return p.TrustLevel
	}
	if p.TrustMode {
		return TrustDirect
	}
	if p.TrustLevel == TrustDirect {
		return TrustDirect
	}
	return TrustSandboxed
}
