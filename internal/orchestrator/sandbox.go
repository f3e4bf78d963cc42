package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parachute-run/parachute/internal/permission"
	"github.com/parachute-run/parachute/internal/sandbox"
	"github.com/parachute-run/parachute/internal/vault"
	"github.com/parachute-run/parachute/pkg/models"
)

// runSandboxed executes a turn inside a Container Sandbox Manager
// container. Enforcement happens by omission from the capability
// manifest baked into cfg.Permissions (internal/sandbox/payload.go),
// not by a live round-trip back to handler — the entrypoint protocol is
// one-way JSON on stdout, so there is no synchronous gate to call into
// mid-turn. handler is still consulted here for a non-blocking audit
// pass over observed tool_use events, to catch a manifest/grant drift
// and to keep AskUserQuestion surfaced on the stream even though no
// answer can be delivered back into this running container turn.
func (o *Orchestrator) runSandboxed(ctx context.Context, session *models.Session, req DispatchRequest, handler *permission.Handler, model string) (<-chan models.TurnEvent, error) {
	if o.sandbox == nil {
		return nil, errors.New("orchestrator: no sandbox backend configured for sandboxed-trust sessions")
	}

	cfg := sandbox.AgentConfig{
		SessionID:        session.ID,
		AgentType:        "default",
		NetworkEnabled:   req.NetworkEnabled,
		Model:            model,
		WorkingDirectory: req.WorkingDirectory,
		SystemPrompt:     req.SystemPrompt,
		Source:           session.Source,
		EnvSlug:          req.EnvSlug,
		Permissions:      handler.Permissions(),
	}

	var raw <-chan models.TurnEvent
	var err error
	if req.Persistent || req.EnvSlug != "" {
		raw, err = o.sandbox.RunSession(ctx, cfg, req.Message)
	} else {
		raw, err = o.sandbox.RunAgent(ctx, cfg, req.Message)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan models.TurnEvent)
	go func() {
		defer close(out)
		for ev := range raw {
			if ev.Type == models.TurnEventToolUse && ev.Tool != nil {
				o.auditSandboxedTool(session.ID, handler, ev.Tool)
			}
			out <- ev
		}
	}()
	return out, nil
}

// auditSandboxedTool logs (never blocks on, never denies) a tool call
// observed from a sandboxed container's stream whose class isn't
// covered by the capability manifest that was baked in for this turn —
// a sign the manifest and the in-container agent loop have drifted.
func (o *Orchestrator) auditSandboxedTool(sessionID string, handler *permission.Handler, tool *models.ToolUseEvent) {
	class := permission.ClassifyTool(tool.Name)
	if class == permission.ClassAlwaysAllow || class == permission.ClassAskUser {
		return
	}

	perms := handler.Permissions()
	var granted bool
	switch class {
	case permission.ClassRead:
		granted = vault.MatchesAny(extractPath(tool.Input), perms.Read)
	case permission.ClassWrite:
		granted = vault.MatchesAny(extractPath(tool.Input), perms.Write)
	case permission.ClassBash:
		granted = perms.Bash.Allows(extractBaseCommand(tool.Input))
	default:
		granted = perms.EffectiveTrustLevel() == models.TrustDirect
	}
	if !granted {
		o.logger.Warn("sandboxed tool call ran outside its baked capability manifest",
			"session_id", sessionID, "tool", tool.Name)
	}
}

func extractPath(raw json.RawMessage) string {
	var in struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.Path
}

func extractBaseCommand(raw json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	cmd := in.Command
	for i, r := range cmd {
		if r == ' ' || r == '\t' {
			return cmd[:i]
		}
	}
	return cmd
}
