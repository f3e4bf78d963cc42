package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/parachute-run/parachute/internal/backoff"
	"github.com/parachute-run/parachute/pkg/models"
)

const (
	sandboxDataDir = ".parachute/sandbox"
	stopGrace      = 10 * time.Second
)

func (m *Manager) sessionClaudeDir(sessionID string) string {
	return filepath.Join(m.vaultPath, sandboxDataDir, "sessions", shortID(sessionID, 8), ".claude")
}

func (m *Manager) namedEnvClaudeDir(slug string) string {
	return filepath.Join(m.vaultPath, sandboxDataDir, "envs", slug, ".claude")
}

// ensureContainer guarantees a persistent container identified by
// containerName is running: returns immediately if already running,
// starts it if stopped, creates it if absent, and removes and recreates
// it in any other state. Labels of an existing container are not
// compared here; containers with a stale config_hash are removed by
// Reconcile. Serialized per container name to avoid racing
// create/start calls for the same container.
func (m *Manager) ensureContainer(ctx context.Context, containerName, claudeDir string, labels map[string]string, cfg AgentConfig) (string, error) {
	lock := m.lockFor(containerName)
	lock.Lock()
	defer lock.Unlock()

	status, err := m.inspectStatus(ctx, containerName)
	if err != nil {
		return "", err
	}

	switch status {
	case "running":
		return containerName, nil
	case "exited", "created":
		if err := m.startContainer(ctx, containerName); err != nil {
			return "", err
		}
		return containerName, nil
	case "":
		// not found, fall through to create
	default:
		if err := m.removeContainer(ctx, containerName); err != nil {
			return "", err
		}
	}

	if cfg.NetworkEnabled {
		if err := m.ensureSandboxNetwork(ctx); err != nil {
			return "", err
		}
	}

	vaultMounts := []string{"-v", fmt.Sprintf("%s:/home/sandbox/Parachute:ro", m.vaultPath)}
	vaultMounts = append(vaultMounts, m.buildCapabilityMounts(cfg)...)

	args, err := m.buildPersistentContainerArgs(containerName, cfg, labels, claudeDir, vaultMounts)
	if err != nil {
		return "", err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to create container %s: %s", containerName, strings.TrimSpace(stderr.String()))
	}
	m.logger.Info("created sandbox container", "container", containerName)
	return containerName, nil
}

// EnsureSessionContainer guarantees a private, per-session container
// (parachute-session-<first-12-of-session>) is running.
func (m *Manager) EnsureSessionContainer(ctx context.Context, cfg AgentConfig) (string, error) {
	if err := validateSessionID(cfg.SessionID); err != nil {
		return "", err
	}
	name := sessionContainerName(cfg.SessionID)
	labels := map[string]string{
		"app":         "parachute",
		"type":        "session",
		"session_id":  cfg.SessionID,
		"config_hash": m.configHash(),
	}
	return m.ensureContainer(ctx, name, m.sessionClaudeDir(cfg.SessionID), labels, cfg)
}

// EnsureNamedContainer guarantees a shared, named-env container
// (parachute-env-<slug>) is running.
func (m *Manager) EnsureNamedContainer(ctx context.Context, slug string, cfg AgentConfig) (string, error) {
	name := namedEnvContainerName(slug)
	labels := map[string]string{
		"app":         "parachute",
		"type":        "named-env",
		"env_slug":    slug,
		"config_hash": m.configHash(),
	}
	return m.ensureContainer(ctx, name, m.namedEnvClaudeDir(slug), labels, cfg)
}

func (m *Manager) buildPersistentContainerArgs(containerName string, cfg AgentConfig, labels map[string]string, claudeDir string, vaultMounts []string) ([]string, error) {
	args := []string{"run", "-d", "--name", containerName}
	args = append(args, baseRunArgs(memoryLimitPersistent)...)
	args = append(args, "--tmpfs", "/tmp:size=128m,uid=1000,gid=1000")
	args = append(args, "--tmpfs", "/run:size=32m,uid=1000,gid=1000")

	for k, v := range labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, networkArgs(cfg.NetworkEnabled)...)
	args = append(args, vaultMounts...)
	args = append(args, "--mount", fmt.Sprintf("source=%s,target=/opt/parachute-tools,readonly", ToolsVolume))

	if err := os.MkdirAll(claudeDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to prepare claude dir: %w", err)
	}
	if err := os.Chmod(claudeDir, 0o700); err != nil {
		return nil, err
	}
	args = append(args, "-v", fmt.Sprintf("%s:/home/sandbox/.claude:rw", claudeDir))

	args = append(args, Image, "sleep", "infinity")
	return args, nil
}

// RunSession execs a turn into a persistent container, creating it
// first if necessary. If cfg.EnvSlug is set the turn runs in the
// shared named-env container for that slug; otherwise it runs in the
// caller's private session container.
func (m *Manager) RunSession(ctx context.Context, cfg AgentConfig, message string) (<-chan models.TurnEvent, error) {
	if err := m.validateReady(ctx); err != nil {
		return nil, err
	}

	var (
		target string
		err    error
	)
	if cfg.EnvSlug != "" {
		target, err = m.EnsureNamedContainer(ctx, cfg.EnvSlug, cfg)
	} else {
		target, err = m.EnsureSessionContainer(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	return m.runInContainer(ctx, target, cfg, message, "sandbox"), nil
}

func (m *Manager) runInContainer(ctx context.Context, containerName string, cfg AgentConfig, message string, label string) <-chan models.TurnEvent {
	execArgs := []string{"exec", "-i",
		"-e", "PARACHUTE_SESSION_ID=" + cfg.SessionID,
		"-e", "PARACHUTE_AGENT_TYPE=" + cfg.AgentType,
	}
	if cfg.WorkingDirectory != "" {
		execArgs = append(execArgs, "-e", "PARACHUTE_CWD="+cfg.WorkingDirectory)
	}
	if cfg.Model != "" {
		execArgs = append(execArgs, "-e", "PARACHUTE_MODEL="+cfg.Model)
	}
	if names := mcpServerNames(cfg.MCPServers); names != "" {
		execArgs = append(execArgs, "-e", "PARACHUTE_MCP_SERVERS="+names)
	}
	execArgs = append(execArgs, containerName)
	execArgs = append(execArgs, entrypointCmd...)

	proc := exec.Command("docker", execArgs...)
	payload := entrypointPayload{
		Message:         message,
		ClaudeToken:     m.claudeToken,
		SystemPrompt:    cfg.SystemPrompt,
		ResumeSessionID: cfg.ResumeSessionID,
		Capabilities:    buildCapabilities(cfg),
		Credentials:     m.credentialsFor(cfg),
	}

	onOOM := func() {
		if err := m.removeContainer(context.Background(), containerName); err != nil {
			m.logger.Warn("failed to remove OOM-killed container", "container", containerName, "error", err)
		} else {
			m.logger.Warn("container OOM killed, will recreate on next use", "container", containerName)
		}
	}

	return streamProcess(ctx, proc, payload, cfg.timeout(), label, onOOM)
}

// StopSessionContainer stops and removes a session's private container.
func (m *Manager) StopSessionContainer(ctx context.Context, sessionID string) error {
	name := sessionContainerName(sessionID)
	if err := m.stopContainer(ctx, name); err != nil {
		return err
	}
	if err := m.removeContainer(ctx, name); err != nil {
		return err
	}
	m.forgetLock(name)
	return nil
}

// DeleteNamedContainer stops and removes a shared named-env container.
func (m *Manager) DeleteNamedContainer(ctx context.Context, slug string) error {
	name := namedEnvContainerName(slug)
	if err := m.stopContainer(ctx, name); err != nil {
		return err
	}
	if err := m.removeContainer(ctx, name); err != nil {
		return err
	}
	m.forgetLock(name)
	return nil
}

func (m *Manager) inspectStatus(ctx context.Context, containerName string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Status}}", containerName).Output()
	if err != nil {
		return "", nil // not found, or docker error — treat as absent
	}
	return strings.TrimSpace(string(out)), nil
}

// startContainer retries `docker start` with a short backoff: a daemon
// under load can transiently refuse a start that succeeds moments
// later, and this runs on the hot path of a turn, so it is worth one
// or two quick extra attempts before surfacing the failure.
func (m *Manager) startContainer(ctx context.Context, containerName string) error {
	result, err := backoff.RetryWithBackoff(ctx, backoff.AggressivePolicy(), 3, func(_ int) (struct{}, error) {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "docker", "start", containerName)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return struct{}{}, fmt.Errorf("failed to start %s: %s", containerName, strings.TrimSpace(stderr.String()))
		}
		return struct{}{}, nil
	})
	if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		return result.LastError
	}
	return err
}

func (m *Manager) stopContainer(ctx context.Context, containerName string) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopGrace+5*time.Second)
	defer cancel()
	_ = exec.CommandContext(stopCtx, "docker", "stop", "-t", "10", containerName).Run()
	return nil
}

func (m *Manager) removeContainer(ctx context.Context, containerName string) error {
	return exec.CommandContext(ctx, "docker", "rm", "-f", containerName).Run()
}

func (m *Manager) ensureSandboxNetwork(ctx context.Context) error {
	// returncode 0 = created, 1 = already exists; both are fine, so the
	// error (if any) is intentionally discarded.
	_ = exec.CommandContext(ctx, "docker", "network", "create", "--driver", "bridge", NetworkName).Run()
	return nil
}

func (m *Manager) ensureToolsVolume(ctx context.Context) error {
	_ = exec.CommandContext(ctx, "docker", "volume", "create", ToolsVolume).Run()
	return nil
}
