package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/parachute-run/parachute/pkg/models"
)

// entrypointCmd is the fixed command the sandbox image's entrypoint is
// invoked with inside the container.
var entrypointCmd = []string{"/workspace/entrypoint"}

// tempFile is a file written to disk for the lifetime of one container
// run (env-file, capabilities manifest, system prompt) and removed once
// the run completes.
type tempFile struct {
	path string
}

func writeTempFile(pattern string, mode os.FileMode, content []byte) (*tempFile, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	if err := os.Chmod(f.Name(), mode); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return &tempFile{path: f.Name()}, nil
}

func cleanupTempFiles(files []*tempFile) {
	for _, f := range files {
		os.Remove(f.path)
	}
}

func baseRunArgs(memoryLimit string) []string {
	return []string{
		"--init",
		"--memory", memoryLimit,
		"--memory-swap", memoryLimit,
		"--cpus", cpuLimit,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "100",
		"--ulimit", "nproc=64:64",
		"--ulimit", "nofile=4096:8192",
	}
}

func networkArgs(enabled bool) []string {
	if !enabled {
		return []string{"--network", "none"}
	}
	return []string{"--network", NetworkName, "--add-host", "host.docker.internal:host-gateway"}
}

// buildRunArgs assembles the `docker run` arguments for a one-shot
// ephemeral container plus the temp files (env-file, optional
// capabilities/system-prompt mounts) that must be cleaned up once the
// container exits.
func (m *Manager) buildRunArgs(cfg AgentConfig) (args []string, files []*tempFile, err error) {
	if err := validateSessionID(cfg.SessionID); err != nil {
		return nil, nil, err
	}

	args = []string{"run", "--rm", "-i"}
	args = append(args, "--name", ephemeralContainerName(cfg.SessionID))
	args = append(args, baseRunArgs(memoryLimitEphemeral)...)
	args = append(args, "--tmpfs", "/scratch:size=512m,uid=1000,gid=1000")
	args = append(args, "--tmpfs", "/tmp:size=128m,uid=1000,gid=1000")
	args = append(args, "--tmpfs", "/run:size=32m,uid=1000,gid=1000")
	args = append(args, networkArgs(cfg.NetworkEnabled)...)
	args = append(args, m.buildMounts(cfg)...)

	envLines := fmt.Sprintf("PARACHUTE_SESSION_ID=%s\nPARACHUTE_AGENT_TYPE=%s\n", cfg.SessionID, cfg.AgentType)
	if cfg.WorkingDirectory != "" {
		envLines += "PARACHUTE_CWD=" + cfg.WorkingDirectory + "\n"
	}
	if cfg.Model != "" {
		envLines += "PARACHUTE_MODEL=" + cfg.Model + "\n"
	}
	if names := mcpServerNames(cfg.MCPServers); names != "" {
		envLines += "PARACHUTE_MCP_SERVERS=" + names + "\n"
	}
	if m.claudeToken != "" {
		envLines += "CLAUDE_CODE_OAUTH_TOKEN=" + m.claudeToken + "\n"
	} else {
		m.logger.Warn("no claude token configured; sandbox will fail auth")
	}

	envFile, err := writeTempFile("parachute-sandbox-*.env", 0o600, []byte(envLines))
	if err != nil {
		return nil, nil, err
	}
	files = append(files, envFile)
	args = append(args, "--env-file", envFile.path)

	if caps := buildCapabilities(cfg); len(caps) > 0 {
		if encoded, err := json.Marshal(caps); err == nil {
			if capsFile, err := writeTempFile("parachute-caps-*.json", 0o600, encoded); err == nil {
				files = append(files, capsFile)
				args = append(args, "-v", capsFile.path+":/tmp/capabilities.json:ro")
			} else {
				m.logger.Warn("failed to write capabilities file for sandbox", "error", err)
			}
		}
	}

	if cfg.SystemPrompt != "" {
		if promptFile, err := writeTempFile("parachute-prompt-*.txt", 0o600, []byte(cfg.SystemPrompt)); err == nil {
			files = append(files, promptFile)
			args = append(args, "-v", promptFile.path+":/tmp/system_prompt.txt:ro")
		} else {
			m.logger.Warn("failed to write system prompt file for sandbox", "error", err)
		}
	}

	args = append(args, Image)
	args = append(args, entrypointCmd...)
	return args, files, nil
}

// RunAgent runs a single ephemeral container for one turn, streaming
// the entrypoint's JSONL events back as TurnEvents.
func (m *Manager) RunAgent(ctx context.Context, cfg AgentConfig, message string) (<-chan models.TurnEvent, error) {
	if err := m.validateReady(ctx); err != nil {
		return nil, err
	}

	args, files, err := m.buildRunArgs(cfg)
	if err != nil {
		return nil, err
	}

	proc := exec.Command("docker", args...)
	payload := entrypointPayload{
		Message:      message,
		ClaudeToken:  m.claudeToken,
		SystemPrompt: cfg.SystemPrompt,
		Capabilities: buildCapabilities(cfg),
		Credentials:  m.credentialsFor(cfg),
	}

	raw := streamProcess(ctx, proc, payload, cfg.timeout(), "sandbox", nil)
	out := make(chan models.TurnEvent)
	go func() {
		defer close(out)
		defer cleanupTempFiles(files)
		for event := range raw {
			out <- event
		}
	}()
	return out, nil
}
