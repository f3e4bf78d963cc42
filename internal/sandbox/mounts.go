package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var globSuffix = regexp.MustCompile(`(/\*\*?)*$`)

// buildMounts resolves a turn's allowed vault paths to Docker `-v` flags.
// Each allowed glob is stripped of its trailing `**`/`*` segments to
// obtain a directory; legacy `/vault/...` and bare relative paths are
// both rewritten onto the container's `/home/sandbox/Parachute` root.
// With no allowed paths at all, the whole vault is mounted read-only.
func (m *Manager) buildMounts(cfg AgentConfig) []string {
	var mounts []string

	for _, pattern := range cfg.AllowedPaths {
		clean := globSuffix.ReplaceAllString(pattern, "")
		if clean == "" {
			continue
		}

		relative := clean
		switch {
		case strings.HasPrefix(clean, "~/Parachute/"):
			relative = clean[len("~/Parachute/"):]
		case strings.HasPrefix(clean, "/vault/"):
			relative = clean[len("/vault/"):]
		}

		hostPath := filepath.Join(m.vaultPath, relative)
		containerPath := "/home/sandbox/Parachute/" + relative
		if _, err := os.Stat(hostPath); err != nil {
			m.logger.Warn("skipping non-existent allowed path", "path", hostPath)
			continue
		}
		mounts = append(mounts, "-v", fmt.Sprintf("%s:%s:rw", hostPath, containerPath))
	}

	if len(cfg.AllowedPaths) == 0 {
		mounts = append(mounts, "-v", fmt.Sprintf("%s:/home/sandbox/Parachute:ro", m.vaultPath))
	}

	mounts = append(mounts, m.buildCapabilityMounts(cfg)...)
	return mounts
}

// buildCapabilityMounts adds the fixed, always-read-only capability
// mounts: MCP config, skills directory, custom agents, vault-root
// context file, and one mount per plugin directory.
func (m *Manager) buildCapabilityMounts(cfg AgentConfig) []string {
	var mounts []string

	addIfExists := func(hostPath, containerPath string) {
		if _, err := os.Stat(hostPath); err == nil {
			mounts = append(mounts, "-v", fmt.Sprintf("%s:%s:ro", hostPath, containerPath))
		}
	}

	addIfExists(filepath.Join(m.vaultPath, ".mcp.json"), "/home/sandbox/Parachute/.mcp.json")
	addIfExists(filepath.Join(m.vaultPath, ".skills"), "/home/sandbox/Parachute/.skills")
	addIfExists(filepath.Join(m.vaultPath, ".parachute", "agents"), "/home/sandbox/Parachute/.parachute/agents")
	addIfExists(filepath.Join(m.vaultPath, "CLAUDE.md"), "/home/sandbox/Parachute/CLAUDE.md")

	for i, dir := range cfg.PluginDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			mounts = append(mounts, "-v", fmt.Sprintf("%s:/plugins/plugin-%d:ro", dir, i))
		}
	}

	return mounts
}
