package sandbox

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// entrypointPayload is the JSON blob written to the entrypoint's stdin.
// Secrets and per-turn data live here rather than in env vars, since
// docker exec environment entries are visible via `docker inspect` and
// the host process table.
type entrypointPayload struct {
	Message         string         `json:"message"`
	ClaudeToken     string         `json:"claude_token,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	Credentials     map[string]any `json:"credentials"`
}

func buildCapabilities(cfg AgentConfig) map[string]any {
	caps := map[string]any{}
	if len(cfg.PluginDirs) > 0 {
		dirs := make([]string, 0, len(cfg.PluginDirs))
		for i, dir := range cfg.PluginDirs {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				dirs = append(dirs, containerPluginPath(i))
			}
		}
		if len(dirs) > 0 {
			caps["plugin_dirs"] = dirs
		}
	}
	if cfg.MCPServers != nil {
		caps["mcp_servers"] = cfg.MCPServers
	}
	if cfg.Agents != nil {
		caps["agents"] = cfg.Agents
	}
	caps["permissions"] = cfg.Permissions
	return caps
}

func containerPluginPath(i int) string {
	return "/plugins/plugin-" + strconv.Itoa(i)
}

func mcpServerNames(servers map[string]any) string {
	if len(servers) == 0 {
		return ""
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// credentialsFor returns the credentials map to inject for this turn,
// enforcing the hard rule that bot and unknown sources never see host
// credentials regardless of configuration.
func (m *Manager) credentialsFor(cfg AgentConfig) map[string]any {
	if cfg.Source == "" || cfg.Source.IsBot() {
		return map[string]any{}
	}
	creds, err := loadCredentials(m.vaultPath)
	if err != nil || len(creds) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(creds))
	for k, v := range creds {
		out[k] = v
	}
	return out
}

// loadCredentials reads the vault's operator-configured credential map,
// if any. The file is optional; a missing file is not an error.
func loadCredentials(vaultPath string) (map[string]string, error) {
	data, err := os.ReadFile(vaultPath + "/.parachute/credentials.json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}
