// Package config loads and validates the parachute.yaml configuration
// file: server listeners, the session database, auth, the Telegram /
// Discord / Matrix channels the Bot Connector Supervisor manages, the
// LLM providers the Agent Runtime calls, and the tool belt the
// Permission Handler and Container Sandbox Manager gate.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parachute-run/parachute/internal/channels/utils"
)

// Config is the root configuration document.
type Config struct {
	Version int `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Channels ChannelsConfig `yaml:"channels"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`

	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Security      SecurityConfig      `yaml:"security"`

	// VaultPath is the root directory holding session transcripts,
	// permission grants, and ignore/deny rule files.
	VaultPath string `yaml:"vault_path"`
}

// Load reads, env-expands, defaults, and validates a configuration
// file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applySessionDefaults(&cfg.Session)
	applyToolsDefaults(&cfg.Tools)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)

	cfg.VaultPath = utils.ExpandPathWithDefault(cfg.VaultPath, "./.parachute/vault")
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.URL == "" {
		cfg.URL = "sqlite://./.parachute/parachute.db"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "remote"
	}
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.DMScope == "" {
		cfg.DMScope = "main"
	}
	if cfg.Reset.Mode == "" {
		cfg.Reset.Mode = "never"
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = "off"
	}
	if cfg.Sandbox.Scope == "" {
		cfg.Sandbox.Scope = "ephemeral"
	}
	if cfg.Sandbox.WorkspaceAccess == "" {
		cfg.Sandbox.WorkspaceAccess = "readwrite"
	}
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 25
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 5
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.Approval.DefaultDecision == "" {
		cfg.Execution.Approval.DefaultDecision = "pending"
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

// applyEnvOverrides lets a handful of deployment-critical values come
// from the environment even when a config file is in use, matching the
// PARACHUTE_* convention used by the container entrypoint.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PARACHUTE_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PARACHUTE_HTTP_PORT")); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("PARACHUTE_VAULT_PATH")); v != "" {
		cfg.VaultPath = utils.ExpandPath(v)
	}
	if v := strings.TrimSpace(os.Getenv("PARACHUTE_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PARACHUTE_DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// ConfigValidationError reports one or more invalid configuration values.
type ConfigValidationError struct {
	Errors []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Errors, "; "))
}

func validateConfig(cfg *Config) error {
	var errs []string

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.http_port %d is out of range", cfg.Server.HTTPPort))
	}
	if !validAuthMode(cfg.Auth.Mode) {
		errs = append(errs, fmt.Sprintf("auth.mode %q is invalid", cfg.Auth.Mode))
	}
	if !validDMScope(cfg.Session.DMScope) {
		errs = append(errs, fmt.Sprintf("session.dm_scope %q is invalid", cfg.Session.DMScope))
	}
	if !validResetMode(cfg.Session.Reset.Mode) {
		errs = append(errs, fmt.Sprintf("session.reset.mode %q is invalid", cfg.Session.Reset.Mode))
	}
	if !validSandboxMode(cfg.Tools.Sandbox.Mode) {
		errs = append(errs, fmt.Sprintf("tools.sandbox.mode %q is invalid", cfg.Tools.Sandbox.Mode))
	}
	if !validSandboxScope(cfg.Tools.Sandbox.Scope) {
		errs = append(errs, fmt.Sprintf("tools.sandbox.scope %q is invalid", cfg.Tools.Sandbox.Scope))
	}

	if len(errs) > 0 {
		return &ConfigValidationError{Errors: errs}
	}
	return nil
}

func validAuthMode(mode string) bool {
	switch mode {
	case "disabled", "remote", "always":
		return true
	}
	return false
}

func validDMScope(scope string) bool {
	switch scope {
	case "main", "per-peer", "per-channel-peer":
		return true
	}
	return false
}

func validResetMode(mode string) bool {
	switch mode {
	case "never", "daily", "idle", "daily+idle":
		return true
	}
	return false
}

func validSandboxMode(mode string) bool {
	switch mode {
	case "off", "all", "non-main":
		return true
	}
	return false
}

func validSandboxScope(scope string) bool {
	switch scope {
	case "ephemeral", "session", "shared":
		return true
	}
	return false
}
