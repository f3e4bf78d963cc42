package config

import "time"

// ToolsConfig configures the tool belt available to the Agent Runtime,
// the Container Sandbox Manager (spec §4.3), and the policy layer the
// Permission Handler (spec §4.2) consults before auto-approving a call.
type ToolsConfig struct {
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Browser   BrowserConfig       `yaml:"browser"`
	WebSearch WebSearchConfig     `yaml:"websearch"`
	Policies  ToolPoliciesConfig  `yaml:"policies"`
	Execution ToolExecutionConfig `yaml:"execution"`
}

// ToolPoliciesConfig defines default allow/deny policies for tools.
type ToolPoliciesConfig struct {
	// Default policy behavior: "allow" or "deny".
	Default string `yaml:"default"`
	// Rules define per-tool allow/deny behavior.
	Rules []ToolPolicyRule `yaml:"rules"`
}

// ToolPolicyRule defines a policy action for a tool, optionally scoped by channel.
type ToolPolicyRule struct {
	Tool     string   `yaml:"tool"`
	Action   string   `yaml:"action"`   // "allow" | "deny"
	Channels []string `yaml:"channels"` // optional channel filters
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations int            `yaml:"max_iterations"`
	Parallelism   int            `yaml:"parallelism"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxAttempts   int            `yaml:"max_attempts"`
	RetryBackoff  time.Duration  `yaml:"retry_backoff"`
	Approval      ApprovalConfig `yaml:"approval"`
}

// ApprovalConfig controls tool approval behavior.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level.
	// Valid profiles: "coding", "messaging", "readonly", "full", "minimal".
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval needed).
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// DefaultDecision when no rule matches: "allowed", "denied", or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long approval requests remain valid.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// SandboxConfig configures the Container Sandbox Manager.
type SandboxConfig struct {
	Enabled        bool           `yaml:"enabled"`
	PoolSize       int            `yaml:"pool_size"`
	MaxIdleTime    time.Duration  `yaml:"max_idle_time"`
	Timeout        time.Duration `yaml:"timeout"`
	NetworkEnabled bool           `yaml:"network_enabled"`
	Limits         ResourceLimits `yaml:"limits"`

	// Mode controls which turns run sandboxed:
	// - "off": sandboxing disabled (default when enabled=false)
	// - "all": every direct-trust turn still runs sandboxed
	// - "non-main": only background/sub-agent turns are sandboxed
	Mode string `yaml:"mode"`

	// Scope controls container lifetime:
	// - "ephemeral": one container per turn (default)
	// - "session": one persistent container per session
	// - "shared": all turns in an env share one named container
	Scope string `yaml:"scope"`

	// WorkspaceRoot is the root directory for sandboxed workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// WorkspaceAccess controls workspace access mode: "readonly", "readwrite", or "none".
	WorkspaceAccess string `yaml:"workspace_access"`
}

type ResourceLimits struct {
	MaxCPU    int    `yaml:"max_cpu"`
	MaxMemory string `yaml:"max_memory"`
}

// BrowserConfig configures the headless-browser tool, backed by
// playwright-go or chromedp depending on availability.
type BrowserConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Headless bool   `yaml:"headless"`
	URL      string `yaml:"url"`
}

type WebSearchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	URL         string `yaml:"url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}
