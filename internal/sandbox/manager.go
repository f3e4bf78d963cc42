// Package sandbox implements the Container Sandbox Manager (spec §4.3):
// Docker-backed isolation for a turn's Agent Runtime, in three modes —
// ephemeral, per-session persistent, and named shared containers — with
// scoped filesystem mounts, credential gating, and config-hash driven
// reconciliation on startup.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/parachute-run/parachute/internal/channels/utils"
	"github.com/parachute-run/parachute/pkg/models"
)

const (
	// Image is the pre-built sandbox image (Agent Runtime + tool belt).
	Image = "parachute-sandbox:latest"

	// ToolsVolume is the shared read-only volume mounted at
	// /opt/parachute-tools in every container.
	ToolsVolume = "parachute-tools"

	// NetworkName is the bridge network used when a turn has network
	// access enabled.
	NetworkName = "parachute-sandbox"

	memoryLimitEphemeral  = "512m"
	memoryLimitPersistent = "1.5g"
	cpuLimit              = "1.0"

	// configHashVersion is bumped whenever a hardening flag changes, to
	// force reconcile() to rebuild every container on the next restart.
	configHashVersion = "v1"

	dockerAvailableTTL = 60 * time.Second
)

// AgentConfig configures one turn's sandboxed execution.
type AgentConfig struct {
	SessionID        string
	AgentType        string
	AllowedPaths     []string
	NetworkEnabled   bool
	TimeoutSeconds   int
	PluginDirs       []string
	MCPServers       map[string]any
	Agents           map[string]any
	WorkingDirectory string
	Model            string
	SystemPrompt     string
	Source           models.SessionSource
	ResumeSessionID  string
	EnvSlug          string

	// Permissions is baked into the entrypoint's capability manifest so
	// the in-container agent loop never offers a tool the session
	// hasn't been granted — sandboxed execution is enforced by omission
	// from this manifest rather than by a live round-trip back to the
	// host's Permission Handler.
	Permissions models.SessionPermissions
}

func (c AgentConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Manager manages Docker containers for sandboxed agent execution.
type Manager struct {
	vaultPath   string
	claudeToken string
	logger      *slog.Logger

	mu             sync.Mutex
	dockerChecked  time.Time
	dockerOK       bool
	containerLocks map[string]*sync.Mutex
}

// NewManager constructs a Container Sandbox Manager rooted at vaultPath.
// claudeToken is the Agent Runtime credential propagated into every
// container's entrypoint payload.
func NewManager(vaultPath, claudeToken string, logger *slog.Logger) *Manager {
	logger = utils.EnsureLoggerWithComponent(logger, "sandbox")
	return &Manager{
		vaultPath:      vaultPath,
		claudeToken:    claudeToken,
		logger:         logger,
		containerLocks: make(map[string]*sync.Mutex),
	}
}

// IsAvailable reports whether Docker is installed and the daemon is
// reachable, caching the result for dockerAvailableTTL.
func (m *Manager) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	if !m.dockerChecked.IsZero() && time.Since(m.dockerChecked) < dockerAvailableTTL {
		ok := m.dockerOK
		m.mu.Unlock()
		return ok
	}
	m.mu.Unlock()

	ok := m.checkDocker(ctx)

	m.mu.Lock()
	m.dockerOK = ok
	m.dockerChecked = time.Now()
	m.mu.Unlock()
	return ok
}

func (m *Manager) checkDocker(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		m.logger.Warn("docker not found in PATH")
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(checkCtx, "docker", "info").Run(); err != nil {
		m.logger.Warn("docker daemon not running", "error", err)
		return false
	}
	return true
}

// ImageExists reports whether the sandbox image has been built locally.
func (m *Manager) ImageExists(ctx context.Context) bool {
	if !m.IsAvailable(ctx) {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(checkCtx, "docker", "image", "inspect", Image).Run() == nil
}

// configHash returns a deterministic 12-character digest over the
// sandbox image tag and resource limits. Containers whose config_hash
// label disagrees with this value are stale and get rebuilt on reuse.
func (m *Manager) configHash() string {
	s := Image + ":" + memoryLimitPersistent + ":" + cpuLimit + ":" + configHashVersion
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func (m *Manager) validateReady(ctx context.Context) error {
	if !m.IsAvailable(ctx) {
		return ErrDockerUnavailable
	}
	if !m.ImageExists(ctx) {
		return ErrImageMissing
	}
	return nil
}

func (m *Manager) lockFor(containerName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.containerLocks[containerName]
	if !ok {
		l = &sync.Mutex{}
		m.containerLocks[containerName] = l
	}
	return l
}

func (m *Manager) forgetLock(containerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containerLocks, containerName)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	// ErrDockerUnavailable is returned when Docker is not installed or
	// its daemon is unreachable.
	ErrDockerUnavailable = sentinelError("docker not available for sandboxed execution")
	// ErrImageMissing is returned when the sandbox image has not been
	// built locally.
	ErrImageMissing = sentinelError("sandbox image not found; build " + Image + " first")
)
