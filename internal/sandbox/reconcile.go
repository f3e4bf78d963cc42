package sandbox

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
)

func psAll(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label=app=parachute",
		"--format", "{{json .}}",
	).Output()
	return string(out), err
}

type containerSummary struct {
	Names  string `json:"Names"`
	Labels string `json:"Labels"`
}

// Reconcile runs on server startup. It ensures the shared tools volume
// exists, removes any container of an obsolete kind outright, removes
// orphaned per-session containers whose session is no longer active,
// and removes any container whose config_hash label disagrees with the
// currently computed hash so it is rebuilt clean on next use. Named-env
// containers are left running and merely logged.
func (m *Manager) Reconcile(ctx context.Context, activeSessionIDs map[string]bool) error {
	if !m.IsAvailable(ctx) {
		return nil
	}

	if err := m.ensureToolsVolume(ctx); err != nil {
		m.logger.Warn("failed to ensure tools volume", "error", err)
	}

	out, err := psAll(ctx)
	if err != nil {
		m.logger.Warn("failed to list parachute containers for reconcile", "error", err)
		return nil
	}

	var toRemove []string
	var namedEnvs []string
	currentHash := m.configHash()

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var c containerSummary
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			m.logger.Warn("failed to parse container JSON during reconcile", "line", truncate(line, 100))
			continue
		}

		name := c.Names
		switch {
		case strings.HasPrefix(name, "parachute-ws-") || name == "parachute-default":
			m.logger.Info("removing legacy container", "container", name)
			toRemove = append(toRemove, name)

		case strings.HasPrefix(name, "parachute-env-"):
			namedEnvs = append(namedEnvs, name)
			if hash, ok := labelValue(c.Labels, "config_hash"); ok && hash != currentHash {
				m.logger.Info("removing stale named-env container", "container", name)
				toRemove = append(toRemove, name)
			}

		case strings.HasPrefix(name, "parachute-session-"):
			prefix := strings.TrimPrefix(name, "parachute-session-")
			active := false
			for sid := range activeSessionIDs {
				if strings.HasPrefix(sid, prefix) {
					active = true
					break
				}
			}
			if activeSessionIDs != nil && !active {
				m.logger.Info("removing orphaned session container", "container", name)
				toRemove = append(toRemove, name)
				continue
			}
			if hash, ok := labelValue(c.Labels, "config_hash"); ok && hash != currentHash {
				m.logger.Info("removing stale session container", "container", name)
				toRemove = append(toRemove, name)
			}
		}
	}

	if len(toRemove) > 0 {
		var wg sync.WaitGroup
		for _, name := range toRemove {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := m.removeContainer(ctx, name); err != nil {
					m.logger.Warn("failed to remove container during reconcile", "container", name, "error", err)
				}
			}(name)
		}
		wg.Wait()
		m.logger.Info("reconcile removed containers", "count", len(toRemove))
	}

	if len(namedEnvs) > 0 {
		m.logger.Info("named env containers present", "containers", strings.Join(namedEnvs, ", "))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// labelValue extracts a key's value from Docker's comma-separated
// label string (as returned by `docker ps --format {{json .}}`'s
// Labels field, e.g. "app=parachute,config_hash=abc123").
func labelValue(labels, key string) (string, bool) {
	for _, pair := range strings.Split(labels, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}
