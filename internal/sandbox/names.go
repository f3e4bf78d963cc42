package sandbox

import (
	"fmt"
	"regexp"
)

var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateSessionID(sessionID string) error {
	if !validSessionID.MatchString(sessionID) {
		n := sessionID
		if len(n) > 20 {
			n = n[:20]
		}
		return fmt.Errorf("invalid session_id format: %s", n)
	}
	return nil
}

func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

func ephemeralContainerName(sessionID string) string {
	return "parachute-sandbox-" + shortID(sessionID, 8)
}

func sessionContainerName(sessionID string) string {
	return "parachute-session-" + shortID(sessionID, 12)
}

func namedEnvContainerName(slug string) string {
	return "parachute-env-" + slug
}
