// Package sessions implements the Session Store (C2): the durable
// mapping of session ID to metadata, permissions, and bot links.
package sessions

import (
	"context"
	"errors"

	"github.com/parachute-run/parachute/pkg/models"
)

// ErrNotFound is returned when a session or pairing request lookup
// misses.
var ErrNotFound = errors.New("not found")

// Store is the interface for session and pairing-request persistence.
// The Session Store is the only mutable persistent resource in the
// system (spec §5); every implementation must be safe for concurrent
// use from multiple goroutines.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	GetByBotLink(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	Archive(ctx context.Context, id string) error
	Unarchive(ctx context.Context, id string) error

	CreatePairingRequest(ctx context.Context, req *models.PairingRequest) error
	GetPairingRequest(ctx context.Context, id string) (*models.PairingRequest, error)
	GetPendingPairingRequest(ctx context.Context, platform models.ChannelType, platformUserID string) (*models.PairingRequest, error)
	ResolvePairingRequest(ctx context.Context, id string, status models.PairingStatus, trustLevel models.TrustLevel, resolvedBy string) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Module   string
	Source   models.SessionSource
	Archived *bool
	Limit    int
	Offset   int
}
