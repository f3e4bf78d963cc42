package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-run/parachute/pkg/models"
)

// MemoryStore is a non-durable Store used in tests and in the rare case
// a caller explicitly opts out of persistence. Production use always
// goes through SQLiteStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	pairings map[string]*models.PairingRequest
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		pairings: make(map[string]*models.PairingRequest),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) GetByBotLink(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.BotLink != nil && session.BotLink.Platform == platform && session.BotLink.ChatID == chatID {
			return cloneSession(session), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if opts.Module != "" && session.Module != opts.Module {
			continue
		}
		if opts.Source != "" && session.Source != opts.Source {
			continue
		}
		if opts.Archived != nil && session.Archived != *opts.Archived {
			continue
		}
		out = append(out, cloneSession(session))
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Archive(ctx context.Context, id string) error {
	return m.setArchived(id, true)
}

func (m *MemoryStore) Unarchive(ctx context.Context, id string) error {
	return m.setArchived(id, false)
}

func (m *MemoryStore) setArchived(id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Archived = archived
	return nil
}

func (m *MemoryStore) CreatePairingRequest(ctx context.Context, req *models.PairingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	clone := *req
	m.pairings[req.ID] = &clone
	return nil
}

func (m *MemoryStore) GetPairingRequest(ctx context.Context, id string) (*models.PairingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.pairings[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (m *MemoryStore) GetPendingPairingRequest(ctx context.Context, platform models.ChannelType, platformUserID string) (*models.PairingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *models.PairingRequest
	for _, req := range m.pairings {
		if req.Platform != platform || req.PlatformUserID != platformUserID || req.Status != models.PairingPending {
			continue
		}
		if match == nil || req.CreatedAt.After(match.CreatedAt) {
			match = req
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	clone := *match
	return &clone, nil
}

func (m *MemoryStore) ResolvePairingRequest(ctx context.Context, id string, status models.PairingStatus, trustLevel models.TrustLevel, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pairings[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	req.Status = status
	req.ApprovedTrustLevel = trustLevel
	req.ResolvedAt = &now
	req.ResolvedBy = resolvedBy
	return nil
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	if session.BotLink != nil {
		link := *session.BotLink
		clone.BotLink = &link
	}
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
