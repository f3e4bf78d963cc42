// Package stream implements the Stream Manager (spec §4.3): it lets a
// turn keep running in the background after a client disconnects, and
// lets any number of clients subscribe to the same turn's event
// sequence, replaying a bounded backlog to late joiners before handing
// them live events.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parachute-run/parachute/pkg/models"
)

// Defaults mirror the original implementation: 100 buffered events is
// enough context for a reconnecting client without holding unbounded
// memory per session, and a 300s grace period survives a brief client
// gap without keeping a completed stream around forever.
const (
	DefaultBufferSize     = 100
	DefaultSubscriberSize = 200
	DefaultCleanupDelay   = 300 * time.Second
	cleanupInterval       = 60 * time.Second
)

// StreamInfo is a point-in-time snapshot of a turn's stream state, used
// by inspection endpoints and the CLI.
type StreamInfo struct {
	SessionID       string
	Complete        bool
	StartedAt       time.Time
	LastEventAt     time.Time
	SubscriberCount int
	BufferedEvents  int
	DurationSeconds float64
}

type subscriber struct {
	id int
	ch chan models.TurnEvent
}

type turnStream struct {
	mu sync.Mutex

	sessionID   string
	buffer      []models.TurnEvent
	bufferSize  int
	subscribers []subscriber
	nextSubID   int

	startedAt   time.Time
	lastEventAt time.Time

	complete   bool
	finalEvent *models.TurnEvent

	abort func()
}

func (s *turnStream) addEventLocked(event models.TurnEvent, logger *slog.Logger) {
	s.lastEventAt = time.Now()
	s.buffer = append(s.buffer, event)
	if len(s.buffer) > s.bufferSize {
		s.buffer = s.buffer[len(s.buffer)-s.bufferSize:]
	}

	for _, sub := range s.subscribers {
		select {
		case sub.ch <- event:
		default:
			if logger != nil {
				logger.Warn("stream subscriber queue full, dropping event",
					"session_id", s.sessionID, "subscriber", sub.id)
			}
		}
	}
}

func (s *turnStream) markCompleteLocked(event models.TurnEvent, logger *slog.Logger) {
	s.complete = true
	final := event
	s.finalEvent = &final
	s.addEventLocked(event, logger)

	for _, sub := range s.subscribers {
		close(sub.ch)
	}
	s.subscribers = nil
}

// Manager is the Stream Manager. It owns one turnStream per active or
// recently-completed session and runs a periodic sweep that evicts
// streams that finished more than cleanupDelay ago.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*turnStream

	bufferSize     int
	subscriberSize int
	cleanupDelay   time.Duration
	logger         *slog.Logger
}

// NewManager constructs a Stream Manager. Zero values for bufferSize,
// subscriberSize, or cleanupDelay fall back to the package defaults.
func NewManager(bufferSize, subscriberSize int, cleanupDelay time.Duration, logger *slog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if subscriberSize <= 0 {
		subscriberSize = DefaultSubscriberSize
	}
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	return &Manager{
		streams:        make(map[string]*turnStream),
		bufferSize:     bufferSize,
		subscriberSize: subscriberSize,
		cleanupDelay:   cleanupDelay,
		logger:         logger,
	}
}

// Start registers a new background stream for sessionID. It returns
// false without changing anything if a stream is already active for
// that session (the caller's turn should not start a second one).
func (m *Manager) Start(sessionID string, abort func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.streams[sessionID]; ok && !existing.complete {
		return false
	}

	m.streams[sessionID] = &turnStream{
		sessionID:  sessionID,
		bufferSize: m.bufferSize,
		startedAt:  time.Now(),
		abort:      abort,
	}
	return true
}

// Publish appends an event to a session's stream and broadcasts it to
// all current subscribers. A terminal event (done/error/aborted)
// finalizes the stream: later subscribers receive the buffer followed
// by immediate closure instead of waiting on live events.
func (m *Manager) Publish(sessionID string, event models.TurnEvent) {
	m.mu.Lock()
	ts, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.complete {
		return
	}
	if event.Type.IsTerminal() {
		ts.markCompleteLocked(event, m.logger)
		return
	}
	ts.addEventLocked(event, m.logger)
}

// Subscribe attaches a new subscriber to sessionID's stream. It
// returns a snapshot of currently buffered events (including the final
// event if the stream already finished) plus a channel of events that
// arrive afterward, and an unsubscribe function the caller must call
// when it stops reading. The channel is closed once the stream
// reaches a terminal event; callers should range over it rather than
// receive in a loop keyed on a sentinel value.
func (m *Manager) Subscribe(sessionID string) (buffered []models.TurnEvent, ch <-chan models.TurnEvent, unsubscribe func(), err error) {
	m.mu.Lock()
	ts, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, nil, ErrNoActiveStream{SessionID: sessionID}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	buffered = append([]models.TurnEvent(nil), ts.buffer...)

	if ts.complete {
		closed := make(chan models.TurnEvent)
		close(closed)
		return buffered, closed, func() {}, nil
	}

	sub := subscriber{id: ts.nextSubID, ch: make(chan models.TurnEvent, m.subscriberSize)}
	ts.nextSubID++
	ts.subscribers = append(ts.subscribers, sub)

	unsubscribe = func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for i, s := range ts.subscribers {
			if s.id == sub.id {
				ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
				break
			}
		}
	}

	return buffered, sub.ch, unsubscribe, nil
}

// HasActive reports whether sessionID has a running, non-terminal
// stream.
func (m *Manager) HasActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.streams[sessionID]
	return ok && !ts.complete
}

// Info returns a snapshot of a session's stream, or false if none
// exists.
func (m *Manager) Info(sessionID string) (StreamInfo, bool) {
	m.mu.Lock()
	ts, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return StreamInfo{}, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	return StreamInfo{
		SessionID:       sessionID,
		Complete:        ts.complete,
		StartedAt:       ts.startedAt,
		LastEventAt:     ts.lastEventAt,
		SubscriberCount: len(ts.subscribers),
		BufferedEvents:  len(ts.buffer),
		DurationSeconds: time.Since(ts.startedAt).Seconds(),
	}, true
}

// ActiveStreams returns info for every session with a non-terminal
// stream.
func (m *Manager) ActiveStreams() []StreamInfo {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id, ts := range m.streams {
		if !ts.complete {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	out := make([]StreamInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := m.Info(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// Abort interrupts an active stream, invoking its abort callback (if
// any) and finalizing it with an aborted event. It returns false if
// the session has no active stream.
func (m *Manager) Abort(sessionID string) bool {
	m.mu.Lock()
	ts, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	ts.mu.Lock()
	if ts.complete {
		ts.mu.Unlock()
		return false
	}
	abort := ts.abort
	ts.mu.Unlock()

	if abort != nil {
		abort()
	}

	m.Publish(sessionID, models.TurnEvent{
		Type:      models.TurnEventAborted,
		Time:      time.Now(),
		SessionID: sessionID,
		Error:     "stream aborted",
	})
	return true
}

// Run sweeps completed streams every minute, evicting any that
// finished more than cleanupDelay ago. It blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.streams {
		ts.mu.Lock()
		evict := ts.complete && !ts.lastEventAt.IsZero() && now.Sub(ts.lastEventAt) > m.cleanupDelay
		ts.mu.Unlock()
		if evict {
			delete(m.streams, id)
			if m.logger != nil {
				m.logger.Info("evicted completed stream", "session_id", id)
			}
		}
	}
}

// ErrNoActiveStream is returned by Subscribe when sessionID has no
// stream: none was started, or a completed one was evicted by the sweep.
type ErrNoActiveStream struct {
	SessionID string
}

func (e ErrNoActiveStream) Error() string {
	return "no active stream for session " + e.SessionID
}
