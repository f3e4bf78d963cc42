package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/parachute-run/parachute/pkg/models"
)

// SQLiteStore is the durable Store (spec §4.1 / C2) backing a running
// vault: one row per session, one row per pairing request. It is the
// only component in the system permitted to hold state across process
// restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the session database at
// path and ensures its schema exists. Use ":memory:" for a scratch,
// non-persistent store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			title_source TEXT,
			module TEXT NOT NULL,
			source TEXT NOT NULL,
			working_directory TEXT,
			model TEXT,
			trust_level TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_accessed DATETIME NOT NULL,
			bot_platform TEXT,
			bot_chat_id TEXT,
			bot_chat_type TEXT,
			workspace_slug TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_bot_link ON sessions(bot_platform, bot_chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_module ON sessions(module)`,
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			platform_user_display TEXT,
			platform_chat_id TEXT NOT NULL,
			status TEXT NOT NULL,
			approved_trust_level TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolved_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairing_pending ON pairing_requests(platform, platform_user_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sessions: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}

	var platform, chatID, chatType string
	if session.BotLink != nil {
		platform = string(session.BotLink.Platform)
		chatID = session.BotLink.ChatID
		chatType = string(session.BotLink.ChatType)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, title, title_source, module, source, working_directory, model,
			trust_level, message_count, archived, created_at, last_accessed,
			bot_platform, bot_chat_id, bot_chat_type, workspace_slug, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, string(session.TitleSource), session.Module, string(session.Source),
		session.WorkingDirectory, session.Model, string(session.TrustLevel), session.MessageCount,
		boolToInt(session.Archived), session.CreatedAt, session.LastAccessed,
		platform, chatID, chatType, session.WorkspaceSlug, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}

	var platform, chatID, chatType string
	if session.BotLink != nil {
		platform = string(session.BotLink.Platform)
		chatID = session.BotLink.ChatID
		chatType = string(session.BotLink.ChatType)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			title = ?, title_source = ?, module = ?, source = ?, working_directory = ?,
			model = ?, trust_level = ?, message_count = ?, archived = ?, last_accessed = ?,
			bot_platform = ?, bot_chat_id = ?, bot_chat_type = ?, workspace_slug = ?, metadata = ?
		WHERE id = ?`,
		session.Title, string(session.TitleSource), session.Module, string(session.Source),
		session.WorkingDirectory, session.Model, string(session.TrustLevel), session.MessageCount,
		boolToInt(session.Archived), session.LastAccessed,
		platform, chatID, chatType, session.WorkspaceSlug, string(metadata), session.ID,
	)
	if err != nil {
		return fmt.Errorf("sessions: update: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) GetByBotLink(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE bot_platform = ? AND bot_chat_id = ?`, string(platform), chatID)
	return scanSession(row)
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := sessionSelectColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if opts.Module != "" {
		query += ` AND module = ?`
		args = append(args, opts.Module)
	}
	if opts.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(opts.Source))
	}
	if opts.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, boolToInt(*opts.Archived))
	}
	query += ` ORDER BY last_accessed DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, true)
}

func (s *SQLiteStore) Unarchive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, false)
}

func (s *SQLiteStore) setArchived(ctx context.Context, id string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET archived = ? WHERE id = ?`, boolToInt(archived), id)
	if err != nil {
		return fmt.Errorf("sessions: archive: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) CreatePairingRequest(ctx context.Context, req *models.PairingRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_requests (
			id, platform, platform_user_id, platform_user_display, platform_chat_id,
			status, approved_trust_level, created_at, resolved_at, resolved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Platform), req.PlatformUserID, req.PlatformUserDisplay, req.PlatformChatID,
		string(req.Status), string(req.ApprovedTrustLevel), req.CreatedAt, req.ResolvedAt, req.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("sessions: create pairing request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPairingRequest(ctx context.Context, id string) (*models.PairingRequest, error) {
	row := s.db.QueryRowContext(ctx, pairingSelectColumns+` FROM pairing_requests WHERE id = ?`, id)
	return scanPairingRequest(row)
}

func (s *SQLiteStore) GetPendingPairingRequest(ctx context.Context, platform models.ChannelType, platformUserID string) (*models.PairingRequest, error) {
	row := s.db.QueryRowContext(ctx, pairingSelectColumns+`
		FROM pairing_requests
		WHERE platform = ? AND platform_user_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		string(platform), platformUserID, string(models.PairingPending))
	return scanPairingRequest(row)
}

func (s *SQLiteStore) ResolvePairingRequest(ctx context.Context, id string, status models.PairingStatus, trustLevel models.TrustLevel, resolvedBy string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pairing_requests SET status = ?, approved_trust_level = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`,
		string(status), string(trustLevel), now, resolvedBy, id,
	)
	if err != nil {
		return fmt.Errorf("sessions: resolve pairing request: %w", err)
	}
	return checkRowsAffected(result)
}

const sessionSelectColumns = `SELECT
	id, title, title_source, module, source, working_directory, model,
	trust_level, message_count, archived, created_at, last_accessed,
	bot_platform, bot_chat_id, bot_chat_type, workspace_slug, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session                          models.Session
		titleSource, archived            string
		platform, chatID, chatType       sql.NullString
		metadata                         string
	)
	err := row.Scan(
		&session.ID, &session.Title, &titleSource, &session.Module, &session.Source,
		&session.WorkingDirectory, &session.Model, &session.TrustLevel, &session.MessageCount,
		&archived, &session.CreatedAt, &session.LastAccessed,
		&platform, &chatID, &chatType, &session.WorkspaceSlug, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}

	session.TitleSource = models.TitleSource(titleSource)
	session.Archived = archived == "1"
	if platform.Valid && platform.String != "" {
		session.BotLink = &models.BotLink{
			Platform: models.ChannelType(platform.String),
			ChatID:   chatID.String,
			ChatType: models.ChatType(chatType.String),
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}

const pairingSelectColumns = `SELECT
	id, platform, platform_user_id, platform_user_display, platform_chat_id,
	status, approved_trust_level, created_at, resolved_at, resolved_by`

func scanPairingRequest(row rowScanner) (*models.PairingRequest, error) {
	var req models.PairingRequest
	var trustLevel sql.NullString
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString
	var display sql.NullString

	err := row.Scan(
		&req.ID, &req.Platform, &req.PlatformUserID, &display, &req.PlatformChatID,
		&req.Status, &trustLevel, &req.CreatedAt, &resolvedAt, &resolvedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan pairing request: %w", err)
	}
	req.PlatformUserDisplay = display.String
	req.ApprovedTrustLevel = models.TrustLevel(trustLevel.String)
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	req.ResolvedBy = resolvedBy.String
	return &req, nil
}

func checkRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
