// sqlite.go implements the thread and message gateways on SQLite. One
// database file holds both tables; the WhatsApp session container may
// share it (whatsmeow_ prefixed tables).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SQLiteStore implements ThreadStore and MessageStore on a single SQLite
// database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the assistant database and applies the
// schema.
func OpenSQLite(cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/assist.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection so other subsystems (the WhatsApp
// session container) can share the same database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate applies the schema. The rowid on messages breaks ordering ties
// between turns persisted within the same timestamp granularity.
func (s *SQLiteStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id                      TEXT PRIMARY KEY,
			participant_id          TEXT NOT NULL,
			channel                 TEXT NOT NULL,
			channel_ref             TEXT NOT NULL,
			status                  TEXT NOT NULL DEFAULT 'active',
			settings                TEXT NOT NULL DEFAULT '{}',
			summary_text            TEXT NOT NULL DEFAULT '',
			summary_version         INTEGER NOT NULL DEFAULT 0,
			summary_last_message_id TEXT NOT NULL DEFAULT '',
			summary_updated_at      TEXT,
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_channel_ref
			ON threads (channel, channel_ref)`,
		`CREATE TABLE IF NOT EXISTS messages (
			rowid          INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			thread_id      TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			kind           TEXT NOT NULL,
			content        TEXT NOT NULL,
			metadata       TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages (thread_id, participant_id, kind, created_at)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ---------- MessageStore ----------

// Append persists a new message, assigning ID and CreatedAt if unset.
func (s *SQLiteStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Kind == "" {
		stored.Kind = KindText
	}

	meta, err := encodeMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, participant_id, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ThreadID, stored.ParticipantID, string(stored.Kind),
		stored.Content, meta, stored.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &stored, nil
}

// ListRecent returns up to limit most recent messages, oldest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, threadID, participantID string, kind MessageKind, limit int) ([]*Message, error) {
	if limit < 1 {
		return []*Message{}, nil
	}

	// Fetch newest first, then reverse so callers get chronological order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, participant_id, kind, content, metadata, created_at
		FROM messages
		WHERE thread_id = ? AND participant_id = ? AND kind = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, threadID, participantID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListAll returns all messages for a thread/participant pair, ascending.
func (s *SQLiteStore) ListAll(ctx context.Context, threadID, participantID string, kind MessageKind) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, participant_id, kind, content, metadata, created_at
		FROM messages
		WHERE thread_id = ? AND participant_id = ? AND kind = ?
		ORDER BY created_at ASC, rowid ASC`, threadID, participantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Count returns the number of messages for a thread/participant pair.
func (s *SQLiteStore) Count(ctx context.Context, threadID, participantID string, kind MessageKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE thread_id = ? AND participant_id = ? AND kind = ?`,
		threadID, participantID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	msgs := []*Message{}
	for rows.Next() {
		var (
			m         Message
			kind      string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ParticipantID, &kind, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = MessageKind(kind)
		m.Metadata = decodeMetadata(meta)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ---------- ThreadStore ----------

// Get returns a thread by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Thread, error) {
	return s.getThread(ctx, "id = ?", id)
}

// GetByChannelRef resolves a thread by its channel routing key.
func (s *SQLiteStore) GetByChannelRef(ctx context.Context, channel, channelRef string) (*Thread, error) {
	return s.getThread(ctx, "channel = ? AND channel_ref = ?", channel, channelRef)
}

func (s *SQLiteStore) getThread(ctx context.Context, where string, args ...any) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, channel, channel_ref, status, settings,
		       summary_text, summary_version, summary_last_message_id,
		       summary_updated_at, created_at, updated_at
		FROM threads WHERE `+where, args...)

	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// Create provisions a new thread.
func (s *SQLiteStore) Create(ctx context.Context, t *Thread) (*Thread, error) {
	stored := *t
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = ThreadActive
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	settings, err := json.Marshal(stored.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, participant_id, channel, channel_ref, status,
			settings, summary_text, summary_version, summary_last_message_id,
			summary_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, '', NULL, ?, ?)`,
		stored.ID, stored.ParticipantID, stored.Channel, stored.ChannelRef,
		string(stored.Status), string(settings),
		stored.CreatedAt.Format(time.RFC3339Nano), stored.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &stored, nil
}

// List returns all threads, optionally filtered by status.
func (s *SQLiteStore) List(ctx context.Context, status ThreadStatus) ([]*Thread, error) {
	query := `
		SELECT id, participant_id, channel, channel_ref, status, settings,
		       summary_text, summary_version, summary_last_message_id,
		       summary_updated_at, created_at, updated_at
		FROM threads`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []*Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// UpdateSummary advances a thread's summary state with an optimistic
// version check. A concurrent scheduling pass that already advanced the
// version makes this write fail with ErrSummaryConflict.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, threadID string, state SummaryState, expectedVersion int) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET summary_text = ?, summary_version = ?, summary_last_message_id = ?,
		    summary_updated_at = ?, updated_at = ?
		WHERE id = ? AND summary_version = ?`,
		state.Text, state.Version, state.LastMessageID,
		updatedAt.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		threadID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, threadID); err != nil {
			return err
		}
		return ErrSummaryConflict
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanThread.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*Thread, error) {
	var (
		t                Thread
		status           string
		settings         string
		summaryUpdatedAt sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&t.ID, &t.ParticipantID, &t.Channel, &t.ChannelRef, &status,
		&settings, &t.Summary.Text, &t.Summary.Version, &t.Summary.LastMessageID,
		&summaryUpdatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = ThreadStatus(status)
	if err := json.Unmarshal([]byte(settings), &t.Settings); err != nil {
		// A corrupt settings blob surfaces as a configuration error at
		// validation time, not a storage error here.
		t.Settings = ThreadSettings{}
	}
	if summaryUpdatedAt.Valid {
		t.Summary.UpdatedAt, _ = time.Parse(time.RFC3339Nano, summaryUpdatedAt.String)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}
