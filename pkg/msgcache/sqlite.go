package msgcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nick-boey/homespun/pkg/protocol"
)

const sqliteFile = "messages.db"

// SQLiteStore implements Store in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database under dir.
func NewSQLiteStore(ctx context.Context, dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating message cache directory: %w", err)
	}

	// _busy_timeout: wait up to 5 seconds if the database is locked
	// _journal_mode=WAL: allow readers while a writer is active
	db, err := sql.Open("sqlite", filepath.Join(dir, sqliteFile)+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers anyway; a single connection avoids
	// "database is locked" errors under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			model TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_message_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS sessions_project ON sessions(project_id);
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (session_id, position)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating message cache schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Init implements Store.
func (s *SQLiteStore) Init(ctx context.Context, meta Summary) error {
	if err := validID(meta.SessionID); err != nil {
		return err
	}
	if err := validID(meta.ProjectID); err != nil {
		return err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	var project string
	err := s.db.QueryRowContext(ctx, "SELECT project_id FROM sessions WHERE id = ?", meta.SessionID).Scan(&project)
	switch {
	case err == nil:
		if project != meta.ProjectID {
			return fmt.Errorf("session %s already belongs to project %s", meta.SessionID, project)
		}
		_, err = s.db.ExecContext(ctx, "UPDATE sessions SET mode = ?, model = ? WHERE id = ?",
			string(meta.Mode), meta.Model, meta.SessionID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO sessions (id, entity_id, project_id, mode, model, agent_session_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			meta.SessionID, meta.EntityID, meta.ProjectID, string(meta.Mode), meta.Model, meta.AgentSessionID, formatTime(meta.CreatedAt))
		return err
	default:
		return err
	}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg protocol.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT message_count FROM sessions WHERE id = ?", sessionID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotInitialized, sessionID)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO messages (session_id, position, body) VALUES (?, ?, ?)", sessionID, count, string(body)); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET message_count = ?, last_message_at = ? WHERE id = ?", count+1, formatTime(at), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessages implements Store.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	if ok, err := s.Exists(ctx, sessionID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, "SELECT body FROM messages WHERE session_id = ? ORDER BY position", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decoding cached message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

const summaryColumns = "id, entity_id, project_id, mode, model, agent_session_id, message_count, created_at, last_message_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*Summary, error) {
	var (
		sum                Summary
		mode               string
		createdAt, lastMsg string
	)
	if err := row.Scan(&sum.SessionID, &sum.EntityID, &sum.ProjectID, &mode, &sum.Model, &sum.AgentSessionID, &sum.MessageCount, &createdAt, &lastMsg); err != nil {
		return nil, err
	}
	sum.Mode = protocol.SessionMode(mode)

	var err error
	if sum.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if lastMsg != "" {
		if sum.LastMessageAt, err = time.Parse(time.RFC3339Nano, lastMsg); err != nil {
			return nil, err
		}
	}
	return &sum, nil
}

// GetSummary implements Store.
func (s *SQLiteStore) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+summaryColumns+" FROM sessions WHERE id = ?", sessionID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sum, err
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context, projectID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+summaryColumns+" FROM sessions WHERE project_id = ? ORDER BY created_at DESC", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *sum)
	}
	return summaries, rows.Err()
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// UpdateMeta implements Store.
func (s *SQLiteStore) UpdateMeta(ctx context.Context, sessionID string, update MetaUpdate) error {
	sum, err := s.GetSummary(ctx, sessionID)
	if err != nil {
		return err
	}
	update.apply(sum)
	_, err = s.db.ExecContext(ctx, "UPDATE sessions SET mode = ?, model = ?, agent_session_id = ? WHERE id = ?",
		string(sum.Mode), sum.Model, sum.AgentSessionID, sessionID)
	return err
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
