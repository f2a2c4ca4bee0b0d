// Package msgcache persists the normalized message history of every session so
// that a session can be inspected or resumed after the process hosting it is
// gone.
package msgcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nick-boey/homespun/pkg/protocol"
)

var (
	ErrNotFound       = errors.New("session not found in message cache")
	ErrNotInitialized = errors.New("session not initialized in message cache")
	ErrInvalidID      = errors.New("invalid identifier")
)

// Summary is the per-session metadata record.
type Summary struct {
	SessionID      string               `json:"session_id"`
	EntityID       string               `json:"entity_id"`
	ProjectID      string               `json:"project_id"`
	Mode           protocol.SessionMode `json:"mode"`
	Model          string               `json:"model"`
	AgentSessionID string               `json:"agent_session_id,omitempty"`
	MessageCount   int                  `json:"message_count"`
	CreatedAt      time.Time            `json:"created_at"`
	LastMessageAt  time.Time            `json:"last_message_at,omitzero"`
}

// MetaUpdate changes mutable metadata fields. Nil fields are left untouched.
type MetaUpdate struct {
	Mode           *protocol.SessionMode
	Model          *string
	AgentSessionID *string
}

// Store is an append-only per-session message log plus a small metadata
// record per session.
type Store interface {
	// Init registers a session. It must precede Append. Calling Init for an
	// existing session keeps its history and refreshes mode and model.
	Init(ctx context.Context, meta Summary) error
	// Append durably adds msg at the end of the session's log.
	Append(ctx context.Context, sessionID string, msg protocol.Message) error
	GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)
	GetSummary(ctx context.Context, sessionID string) (*Summary, error)
	ListSessions(ctx context.Context, projectID string) ([]Summary, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	UpdateMeta(ctx context.Context, sessionID string, update MetaUpdate) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

// Open returns the store implementation named by driver rooted at dir.
func Open(ctx context.Context, driver, dir string) (Store, error) {
	switch driver {
	case "", DriverJSONL:
		return NewFileStore(dir)
	case DriverSQLite:
		return NewSQLiteStore(ctx, dir)
	default:
		return nil, fmt.Errorf("unknown message cache driver %q", driver)
	}
}

// validID rejects identifiers that cannot safely be used as path components.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (u MetaUpdate) apply(s *Summary) {
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	if u.Model != nil {
		s.Model = *u.Model
	}
	if u.AgentSessionID != nil {
		s.AgentSessionID = *u.AgentSessionID
	}
}
