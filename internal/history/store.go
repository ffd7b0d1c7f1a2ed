// Package history persists finalized conversation messages to a local
// SQLite database. Streamed deltas are never stored; the final event's
// content is the authoritative message.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one persisted conversation entry.
type Message struct {
	ID        string    `db:"id" json:"id"`
	MessageID string    `db:"message_id" json:"messageId"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Store is a SQLite-backed conversation history with a bounded row count.
type Store struct {
	db      *sqlx.DB
	maxRows int
}

// Open opens (creating if needed) the history database at path. maxRows
// bounds retained history; older rows are pruned on append.
func Open(path string, maxRows int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db, maxRows: maxRows}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one finalized message and prunes history beyond the row
// bound.
func (s *Store) Append(ctx context.Context, messageID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, message_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), messageID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return s.prune(ctx)
}

// Recent returns up to limit messages, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Message
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, message_id, role, content, created_at FROM (
			SELECT * FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) prune(ctx context.Context) error {
	if s.maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`, s.maxRows)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
