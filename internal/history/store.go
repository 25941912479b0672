// Package history provides per-user conversation history storage.
//
// Each user's history is an append-only log of (role, text) turns in a
// single SQLite table. Turns are never mutated; they are deleted only in
// bulk when the user starts a new chat. Retrieval returns a bounded
// window of the most recent turns, oldest first, for use as model
// context.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Turn roles. The Gemini contents format uses "model" rather than
// "assistant", so the stored roles map onto the wire format directly.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// DefaultWindow is how many recent turns Recent returns when the caller
// passes a non-positive limit.
const DefaultWindow = 20

// Turn is one recorded message in a conversation.
type Turn struct {
	Role      string
	Text      string
	CreatedAt time.Time
}

// Store persists conversation turns in SQLite, partitioned by user id.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at dbPath and
// ensures the schema exists. The path is always an explicit parameter
// so tests can point each store at its own temporary file.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a history store using an existing database
// connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the schema if it does not exist. Idempotent; safe to
// run from multiple processes sharing the same database file.
//
// The AUTOINCREMENT id is the ordering marker. Wall-clock timestamps
// alone cannot order a user/model pair appended within the same
// millisecond; the rowid is monotonic regardless.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably adds one turn at the end of the user's history.
func (s *Store) Append(ctx context.Context, userID int64, role, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (user_id, role, text, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, role, text, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns up to limit of the user's most recent turns in creation
// order (oldest of the window first). A non-positive limit uses
// DefaultWindow. Unknown users get an empty slice, never an error.
func (s *Store) Recent(ctx context.Context, userID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = DefaultWindow
	}

	// Select the window end (latest N) then reverse into creation order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, created_at FROM turns
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdStr string
		if err := rows.Scan(&t.Role, &t.Text, &createdStr); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse newest-first into oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear deletes all turns for the user. Clearing an unknown or already
// empty user succeeds silently.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
