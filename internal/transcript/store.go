// Package transcript persists committed conversation messages in SQLite so
// past sessions can be listed and replayed.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one persisted message.
type Entry struct {
	SessionID string
	Track     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Summary describes one stored session.
type Summary struct {
	SessionID string
	Messages  int
	Started   time.Time
	Updated   time.Time
}

// Store wraps a SQLite database of transcript entries.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	mu         sync.RWMutex
}

// Open opens (and initializes) a transcript database file.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "lunarstudio_transcript.db"
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("transcript: open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO transcript (session_id, track, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: prepare insert: %w", err)
	}

	return &Store{db: db, insertStmt: insertStmt}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			track TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transcript_session ON transcript (session_id, id);
	`); err != nil {
		return fmt.Errorf("transcript: create table: %w", err)
	}
	return nil
}

// Append persists one committed message. Empty content is allowed: a turn
// cancelled before its first token commits an empty reply.
func (s *Store) Append(ctx context.Context, sessionID, track, role, content string) error {
	if sessionID == "" || track == "" || role == "" {
		return errors.New("transcript: session, track and role are required")
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return errors.New("transcript: store closed")
	}

	if _, err := stmt.ExecContext(ctx, sessionID, track, role, content, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// Session returns the messages of one session in commit order. An empty
// track returns both tracks.
func (s *Store) Session(ctx context.Context, sessionID, track string) ([]Entry, error) {
	query := `SELECT session_id, track, role, content, created_at FROM transcript WHERE session_id = ?`
	args := []any{sessionID}
	if track != "" {
		query += ` AND track = ?`
		args = append(args, track)
	}
	query += ` ORDER BY id`

	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: query session: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.SessionID, &e.Track, &e.Role, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("transcript: scan entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists stored sessions, most recently updated first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM transcript
		GROUP BY session_id
		ORDER BY MAX(id) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			first, updated int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.Messages, &first, &updated); err != nil {
			return nil, fmt.Errorf("transcript: scan session: %w", err)
		}
		sum.Started = time.UnixMilli(first)
		sum.Updated = time.UnixMilli(updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("transcript: store closed")
	}
	return s.db, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.insertStmt != nil {
		firstErr = s.insertStmt.Close()
		s.insertStmt = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.db = nil
	}
	return firstErr
}
