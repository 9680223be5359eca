package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    target_url  TEXT NOT NULL DEFAULT '',
    role        TEXT NOT NULL DEFAULT '',
    goal        TEXT NOT NULL DEFAULT '',
    history     TEXT NOT NULL DEFAULT '[]',
    entry_count INTEGER NOT NULL DEFAULT 0,
    saved_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_saved_at ON sessions (saved_at);
`

// SQLiteStore keeps sessions in a local SQLite file. It is the default backend.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	s := &SQLiteStore{db: db, log: logger.Named("store.sqlite")}
	s.log.Debug("SQLite store opened.", zap.String("path", path))
	return s, nil
}

// SaveSession inserts or replaces the record stored under id.
func (s *SQLiteStore) SaveSession(ctx context.Context, id string, rec agent.Record) error {
	r, err := toRow(id, rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sessions (id, target_url, role, goal, history, entry_count, saved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            target_url = excluded.target_url,
            role = excluded.role,
            goal = excluded.goal,
            history = excluded.history,
            entry_count = excluded.entry_count,
            saved_at = excluded.saved_at`,
		r.id, r.targetURL, r.role, r.goal, r.history, r.entries, r.savedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns every stored session, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, target_url, role, goal, entry_count, saved_at
        FROM sessions
        ORDER BY saved_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var r row
		var savedAt string
		if err := rows.Scan(&r.id, &r.targetURL, &r.role, &r.goal, &r.entries, &savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if r.savedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, fmt.Errorf("session %s has a malformed timestamp: %w", r.id, err)
		}
		out = append(out, r.summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// LoadSession returns the full record stored under id.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (agent.Record, error) {
	var r row
	var savedAt string
	err := s.db.QueryRowContext(ctx, `
        SELECT id, target_url, role, goal, history, entry_count, saved_at
        FROM sessions
        WHERE id = ?`, id).
		Scan(&r.id, &r.targetURL, &r.role, &r.goal, &r.history, &r.entries, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return agent.Record{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if r.savedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return agent.Record{}, fmt.Errorf("session %s has a malformed timestamp: %w", id, err)
	}
	return r.record()
}

// DeleteSession removes the record stored under id.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
