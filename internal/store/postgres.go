package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

// DBPool abstracts *pgxpool.Pool so the store can be exercised against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const postgresSchema = `
    CREATE TABLE IF NOT EXISTS sessions (
        id          TEXT PRIMARY KEY,
        target_url  TEXT NOT NULL DEFAULT '',
        role        TEXT NOT NULL DEFAULT '',
        goal        TEXT NOT NULL DEFAULT '',
        history     JSONB NOT NULL DEFAULT '[]'::jsonb,
        entry_count INTEGER NOT NULL DEFAULT 0,
        saved_at    TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS sessions_saved_at ON sessions (saved_at DESC);
`

const (
	sqlUpsertSession = `
        INSERT INTO sessions (id, target_url, role, goal, history, entry_count, saved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            target_url = EXCLUDED.target_url,
            role = EXCLUDED.role,
            goal = EXCLUDED.goal,
            history = EXCLUDED.history,
            entry_count = EXCLUDED.entry_count,
            saved_at = EXCLUDED.saved_at;
    `
	sqlListSessions = `
        SELECT id, target_url, role, goal, entry_count, saved_at
        FROM sessions
        ORDER BY saved_at DESC, id ASC;
    `
	sqlLoadSession = `
        SELECT id, target_url, role, goal, history::text, entry_count, saved_at
        FROM sessions
        WHERE id = $1;
    `
	sqlDeleteSession = `DELETE FROM sessions WHERE id = $1;`
)

// PostgresStore keeps sessions in PostgreSQL.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres connects a pool to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return newPostgresStore(pool, logger), nil
}

func newPostgresStore(pool DBPool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: logger.Named("store.postgres")}
}

// Migrate creates the sessions table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

// SaveSession inserts or replaces the record stored under id.
func (s *PostgresStore) SaveSession(ctx context.Context, id string, rec agent.Record) error {
	r, err := toRow(id, rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertSession, r.id, r.targetURL, r.role, r.goal, r.history, r.entries, r.savedAt); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	s.log.Debug("Session saved.", zap.String("session_id", id), zap.Int("entries", r.entries))
	return nil
}

// ListSessions returns every stored session, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.pool.Query(ctx, sqlListSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.targetURL, &r.role, &r.goal, &r.entries, &r.savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		r.savedAt = r.savedAt.UTC()
		out = append(out, r.summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// LoadSession returns the full record stored under id.
func (s *PostgresStore) LoadSession(ctx context.Context, id string) (agent.Record, error) {
	var r row
	err := s.pool.QueryRow(ctx, sqlLoadSession, id).
		Scan(&r.id, &r.targetURL, &r.role, &r.goal, &r.history, &r.entries, &r.savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return agent.Record{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	r.savedAt = r.savedAt.UTC()
	return r.record()
}

// DeleteSession removes the record stored under id.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, sqlDeleteSession, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
