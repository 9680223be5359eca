package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotFound is returned when no session is stored under the requested id.
	ErrNotFound = errors.New("stored session not found")
	// ErrDisabled is returned by every read when persistence is turned off.
	ErrDisabled = errors.New("session persistence is disabled (store.driver is none)")
)

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID        string    `json:"id" yaml:"id"`
	TargetURL string    `json:"target_url" yaml:"target_url"`
	Role      string    `json:"role" yaml:"role"`
	Goal      string    `json:"goal" yaml:"goal"`
	Entries   int       `json:"entries" yaml:"entries"`
	SavedAt   time.Time `json:"saved_at" yaml:"saved_at"`
}

// Store persists session records. It satisfies agent.Persister.
type Store interface {
	agent.Persister
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	LoadSession(ctx context.Context, id string) (agent.Record, error)
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case config.StoreNone, "":
		return nopStore{}, nil
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.Path, logger)
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// nopStore accepts saves and refuses reads.
type nopStore struct{}

func (nopStore) SaveSession(context.Context, string, agent.Record) error { return nil }
func (nopStore) ListSessions(context.Context) ([]SessionSummary, error)  { return nil, ErrDisabled }
func (nopStore) DeleteSession(context.Context, string) error             { return ErrDisabled }
func (nopStore) Close() error                                            { return nil }

func (nopStore) LoadSession(context.Context, string) (agent.Record, error) {
	return agent.Record{}, ErrDisabled
}

// row is the column form shared by both SQL backends.
type row struct {
	id        string
	targetURL string
	role      string
	goal      string
	history   string
	entries   int
	savedAt   time.Time
}

func toRow(id string, rec agent.Record) (row, error) {
	if strings.TrimSpace(id) == "" {
		return row{}, errors.New("session id is required")
	}
	history := rec.History
	if history == nil {
		history = []agent.HistoryEntry{}
	}
	encoded, err := json.MarshalToString(history)
	if err != nil {
		return row{}, fmt.Errorf("failed to encode history: %w", err)
	}
	savedAt := rec.Timestamp
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	return row{
		id:        id,
		targetURL: rec.TargetURL,
		role:      rec.Role,
		goal:      rec.Goal,
		history:   encoded,
		entries:   len(history),
		savedAt:   savedAt.UTC(),
	}, nil
}

func (r row) record() (agent.Record, error) {
	var history []agent.HistoryEntry
	if r.history != "" {
		if err := json.UnmarshalFromString(r.history, &history); err != nil {
			return agent.Record{}, fmt.Errorf("failed to decode history of session %s: %w", r.id, err)
		}
	}
	return agent.Record{
		TargetURL: r.targetURL,
		Role:      r.role,
		Goal:      r.goal,
		History:   history,
		Timestamp: r.savedAt,
	}, nil
}

func (r row) summary() SessionSummary {
	return SessionSummary{
		ID:        r.id,
		TargetURL: r.targetURL,
		Role:      r.role,
		Goal:      r.goal,
		Entries:   r.entries,
		SavedAt:   r.savedAt,
	}
}
