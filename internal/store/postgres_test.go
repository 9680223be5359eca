package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var anyValue = ArgumentMatcherFunc(func(interface{}) bool { return true })

// failingPingPool is only ever pinged.
type failingPingPool struct {
	DBPool
	err error
}

func (p *failingPingPool) Ping(context.Context) error { return p.err }

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	core, logs := observer.New(zapcore.DebugLevel)
	return newPostgresStore(mockPool, zap.New(core)), mockPool, logs
}

func TestNewPostgresStore_PingFailure(t *testing.T) {
	pool := &failingPingPool{err: errors.New("database unavailable")}
	_, err := NewPostgresStore(context.Background(), pool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.err)
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectExec(flexibleSQLMatcher(postgresSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSession(t *testing.T) {
	s, mock, logs := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
		WithArgs("s-1", rec.TargetURL, rec.Role, rec.Goal,
			ArgumentMatcherFunc(func(v interface{}) bool {
				h, ok := v.(string)
				return ok && strings.HasPrefix(h, "[") && strings.Contains(h, `"type":"navigation"`)
			}),
			4, ArgumentMatcherFunc(func(v interface{}) bool {
				ts, ok := v.(time.Time)
				return ok && ts.Equal(testTime)
			})).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveSession(context.Background(), "s-1", rec))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, logs.FilterMessage("Session saved.").Len())
}

func TestPostgresStore_SaveSessionError(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
		WithArgs(anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue).
		WillReturnError(errors.New("connection reset"))

	err := s.SaveSession(context.Background(), "s-1", sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save session s-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSessions(t *testing.T) {
	s, mock, _ := newMockStore(t)
	rows := pgxmock.NewRows([]string{"id", "target_url", "role", "goal", "entry_count", "saved_at"}).
		AddRow("b", "https://b.example", "r", "g2", 2, testTime.Add(1)).
		AddRow("a", "https://a.example", "r", "g1", 5, testTime)
	mock.ExpectQuery(flexibleSQLMatcher(sqlListSessions)).WillReturnRows(rows)

	list, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, 5, list[1].Entries)
	assert.True(t, list[1].SavedAt.Equal(testTime))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSession(t *testing.T) {
	s, mock, _ := newMockStore(t)
	want := sampleRecord()
	history, err := json.MarshalToString(want.History)
	require.NoError(t, err)

	cols := []string{"id", "target_url", "role", "goal", "history", "entry_count", "saved_at"}
	mock.ExpectQuery(flexibleSQLMatcher(sqlLoadSession)).WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("s-1", want.TargetURL, want.Role, want.Goal, history, 4, testTime))

	got, err := s.LoadSession(context.Background(), "s-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSessionNotFound(t *testing.T) {
	s, mock, _ := newMockStore(t)
	cols := []string{"id", "target_url", "role", "goal", "history", "entry_count", "saved_at"}
	mock.ExpectQuery(flexibleSQLMatcher(sqlLoadSession)).WithArgs("nope").WillReturnRows(pgxmock.NewRows(cols))

	_, err := s.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteSession(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectExec(flexibleSQLMatcher(sqlDeleteSession)).WithArgs("s-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(flexibleSQLMatcher(sqlDeleteSession)).WithArgs("s-2").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.DeleteSession(context.Background(), "s-1"))
	assert.ErrorIs(t, s.DeleteSession(context.Background(), "s-2"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var _ agent.Persister = (*PostgresStore)(nil)
