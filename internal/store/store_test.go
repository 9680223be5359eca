package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("none", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{Driver: config.StoreNone}, logger)
		require.NoError(t, err)
		assert.NoError(t, s.SaveSession(ctx, "x", sampleRecord()))
		_, err = s.ListSessions(ctx)
		assert.ErrorIs(t, err, ErrDisabled)
		_, err = s.LoadSession(ctx, "x")
		assert.ErrorIs(t, err, ErrDisabled)
		assert.ErrorIs(t, s.DeleteSession(ctx, "x"), ErrDisabled)
		assert.NoError(t, s.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "s.db")}, logger)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &SQLiteStore{}, s)
	})

	t.Run("sqlite without path", func(t *testing.T) {
		_, err := Open(ctx, config.StoreConfig{Driver: config.StoreSQLite}, logger)
		assert.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Open(ctx, config.StoreConfig{Driver: "mongo"}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported store driver "mongo"`)
	})
}
