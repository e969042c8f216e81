package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/config"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/store"
	"github.com/gosuda/agentaudit/internal/store/sqlite"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := metrics.New(nil)

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()

		cfg := &config.Config{Storage: config.StorageConfig{
			Backend:    config.BackendSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
		}}
		s, err := store.Open(ctx, cfg, m)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		assert.IsType(t, &sqlite.Store{}, s)
		require.NoError(t, s.Initialize(ctx))
	})

	t.Run("sqlite without path", func(t *testing.T) {
		t.Parallel()

		_, err := store.Open(ctx, &config.Config{Storage: config.StorageConfig{Backend: config.BackendSQLite}}, m)
		require.Error(t, err)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		t.Parallel()

		_, err := store.Open(ctx, &config.Config{Storage: config.StorageConfig{Backend: config.BackendPostgres}}, m)
		require.Error(t, err)
	})

	t.Run("unknown backend fails fast", func(t *testing.T) {
		t.Parallel()

		_, err := store.Open(ctx, &config.Config{Storage: config.StorageConfig{Backend: config.Backend(99)}}, m)
		require.ErrorIs(t, err, store.ErrUnknownBackend)
	})
}
