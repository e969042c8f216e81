package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/store/postgres"
	"github.com/gosuda/agentaudit/internal/store/storetest"
)

// The suite shares one database, so every run starts from empty tables.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("AUDIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUDIT_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) domain.AuditStorage {
		t.Helper()
		ctx := context.Background()

		s, err := postgres.New(ctx, dsn, 1, 4)
		require.NoError(t, err)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, postgres.Truncate(ctx, s))
		return s
	}, storetest.Options{})
}

func TestNew_BadDSN(t *testing.T) {
	t.Parallel()

	_, err := postgres.New(context.Background(), "host=%%% port=notaport", 1, 1)
	require.Error(t, err)
}
