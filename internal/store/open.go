// Package store selects the audit storage backend named by configuration.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gosuda/agentaudit/internal/config"
	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/store/cloudwatch"
	"github.com/gosuda/agentaudit/internal/store/postgres"
	"github.com/gosuda/agentaudit/internal/store/sqlite"
)

// ErrUnknownBackend is returned for a backend value with no implementation.
var ErrUnknownBackend = errors.New("store: unknown backend") //nolint:gochecknoglobals // sentinel error

// Open builds the configured backend. The result is not yet initialized.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (domain.AuditStorage, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("store.Open: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("store.Open: postgres backend requires a DSN")
		}
		s, err := postgres.New(ctx, cfg.Storage.PostgresDSN,
			int32(cfg.Storage.MinConns), int32(cfg.Storage.MaxConns)) //nolint:gosec // bounded by config validation
		if err != nil {
			return nil, fmt.Errorf("store.Open: %w", err)
		}
		return s, nil

	case config.BackendCloudWatch:
		s, err := cloudwatch.NewFromEnv(ctx, cfg.CloudWatch.Region, cloudwatch.Config{
			RecordsGroup:  cfg.CloudWatch.RecordsGroup,
			SessionsGroup: cfg.CloudWatch.SessionsGroup,
			RetentionDays: cfg.CloudWatch.RetentionDays,
			QueryTimeout:  cfg.CloudWatch.QueryTimeout,
		}, cloudwatch.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("store.Open: %w", err)
		}
		return s, nil
	}

	return nil, fmt.Errorf("store.Open(%s): %w", cfg.Storage.Backend, ErrUnknownBackend)
}
