// Package postgres is the networked relational audit storage backend.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/agentaudit/internal/domain"
)

var schema = []string{ //nolint:gochecknoglobals // static DDL
	`CREATE TABLE IF NOT EXISTS sessions (
	    session_id          TEXT        PRIMARY KEY,
	    created_at          TIMESTAMPTZ NOT NULL,
	    model_id            TEXT        NOT NULL DEFAULT '',
	    prompt_versions     JSONB       NOT NULL DEFAULT '{}',
	    total_records       BIGINT      NOT NULL DEFAULT 0,
	    total_latency_ms    BIGINT      NOT NULL DEFAULT 0,
	    total_input_tokens  BIGINT      NOT NULL DEFAULT 0,
	    total_output_tokens BIGINT      NOT NULL DEFAULT 0,
	    has_error           BOOLEAN     NOT NULL DEFAULT FALSE,
	    user_query          TEXT,
	    final_response      TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
	    audit_id        TEXT        PRIMARY KEY,
	    session_id      TEXT        NOT NULL REFERENCES sessions(session_id),
	    sequence_num    BIGINT      NOT NULL,
	    timestamp       TIMESTAMPTZ NOT NULL,
	    event_type      TEXT        NOT NULL,
	    agent_name      TEXT,
	    model_id        TEXT        NOT NULL DEFAULT '',
	    prompt_name     TEXT,
	    prompt_version  TEXT,
	    prompt_hash     TEXT,
	    input_payload   JSONB,
	    output_payload  JSONB,
	    tool_name       TEXT,
	    latency_ms      BIGINT,
	    input_tokens    BIGINT,
	    output_tokens   BIGINT,
	    cache_hit       BOOLEAN,
	    is_error        BOOLEAN     NOT NULL DEFAULT FALSE,
	    error_payload   JSONB,
	    content_hash    TEXT        NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_session ON audit_records (session_id, sequence_num)`,
	`CREATE INDEX IF NOT EXISTS idx_records_event_type ON audit_records (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_has_error ON sessions (has_error)`,
}

// Store implements domain.AuditStorage on a pgx pool.
type Store struct {
	pool     *pgxpool.Pool
	records  *RecordRepo
	sessions *SessionRepo
}

var _ domain.AuditStorage = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

func New(ctx context.Context, dsn string, minConns, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:     pool,
		records:  NewRecordRepo(pool),
		sessions: NewSessionRepo(pool),
	}, nil
}

// Initialize applies the schema. Every statement is idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres.Store.Initialize: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *domain.AuditRecord) error {
	return s.records.Save(ctx, rec)
}

func (s *Store) UpsertSession(ctx context.Context, summary *domain.SessionSummary) error {
	return s.sessions.Upsert(ctx, summary)
}

func (s *Store) GetSessionRecords(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	return s.records.ListBySession(ctx, sessionID)
}

func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	return s.sessions.Get(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, filter domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	return s.sessions.List(ctx, filter)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Truncate empties both tables. Intended for test setup.
func Truncate(ctx context.Context, s *Store) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE audit_records, sessions`); err != nil {
		return fmt.Errorf("postgres.Truncate: %w", err)
	}
	return nil
}
