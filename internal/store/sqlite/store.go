// Package sqlite is the embedded, file-backed audit storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"

	"github.com/gosuda/agentaudit/internal/domain"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var pragmas = []string{ //nolint:gochecknoglobals // static connection setup
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id          TEXT    PRIMARY KEY,
    created_at          TEXT    NOT NULL,
    model_id            TEXT    NOT NULL DEFAULT '',
    prompt_versions     TEXT    NOT NULL DEFAULT '{}',
    total_records       INTEGER NOT NULL DEFAULT 0,
    total_latency_ms    INTEGER NOT NULL DEFAULT 0,
    total_input_tokens  INTEGER NOT NULL DEFAULT 0,
    total_output_tokens INTEGER NOT NULL DEFAULT 0,
    has_error           INTEGER NOT NULL DEFAULT 0,
    user_query          TEXT,
    final_response      TEXT
);

CREATE TABLE IF NOT EXISTS audit_records (
    audit_id        TEXT    PRIMARY KEY,
    session_id      TEXT    NOT NULL REFERENCES sessions(session_id),
    sequence_num    INTEGER NOT NULL,
    timestamp       TEXT    NOT NULL,
    event_type      TEXT    NOT NULL,
    agent_name      TEXT,
    model_id        TEXT    NOT NULL DEFAULT '',
    prompt_name     TEXT,
    prompt_version  TEXT,
    prompt_hash     TEXT,
    input_payload   TEXT,
    output_payload  TEXT,
    tool_name       TEXT,
    latency_ms      INTEGER,
    input_tokens    INTEGER,
    output_tokens   INTEGER,
    cache_hit       INTEGER,
    is_error        INTEGER NOT NULL DEFAULT 0,
    error_payload   TEXT,
    content_hash    TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_session
    ON audit_records (session_id, sequence_num);

CREATE INDEX IF NOT EXISTS idx_records_event_type
    ON audit_records (event_type);

CREATE INDEX IF NOT EXISTS idx_sessions_created
    ON sessions (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_has_error
    ON sessions (has_error);
`

// Store implements domain.AuditStorage on a single SQLite file.
type Store struct {
	path string
	db   *sql.DB

	initOnce sync.Once
	initErr  error

	records  *RecordRepo
	sessions *SessionRepo
}

var _ domain.AuditStorage = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

// New opens (lazily) the database at path. Nothing touches the disk until
// Initialize.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite.New: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.New: open: %w", err)
	}

	// One writer at a time. WAL still lets readers run alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &Store{
		path:     path,
		db:       db,
		records:  NewRecordRepo(db),
		sessions: NewSessionRepo(db),
	}, nil
}

// Initialize creates the parent directory, applies pragmas and the schema.
// Safe to call more than once.
func (s *Store) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
	})
	return s.initErr
}

func (s *Store) initialize(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("sqlite.Store.Initialize: mkdir: %w", err)
		}
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite.Store.Initialize: %s: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite.Store.Initialize: schema: %w", err)
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite.Store.Close: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v, caller string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse time %q: %w", caller, v, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
