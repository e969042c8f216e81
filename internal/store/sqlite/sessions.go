package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gosuda/agentaudit/internal/domain"
)

// SessionRepo persists the mutable sessions summary table.
type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Upsert overwrites counters, model and prompt versions. user_query and
// final_response only fill in when still NULL.
func (r *SessionRepo) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	versions, err := json.Marshal(s.PromptVersions)
	if err != nil {
		return fmt.Errorf("sessionRepo.Upsert: prompt versions: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (
		    session_id, created_at, model_id, prompt_versions,
		    total_records, total_latency_ms, total_input_tokens, total_output_tokens,
		    has_error, user_query, final_response
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		    model_id            = excluded.model_id,
		    prompt_versions     = excluded.prompt_versions,
		    total_records       = excluded.total_records,
		    total_latency_ms    = excluded.total_latency_ms,
		    total_input_tokens  = excluded.total_input_tokens,
		    total_output_tokens = excluded.total_output_tokens,
		    has_error           = excluded.has_error,
		    user_query          = COALESCE(sessions.user_query, excluded.user_query),
		    final_response      = COALESCE(sessions.final_response, excluded.final_response)`,
		s.SessionID, formatTime(s.CreatedAt), s.ModelID, string(versions),
		s.TotalRecords, s.TotalLatencyMs, s.TotalInputTokens, s.TotalOutputTokens,
		boolInt(s.HasError), nullString(s.UserQuery), nullString(s.FinalResponse),
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Upsert(%s): %w", s.SessionID, err)
	}
	return nil
}

const sessionColumns = `session_id, created_at, model_id, prompt_versions,
    total_records, total_latency_ms, total_input_tokens, total_output_tokens,
    has_error, user_query, final_response`

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.Get: %w", err)
	}
	defer rows.Close()

	list, err := scanSessions(rows, "sessionRepo.Get")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("sessionRepo.Get(%s): %w", sessionID, domain.ErrNotFound)
	}
	return list[0], nil
}

// List returns summaries newest first.
func (r *SessionRepo) List(ctx context.Context, f domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := make([]any, 0, 3)
	if f.HasError != nil {
		query += ` WHERE has_error = ?`
		args = append(args, boolInt(*f.HasError))
	}
	query += ` ORDER BY created_at DESC, session_id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.List: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows, "sessionRepo.List")
}

func scanSessions(rows *sql.Rows, caller string) ([]*domain.SessionSummary, error) {
	list := make([]*domain.SessionSummary, 0)
	for rows.Next() {
		var (
			s                    domain.SessionSummary
			createdAt, versions  string
			hasError             int
			userQuery, finalResp sql.NullString
		)
		if err := rows.Scan(
			&s.SessionID, &createdAt, &s.ModelID, &versions,
			&s.TotalRecords, &s.TotalLatencyMs, &s.TotalInputTokens, &s.TotalOutputTokens,
			&hasError, &userQuery, &finalResp,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}

		t, err := parseTime(createdAt, caller)
		if err != nil {
			return nil, err
		}
		s.CreatedAt = t
		s.HasError = hasError != 0
		s.UserQuery = userQuery.String
		s.FinalResponse = finalResp.String
		s.PromptVersions = map[string]string{}
		if err := json.Unmarshal([]byte(versions), &s.PromptVersions); err != nil {
			return nil, fmt.Errorf("%s: prompt versions: %w", caller, err)
		}
		if s.PromptVersions == nil {
			s.PromptVersions = map[string]string{}
		}

		list = append(list, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}
	return list, nil
}
