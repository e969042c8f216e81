package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/agentaudit/internal/domain"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// Upsert overwrites counters, model and prompt versions. user_query and
// final_response keep their first non-NULL value.
func (r *SessionRepo) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	versions, err := json.Marshal(s.PromptVersions)
	if err != nil {
		return fmt.Errorf("sessionRepo.Upsert: prompt versions: %w", err)
	}
	if s.PromptVersions == nil {
		versions = []byte("{}")
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (
		    session_id, created_at, model_id, prompt_versions,
		    total_records, total_latency_ms, total_input_tokens, total_output_tokens,
		    has_error, user_query, final_response
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (session_id) DO UPDATE SET
		    model_id            = EXCLUDED.model_id,
		    prompt_versions     = EXCLUDED.prompt_versions,
		    total_records       = EXCLUDED.total_records,
		    total_latency_ms    = EXCLUDED.total_latency_ms,
		    total_input_tokens  = EXCLUDED.total_input_tokens,
		    total_output_tokens = EXCLUDED.total_output_tokens,
		    has_error           = EXCLUDED.has_error,
		    user_query          = COALESCE(sessions.user_query, EXCLUDED.user_query),
		    final_response      = COALESCE(sessions.final_response, EXCLUDED.final_response)`,
		s.SessionID, s.CreatedAt.UTC(), s.ModelID, versions,
		s.TotalRecords, s.TotalLatencyMs, s.TotalInputTokens, s.TotalOutputTokens,
		s.HasError, optString(s.UserQuery), optString(s.FinalResponse),
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
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionRepo.Get(%s): %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.Get: %w", err)
	}

	return s, nil
}

func (r *SessionRepo) List(ctx context.Context, f domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if f.HasError != nil {
		rows, err = r.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE has_error = $1
			 ORDER BY created_at DESC, session_id DESC
			 LIMIT $2 OFFSET $3`,
			*f.HasError, f.Limit, f.Offset,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 ORDER BY created_at DESC, session_id DESC
			 LIMIT $1 OFFSET $2`,
			f.Limit, f.Offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.List: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.SessionSummary, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessionRepo.List: scan: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.List: rows: %w", err)
	}

	return list, nil
}

func scanSession(row pgx.Row) (*domain.SessionSummary, error) {
	var (
		s                    domain.SessionSummary
		versions             []byte
		userQuery, finalResp *string
	)
	if err := row.Scan(
		&s.SessionID, &s.CreatedAt, &s.ModelID, &versions,
		&s.TotalRecords, &s.TotalLatencyMs, &s.TotalInputTokens, &s.TotalOutputTokens,
		&s.HasError, &userQuery, &finalResp,
	); err != nil {
		return nil, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.UserQuery = derefString(userQuery)
	s.FinalResponse = derefString(finalResp)
	if err := json.Unmarshal(versions, &s.PromptVersions); err != nil {
		return nil, fmt.Errorf("prompt versions: %w", err)
	}
	if s.PromptVersions == nil {
		s.PromptVersions = map[string]string{}
	}

	return &s, nil
}
