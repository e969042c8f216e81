package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gosuda/agentaudit/internal/domain"
)

// RecordRepo persists the append-only audit_records table.
type RecordRepo struct {
	db *sql.DB
}

func NewRecordRepo(db *sql.DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Save inserts a sealed record. Records are never updated.
func (r *RecordRepo) Save(ctx context.Context, rec *domain.AuditRecord) error {
	if !rec.Sealed() {
		return fmt.Errorf("recordRepo.Save(%s): %w", rec.AuditID, domain.ErrUnsealed)
	}

	in, err := marshalNullable(rec.InputPayload)
	if err != nil {
		return fmt.Errorf("recordRepo.Save: input payload: %w", err)
	}
	out, err := marshalNullable(rec.OutputPayload)
	if err != nil {
		return fmt.Errorf("recordRepo.Save: output payload: %w", err)
	}
	var errPayload sql.NullString
	if rec.ErrorPayload != nil {
		errPayload, err = marshalNullable(rec.ErrorPayload)
		if err != nil {
			return fmt.Errorf("recordRepo.Save: error payload: %w", err)
		}
	}

	var latency, inTok, outTok, cache sql.NullInt64
	if rec.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *rec.LatencyMs, Valid: true}
	}
	if rec.TokenUsage != nil {
		inTok = sql.NullInt64{Int64: rec.TokenUsage.Input, Valid: true}
		outTok = sql.NullInt64{Int64: rec.TokenUsage.Output, Valid: true}
	}
	if rec.CacheHit != nil {
		cache = sql.NullInt64{Int64: int64(boolInt(*rec.CacheHit)), Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_records (
		    audit_id, session_id, sequence_num, timestamp, event_type,
		    agent_name, model_id, prompt_name, prompt_version, prompt_hash,
		    input_payload, output_payload, tool_name, latency_ms,
		    input_tokens, output_tokens, cache_hit, is_error, error_payload, content_hash
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AuditID, rec.SessionID, rec.SequenceNum, formatTime(rec.Timestamp), string(rec.EventType),
		nullString(rec.AgentName), rec.ModelID, nullString(rec.PromptName), nullString(rec.PromptVersion), nullString(rec.PromptHash),
		in, out, nullString(rec.ToolName), latency,
		inTok, outTok, cache, boolInt(rec.IsError), errPayload, rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("recordRepo.Save(%s): %w", rec.AuditID, err)
	}
	return nil
}

// ListBySession returns a session's records in ascending sequence order.
func (r *RecordRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT audit_id, session_id, sequence_num, timestamp, event_type,
		        agent_name, model_id, prompt_name, prompt_version, prompt_hash,
		        input_payload, output_payload, tool_name, latency_ms,
		        input_tokens, output_tokens, cache_hit, is_error, error_payload, content_hash
		 FROM audit_records WHERE session_id = ?
		 ORDER BY sequence_num ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("recordRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, "recordRepo.ListBySession")
}

func scanRecords(rows *sql.Rows, caller string) ([]*domain.AuditRecord, error) {
	records := make([]*domain.AuditRecord, 0)
	for rows.Next() {
		var (
			rec                                      domain.AuditRecord
			ts, eventType                            string
			agent, promptName, promptVer, promptHash sql.NullString
			in, out, tool, errPayload                sql.NullString
			latency, inTok, outTok, cache            sql.NullInt64
			isError                                  int
		)
		if err := rows.Scan(
			&rec.AuditID, &rec.SessionID, &rec.SequenceNum, &ts, &eventType,
			&agent, &rec.ModelID, &promptName, &promptVer, &promptHash,
			&in, &out, &tool, &latency,
			&inTok, &outTok, &cache, &isError, &errPayload, &rec.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}

		t, err := parseTime(ts, caller)
		if err != nil {
			return nil, err
		}
		rec.Timestamp = t
		rec.EventType = domain.EventType(eventType)
		rec.AgentName = agent.String
		rec.PromptName = promptName.String
		rec.PromptVersion = promptVer.String
		rec.PromptHash = promptHash.String
		rec.ToolName = tool.String
		rec.IsError = isError != 0

		if rec.InputPayload, err = domain.DecodePayload([]byte(in.String)); err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		if rec.OutputPayload, err = domain.DecodePayload([]byte(out.String)); err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		if errPayload.Valid {
			var detail domain.ErrorDetail
			if err := json.Unmarshal([]byte(errPayload.String), &detail); err != nil {
				return nil, fmt.Errorf("%s: error payload: %w", caller, err)
			}
			rec.ErrorPayload = &detail
		}
		if latency.Valid {
			v := latency.Int64
			rec.LatencyMs = &v
		}
		if inTok.Valid || outTok.Valid {
			rec.TokenUsage = domain.NewTokenUsage(inTok.Int64, outTok.Int64)
		}
		if cache.Valid {
			v := cache.Int64 != 0
			rec.CacheHit = &v
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}
	return records, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
