package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/agentaudit/internal/domain"
)

type RecordRepo struct {
	pool *pgxpool.Pool
}

func NewRecordRepo(pool *pgxpool.Pool) *RecordRepo {
	return &RecordRepo{pool: pool}
}

func (r *RecordRepo) Save(ctx context.Context, rec *domain.AuditRecord) error {
	if !rec.Sealed() {
		return fmt.Errorf("recordRepo.Save(%s): %w", rec.AuditID, domain.ErrUnsealed)
	}

	in, err := marshalJSON(rec.InputPayload)
	if err != nil {
		return fmt.Errorf("recordRepo.Save: input payload: %w", err)
	}
	out, err := marshalJSON(rec.OutputPayload)
	if err != nil {
		return fmt.Errorf("recordRepo.Save: output payload: %w", err)
	}
	var errPayload []byte
	if rec.ErrorPayload != nil {
		if errPayload, err = json.Marshal(rec.ErrorPayload); err != nil {
			return fmt.Errorf("recordRepo.Save: error payload: %w", err)
		}
	}

	var inTok, outTok *int64
	if rec.TokenUsage != nil {
		inTok, outTok = &rec.TokenUsage.Input, &rec.TokenUsage.Output
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_records (
		    audit_id, session_id, sequence_num, timestamp, event_type,
		    agent_name, model_id, prompt_name, prompt_version, prompt_hash,
		    input_payload, output_payload, tool_name, latency_ms,
		    input_tokens, output_tokens, cache_hit, is_error, error_payload, content_hash
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		rec.AuditID, rec.SessionID, rec.SequenceNum, rec.Timestamp.UTC(), string(rec.EventType),
		optString(rec.AgentName), rec.ModelID, optString(rec.PromptName), optString(rec.PromptVersion), optString(rec.PromptHash),
		in, out, optString(rec.ToolName), rec.LatencyMs,
		inTok, outTok, rec.CacheHit, rec.IsError, errPayload, rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("recordRepo.Save(%s): %w", rec.AuditID, err)
	}

	return nil
}

func (r *RecordRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT audit_id, session_id, sequence_num, timestamp, event_type,
		        agent_name, model_id, prompt_name, prompt_version, prompt_hash,
		        input_payload, output_payload, tool_name, latency_ms,
		        input_tokens, output_tokens, cache_hit, is_error, error_payload, content_hash
		 FROM audit_records WHERE session_id = $1
		 ORDER BY sequence_num ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("recordRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, "recordRepo.ListBySession")
}

func scanRecords(rows pgx.Rows, caller string) ([]*domain.AuditRecord, error) {
	records := make([]*domain.AuditRecord, 0)
	for rows.Next() {
		var (
			rec                                      domain.AuditRecord
			eventType                                string
			agent, promptName, promptVer, promptHash *string
			tool                                     *string
			in, out, errPayload                      []byte
			inTok, outTok                            *int64
		)
		if err := rows.Scan(
			&rec.AuditID, &rec.SessionID, &rec.SequenceNum, &rec.Timestamp, &eventType,
			&agent, &rec.ModelID, &promptName, &promptVer, &promptHash,
			&in, &out, &tool, &rec.LatencyMs,
			&inTok, &outTok, &rec.CacheHit, &rec.IsError, &errPayload, &rec.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}

		rec.Timestamp = rec.Timestamp.UTC()
		rec.EventType = domain.EventType(eventType)
		rec.AgentName = derefString(agent)
		rec.PromptName = derefString(promptName)
		rec.PromptVersion = derefString(promptVer)
		rec.PromptHash = derefString(promptHash)
		rec.ToolName = derefString(tool)

		var err error
		if rec.InputPayload, err = domain.DecodePayload(in); err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		if rec.OutputPayload, err = domain.DecodePayload(out); err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		if len(errPayload) > 0 {
			var detail domain.ErrorDetail
			if err := json.Unmarshal(errPayload, &detail); err != nil {
				return nil, fmt.Errorf("%s: error payload: %w", caller, err)
			}
			rec.ErrorPayload = &detail
		}
		if inTok != nil || outTok != nil {
			var i, o int64
			if inTok != nil {
				i = *inTok
			}
			if outTok != nil {
				o = *outTok
			}
			rec.TokenUsage = domain.NewTokenUsage(i, o)
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return records, nil
}

// marshalJSON encodes a payload for a JSONB column. A nil map becomes NULL.
func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
