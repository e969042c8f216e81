package cloudwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/agentaudit/internal/domain"
)

// Query outcomes reported on metrics.QueryOutcomes.
const (
	outcomeComplete = "complete"
	outcomeFailed   = "failed"
	outcomeTimeout  = "timeout"
	outcomeError    = "error"
)

const recordsQueryLimit = 1000

func (s *Store) GetSessionRecords(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	query := "fields @message" +
		" | filter @message like " + sessionFilter(sessionID) +
		" | sort @timestamp asc" +
		fmt.Sprintf(" | limit %d", recordsQueryLimit)

	records := make([]*domain.AuditRecord, 0)
	for _, msg := range s.runQuery(ctx, s.cfg.RecordsGroup, query) {
		var rec domain.AuditRecord
		if err := unmarshalPayloads(msg, &rec); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("skipping unreadable audit record")
			continue
		}
		// like is a substring match; keep exact matches only.
		if rec.SessionID != sessionID {
			continue
		}
		records = append(records, &rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SequenceNum < records[j].SequenceNum
	})
	return records, nil
}

func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	// Over-fetch a little so a prefix collision on the substring match
	// cannot hide the exact session.
	query := "fields @message" +
		" | filter @message like " + sessionFilter(sessionID) +
		" | sort @timestamp desc" +
		" | limit 10"

	for _, msg := range s.runQuery(ctx, s.cfg.SessionsGroup, query) {
		sum, err := decodeSummary(msg)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("skipping unreadable session snapshot")
			continue
		}
		if sum.SessionID == sessionID {
			return sum, nil
		}
	}
	return nil, fmt.Errorf("cloudwatch.Store.GetSessionSummary(%s): %w", sessionID, domain.ErrNotFound)
}

// ListSessions reads recent snapshots newest first, keeps the latest one per
// session, then filters and pages client side. The error filter must run
// after deduplication: older snapshots of an errored session still carry
// has_error false. Sessions whose snapshots fall outside the over-fetch
// window are missed, so deep pages are approximate.
func (s *Store) ListSessions(ctx context.Context, f domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	fetch := (f.Limit + f.Offset) * 5
	if fetch <= 0 {
		return []*domain.SessionSummary{}, nil
	}
	query := "fields @message" +
		" | sort @timestamp desc" +
		fmt.Sprintf(" | limit %d", fetch)

	seen := make(map[string]bool)
	list := make([]*domain.SessionSummary, 0)
	for _, msg := range s.runQuery(ctx, s.cfg.SessionsGroup, query) {
		sum, err := decodeSummary(msg)
		if err != nil || sum.SessionID == "" || seen[sum.SessionID] {
			continue
		}
		seen[sum.SessionID] = true
		if f.HasError != nil && sum.HasError != *f.HasError {
			continue
		}
		list = append(list, sum)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if f.Offset >= len(list) {
		return []*domain.SessionSummary{}, nil
	}
	end := min(f.Offset+f.Limit, len(list))
	return list[f.Offset:end], nil
}

// runQuery starts a Logs Insights query and polls until it completes, the
// deadline passes or ctx ends. Every failure yields an empty result.
func (s *Store) runQuery(ctx context.Context, group, query string) []string {
	end := s.now()
	start := end.Add(-s.lookback())

	started, err := s.api.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(start.Unix()),
		EndTime:      aws.Int64(end.Unix()),
		QueryString:  aws.String(query),
	})
	if err != nil {
		log.Warn().Err(err).Str("group", group).Msg("logs insights start query failed")
		s.metrics.QueryOutcomes.WithLabelValues(outcomeError).Inc()
		return nil
	}

	deadline := time.Now().Add(s.cfg.QueryTimeout)
	for {
		out, err := s.api.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{QueryId: started.QueryId})
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("logs insights get results failed")
			s.metrics.QueryOutcomes.WithLabelValues(outcomeError).Inc()
			return nil
		}

		switch out.Status {
		case types.QueryStatusComplete:
			s.metrics.QueryOutcomes.WithLabelValues(outcomeComplete).Inc()
			return messages(out.Results)
		case types.QueryStatusFailed, types.QueryStatusCancelled, types.QueryStatusTimeout:
			log.Warn().Str("group", group).Str("status", string(out.Status)).Msg("logs insights query did not complete")
			s.metrics.QueryOutcomes.WithLabelValues(outcomeFailed).Inc()
			return nil
		}

		if !time.Now().Before(deadline) {
			log.Warn().Str("group", group).Dur("timeout", s.cfg.QueryTimeout).Msg("logs insights query timed out")
			s.metrics.QueryOutcomes.WithLabelValues(outcomeTimeout).Inc()
			return nil
		}

		select {
		case <-ctx.Done():
			s.metrics.QueryOutcomes.WithLabelValues(outcomeTimeout).Inc()
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// lookback keeps the query window one day inside retention, since a start
// time past retention is rejected.
func (s *Store) lookback() time.Duration {
	return min(maxLookback, time.Duration(s.cfg.RetentionDays-1)*24*time.Hour)
}

func messages(rows [][]types.ResultField) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		for _, f := range row {
			if aws.ToString(f.Field) == "@message" {
				out = append(out, aws.ToString(f.Value))
			}
		}
	}
	return out
}

// sessionFilter renders the quoted substring matching a session's JSON
// field as it appears in stored messages.
func sessionFilter(sessionID string) string {
	id, _ := json.Marshal(sessionID)
	needle := `"session_id":` + string(id)
	needle = strings.ReplaceAll(needle, `\`, `\\`)
	needle = strings.ReplaceAll(needle, `'`, `\'`)
	return "'" + needle + "'"
}

func decodeSummary(msg string) (*domain.SessionSummary, error) {
	var sum domain.SessionSummary
	if err := json.Unmarshal([]byte(msg), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if sum.PromptVersions == nil {
		sum.PromptVersions = map[string]string{}
	}
	return &sum, nil
}

// unmarshalPayloads decodes a record, keeping payload numbers exact so the
// content hash still verifies.
func unmarshalPayloads(msg string, rec *domain.AuditRecord) error {
	type alias domain.AuditRecord
	aux := struct {
		*alias
		InputPayload  json.RawMessage `json:"input_payload"`
		OutputPayload json.RawMessage `json:"output_payload"`
	}{alias: (*alias)(rec)}
	if err := json.Unmarshal([]byte(msg), &aux); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	var err error
	if rec.InputPayload, err = domain.DecodePayload(aux.InputPayload); err != nil {
		return err
	}
	if rec.OutputPayload, err = domain.DecodePayload(aux.OutputPayload); err != nil {
		return err
	}
	return nil
}
