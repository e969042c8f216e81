// Package storetest is the conformance suite every domain.AuditStorage
// backend runs, so that sqlite, postgres and cloudwatch stay
// interchangeable behind the audit service.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
)

// Factory returns a fresh, empty, not yet initialized backend. The suite
// closes it.
type Factory func(t *testing.T) domain.AuditStorage

// Options relaxes checks a backend cannot honor.
type Options struct {
	// SnapshotSessions marks backends that store every summary upsert as an
	// immutable snapshot and read back the latest one. Such backends do not
	// merge user_query/final_response across upserts.
	SnapshotSessions bool
}

var base = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // fixed test clock

// Run executes the suite.
func Run(t *testing.T, factory Factory, opts Options) {
	t.Helper()

	open := func(t *testing.T) domain.AuditStorage {
		t.Helper()
		s := factory(t)
		require.NoError(t, s.Initialize(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("initialize is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Initialize(context.Background()))
	})

	t.Run("records round trip in sequence order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, Summary("rt-1", base)))
		recs := []*domain.AuditRecord{
			Record(t, "rt-1", 2, domain.EventAgentResponse),
			Record(t, "rt-1", 0, domain.EventUserInput),
			Record(t, "rt-1", 1, domain.EventToolCall),
		}
		for _, r := range recs {
			require.NoError(t, s.SaveRecord(ctx, r))
		}

		got, err := s.GetSessionRecords(ctx, "rt-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, r := range got {
			assert.Equal(t, int64(i), r.SequenceNum)
			assert.True(t, r.Verify(), "record %d must verify after round trip", i)
		}

		tool := got[1]
		want := recs[2]
		assert.Equal(t, want.AuditID, tool.AuditID)
		assert.Equal(t, domain.EventToolCall, tool.EventType)
		assert.Equal(t, want.AgentName, tool.AgentName)
		assert.Equal(t, want.ModelID, tool.ModelID)
		assert.Equal(t, want.PromptName, tool.PromptName)
		assert.Equal(t, want.PromptVersion, tool.PromptVersion)
		assert.Equal(t, want.PromptHash, tool.PromptHash)
		assert.Equal(t, want.ToolName, tool.ToolName)
		assert.Equal(t, want.ContentHash, tool.ContentHash)
		assert.True(t, want.Timestamp.Equal(tool.Timestamp), "timestamp %s != %s", want.Timestamp, tool.Timestamp)
		require.NotNil(t, tool.LatencyMs)
		assert.Equal(t, *want.LatencyMs, *tool.LatencyMs)
		require.NotNil(t, tool.TokenUsage)
		assert.Equal(t, *want.TokenUsage, *tool.TokenUsage)
		require.NotNil(t, tool.CacheHit)
		assert.True(t, *tool.CacheHit)
		assert.Equal(t, "supermercados", tool.InputPayload["query"])
	})

	t.Run("optional fields stay empty", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, Summary("opt-1", base)))
		r := &domain.AuditRecord{
			AuditID:       "opt-1-rec",
			SessionID:     "opt-1",
			Timestamp:     base,
			EventType:     domain.EventUserInput,
			InputPayload:  map[string]any{"query": "hola"},
			OutputPayload: map[string]any{},
		}
		require.NoError(t, r.Seal())
		require.NoError(t, s.SaveRecord(ctx, r))

		got, err := s.GetSessionRecords(ctx, "opt-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].LatencyMs)
		assert.Nil(t, got[0].TokenUsage)
		assert.Nil(t, got[0].CacheHit)
		assert.Nil(t, got[0].ErrorPayload)
		assert.False(t, got[0].IsError)
		assert.True(t, got[0].Verify())
	})

	t.Run("error payload round trips", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, Summary("err-1", base)))
		r := Record(t, "err-1", 0, domain.EventError)
		r.IsError = true
		r.ErrorPayload = &domain.ErrorDetail{Type: "TimeoutError", Message: "tool timed out", StackTrace: "goroutine 1"}
		require.NoError(t, s.SaveRecord(ctx, r))

		got, err := s.GetSessionRecords(ctx, "err-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsError)
		require.NotNil(t, got[0].ErrorPayload)
		assert.Equal(t, "TimeoutError", got[0].ErrorPayload.Type)
		assert.Equal(t, "tool timed out", got[0].ErrorPayload.Message)
		assert.Equal(t, "goroutine 1", got[0].ErrorPayload.StackTrace)
	})

	t.Run("unsealed record is rejected", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, Summary("uns-1", base)))
		r := &domain.AuditRecord{AuditID: "uns", SessionID: "uns-1", EventType: domain.EventUserInput, Timestamp: base}
		require.ErrorIs(t, s.SaveRecord(ctx, r), domain.ErrUnsealed)

		got, err := s.GetSessionRecords(ctx, "uns-1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for _, id := range []string{"iso-a", "iso-b"} {
			require.NoError(t, s.UpsertSession(ctx, Summary(id, base)))
			for seq := range int64(2) {
				require.NoError(t, s.SaveRecord(ctx, Record(t, id, seq, domain.EventLLMCall)))
			}
		}

		got, err := s.GetSessionRecords(ctx, "iso-a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, r := range got {
			assert.Equal(t, "iso-a", r.SessionID)
		}

		none, err := s.GetSessionRecords(ctx, "iso-missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("summary round trip and overwrite", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		sum := Summary("sum-1", base)
		sum.PromptVersions = map[string]string{"supervisor": "v2", "promotions": "v1"}
		require.NoError(t, s.UpsertSession(ctx, sum))

		sum.TotalRecords = 3
		sum.TotalLatencyMs = 420
		sum.TotalInputTokens = 100
		sum.TotalOutputTokens = 40
		sum.HasError = true
		sum.UserQuery = "promociones en supermercados"
		sum.FinalResponse = "Hay 3 promociones."
		require.NoError(t, s.UpsertSession(ctx, sum))

		got, err := s.GetSessionSummary(ctx, "sum-1")
		require.NoError(t, err)
		assert.Equal(t, "sum-1", got.SessionID)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.Equal(t, "model-x", got.ModelID)
		assert.Equal(t, map[string]string{"supervisor": "v2", "promotions": "v1"}, got.PromptVersions)
		assert.Equal(t, int64(3), got.TotalRecords)
		assert.Equal(t, int64(420), got.TotalLatencyMs)
		assert.Equal(t, int64(100), got.TotalInputTokens)
		assert.Equal(t, int64(40), got.TotalOutputTokens)
		assert.Equal(t, int64(140), got.TotalTokens())
		assert.True(t, got.HasError)
		assert.Equal(t, "promociones en supermercados", got.UserQuery)
		assert.Equal(t, "Hay 3 promociones.", got.FinalResponse)
	})

	t.Run("unknown summary is not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetSessionSummary(context.Background(), "nope")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("text fields are first write wins", func(t *testing.T) {
		if opts.SnapshotSessions {
			t.Skip("backend stores summary snapshots")
		}
		s := open(t)
		ctx := context.Background()

		sum := Summary("fww-1", base)
		require.NoError(t, s.UpsertSession(ctx, sum))

		sum.UserQuery = "first"
		sum.FinalResponse = "first answer"
		require.NoError(t, s.UpsertSession(ctx, sum))

		sum.UserQuery = "second"
		sum.FinalResponse = "second answer"
		sum.TotalRecords = 9
		require.NoError(t, s.UpsertSession(ctx, sum))

		got, err := s.GetSessionSummary(ctx, "fww-1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.UserQuery)
		assert.Equal(t, "first answer", got.FinalResponse)
		assert.Equal(t, int64(9), got.TotalRecords)
	})

	t.Run("list orders newest first with filter and paging", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i := range 5 {
			sum := Summary(fmt.Sprintf("list-%d", i), base.Add(time.Duration(i)*time.Minute))
			sum.HasError = i%2 == 0
			sum.TotalRecords = int64(i + 1)
			require.NoError(t, s.UpsertSession(ctx, sum))
		}

		all, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-4", "list-3", "list-2", "list-1", "list-0"}, ids(all))

		page, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-2"}, ids(page))

		yes := true
		errs, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &yes})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-4", "list-2", "list-0"}, ids(errs))

		no := false
		clean, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &no})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-1"}, ids(clean))

		empty, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("list filters on the latest error state", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		flipped := Summary("flip-1", base)
		require.NoError(t, s.UpsertSession(ctx, flipped))
		require.NoError(t, s.UpsertSession(ctx, Summary("flip-clean", base.Add(time.Minute))))
		flipped.TotalRecords = 2
		flipped.HasError = true
		require.NoError(t, s.UpsertSession(ctx, flipped))

		no := false
		clean, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &no})
		require.NoError(t, err)
		assert.Equal(t, []string{"flip-clean"}, ids(clean))

		yes := true
		errs, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &yes})
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Equal(t, "flip-1", errs[0].SessionID)
		assert.True(t, errs[0].HasError)
		assert.Equal(t, int64(2), errs[0].TotalRecords)
	})

	t.Run("list returns each session once", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		sum := Summary("dup-1", base)
		for i := range 3 {
			sum.TotalRecords = int64(i + 1)
			require.NoError(t, s.UpsertSession(ctx, sum))
		}

		all, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, int64(3), all[0].TotalRecords)
	})
}

// Summary returns an empty summary created at createdAt.
func Summary(id string, createdAt time.Time) *domain.SessionSummary {
	return domain.NewSessionSummary(id, "model-x", map[string]string{"supervisor": "v1"}, createdAt)
}

// Record returns a sealed record with every optional field populated.
func Record(t *testing.T, sessionID string, seq int64, et domain.EventType) *domain.AuditRecord {
	t.Helper()

	latency := 100 + seq
	cache := true
	r := &domain.AuditRecord{
		AuditID:       fmt.Sprintf("%s-%03d", sessionID, seq),
		SessionID:     sessionID,
		SequenceNum:   seq,
		Timestamp:     base.Add(time.Duration(seq) * time.Second),
		EventType:     et,
		AgentName:     "promotions",
		ModelID:       "model-x",
		PromptName:    "promotions",
		PromptVersion: "v1",
		PromptHash:    "0123456789abcdef",
		InputPayload: map[string]any{
			"query":  "supermercados",
			"limit":  5,
			"nested": map[string]any{"flag": true, "tags": []any{"a", "b"}},
		},
		OutputPayload: map[string]any{"result": "3 promociones", "score": 0.75},
		ToolName:      "search_promotions",
		LatencyMs:     &latency,
		TokenUsage:    domain.NewTokenUsage(50, 20),
		CacheHit:      &cache,
	}
	require.NoError(t, r.Seal())
	return r
}

func ids(list []*domain.SessionSummary) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.SessionID)
	}
	return out
}

// Epoch is the fixed time the suite's fixtures are built around.
func Epoch() time.Time { return base }
