package domain

import (
	"context"
	"maps"
	"time"
)

// SessionSummary is the incrementally folded aggregate of a session's records.
type SessionSummary struct {
	SessionID         string            `json:"session_id"`
	CreatedAt         time.Time         `json:"created_at"`
	ModelID           string            `json:"model_id,omitempty"`
	PromptVersions    map[string]string `json:"prompt_versions"`
	TotalRecords      int64             `json:"total_records"`
	TotalLatencyMs    int64             `json:"total_latency_ms"`
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	HasError          bool              `json:"has_error"`
	UserQuery         string            `json:"user_query,omitempty"`
	FinalResponse     string            `json:"final_response,omitempty"`
}

// NewSessionSummary returns an empty summary for a freshly observed session.
func NewSessionSummary(sessionID, modelID string, promptVersions map[string]string, createdAt time.Time) *SessionSummary {
	if promptVersions == nil {
		promptVersions = map[string]string{}
	}
	return &SessionSummary{
		SessionID:      sessionID,
		CreatedAt:      createdAt.UTC(),
		ModelID:        modelID,
		PromptVersions: maps.Clone(promptVersions),
	}
}

// Fold adds one record to the running totals. HasError never resets.
func (s *SessionSummary) Fold(rec *AuditRecord) {
	s.TotalRecords++
	if rec.LatencyMs != nil {
		s.TotalLatencyMs += *rec.LatencyMs
	}
	if rec.TokenUsage != nil {
		s.TotalInputTokens += rec.TokenUsage.Input
		s.TotalOutputTokens += rec.TokenUsage.Output
	}
	if rec.IsError {
		s.HasError = true
	}
	if s.ModelID == "" && rec.ModelID != "" {
		s.ModelID = rec.ModelID
	}
}

// TotalTokens returns input plus output tokens.
func (s *SessionSummary) TotalTokens() int64 {
	return s.TotalInputTokens + s.TotalOutputTokens
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *SessionSummary) Clone() *SessionSummary {
	c := *s
	c.PromptVersions = maps.Clone(s.PromptVersions)
	return &c
}

// ListSessionsFilter pages and filters session listings.
// A nil HasError means no filter.
type ListSessionsFilter struct {
	Limit    int
	Offset   int
	HasError *bool
}

// AuditStorage is the durable, queryable persistence boundary for audit
// records and session summaries. Implementations hold no state beyond what
// callers pass in.
type AuditStorage interface {
	Initialize(ctx context.Context) error
	SaveRecord(ctx context.Context, rec *AuditRecord) error
	UpsertSession(ctx context.Context, summary *SessionSummary) error
	// GetSessionRecords returns records ordered by ascending sequence number.
	GetSessionRecords(ctx context.Context, sessionID string) ([]*AuditRecord, error)
	// GetSessionSummary returns ErrNotFound when the session is unknown.
	GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error)
	// ListSessions returns summaries ordered most recent first.
	ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*SessionSummary, error)
	Close() error
}
