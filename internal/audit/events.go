package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gosuda/agentaudit/internal/domain"
)

// Size caps for free-text fields.
const (
	MaxToolResultRunes = 4000
	MaxResponseRunes   = 4000
	MaxSummaryResponse = 500
	TruncatedMarker    = "…[truncated]"
)

// SupervisorAgent names both the routing agent and its prompt.
const SupervisorAgent = "supervisor"

const (
	unknownErrorType    = "unknown"
	unknownErrorMessage = "unknown error"
)

// UserInput is the raw user query that opens a turn.
type UserInput struct {
	SessionID string
	ModelID   string
	Query     string
	NLPResult map[string]any
}

// LLMCall is one model invocation by an agent.
type LLMCall struct {
	SessionID  string
	ModelID    string
	AgentName  string
	PromptName string
	Messages   []map[string]any
	Response   string
	ToolCalls  []map[string]any
	LatencyMs  int64
	Usage      *domain.TokenUsage
	CacheHit   *bool
}

// ToolExecution is one tool run. A non-nil Err marks the record as failed.
type ToolExecution struct {
	SessionID string
	ModelID   string
	AgentName string
	ToolName  string
	Args      map[string]any
	Result    any
	LatencyMs int64
	CacheHit  *bool
	Err       error
}

// SupervisorDecision is the routing choice made by the supervisor agent.
type SupervisorDecision struct {
	SessionID string
	ModelID   string
	Decision  string
	Messages  []map[string]any
	LatencyMs int64
	Usage     *domain.TokenUsage
}

// FinalResponse is the answer returned to the user.
type FinalResponse struct {
	SessionID      string
	ModelID        string
	Response       string
	TotalLatencyMs int64
}

// ErrorEvent is a failure outside a model or tool call.
type ErrorEvent struct {
	SessionID  string
	ModelID    string
	AgentName  string
	Err        error
	Input      map[string]any
	// StackTrace is stored verbatim, e.g. string(debug.Stack()) taken where
	// the error was handled.
	StackTrace string
}

// RecordUserInput appends a user_input record. The first query of a
// session becomes its summary query.
func (s *Service) RecordUserInput(ctx context.Context, in UserInput) {
	s.record(ctx, entry{
		op:        "record_user_input",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			return &domain.AuditRecord{
				EventType:     domain.EventUserInput,
				InputPayload:  map[string]any{"query": in.Query, "nlp_result": in.NLPResult},
				OutputPayload: map[string]any{},
			}
		},
		summarize: func(sum *domain.SessionSummary) {
			if sum.UserQuery == "" {
				sum.UserQuery = in.Query
			}
		},
	})
}

// RecordLLMCall appends an llm_call record stamped with the prompt version.
func (s *Service) RecordLLMCall(ctx context.Context, in LLMCall) {
	s.record(ctx, entry{
		op:        "record_llm_call",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			version, hash := s.promptMeta(in.PromptName)
			return &domain.AuditRecord{
				EventType:     domain.EventLLMCall,
				AgentName:     in.AgentName,
				PromptName:    in.PromptName,
				PromptVersion: version,
				PromptHash:    hash,
				InputPayload:  map[string]any{"messages": in.Messages},
				OutputPayload: map[string]any{"content": in.Response, "tool_calls": in.ToolCalls},
				LatencyMs:     &in.LatencyMs,
				TokenUsage:    in.Usage,
				CacheHit:      in.CacheHit,
			}
		},
	})
}

// RecordToolExecution appends a tool_call record. The result is stringified
// and capped at MaxToolResultRunes.
func (s *Service) RecordToolExecution(ctx context.Context, in ToolExecution) {
	s.record(ctx, entry{
		op:        "record_tool_execution",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			rec := &domain.AuditRecord{
				EventType:     domain.EventToolCall,
				AgentName:     in.AgentName,
				ToolName:      in.ToolName,
				InputPayload:  map[string]any{"tool_args": in.Args},
				OutputPayload: map[string]any{"result": Truncate(stringify(in.Result), MaxToolResultRunes)},
				LatencyMs:     &in.LatencyMs,
				CacheHit:      in.CacheHit,
			}
			if in.Err != nil {
				rec.IsError = true
				rec.ErrorPayload = errorDetail(in.Err, nil)
			}
			return rec
		},
	})
}

// RecordSupervisorDecision appends a supervisor_decision record.
func (s *Service) RecordSupervisorDecision(ctx context.Context, in SupervisorDecision) {
	s.record(ctx, entry{
		op:        "record_supervisor_decision",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			version, hash := s.promptMeta(SupervisorAgent)
			return &domain.AuditRecord{
				EventType:     domain.EventSupervisorDecision,
				AgentName:     SupervisorAgent,
				PromptName:    SupervisorAgent,
				PromptVersion: version,
				PromptHash:    hash,
				InputPayload:  map[string]any{"messages": in.Messages},
				OutputPayload: map[string]any{"decision": in.Decision},
				LatencyMs:     &in.LatencyMs,
				TokenUsage:    in.Usage,
			}
		},
	})
}

// RecordFinalResponse appends an agent_response record carrying the total
// turn latency and snapshots the response into the summary.
func (s *Service) RecordFinalResponse(ctx context.Context, in FinalResponse) {
	s.record(ctx, entry{
		op:        "record_final_response",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			return &domain.AuditRecord{
				EventType:     domain.EventAgentResponse,
				InputPayload:  map[string]any{},
				OutputPayload: map[string]any{"response": Truncate(in.Response, MaxResponseRunes)},
				LatencyMs:     &in.TotalLatencyMs,
			}
		},
		summarize: func(sum *domain.SessionSummary) {
			sum.FinalResponse = truncateRunes(in.Response, MaxSummaryResponse)
		},
	})
}

// RecordError appends an error record and flags the session.
func (s *Service) RecordError(ctx context.Context, in ErrorEvent) {
	s.record(ctx, entry{
		op:        "record_error",
		sessionID: in.SessionID,
		modelID:   in.ModelID,
		build: func() *domain.AuditRecord {
			return &domain.AuditRecord{
				EventType:     domain.EventError,
				AgentName:     in.AgentName,
				InputPayload:  map[string]any{},
				OutputPayload: map[string]any{},
				IsError:       true,
				ErrorPayload:  withStack(errorDetail(in.Err, in.Input), in.StackTrace),
			}
		},
	})
}

// Truncate caps s at limit runes, appending TruncatedMarker when cut.
func Truncate(s string, limit int) string {
	cut := truncateRunes(s, limit)
	if len(cut) == len(s) {
		return s
	}
	return cut + TruncatedMarker
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// TypedError carries an error class reported by an out-of-process agent.
type TypedError struct {
	Type       string
	Message    string
	StackTrace string
}

func (e *TypedError) Error() string { return e.Message }

func errorDetail(err error, input map[string]any) *domain.ErrorDetail {
	if err == nil {
		return &domain.ErrorDetail{Type: unknownErrorType, Message: unknownErrorMessage, InputSnapshot: input}
	}
	var typed *TypedError
	if errors.As(err, &typed) {
		errType := typed.Type
		if errType == "" {
			errType = "audit.TypedError"
		}
		return &domain.ErrorDetail{Type: errType, Message: err.Error(), StackTrace: typed.StackTrace, InputSnapshot: input}
	}
	return &domain.ErrorDetail{
		Type:          strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
		Message:       err.Error(),
		InputSnapshot: input,
	}
}

func withStack(d *domain.ErrorDetail, stack string) *domain.ErrorDetail {
	if stack != "" {
		d.StackTrace = stack
	}
	return d
}
