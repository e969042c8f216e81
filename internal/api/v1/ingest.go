package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/domain"
)

type IngestError struct {
	Type       string `json:"type,omitempty" doc:"Error class"`
	Message    string `json:"message" doc:"Error message"`
	StackTrace string `json:"stack_trace,omitempty" maxLength:"65536" doc:"Stack trace captured where the error was handled"`
}

// RecordBody is a tagged audit record sent by an out-of-process agent. Which
// fields apply depends on Type.
type RecordBody struct {
	Type         string           `json:"type" enum:"user_input,llm_call,tool_call,supervisor_decision,agent_response,error" doc:"Record kind"`
	ModelID      string           `json:"model_id,omitempty" maxLength:"200" doc:"Model identifier"`
	AgentName    string           `json:"agent_name,omitempty" maxLength:"200" doc:"Agent that produced the record"`
	PromptName   string           `json:"prompt_name,omitempty" maxLength:"200" doc:"Registered prompt used by an llm_call"`
	Query        string           `json:"query,omitempty" doc:"user_input: the raw query"`
	NLPResult    map[string]any   `json:"nlp_result,omitempty" doc:"user_input: NLP pre-processing result"`
	Messages     []map[string]any `json:"messages,omitempty" doc:"llm_call, supervisor_decision: input messages"`
	Response     string           `json:"response,omitempty" doc:"llm_call: model output; agent_response: final answer"`
	ToolCalls    []map[string]any `json:"tool_calls,omitempty" doc:"llm_call: tool calls requested by the model"`
	ToolName     string           `json:"tool_name,omitempty" doc:"tool_call: tool name"`
	ToolArgs     map[string]any   `json:"tool_args,omitempty" doc:"tool_call: arguments"`
	ToolResult   any              `json:"tool_result,omitempty" doc:"tool_call: result"`
	Decision     string           `json:"decision,omitempty" doc:"supervisor_decision: routed agent"`
	LatencyMs    int64            `json:"latency_ms,omitempty" minimum:"0" doc:"Latency, or total turn latency for agent_response"`
	InputTokens  *int64           `json:"input_tokens,omitempty" minimum:"0" doc:"Prompt tokens"`
	OutputTokens *int64           `json:"output_tokens,omitempty" minimum:"0" doc:"Completion tokens"`
	CacheHit     *bool            `json:"cache_hit,omitempty" doc:"Whether a cache served the call"`
	Error        *IngestError     `json:"error,omitempty" doc:"tool_call, error: failure details"`
	Input        map[string]any   `json:"input,omitempty" doc:"error: input snapshot"`
}

type IngestRecordInput struct {
	ID   string `path:"id" minLength:"1" maxLength:"200" doc:"Session ID"`
	Body RecordBody
}

// EventBody is a pipeline event. Missing trace identifiers are taken from
// the request's traceparent.
type EventBody struct {
	TraceID      string              `json:"trace_id,omitempty" doc:"Trace ID"`
	SpanID       string              `json:"span_id,omitempty" doc:"Span ID"`
	ParentSpanID string              `json:"parent_span_id,omitempty" doc:"Parent span ID"`
	EventType    string              `json:"event_type" enum:"user_input,llm_call,tool_call,supervisor_decision,agent_response,error" doc:"Event kind"`
	Agent        string              `json:"agent,omitempty" doc:"Agent name"`
	Action       string              `json:"action,omitempty" doc:"Action or tool name"`
	Status       string              `json:"status,omitempty" enum:"ok,error,timeout,retry" doc:"Outcome, ok when omitted"`
	LatencyMs    *float64            `json:"latency_ms,omitempty" minimum:"0" doc:"Latency in milliseconds"`
	TokensInput  *int64              `json:"tokens_input,omitempty" minimum:"0" doc:"Prompt tokens"`
	TokensOutput *int64              `json:"tokens_output,omitempty" minimum:"0" doc:"Completion tokens"`
	CostUSD      *float64            `json:"cost_usd,omitempty" minimum:"0" doc:"Estimated cost"`
	Data         map[string]any      `json:"data,omitempty" doc:"Free-form payload, sanitized before export"`
	Error        *domain.ErrorDetail `json:"error,omitempty" doc:"Failure details"`
	Timestamp    *time.Time          `json:"timestamp,omitempty" doc:"Event time, now when omitted"`
}

type IngestEventInput struct {
	Body EventBody
}

type AcceptedOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func accepted() *AcceptedOutput {
	out := &AcceptedOutput{}
	out.Body.Status = "accepted"
	return out
}

func RegisterIngestRoutes(api huma.API, recorder Recorder, emitter EventEmitter) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-record",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/events",
		Summary:       "Append an audit record to a session",
		Description:   "Recording failures are logged server side and never reported to the caller.",
		Tags:          []string{"Ingest"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *IngestRecordInput) (*AcceptedOutput, error) {
		dispatchRecord(ctx, recorder, input.ID, &input.Body)
		return accepted(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Emit a pipeline event",
		Description:   "The event may be sampled out or dropped under backpressure.",
		Tags:          []string{"Ingest"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *IngestEventInput) (*AcceptedOutput, error) {
		emitter.Emit(ctx, toEvent(&input.Body))
		return accepted(), nil
	})
}

func dispatchRecord(ctx context.Context, recorder Recorder, sessionID string, b *RecordBody) {
	switch domain.EventType(b.Type) {
	case domain.EventUserInput:
		recorder.RecordUserInput(ctx, audit.UserInput{
			SessionID: sessionID,
			ModelID:   b.ModelID,
			Query:     b.Query,
			NLPResult: b.NLPResult,
		})
	case domain.EventLLMCall:
		recorder.RecordLLMCall(ctx, audit.LLMCall{
			SessionID:  sessionID,
			ModelID:    b.ModelID,
			AgentName:  b.AgentName,
			PromptName: b.PromptName,
			Messages:   b.Messages,
			Response:   b.Response,
			ToolCalls:  b.ToolCalls,
			LatencyMs:  b.LatencyMs,
			Usage:      usage(b.InputTokens, b.OutputTokens),
			CacheHit:   b.CacheHit,
		})
	case domain.EventToolCall:
		recorder.RecordToolExecution(ctx, audit.ToolExecution{
			SessionID: sessionID,
			ModelID:   b.ModelID,
			AgentName: b.AgentName,
			ToolName:  b.ToolName,
			Args:      b.ToolArgs,
			Result:    b.ToolResult,
			LatencyMs: b.LatencyMs,
			CacheHit:  b.CacheHit,
			Err:       ingestErr(b.Error),
		})
	case domain.EventSupervisorDecision:
		recorder.RecordSupervisorDecision(ctx, audit.SupervisorDecision{
			SessionID: sessionID,
			ModelID:   b.ModelID,
			Decision:  b.Decision,
			Messages:  b.Messages,
			LatencyMs: b.LatencyMs,
			Usage:     usage(b.InputTokens, b.OutputTokens),
		})
	case domain.EventAgentResponse:
		recorder.RecordFinalResponse(ctx, audit.FinalResponse{
			SessionID:      sessionID,
			ModelID:        b.ModelID,
			Response:       b.Response,
			TotalLatencyMs: b.LatencyMs,
		})
	case domain.EventError:
		recorder.RecordError(ctx, audit.ErrorEvent{
			SessionID: sessionID,
			ModelID:   b.ModelID,
			AgentName: b.AgentName,
			Err:       ingestErr(b.Error),
			Input:     b.Input,
		})
	}
}

func usage(in, out *int64) *domain.TokenUsage {
	if in == nil && out == nil {
		return nil
	}
	var i, o int64
	if in != nil {
		i = *in
	}
	if out != nil {
		o = *out
	}
	return domain.NewTokenUsage(i, o)
}

func ingestErr(e *IngestError) error {
	if e == nil {
		return nil
	}
	return &audit.TypedError{Type: e.Type, Message: e.Message, StackTrace: e.StackTrace}
}

func toEvent(b *EventBody) *domain.AuditEvent {
	ev := &domain.AuditEvent{
		TraceID:      b.TraceID,
		SpanID:       b.SpanID,
		ParentSpanID: b.ParentSpanID,
		EventType:    domain.EventType(b.EventType),
		Agent:        b.Agent,
		Action:       b.Action,
		Status:       domain.EventStatus(b.Status),
		LatencyMs:    b.LatencyMs,
		TokensInput:  b.TokensInput,
		TokensOutput: b.TokensOutput,
		CostUSD:      b.CostUSD,
		Data:         b.Data,
		Error:        b.Error,
	}
	if b.Timestamp != nil {
		ev.Timestamp = b.Timestamp.UTC()
	}
	return ev
}
