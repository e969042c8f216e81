package domain

import "time"

// EventStatus is the outcome of the operation an AuditEvent describes.
type EventStatus string

const (
	StatusOK      EventStatus = "ok"
	StatusError   EventStatus = "error"
	StatusTimeout EventStatus = "timeout"
	StatusRetry   EventStatus = "retry"
)

// Failed reports whether the status carries failure signal.
func (s EventStatus) Failed() bool {
	return s == StatusError || s == StatusTimeout
}

// AuditEvent is the lightweight, ephemeral event carried by the delivery
// pipeline. It has no durable identity.
type AuditEvent struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	EventType    EventType      `json:"event_type"`
	Agent        string         `json:"agent,omitempty"`
	Action       string         `json:"action,omitempty"`
	Status       EventStatus    `json:"status"`
	LatencyMs    *float64       `json:"latency_ms,omitempty"`
	TokensInput  *int64         `json:"tokens_input,omitempty"`
	TokensOutput *int64         `json:"tokens_output,omitempty"`
	CostUSD      *float64       `json:"cost_usd,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Error        *ErrorDetail   `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
