package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies an audit record or pipeline event.
type EventType string

const (
	EventUserInput          EventType = "user_input"
	EventSupervisorDecision EventType = "supervisor_decision"
	EventLLMCall            EventType = "llm_call"
	EventToolCall           EventType = "tool_call"
	EventAgentResponse      EventType = "agent_response"
	EventError              EventType = "error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserInput, EventSupervisorDecision, EventLLMCall, EventToolCall, EventAgentResponse, EventError:
		return true
	}
	return false
}

// TokenUsage holds model token counts for one invocation.
type TokenUsage struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
	Total  int64 `json:"total_tokens"`
}

// NewTokenUsage builds a usage value with the total filled in.
func NewTokenUsage(input, output int64) *TokenUsage {
	return &TokenUsage{Input: input, Output: output, Total: input + output}
}

// TokenUsageFromMetadata extracts token counts from provider response
// metadata. Returns nil when no known key is present.
func TokenUsageFromMetadata(meta map[string]any) *TokenUsage {
	if meta == nil {
		return nil
	}
	in, okIn := firstInt(meta, "input_tokens", "inputTokens", "prompt_tokens")
	out, okOut := firstInt(meta, "output_tokens", "outputTokens", "completion_tokens")
	total, okTotal := firstInt(meta, "total_tokens", "totalTokens")
	if !okIn && !okOut && !okTotal {
		return nil
	}
	if !okTotal {
		total = in + out
	}
	return &TokenUsage{Input: in, Output: out, Total: total}
}

func firstInt(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		case int64:
			return n, true
		case float64:
			return int64(n), true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

// ErrorDetail describes a failure attached to a record or event.
type ErrorDetail struct {
	Type          string         `json:"type"`
	Message       string         `json:"message"`
	StackTrace    string         `json:"stack_trace,omitempty"`
	InputSnapshot map[string]any `json:"input_snapshot,omitempty"`
}

// AuditRecord is one sealed, append-only entry in a session timeline.
// SequenceNum, not Timestamp, is the ordering authority.
type AuditRecord struct {
	AuditID       string         `json:"audit_id"`
	SessionID     string         `json:"session_id"`
	SequenceNum   int64          `json:"sequence_num"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	AgentName     string         `json:"agent_name,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	PromptName    string         `json:"prompt_name,omitempty"`
	PromptVersion string         `json:"prompt_version,omitempty"`
	PromptHash    string         `json:"prompt_hash,omitempty"`
	InputPayload  map[string]any `json:"input_payload"`
	OutputPayload map[string]any `json:"output_payload"`
	ToolName      string         `json:"tool_name,omitempty"`
	LatencyMs     *int64         `json:"latency_ms,omitempty"`
	TokenUsage    *TokenUsage    `json:"token_usage,omitempty"`
	CacheHit      *bool          `json:"cache_hit,omitempty"`
	IsError       bool           `json:"is_error"`
	ErrorPayload  *ErrorDetail   `json:"error_payload,omitempty"`
	ContentHash   string         `json:"content_hash"`
}

// Sealed reports whether the content hash has been computed.
func (r *AuditRecord) Sealed() bool {
	return r.ContentHash != ""
}

// Seal computes the content hash over the input and output payloads.
// Sealing an already sealed record leaves the hash untouched.
func (r *AuditRecord) Seal() error {
	if r.Sealed() {
		return nil
	}
	h, err := ComputeContentHash(r.InputPayload, r.OutputPayload)
	if err != nil {
		return fmt.Errorf("domain.AuditRecord.Seal: %w", err)
	}
	r.ContentHash = h
	return nil
}

// Verify recomputes the content hash and compares it with the stored one.
func (r *AuditRecord) Verify() bool {
	if !r.Sealed() {
		return false
	}
	h, err := ComputeContentHash(r.InputPayload, r.OutputPayload)
	if err != nil {
		return false
	}
	return h == r.ContentHash
}

// ComputeContentHash returns the hex SHA-256 of the canonical JSON encoding
// of {"input": in, "output": out}.
func ComputeContentHash(in, out map[string]any) (string, error) {
	data, err := CanonicalJSON(map[string]any{"input": in, "output": out})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v with map keys sorted at every level. Structs are
// normalised through a decode pass so that a value hashes the same before
// and after a storage round trip.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalise: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return out, nil
}

// Verification is the integrity check result for one stored record.
type Verification struct {
	AuditID     string    `json:"audit_id"`
	SequenceNum int64     `json:"sequence_num"`
	EventType   EventType `json:"event_type"`
	Valid       bool      `json:"valid"`
}

// DecodePayload parses a stored JSON object, keeping numbers as json.Number
// so that re-hashing a loaded record reproduces the sealed hash. Empty
// input and JSON null decode to nil.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("domain.DecodePayload: %w", err)
	}
	return m, nil
}
