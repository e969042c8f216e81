// Package replay renders stored audit sessions as readable transcripts and
// extracts their conversation history.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gosuda/agentaudit/internal/domain"
)

const (
	ruleWidth       = 70
	previewRunes    = 120
	responseRunes   = 300
	timestampLayout = "2006-01-02 15:04:05 UTC"
)

// Reader is the read side of the audit service.
type Reader interface {
	GetSession(ctx context.Context, sessionID string) (*domain.SessionSummary, error)
	GetSessionRecords(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error)
}

// Price is the USD cost per 1000 tokens.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultPrice applies to models without a price table entry.
//
//nolint:gochecknoglobals // immutable default
var DefaultPrice = Price{InputPer1K: 0.00025, OutputPer1K: 0.00125}

// Message is one turn of an extracted conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithPrices sets per-model prices keyed by model ID prefix. The longest
// matching prefix wins.
func WithPrices(prices map[string]Price) Option {
	return func(r *Replayer) {
		for k, v := range prices {
			r.prices[k] = v
		}
	}
}

// Replayer builds reports over stored sessions. It never writes.
type Replayer struct {
	reader  Reader
	prices  map[string]Price
	printer *message.Printer
}

// New creates a Replayer reading through reader.
func New(reader Reader, opts ...Option) *Replayer {
	r := &Replayer{
		reader:  reader,
		prices:  make(map[string]Price),
		printer: message.NewPrinter(language.English),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildReport renders the full transcript of a session. Lookup failures are
// reported in the returned text rather than as an error.
func (r *Replayer) BuildReport(ctx context.Context, sessionID string) string {
	summary, err := r.reader.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Sprintf("[ERROR] Session '%s' not found.", sessionID)
	}
	if err != nil {
		return fmt.Sprintf("[ERROR] Session '%s' could not be read: %v", sessionID, err)
	}
	records, err := r.reader.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return fmt.Sprintf("[ERROR] Records of session '%s' could not be read: %v", sessionID, err)
	}

	heavy := strings.Repeat("=", ruleWidth)
	light := strings.Repeat("-", ruleWidth)

	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(heavy)
	line("  REPLAY — Session " + sessionID)
	line(heavy)
	line(formatSummary(summary))
	line("")
	line(light)
	line("  EVENTS")
	line(light)
	for _, rec := range records {
		line(formatRecord(rec))
	}
	line(light)
	line("  TOTALS")
	line(light)
	line(r.formatTotals(summary))
	b.WriteString(heavy)

	return b.String()
}

// ExtractMessageHistory returns the user and assistant turns of a session in
// sequence order. Unknown sessions and read errors yield an empty list.
func (r *Replayer) ExtractMessageHistory(ctx context.Context, sessionID string) []Message {
	records, err := r.reader.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return []Message{}
	}
	history := make([]Message, 0, len(records))
	for _, rec := range records {
		switch rec.EventType {
		case domain.EventUserInput:
			if q := stringField(rec.InputPayload, "query"); q != "" {
				history = append(history, Message{Role: "human", Content: q})
			}
		case domain.EventAgentResponse:
			if resp := stringField(rec.OutputPayload, "response"); resp != "" {
				history = append(history, Message{Role: "assistant", Content: resp})
			}
		}
	}
	return history
}

// EstimateCost prices a token count for the given model.
func (r *Replayer) EstimateCost(modelID string, input, output int64) float64 {
	p := r.priceFor(modelID)
	return (float64(input)*p.InputPer1K + float64(output)*p.OutputPer1K) / 1000
}

func (r *Replayer) priceFor(modelID string) Price {
	best, found := "", false
	for prefix := range r.prices {
		if strings.HasPrefix(modelID, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	if !found {
		return DefaultPrice
	}
	return r.prices[best]
}

func formatSummary(s *domain.SessionSummary) string {
	keys := make([]string, 0, len(s.PromptVersions))
	for k := range s.PromptVersions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	versions := make([]string, 0, len(keys))
	for _, k := range keys {
		versions = append(versions, k+"=v"+s.PromptVersions[k])
	}

	status := "OK"
	if s.HasError {
		status = "[ERROR]"
	}

	lines := []string{
		"  Date          : " + formatTime(s.CreatedAt),
		"  Model         : " + orDash(s.ModelID),
		"  Prompt vers.  : " + orDash(strings.Join(versions, ", ")),
		"  Status        : " + status,
	}
	if s.UserQuery != "" {
		lines = append(lines, "  User query    : "+s.UserQuery)
	}
	return strings.Join(lines, "\n")
}

func formatRecord(rec *domain.AuditRecord) string {
	ts := formatTime(rec.Timestamp)
	latency := "-"
	if rec.LatencyMs != nil {
		latency = fmt.Sprintf("%dms", *rec.LatencyMs)
	}
	label := fmt.Sprintf("\n[#%02d]", rec.SequenceNum)

	switch rec.EventType {
	case domain.EventUserInput:
		intent := "-"
		if nlp, ok := rec.InputPayload["nlp_result"].(map[string]any); ok {
			intent = orDash(stringField(nlp, "intent"))
		}
		return fmt.Sprintf("%s USER INPUT @ %s\n     Query  : %s\n     Intent : %s",
			label, ts, stringField(rec.InputPayload, "query"), intent)

	case domain.EventSupervisorDecision:
		return fmt.Sprintf("%s SUPERVISOR DECISION @ %s (+%s)\n     Decision     : %s\n     Prompt       : %s\n     Tokens       : %s",
			label, ts, latency, orDash(stringField(rec.OutputPayload, "decision")), promptRef(rec), formatTokens(rec))

	case domain.EventLLMCall:
		lines := []string{
			fmt.Sprintf("%s LLM CALL [%s] @ %s (+%s)", label, orDash(rec.AgentName), ts, latency),
			"     Prompt       : " + promptRef(rec),
			"     Tokens       : " + formatTokens(rec),
		}
		calls := toolCalls(rec.OutputPayload["tool_calls"])
		if len(calls) == 0 {
			lines = append(lines, "     Output       : "+preview(stringField(rec.OutputPayload, "content"), previewRunes))
		}
		for _, tc := range calls {
			lines = append(lines, fmt.Sprintf("     Tool call    : %s(%s)", stringField(tc, "name"), compactJSON(tc["args"])))
		}
		return strings.Join(lines, "\n")

	case domain.EventToolCall:
		cache := "-"
		if rec.CacheHit != nil {
			cache = "MISS"
			if *rec.CacheHit {
				cache = "HIT"
			}
		}
		return fmt.Sprintf("%s TOOL CALL [%s] @ %s (+%s)\n     Tool   : %s\n     Args   : %s\n     Cache  : %s\n     Result : %s",
			label, orDash(rec.AgentName), ts, latency, orDash(rec.ToolName),
			compactJSON(rec.InputPayload["tool_args"]), cache, preview(stringField(rec.OutputPayload, "result"), previewRunes))

	case domain.EventAgentResponse:
		return fmt.Sprintf("%s AGENT RESPONSE @ %s (+%s)\n     %s",
			label, ts, latency, preview(stringField(rec.OutputPayload, "response"), responseRunes))

	case domain.EventError:
		typ, msg := "-", "-"
		if rec.ErrorPayload != nil {
			typ, msg = orDash(rec.ErrorPayload.Type), orDash(rec.ErrorPayload.Message)
		}
		return fmt.Sprintf("%s [ERROR] [%s] @ %s\n     Type    : %s\n     Message : %s",
			label, orDash(rec.AgentName), ts, typ, msg)
	}

	return fmt.Sprintf("%s %s @ %s", label, rec.EventType, ts)
}

func (r *Replayer) formatTotals(s *domain.SessionSummary) string {
	p := r.printer
	cost := r.EstimateCost(s.ModelID, s.TotalInputTokens, s.TotalOutputTokens)
	return strings.Join([]string{
		p.Sprintf("  Total latency  : %dms (%.2fs)", s.TotalLatencyMs, float64(s.TotalLatencyMs)/1000),
		p.Sprintf("  Tokens (in)    : %d", s.TotalInputTokens),
		p.Sprintf("  Tokens (out)   : %d", s.TotalOutputTokens),
		p.Sprintf("  Tokens (total) : %d", s.TotalTokens()),
		fmt.Sprintf("  Estimated cost : ~$%.6f USD", cost),
		p.Sprintf("  Total records  : %d", s.TotalRecords),
	}, "\n")
}

func formatTokens(rec *domain.AuditRecord) string {
	if rec.TokenUsage == nil {
		return "-"
	}
	return fmt.Sprintf("%d in / %d out", rec.TokenUsage.Input, rec.TokenUsage.Output)
}

func promptRef(rec *domain.AuditRecord) string {
	return fmt.Sprintf("v%s [hash:%s]", orDash(rec.PromptVersion), orDash(rec.PromptHash))
}

func preview(text string, n int) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if text == "" {
		return "-"
	}
	runes := []rune(text)
	if len(runes) > n {
		return string(runes[:n]) + "..."
	}
	return text
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timestampLayout)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// toolCalls accepts both the in-memory and the decoded JSON shape.
func toolCalls(v any) []map[string]any {
	switch x := v.(type) {
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, c := range x {
			if m, ok := c.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
