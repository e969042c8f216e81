package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/sanitize"
	"github.com/gosuda/agentaudit/internal/trace"
)

// Sampler decides whether an event is delivered.
type Sampler interface {
	ShouldRecord(ev *domain.AuditEvent) bool
}

// Enqueuer accepts events without blocking. *Pipeline satisfies it.
type Enqueuer interface {
	Enqueue(ev *domain.AuditEvent)
}

// Emitter is the front door producers use: it stamps trace identifiers,
// samples, sanitizes and enqueues.
type Emitter struct {
	queue   Enqueuer
	sampler Sampler
	enabled bool
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEmitter creates an Emitter. A disabled emitter drops every event.
func NewEmitter(queue Enqueuer, sampler Sampler, enabled bool, m *metrics.Metrics) *Emitter {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Emitter{
		queue:   queue,
		sampler: sampler,
		enabled: enabled,
		metrics: m,
		now:     time.Now,
	}
}

// Emit delivers a sanitized copy of ev. The caller's value is not modified.
func (e *Emitter) Emit(ctx context.Context, ev *domain.AuditEvent) {
	if ev == nil {
		return
	}
	if !e.enabled {
		e.metrics.EventsDropped.WithLabelValues(metrics.DropDisabled).Inc()
		return
	}

	out := *ev
	if out.TraceID == "" {
		if tc, ok := trace.FromContext(ctx); ok {
			out.TraceID = tc.TraceID
			out.SpanID = tc.SpanID
			out.ParentSpanID = tc.ParentSpanID
		}
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = e.now().UTC()
	}
	if out.Status == "" {
		out.Status = domain.StatusOK
	}

	if e.sampler != nil && !e.sampler.ShouldRecord(&out) {
		e.metrics.EventsDropped.WithLabelValues(metrics.DropSampled).Inc()
		return
	}

	out.Data = sanitize.Map(ev.Data)
	if ev.Error != nil {
		detail := *ev.Error
		detail.Message = sanitize.String(detail.Message)
		detail.InputSnapshot = sanitize.Map(ev.Error.InputSnapshot)
		out.Error = &detail
	}

	e.queue.Enqueue(&out)
}

// EmitLLMCall records one model invocation.
func (e *Emitter) EmitLLMCall(ctx context.Context, agent string, latency time.Duration, usage *domain.TokenUsage, costUSD float64, err error) {
	ev := &domain.AuditEvent{
		EventType: domain.EventLLMCall,
		Agent:     agent,
		Action:    "invoke",
		LatencyMs: latencyMs(latency),
		CostUSD:   &costUSD,
	}
	if usage != nil {
		ev.TokensInput = &usage.Input
		ev.TokensOutput = &usage.Output
	}
	applyErr(ev, err, nil)
	e.Emit(ctx, ev)
}

// EmitToolCall records one tool execution.
func (e *Emitter) EmitToolCall(ctx context.Context, agent, tool string, args map[string]any, latency time.Duration, err error) {
	ev := &domain.AuditEvent{
		EventType: domain.EventToolCall,
		Agent:     agent,
		Action:    tool,
		LatencyMs: latencyMs(latency),
		Data:      map[string]any{"tool": tool, "args": args},
	}
	applyErr(ev, err, args)
	e.Emit(ctx, ev)
}

// EmitError records a failure outside a model or tool call.
func (e *Emitter) EmitError(ctx context.Context, agent, action string, err error, input map[string]any) {
	ev := &domain.AuditEvent{
		EventType: domain.EventError,
		Agent:     agent,
		Action:    action,
	}
	applyErr(ev, err, input)
	if ev.Status == domain.StatusOK {
		ev.Status = domain.StatusError
	}
	e.Emit(ctx, ev)
}

func applyErr(ev *domain.AuditEvent, err error, input map[string]any) {
	if err == nil {
		ev.Status = domain.StatusOK
		return
	}
	ev.Status = domain.StatusError
	if errors.Is(err, context.DeadlineExceeded) {
		ev.Status = domain.StatusTimeout
	}
	ev.Error = &domain.ErrorDetail{
		Type:          fmt.Sprintf("%T", err),
		Message:       err.Error(),
		InputSnapshot: input,
	}
}

func latencyMs(d time.Duration) *float64 {
	ms := float64(d.Microseconds()) / 1000
	return &ms
}
