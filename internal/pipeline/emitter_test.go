package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
	"github.com/gosuda/agentaudit/internal/sampling"
	"github.com/gosuda/agentaudit/internal/trace"
)

type captureQueue struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func (c *captureQueue) Enqueue(ev *domain.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureQueue) all() []*domain.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.AuditEvent(nil), c.events...)
}

func keepAll() *sampling.Policy  { return sampling.New(1, 1, time.Second, false) }
func keepNone() *sampling.Policy { return sampling.New(0, 0, time.Hour, false) }

func TestEmitter_Emit(t *testing.T) {
	t.Parallel()

	t.Run("sanitizes a copy and stamps trace", func(t *testing.T) {
		t.Parallel()

		q := &captureQueue{}
		e := pipeline.NewEmitter(q, keepAll(), true, nil)
		ctx, tc := trace.New(context.Background())

		in := &domain.AuditEvent{
			EventType: domain.EventUserInput,
			Data:      map[string]any{"query": "soy a@b.com", "password": "x"},
			Error:     &domain.ErrorDetail{Type: "E", Message: "for a@b.com", InputSnapshot: map[string]any{"token": "t"}},
		}
		e.Emit(ctx, in)

		got := q.all()
		require.Len(t, got, 1)
		out := got[0]
		assert.Equal(t, tc.TraceID, out.TraceID)
		assert.Equal(t, tc.SpanID, out.SpanID)
		assert.Equal(t, domain.StatusOK, out.Status)
		assert.False(t, out.Timestamp.IsZero())
		assert.Equal(t, "soy [REDACTED_EMAIL]", out.Data["query"])
		assert.Equal(t, "[REDACTED]", out.Data["password"])
		assert.Equal(t, "for [REDACTED_EMAIL]", out.Error.Message)
		assert.Equal(t, "[REDACTED]", out.Error.InputSnapshot["token"])

		assert.Equal(t, "soy a@b.com", in.Data["query"], "input must not be mutated")
		assert.Equal(t, "t", in.Error.InputSnapshot["token"])
		assert.Empty(t, in.TraceID)
	})

	t.Run("explicit trace id wins", func(t *testing.T) {
		t.Parallel()

		q := &captureQueue{}
		e := pipeline.NewEmitter(q, keepAll(), true, nil)
		ctx, _ := trace.New(context.Background())
		e.Emit(ctx, &domain.AuditEvent{TraceID: "mine", SpanID: "s"})
		assert.Equal(t, "mine", q.all()[0].TraceID)
	})

	t.Run("disabled drops", func(t *testing.T) {
		t.Parallel()

		q := &captureQueue{}
		e := pipeline.NewEmitter(q, keepAll(), false, nil)
		e.Emit(context.Background(), &domain.AuditEvent{Status: domain.StatusError})
		assert.Empty(t, q.all())
	})

	t.Run("sampler drops ok but keeps errors", func(t *testing.T) {
		t.Parallel()

		q := &captureQueue{}
		e := pipeline.NewEmitter(q, keepNone(), true, nil)
		e.Emit(context.Background(), &domain.AuditEvent{Status: domain.StatusOK})
		e.Emit(context.Background(), &domain.AuditEvent{Status: domain.StatusError})
		got := q.all()
		require.Len(t, got, 1)
		assert.Equal(t, domain.StatusError, got[0].Status)
	})
}

func TestEmitter_Helpers(t *testing.T) {
	t.Parallel()

	q := &captureQueue{}
	e := pipeline.NewEmitter(q, keepAll(), true, nil)
	ctx := context.Background()

	e.EmitLLMCall(ctx, "promotions", 250*time.Millisecond, domain.NewTokenUsage(100, 20), 0.00005, nil)
	e.EmitToolCall(ctx, "promotions", "search_benefits", map[string]any{"q": "x"}, time.Second, fmt.Errorf("wrap: %w", context.DeadlineExceeded))
	e.EmitError(ctx, "supervisor", "route", errors.New("bad"), map[string]any{"api_key": "k"})

	got := q.all()
	require.Len(t, got, 3)

	assert.Equal(t, domain.EventLLMCall, got[0].EventType)
	assert.InDelta(t, 250, *got[0].LatencyMs, 0.001)
	assert.Equal(t, int64(100), *got[0].TokensInput)
	assert.Equal(t, int64(20), *got[0].TokensOutput)
	assert.Equal(t, domain.StatusOK, got[0].Status)

	assert.Equal(t, domain.StatusTimeout, got[1].Status)
	assert.Equal(t, "search_benefits", got[1].Action)

	assert.Equal(t, domain.EventError, got[2].EventType)
	assert.Equal(t, domain.StatusError, got[2].Status)
	assert.Equal(t, "[REDACTED]", got[2].Error.InputSnapshot["api_key"])
	assert.Equal(t, "*errors.errorString", got[2].Error.Type)
}

func TestEmitter_IntoPipeline(t *testing.T) {
	t.Parallel()

	rec := &recordingExporter{name: "rec"}
	p := pipeline.New(pipeline.Config{Capacity: 16}, nil, rec)
	ctx := ctxTimeout(t)
	p.Start(ctx)

	e := pipeline.NewEmitter(p, keepAll(), true, nil)
	e.Emit(ctx, &domain.AuditEvent{Action: "a"})
	e.Emit(ctx, &domain.AuditEvent{Action: "b"})

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, []string{"a", "b"}, rec.actions())
}
