package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// ---------------------------------------------------------------------------
// Test exporters
// ---------------------------------------------------------------------------

type recordingExporter struct {
	name string

	mu       sync.Mutex
	events   []*domain.AuditEvent
	flushes  int
	shutdown int

	exportFunc func(ev *domain.AuditEvent) error
}

var _ pipeline.Exporter = (*recordingExporter)(nil)

func (r *recordingExporter) Name() string { return r.name }

func (r *recordingExporter) Export(_ context.Context, ev *domain.AuditEvent) error {
	if r.exportFunc != nil {
		if err := r.exportFunc(ev); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingExporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recordingExporter) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown++
	return nil
}

func (r *recordingExporter) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

func (r *recordingExporter) shutdownCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

func event(i int) *domain.AuditEvent {
	return &domain.AuditEvent{EventType: domain.EventToolCall, Action: fmt.Sprintf("e%d", i), Status: domain.StatusOK}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ---------------------------------------------------------------------------
// Backpressure
// ---------------------------------------------------------------------------

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	const capacity, extra = 8, 5

	rec := &recordingExporter{name: "rec"}
	p := pipeline.New(pipeline.Config{Capacity: capacity}, nil, rec)

	for i := range capacity + extra {
		p.Enqueue(event(i))
	}
	assert.Equal(t, capacity, p.Len())

	ctx := ctxTimeout(t)
	p.Start(ctx)
	require.NoError(t, p.Flush(ctx))

	want := make([]string, 0, capacity)
	for i := extra; i < capacity+extra; i++ {
		want = append(want, fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, want, rec.actions(), "the most recent events survive, in order")
	require.NoError(t, p.Shutdown(ctx))
}

func TestEnqueue_NeverBlocksOnSlowExporter(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := &recordingExporter{name: "slow", exportFunc: func(*domain.AuditEvent) error {
		<-release
		return nil
	}}
	p := pipeline.New(pipeline.Config{Capacity: 4}, nil, slow)
	ctx := ctxTimeout(t)
	p.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := range 1000 {
			p.Enqueue(event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on the worker")
	}
	assert.LessOrEqual(t, p.Len(), 4)

	close(release)
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Shutdown(ctx))
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

type panickingExporter struct{ recordingExporter }

func (p *panickingExporter) Export(context.Context, *domain.AuditEvent) error {
	panic("boom")
}

func TestDelivery_ExactlyOnceWithFailingExporters(t *testing.T) {
	t.Parallel()

	a := &recordingExporter{name: "a"}
	b := &recordingExporter{name: "b"}
	failing := &recordingExporter{name: "failing", exportFunc: func(*domain.AuditEvent) error {
		return errors.New("disk full")
	}}
	panicky := &panickingExporter{recordingExporter{name: "panicky"}}

	p := pipeline.New(pipeline.Config{Capacity: 1000}, nil, failing, a, panicky, b)
	ctx := ctxTimeout(t)
	p.Start(ctx)

	const n = 200
	for i := range n {
		p.Enqueue(event(i))
	}
	require.NoError(t, p.Shutdown(ctx))

	for _, rec := range []*recordingExporter{a, b} {
		got := rec.actions()
		require.Len(t, got, n, rec.name)
		seen := make(map[string]int, n)
		for _, action := range got {
			seen[action]++
		}
		for i := range n {
			assert.Equal(t, 1, seen[fmt.Sprintf("e%d", i)], "%s e%d", rec.name, i)
		}
	}
	assert.Empty(t, failing.actions())

	for _, rec := range []*recordingExporter{a, b, failing, &panicky.recordingExporter} {
		assert.Equal(t, 1, rec.shutdownCalls(), rec.name)
	}
}

func TestDelivery_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	rec := &recordingExporter{name: "rec"}
	p := pipeline.New(pipeline.Config{}, nil, rec)
	ctx := ctxTimeout(t)
	p.Start(ctx)

	const producers, perProducer = 16, 250
	var wg sync.WaitGroup
	for w := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				p.Enqueue(event(w*perProducer + i))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, p.Flush(ctx))
	assert.Len(t, rec.actions(), producers*perProducer)
	require.NoError(t, p.Shutdown(ctx))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("start is idempotent", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		ctx := ctxTimeout(t)
		p.Start(ctx)
		p.Start(ctx)
		p.Enqueue(event(1))
		require.NoError(t, p.Flush(ctx))
		assert.Equal(t, []string{"e1"}, rec.actions())
		require.NoError(t, p.Shutdown(ctx))
	})

	t.Run("flush before start returns", func(t *testing.T) {
		t.Parallel()

		p := pipeline.New(pipeline.Config{}, nil)
		p.Enqueue(event(1))
		require.NoError(t, p.Flush(ctxTimeout(t)))
	})

	t.Run("flush calls exporter flush", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		ctx := ctxTimeout(t)
		p.Start(ctx)
		require.NoError(t, p.Flush(ctx))
		rec.mu.Lock()
		assert.Equal(t, 1, rec.flushes)
		rec.mu.Unlock()
		require.NoError(t, p.Shutdown(ctx))
	})

	t.Run("shutdown twice", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		ctx := ctxTimeout(t)
		p.Start(ctx)
		require.NoError(t, p.Shutdown(ctx))
		require.NoError(t, p.Shutdown(ctx))
		assert.Equal(t, 1, rec.shutdownCalls())
	})

	t.Run("shutdown without start closes exporters", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		require.NoError(t, p.Shutdown(ctxTimeout(t)))
		assert.Equal(t, 1, rec.shutdownCalls())
	})

	t.Run("enqueue after shutdown is dropped", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		ctx := ctxTimeout(t)
		p.Start(ctx)
		require.NoError(t, p.Shutdown(ctx))

		p.Enqueue(event(1))
		assert.Equal(t, 0, p.Len())
		assert.Empty(t, rec.actions())
	})

	t.Run("shutdown drains queued events", func(t *testing.T) {
		t.Parallel()

		rec := &recordingExporter{name: "rec"}
		p := pipeline.New(pipeline.Config{}, nil, rec)
		for i := range 50 {
			p.Enqueue(event(i))
		}
		ctx := ctxTimeout(t)
		p.Start(ctx)
		require.NoError(t, p.Shutdown(ctx))
		assert.Len(t, rec.actions(), 50)
	})
}

// Not parallel: counts goroutines.
func TestFlush_TimeoutLeavesNoWaiter(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := &recordingExporter{name: "slow", exportFunc: func(*domain.AuditEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	p := pipeline.New(pipeline.Config{}, nil, slow)
	ctx := ctxTimeout(t)
	p.Start(ctx)
	p.Enqueue(event(1))
	<-started

	baseline := runtime.NumGoroutine()
	for range 20 {
		short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		err := p.Flush(short)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), baseline+2)

	close(release)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"e1"}, slow.actions())
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	p := pipeline.New(pipeline.Config{}, nil, &recordingExporter{name: "x"}, &recordingExporter{name: "y"})
	assert.Equal(t, pipeline.DefaultCapacity, p.Capacity())
	assert.Equal(t, []string{"x", "y"}, p.Exporters())
}
