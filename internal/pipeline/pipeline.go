// Package pipeline delivers audit events to exporters off the request path
// through a bounded, drop-oldest queue drained by a single worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
)

const (
	DefaultCapacity      = 10000
	DefaultExportTimeout = 5 * time.Second
)

// ErrShutdownTimeout is returned when the worker does not drain before the
// shutdown context expires.
var ErrShutdownTimeout = errors.New("pipeline: shutdown timed out") //nolint:gochecknoglobals // sentinel error

type state int32

const (
	stateIdle state = iota
	stateStarted
	stateShuttingDown
	stateStopped
)

// Config configures a Pipeline.
type Config struct {
	// Capacity bounds the queue. Default: 10000.
	Capacity int
	// ExportTimeout bounds a single Export call. Default: 5s.
	ExportTimeout time.Duration
}

// Pipeline fans events out to exporters from one background worker.
// Enqueue never waits for the worker; when the queue is full the oldest
// event is discarded.
type Pipeline struct {
	exporters     []Exporter
	queue         chan *domain.AuditEvent
	exportTimeout time.Duration
	metrics       *metrics.Metrics

	// lifecycle guards state transitions against in-flight Enqueue calls.
	lifecycle sync.RWMutex
	state     atomic.Int32
	started   atomic.Bool
	done      chan struct{}

	// drained is closed when pending falls back to zero. It is nil while
	// nothing is pending.
	pendingMu sync.Mutex
	pending   int
	drained   chan struct{}
}

// New creates an idle pipeline. m may be nil.
func New(cfg Config, m *metrics.Metrics, exporters ...Exporter) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = DefaultExportTimeout
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Pipeline{
		exporters:     exporters,
		queue:         make(chan *domain.AuditEvent, cfg.Capacity),
		exportTimeout: cfg.ExportTimeout,
		metrics:       m,
		done:          make(chan struct{}),
	}
}

// Capacity returns the queue bound.
func (p *Pipeline) Capacity() int { return cap(p.queue) }

// Len returns the number of events waiting in the queue.
func (p *Pipeline) Len() int { return len(p.queue) }

// Exporters returns the names of the configured exporters.
func (p *Pipeline) Exporters() []string {
	names := make([]string, len(p.exporters))
	for i, e := range p.exporters {
		names[i] = e.Name()
	}
	return names
}

// Start launches the worker. Calling Start more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(int32(stateIdle), int32(stateStarted)) {
		return
	}
	p.started.Store(true)
	go p.run(context.WithoutCancel(ctx))
	log.Info().Int("capacity", cap(p.queue)).Strs("exporters", p.Exporters()).Msg("audit pipeline started")
}

// Enqueue offers ev to the queue without blocking on the worker.
func (p *Pipeline) Enqueue(ev *domain.AuditEvent) {
	if ev == nil {
		return
	}

	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()

	if state(p.state.Load()) >= stateShuttingDown {
		p.metrics.EventsDropped.WithLabelValues(metrics.DropClosed).Inc()
		log.Warn().Str("event_type", string(ev.EventType)).Msg("audit pipeline closed, dropping event")
		return
	}

	p.addPending(1)
	select {
	case p.queue <- ev:
		p.accepted()
		return
	default:
	}

	// Full: evict the oldest event and retry once.
	select {
	case <-p.queue:
		p.addPending(-1)
		p.metrics.EventsDropped.WithLabelValues(metrics.DropOldest).Inc()
	default:
	}

	select {
	case p.queue <- ev:
		p.accepted()
	default:
		p.addPending(-1)
		p.metrics.EventsDropped.WithLabelValues(metrics.DropFull).Inc()
		log.Warn().Str("event_type", string(ev.EventType)).Msg("audit queue full, dropping event")
	}
}

func (p *Pipeline) accepted() {
	p.metrics.EventsEnqueued.Inc()
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
}

// Flush blocks until every accepted event has been exported, then flushes
// each exporter. It returns at once if the worker was never started.
func (p *Pipeline) Flush(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}

	p.pendingMu.Lock()
	drained := p.drained
	p.pendingMu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("pipeline.Flush: %w", ctx.Err())
		}
	}

	for _, e := range p.exporters {
		if err := e.Flush(ctx); err != nil {
			log.Warn().Err(err).Str("exporter", e.Name()).Msg("exporter flush failed")
		}
	}
	return nil
}

// Shutdown stops the worker after it has drained everything queued ahead
// of the stop signal, then shuts down every exporter. Safe to call twice.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.lifecycle.Lock()
	prev := state(p.state.Load())
	if prev >= stateShuttingDown {
		p.lifecycle.Unlock()
		return nil
	}
	p.state.Store(int32(stateShuttingDown))
	p.lifecycle.Unlock()

	var err error
	if prev == stateStarted {
		err = p.stopWorker(ctx)
	}

	for _, e := range p.exporters {
		if shutErr := e.Shutdown(ctx); shutErr != nil {
			log.Warn().Err(shutErr).Str("exporter", e.Name()).Msg("exporter shutdown failed")
		}
	}

	p.state.Store(int32(stateStopped))
	log.Info().Msg("audit pipeline stopped")
	return err
}

func (p *Pipeline) stopWorker(ctx context.Context) error {
	// A nil event is the stop sentinel. Producers are locked out by now, so
	// nothing can evict it.
	select {
	case p.queue <- nil:
	case <-ctx.Done():
		return fmt.Errorf("pipeline.Shutdown: %w", ErrShutdownTimeout)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline.Shutdown: %w", ErrShutdownTimeout)
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	for ev := range p.queue {
		if ev == nil {
			return
		}
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		for _, e := range p.exporters {
			p.export(ctx, e, ev)
		}
		p.addPending(-1)
	}
}

func (p *Pipeline) export(ctx context.Context, e Exporter, ev *domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, p.exportTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.metrics.Exports.WithLabelValues(e.Name(), "error").Inc()
			log.Error().Interface("panic", r).Str("exporter", e.Name()).Msg("exporter panicked")
		}
	}()

	if err := e.Export(ctx, ev); err != nil {
		p.metrics.Exports.WithLabelValues(e.Name(), "error").Inc()
		log.Warn().Err(err).Str("exporter", e.Name()).Str("event_type", string(ev.EventType)).Msg("export failed")
		return
	}
	p.metrics.Exports.WithLabelValues(e.Name(), "ok").Inc()
}

func (p *Pipeline) addPending(delta int) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	p.pending += delta
	switch {
	case p.pending > 0 && p.drained == nil:
		p.drained = make(chan struct{})
	case p.pending <= 0 && p.drained != nil:
		close(p.drained)
		p.drained = nil
	}
}
