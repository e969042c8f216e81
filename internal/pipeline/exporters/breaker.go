package exporters

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// BreakerConfig tunes the circuit breaker around a network exporter.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Default: 5.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open before probing. Default: 30s.
	OpenFor time.Duration
}

// Breaker wraps an exporter so that a dead sink fails fast instead of
// spending the export timeout on every event.
type Breaker struct {
	next pipeline.Exporter
	cb   *gobreaker.CircuitBreaker
}

var _ pipeline.Exporter = (*Breaker)(nil) //nolint:gochecknoglobals // compile-time check

func NewBreaker(next pipeline.Exporter, cfg BreakerConfig) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	threshold := cfg.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exporter", name).Str("from", from.String()).Str("to", to.String()).Msg("exporter circuit state changed")
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string { return b.next.Name() }

// State reports the breaker state (closed, half-open, open).
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Export(ctx context.Context, ev *domain.AuditEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Export(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("exporters.Breaker.Export: %w", err)
	}
	return nil
}

func (b *Breaker) Flush(ctx context.Context) error    { return b.next.Flush(ctx) }
func (b *Breaker) Shutdown(ctx context.Context) error { return b.next.Shutdown(ctx) }
