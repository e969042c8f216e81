// Package sampling decides which pipeline events are worth keeping.
package sampling

import (
	"math/rand/v2"
	"time"

	"github.com/gosuda/agentaudit/internal/domain"
)

const (
	DefaultSuccessRate   = 0.10
	DefaultErrorRate     = 1.0
	DefaultSlowThreshold = 1500 * time.Millisecond
)

// Policy is a stateless sampling decision. The zero value records nothing
// but failures; use New for the defaults.
type Policy struct {
	SuccessRate   float64
	ErrorRate     float64
	SlowThreshold time.Duration
	Debug         bool

	rand func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRand replaces the random source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Policy) { p.rand = f }
}

// New returns a policy with the given rates and threshold.
func New(successRate, errorRate float64, slowThreshold time.Duration, debug bool, opts ...Option) *Policy {
	p := &Policy{
		SuccessRate:   successRate,
		ErrorRate:     errorRate,
		SlowThreshold: slowThreshold,
		Debug:         debug,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Default returns the production defaults.
func Default(opts ...Option) *Policy {
	return New(DefaultSuccessRate, DefaultErrorRate, DefaultSlowThreshold, false, opts...)
}

// ShouldRecord reports whether ev should be delivered. Errors, timeouts and
// slow events are always kept; retries are sampled at ErrorRate and
// everything else at SuccessRate.
func (p *Policy) ShouldRecord(ev *domain.AuditEvent) bool {
	if ev.Status.Failed() {
		return true
	}
	if p.Debug {
		return true
	}
	if ev.LatencyMs != nil && p.SlowThreshold > 0 && *ev.LatencyMs > float64(p.SlowThreshold.Milliseconds()) {
		return true
	}
	if ev.Status == domain.StatusRetry {
		return p.draw() < p.ErrorRate
	}
	return p.draw() < p.SuccessRate
}

func (p *Policy) draw() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64() //nolint:gosec // sampling, not security
}
