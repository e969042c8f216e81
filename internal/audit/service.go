// Package audit is the write facade of the audit trail. It owns sequence
// allocation and session summaries, and it never lets an audit failure
// reach the caller.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
	redisstore "github.com/gosuda/agentaudit/internal/store/redis"
)

// DefaultListLimit applies when ListSessions is called without a limit.
const DefaultListLimit = 50

// PromptVersions resolves prompt metadata for stamping records.
type PromptVersions interface {
	VersionMetadata(name string) (version, hash string, ok bool)
	CurrentVersions() map[string]string
}

// Publisher fans persisted records out to live subscribers.
type Publisher interface {
	PublishJSON(ctx context.Context, v any, channels ...string) error
}

// Option configures a Service.
type Option func(*Service)

// WithPromptVersions sets the registry used to stamp prompt version and hash.
func WithPromptVersions(p PromptVersions) Option {
	return func(s *Service) { s.prompts = p }
}

// WithMetrics sets the collectors for saved records and swallowed failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now for record timestamps and session creation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublisher publishes every persisted record on its session channel.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

type sessionState struct {
	mu        sync.Mutex
	summary   *domain.SessionSummary
	seq       int64
	loaded    bool
	persisted bool
}

// Service records the audit trail of conversational sessions.
type Service struct {
	storage   domain.AuditStorage
	prompts   PromptVersions
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Service persisting to storage.
func New(storage domain.AuditStorage, opts ...Option) *Service {
	s := &Service{
		storage:  storage,
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Initialize prepares the underlying storage.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("audit.Service.Initialize: %w", err)
	}
	return nil
}

// Close releases the underlying storage.
func (s *Service) Close() error {
	if err := s.storage.Close(); err != nil {
		return fmt.Errorf("audit.Service.Close: %w", err)
	}
	return nil
}

// state returns the cached session, creating an empty summary on first
// touch. The stored state is merged in by load before the first write.
func (s *Service) state(sessionID, modelID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st
	}
	var versions map[string]string
	if s.prompts != nil {
		versions = s.prompts.CurrentVersions()
	}
	st := &sessionState{
		summary: domain.NewSessionSummary(sessionID, modelID, versions, s.now()),
	}
	s.sessions[sessionID] = st
	return st
}

// load resumes a session that is already in storage, so a restarted process
// continues its sequence and keeps its cumulative totals. Records saved
// without a summary are folded into the fresh one.
func (s *Service) load(ctx context.Context, st *sessionState, sessionID string) error {
	recs, err := s.storage.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	var last int64
	for _, r := range recs {
		last = max(last, r.SequenceNum)
	}

	sum, err := s.storage.GetSessionSummary(ctx, sessionID)
	switch {
	case err == nil:
		st.summary = sum.Clone()
		st.persisted = true
	case errors.Is(err, domain.ErrNotFound):
		for _, r := range recs {
			st.summary.Fold(r)
		}
	default:
		return fmt.Errorf("load summary: %w", err)
	}

	st.seq = last
	st.loaded = true
	return nil
}

// entry describes one record to append. build returns the kind-specific
// fields; identity, ordering and the hash are filled in by record.
type entry struct {
	op        string
	sessionID string
	modelID   string
	build     func() *domain.AuditRecord
	summarize func(sum *domain.SessionSummary)
}

// record runs the ensure, sequence, seal, save, fold and upsert steps for
// one entry. Every failure is logged, counted and swallowed.
func (s *Service) record(ctx context.Context, e entry) {
	// A record outlives the request that produced it, timeouts included.
	ctx = context.WithoutCancel(ctx)

	step := "ensure"
	defer func() {
		if r := recover(); r != nil {
			s.fail(e, step, fmt.Errorf("panic: %v", r))
		}
	}()

	st := s.state(e.sessionID, e.modelID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := s.load(ctx, st, e.sessionID); err != nil {
			s.fail(e, step, err)
			return
		}
	}
	if !st.persisted {
		if err := s.storage.UpsertSession(ctx, st.summary.Clone()); err != nil {
			s.fail(e, step, err)
		} else {
			st.persisted = true
		}
	}

	step = "seal"
	rec := e.build()
	rec.AuditID = uuid.NewString()
	rec.SessionID = e.sessionID
	rec.SequenceNum = st.seq + 1
	rec.Timestamp = s.now().UTC()
	if rec.ModelID == "" {
		rec.ModelID = e.modelID
	}
	if err := rec.Seal(); err != nil {
		s.fail(e, step, err)
		return
	}

	// The sequence number is committed only once the record is stored, so a
	// failed save leaves no gap.
	step = "save"
	if err := s.storage.SaveRecord(ctx, rec); err != nil {
		s.fail(e, step, err)
		return
	}
	st.seq = rec.SequenceNum
	s.metrics.ObserveRecord(rec)

	step = "fold"
	st.summary.Fold(rec)
	if e.summarize != nil {
		e.summarize(st.summary)
	}

	step = "upsert"
	if err := s.storage.UpsertSession(ctx, st.summary.Clone()); err != nil {
		s.fail(e, step, err)
	} else {
		st.persisted = true
	}

	if s.publisher != nil {
		step = "publish"
		if err := s.publisher.PublishJSON(ctx, rec, redisstore.SessionChannel(e.sessionID)); err != nil {
			s.fail(e, step, err)
		}
	}
}

func (s *Service) fail(e entry, step string, err error) {
	s.metrics.AuditFailures.WithLabelValues(e.op, step).Inc()
	log.Error().Err(err).
		Str("session_id", e.sessionID).
		Str("op", e.op).
		Str("step", step).
		Msg("audit write failed")
}

func (s *Service) promptMeta(name string) (version, hash string) {
	if s.prompts == nil || name == "" {
		return "", ""
	}
	version, hash, ok := s.prompts.VersionMetadata(name)
	if !ok {
		return "", ""
	}
	return version, hash
}

// GetSession returns the stored summary, or domain.ErrNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	sum, err := s.storage.GetSessionSummary(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit.Service.GetSession: %w", err)
	}
	return sum, nil
}

// GetSessionRecords returns the session's records in sequence order.
func (s *Service) GetSessionRecords(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	recs, err := s.storage.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit.Service.GetSessionRecords: %w", err)
	}
	return recs, nil
}

// ListSessions returns summaries, most recent first.
func (s *Service) ListSessions(ctx context.Context, filter domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	list, err := s.storage.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit.Service.ListSessions: %w", err)
	}
	return list, nil
}

// VerifySession re-hashes every stored record of a session. A session with
// no records returns domain.ErrNotFound.
func (s *Service) VerifySession(ctx context.Context, sessionID string) ([]domain.Verification, error) {
	recs, err := s.storage.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit.Service.VerifySession: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("audit.Service.VerifySession: %w", domain.ErrNotFound)
	}
	out := make([]domain.Verification, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Verification{
			AuditID:     r.AuditID,
			SequenceNum: r.SequenceNum,
			EventType:   r.EventType,
			Valid:       r.Verify(),
		})
	}
	return out, nil
}
