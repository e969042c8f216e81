// Package cloudwatch stores audit records and session snapshots in
// CloudWatch Logs and reads them back through Logs Insights queries.
//
// Records and sessions live in two log groups with one stream per UTC day.
// Every UpsertSession appends a snapshot; reads take the most recent one.
package cloudwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
)

const (
	DefaultRecordsGroup  = "/agentaudit/records"
	DefaultSessionsGroup = "/agentaudit/sessions"
	DefaultRetentionDays = 90
	DefaultQueryTimeout  = 30 * time.Second
	DefaultPollInterval  = time.Second

	// maxLookback caps the query window regardless of retention.
	maxLookback  = 7 * 24 * time.Hour
	streamLayout = "2006/01/02"
)

// LogsAPI is the subset of the CloudWatch Logs client the backend uses.
// *cloudwatchlogs.Client satisfies this interface.
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
	StartQuery(ctx context.Context, in *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, in *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

// Config configures the backend. Zero values take the defaults above.
type Config struct {
	RecordsGroup  string
	SessionsGroup string
	RetentionDays int
	QueryTimeout  time.Duration
	PollInterval  time.Duration
	// WriteAttempts bounds retries of a single PutLogEvents. Default: 3.
	WriteAttempts uint
	// WriteDelay is the initial retry backoff. Default: 200ms.
	WriteDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.RecordsGroup == "" {
		c.RecordsGroup = DefaultRecordsGroup
	}
	if c.SessionsGroup == "" {
		c.SessionsGroup = DefaultSessionsGroup
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WriteAttempts == 0 {
		c.WriteAttempts = 3
	}
	if c.WriteDelay <= 0 {
		c.WriteDelay = 200 * time.Millisecond
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for stream names, event timestamps
// and query windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics reports query outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store implements domain.AuditStorage on CloudWatch Logs.
type Store struct {
	api     LogsAPI
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]bool // group + "|" + stream
	lastTS  int64
}

var _ domain.AuditStorage = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

func New(api LogsAPI, cfg Config, opts ...Option) *Store {
	cfg.withDefaults()
	s := &Store{
		api:     api,
		cfg:     cfg,
		now:     time.Now,
		streams: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// NewFromEnv builds a client from the default AWS credential chain. An
// empty region defers to the chain as well.
func NewFromEnv(ctx context.Context, region string, cfg Config, opts ...Option) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudwatch.NewFromEnv: load aws config: %w", err)
	}
	return New(cloudwatchlogs.NewFromConfig(awsCfg), cfg, opts...), nil
}

// Initialize creates both log groups if missing and applies retention.
func (s *Store) Initialize(ctx context.Context) error {
	for _, group := range []string{s.cfg.RecordsGroup, s.cfg.SessionsGroup} {
		_, err := s.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
		if err != nil && !alreadyExists(err) {
			return fmt.Errorf("cloudwatch.Store.Initialize: create group %s: %w", group, err)
		}
		_, err = s.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(int32(s.cfg.RetentionDays)), //nolint:gosec // validated by config
		})
		if err != nil {
			return fmt.Errorf("cloudwatch.Store.Initialize: retention %s: %w", group, err)
		}
	}
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *domain.AuditRecord) error {
	if !rec.Sealed() {
		return fmt.Errorf("cloudwatch.Store.SaveRecord(%s): %w", rec.AuditID, domain.ErrUnsealed)
	}
	msg, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cloudwatch.Store.SaveRecord: marshal: %w", err)
	}
	if err := s.put(ctx, s.cfg.RecordsGroup, string(msg)); err != nil {
		return fmt.Errorf("cloudwatch.Store.SaveRecord(%s): %w", rec.AuditID, err)
	}
	return nil
}

func (s *Store) UpsertSession(ctx context.Context, summary *domain.SessionSummary) error {
	msg, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("cloudwatch.Store.UpsertSession: marshal: %w", err)
	}
	if err := s.put(ctx, s.cfg.SessionsGroup, string(msg)); err != nil {
		return fmt.Errorf("cloudwatch.Store.UpsertSession(%s): %w", summary.SessionID, err)
	}
	return nil
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (s *Store) Close() error { return nil }

// put appends one event to today's stream in group, retrying transient
// failures with exponential backoff.
func (s *Store) put(ctx context.Context, group, message string) error {
	now := s.now().UTC()
	stream := now.Format(streamLayout)
	ts := s.nextTimestamp(now)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.cfg.WriteAttempts),
		retry.Delay(s.cfg.WriteDelay),
		retry.DelayType(retry.BackOffDelay),
	)
	return r.Do(func() error {
		if err := s.ensureStream(ctx, group, stream); err != nil {
			return err
		}
		_, err := s.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(group),
			LogStreamName: aws.String(stream),
			LogEvents: []types.InputLogEvent{{
				Message:   aws.String(message),
				Timestamp: aws.Int64(ts),
			}},
		})
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			s.forgetStream(group, stream)
		}
		return err
	})
}

// nextTimestamp returns a strictly increasing millisecond timestamp so
// that snapshots written within the same millisecond still sort in write
// order.
func (s *Store) nextTimestamp(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now.UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Store) ensureStream(ctx context.Context, group, stream string) error {
	key := group + "|" + stream
	s.mu.Lock()
	known := s.streams[key]
	s.mu.Unlock()
	if known {
		return nil
	}

	_, err := s.api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}

	s.mu.Lock()
	s.streams[key] = true
	s.mu.Unlock()
	log.Debug().Str("group", group).Str("stream", stream).Msg("log stream ready")
	return nil
}

func (s *Store) forgetStream(group, stream string) {
	s.mu.Lock()
	delete(s.streams, group+"|"+stream)
	s.mu.Unlock()
}

func alreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
