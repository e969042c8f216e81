package cloudwatch_test

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/store/cloudwatch"
	"github.com/gosuda/agentaudit/internal/store/storetest"
)

// ---------------------------------------------------------------------------
// In-memory CloudWatch Logs
// ---------------------------------------------------------------------------

type logEvent struct {
	ts  int64
	seq int
	msg string
}

type fakeLogs struct {
	mu        sync.Mutex
	groups    map[string]int32
	streams   map[string]bool
	events    map[string][]logEvent
	queries   map[string]*cloudwatchlogs.GetQueryResultsOutput
	started   []*cloudwatchlogs.StartQueryInput
	seq       int
	nextQuery int

	// pendingPolls makes each query report Running this many times first.
	pendingPolls int
	polls        map[string]int
	// terminal overrides the final status when set.
	terminal types.QueryStatus
	// putFailures fails this many PutLogEvents calls before succeeding.
	putFailures int
	putCalls    int
	startErr    error
}

var _ cloudwatch.LogsAPI = (*fakeLogs)(nil) //nolint:gochecknoglobals // compile-time check

func newFakeLogs() *fakeLogs {
	return &fakeLogs{
		groups:  make(map[string]int32),
		streams: make(map[string]bool),
		events:  make(map[string][]logEvent),
		queries: make(map[string]*cloudwatchlogs.GetQueryResultsOutput),
		polls:   make(map[string]int),
	}
}

func (f *fakeLogs) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.LogGroupName)
	if _, ok := f.groups[name]; ok {
		return nil, &types.ResourceAlreadyExistsException{Message: aws.String("exists")}
	}
	f.groups[name] = 0
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[aws.ToString(in.LogGroupName)] = aws.ToInt32(in.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.LogGroupName) + "|" + aws.ToString(in.LogStreamName)
	if f.streams[key] {
		return nil, &types.ResourceAlreadyExistsException{Message: aws.String("exists")}
	}
	f.streams[key] = true
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogs) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putFailures > 0 {
		f.putFailures--
		return nil, errors.New("throttled")
	}
	group := aws.ToString(in.LogGroupName)
	if !f.streams[group+"|"+aws.ToString(in.LogStreamName)] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no stream")}
	}
	for _, ev := range in.LogEvents {
		f.seq++
		f.events[group] = append(f.events[group], logEvent{ts: aws.ToInt64(ev.Timestamp), seq: f.seq, msg: aws.ToString(ev.Message)})
	}
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

var (
	likeRe  = regexp.MustCompile(`filter @message like '((?:[^'\\]|\\.)*)'`) //nolint:gochecknoglobals // test parser
	sortRe  = regexp.MustCompile(`sort @timestamp (asc|desc)`)            //nolint:gochecknoglobals // test parser
	limitRe = regexp.MustCompile(`limit (\d+)`)                           //nolint:gochecknoglobals // test parser
)

func (f *fakeLogs) StartQuery(_ context.Context, in *cloudwatchlogs.StartQueryInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, in)

	q := aws.ToString(in.QueryString)
	events := append([]logEvent(nil), f.events[aws.ToString(in.LogGroupName)]...)

	for _, m := range likeRe.FindAllStringSubmatch(q, -1) {
		needle := strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])
		kept := events[:0]
		for _, ev := range events {
			if strings.Contains(ev.msg, needle) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	desc := false
	if m := sortRe.FindStringSubmatch(q); m != nil {
		desc = m[1] == "desc"
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ts != events[j].ts {
			if desc {
				return events[i].ts > events[j].ts
			}
			return events[i].ts < events[j].ts
		}
		if desc {
			return events[i].seq > events[j].seq
		}
		return events[i].seq < events[j].seq
	})

	if m := limitRe.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		if len(events) > n {
			events = events[:n]
		}
	}

	rows := make([][]types.ResultField, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []types.ResultField{
			{Field: aws.String("@timestamp"), Value: aws.String(strconv.FormatInt(ev.ts, 10))},
			{Field: aws.String("@message"), Value: aws.String(ev.msg)},
		})
	}

	f.nextQuery++
	id := "q-" + strconv.Itoa(f.nextQuery)
	status := types.QueryStatusComplete
	if f.terminal != "" {
		status = f.terminal
	}
	f.queries[id] = &cloudwatchlogs.GetQueryResultsOutput{Status: status, Results: rows}
	return &cloudwatchlogs.StartQueryOutput{QueryId: aws.String(id)}, nil
}

func (f *fakeLogs) GetQueryResults(_ context.Context, in *cloudwatchlogs.GetQueryResultsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.QueryId)
	out, ok := f.queries[id]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no query")}
	}
	if f.polls[id] < f.pendingPolls {
		f.polls[id]++
		return &cloudwatchlogs.GetQueryResultsOutput{Status: types.QueryStatusRunning}, nil
	}
	if f.pendingPolls < 0 {
		return &cloudwatchlogs.GetQueryResultsOutput{Status: types.QueryStatusRunning}, nil
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test clock

func fastConfig() cloudwatch.Config {
	return cloudwatch.Config{
		PollInterval: time.Millisecond,
		QueryTimeout: 200 * time.Millisecond,
		WriteDelay:   time.Millisecond,
	}
}

func newStore(t *testing.T, api *fakeLogs, opts ...cloudwatch.Option) *cloudwatch.Store {
	t.Helper()
	opts = append([]cloudwatch.Option{cloudwatch.WithClock(func() time.Time { return fixedNow })}, opts...)
	s := cloudwatch.New(api, fastConfig(), opts...)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) domain.AuditStorage {
		t.Helper()
		return cloudwatch.New(newFakeLogs(), fastConfig())
	}, storetest.Options{SnapshotSessions: true})
}

func TestInitialize_GroupsAndRetention(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := cloudwatch.New(api, cloudwatch.Config{RetentionDays: 30})
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()), "existing groups are tolerated")

	assert.Equal(t, map[string]int32{
		"/agentaudit/records":  30,
		"/agentaudit/sessions": 30,
	}, api.groups)
}

func TestSave_DailyStream(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, storetest.Summary("s1", fixedNow)))
	require.NoError(t, s.SaveRecord(ctx, storetest.Record(t, "s1", 0, domain.EventUserInput)))

	assert.True(t, api.streams["/agentaudit/records|2025/03/14"])
	assert.True(t, api.streams["/agentaudit/sessions|2025/03/14"])
	require.Len(t, api.events["/agentaudit/records"], 1)
	assert.Contains(t, api.events["/agentaudit/records"][0].msg, `"session_id":"s1"`)
}

func TestSave_TimestampsStrictlyIncrease(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, s.UpsertSession(ctx, storetest.Summary("s1", fixedNow)))
	}
	evs := api.events["/agentaudit/sessions"]
	require.Len(t, evs, 3)
	assert.Less(t, evs[0].ts, evs[1].ts)
	assert.Less(t, evs[1].ts, evs[2].ts)
}

func TestSave_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	api.putFailures = 2

	require.NoError(t, s.UpsertSession(context.Background(), storetest.Summary("s1", fixedNow)))
	assert.Equal(t, 3, api.putCalls)
	assert.Len(t, api.events["/agentaudit/sessions"], 1)
}

func TestSave_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	api.putFailures = 10

	require.Error(t, s.UpsertSession(context.Background(), storetest.Summary("s1", fixedNow)))
	assert.Equal(t, 3, api.putCalls)
}

func TestQuery_WindowClampedToRetention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retention int
		want      time.Duration
	}{
		{"capped at seven days", 90, 7 * 24 * time.Hour},
		{"one day inside short retention", 3, 2 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeLogs()
			cfg := fastConfig()
			cfg.RetentionDays = tt.retention
			s := cloudwatch.New(api, cfg, cloudwatch.WithClock(func() time.Time { return fixedNow }))

			_, err := s.GetSessionRecords(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, api.started, 1)
			q := api.started[0]
			assert.Equal(t, fixedNow.Unix(), aws.ToInt64(q.EndTime))
			assert.Equal(t, fixedNow.Add(-tt.want).Unix(), aws.ToInt64(q.StartTime))
		})
	}
}

func TestQuery_ExactSessionMatch(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	ctx := context.Background()

	require.NoError(t, s.SaveRecord(ctx, storetest.Record(t, "s1", 0, domain.EventUserInput)))
	require.NoError(t, s.SaveRecord(ctx, storetest.Record(t, "s1", 1, domain.EventAgentResponse)))
	// The escaped quote keeps "s1" from matching "s10", but the client-side
	// check must still hold on its own.
	require.NoError(t, s.SaveRecord(ctx, storetest.Record(t, "s10", 0, domain.EventUserInput)))

	recs, err := s.GetSessionRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "s1", r.SessionID)
	}
}

func TestQuery_PollsUntilComplete(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, storetest.Summary("s1", fixedNow)))
	api.pendingPolls = 3

	got, err := s.GetSessionSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestQuery_FailuresYieldEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*fakeLogs)
		outcome string
	}{
		{"terminal failed", func(f *fakeLogs) { f.terminal = types.QueryStatusFailed }, "failed"},
		{"terminal cancelled", func(f *fakeLogs) { f.terminal = types.QueryStatusCancelled }, "failed"},
		{"never completes", func(f *fakeLogs) { f.pendingPolls = -1 }, "timeout"},
		{"start error", func(f *fakeLogs) { f.startErr = errors.New("access denied") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeLogs()
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			s := newStore(t, api, cloudwatch.WithMetrics(m))
			ctx := context.Background()
			require.NoError(t, s.SaveRecord(ctx, storetest.Record(t, "s1", 0, domain.EventUserInput)))
			tt.setup(api)

			recs, err := s.GetSessionRecords(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, recs)

			list, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10})
			require.NoError(t, err)
			assert.Empty(t, list)

			_, err = s.GetSessionSummary(ctx, "s1")
			require.ErrorIs(t, err, domain.ErrNotFound)

			assert.InDelta(t, 3, testutil.ToFloat64(m.QueryOutcomes.WithLabelValues(tt.outcome)), 0)
		})
	}
}

func TestListSessions_LatestSnapshotWins(t *testing.T) {
	t.Parallel()

	api := newFakeLogs()
	s := newStore(t, api)
	ctx := context.Background()

	a := storetest.Summary("a", fixedNow)
	b := storetest.Summary("b", fixedNow.Add(time.Minute))
	require.NoError(t, s.UpsertSession(ctx, a))
	require.NoError(t, s.UpsertSession(ctx, b))
	a.TotalRecords = 4
	a.HasError = true
	require.NoError(t, s.UpsertSession(ctx, a))

	list, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].SessionID)
	assert.Equal(t, "a", list[1].SessionID)
	assert.Equal(t, int64(4), list[1].TotalRecords)

	yes := true
	errs, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &yes})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "a", errs[0].SessionID)

	no := false
	clean, err := s.ListSessions(ctx, domain.ListSessionsFilter{Limit: 10, HasError: &no})
	require.NoError(t, err)
	require.Len(t, clean, 1)
	assert.Equal(t, "b", clean[0].SessionID)

	last := aws.ToString(api.started[len(api.started)-1].QueryString)
	assert.NotContains(t, last, "has_error")
	assert.Contains(t, last, `limit 50`)
}
