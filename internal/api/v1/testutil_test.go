package v1_test

import (
	"context"
	"sync"

	v1 "github.com/gosuda/agentaudit/internal/api/v1"
	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/replay"
)

// ---------------------------------------------------------------------------
// Mock SessionReader
// ---------------------------------------------------------------------------

type mockReader struct {
	getSessionFunc        func(ctx context.Context, id string) (*domain.SessionSummary, error)
	getSessionRecordsFunc func(ctx context.Context, id string) ([]*domain.AuditRecord, error)
	listSessionsFunc      func(ctx context.Context, f domain.ListSessionsFilter) ([]*domain.SessionSummary, error)
	verifySessionFunc     func(ctx context.Context, id string) ([]domain.Verification, error)
}

var _ v1.SessionReader = (*mockReader)(nil) //nolint:gochecknoglobals // compile-time check

func (m *mockReader) GetSession(ctx context.Context, id string) (*domain.SessionSummary, error) {
	return m.getSessionFunc(ctx, id)
}

func (m *mockReader) GetSessionRecords(ctx context.Context, id string) ([]*domain.AuditRecord, error) {
	return m.getSessionRecordsFunc(ctx, id)
}

func (m *mockReader) ListSessions(ctx context.Context, f domain.ListSessionsFilter) ([]*domain.SessionSummary, error) {
	return m.listSessionsFunc(ctx, f)
}

func (m *mockReader) VerifySession(ctx context.Context, id string) ([]domain.Verification, error) {
	return m.verifySessionFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock Replayer
// ---------------------------------------------------------------------------

type mockReplayer struct {
	buildReportFunc func(ctx context.Context, id string) string
	historyFunc     func(ctx context.Context, id string) []replay.Message
}

var _ v1.Replayer = (*mockReplayer)(nil) //nolint:gochecknoglobals // compile-time check

func (m *mockReplayer) BuildReport(ctx context.Context, id string) string {
	return m.buildReportFunc(ctx, id)
}

func (m *mockReplayer) ExtractMessageHistory(ctx context.Context, id string) []replay.Message {
	return m.historyFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Capturing Recorder and EventEmitter
// ---------------------------------------------------------------------------

// captureRecorder stores the last call of each kind.
type captureRecorder struct {
	mu       sync.Mutex
	calls    []string
	user     audit.UserInput
	llm      audit.LLMCall
	tool     audit.ToolExecution
	decision audit.SupervisorDecision
	final    audit.FinalResponse
	failure  audit.ErrorEvent
}

var _ v1.Recorder = (*captureRecorder)(nil) //nolint:gochecknoglobals // compile-time check

func (c *captureRecorder) track(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op)
}

func (c *captureRecorder) RecordUserInput(_ context.Context, in audit.UserInput) {
	c.user = in
	c.track("user_input")
}

func (c *captureRecorder) RecordLLMCall(_ context.Context, in audit.LLMCall) {
	c.llm = in
	c.track("llm_call")
}

func (c *captureRecorder) RecordToolExecution(_ context.Context, in audit.ToolExecution) {
	c.tool = in
	c.track("tool_call")
}

func (c *captureRecorder) RecordSupervisorDecision(_ context.Context, in audit.SupervisorDecision) {
	c.decision = in
	c.track("supervisor_decision")
}

func (c *captureRecorder) RecordFinalResponse(_ context.Context, in audit.FinalResponse) {
	c.final = in
	c.track("agent_response")
}

func (c *captureRecorder) RecordError(_ context.Context, in audit.ErrorEvent) {
	c.failure = in
	c.track("error")
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

var _ v1.EventEmitter = (*captureEmitter)(nil) //nolint:gochecknoglobals // compile-time check

func (c *captureEmitter) Emit(_ context.Context, ev *domain.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}
