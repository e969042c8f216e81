package v1

import (
	"context"

	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/replay"
)

// SessionReader abstracts the read side of the audit service for handler
// testing. *audit.Service satisfies this interface.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*domain.SessionSummary, error)
	GetSessionRecords(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error)
	ListSessions(ctx context.Context, filter domain.ListSessionsFilter) ([]*domain.SessionSummary, error)
	VerifySession(ctx context.Context, sessionID string) ([]domain.Verification, error)
}

// Replayer abstracts transcript rendering. *replay.Replayer satisfies this
// interface.
type Replayer interface {
	BuildReport(ctx context.Context, sessionID string) string
	ExtractMessageHistory(ctx context.Context, sessionID string) []replay.Message
}

// Recorder abstracts the write side of the audit service. *audit.Service
// satisfies this interface.
type Recorder interface {
	RecordUserInput(ctx context.Context, in audit.UserInput)
	RecordLLMCall(ctx context.Context, in audit.LLMCall)
	RecordToolExecution(ctx context.Context, in audit.ToolExecution)
	RecordSupervisorDecision(ctx context.Context, in audit.SupervisorDecision)
	RecordFinalResponse(ctx context.Context, in audit.FinalResponse)
	RecordError(ctx context.Context, in audit.ErrorEvent)
}

// EventEmitter abstracts the delivery pipeline front door.
// *pipeline.Emitter satisfies this interface.
type EventEmitter interface {
	Emit(ctx context.Context, ev *domain.AuditEvent)
}
