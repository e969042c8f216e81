package pipeline

import (
	"context"

	"github.com/gosuda/agentaudit/internal/domain"
)

// Exporter is a delivery target for pipeline events. Export is only called
// from the pipeline worker; Flush may run concurrently with it.
type Exporter interface {
	Name() string
	Export(ctx context.Context, ev *domain.AuditEvent) error
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
