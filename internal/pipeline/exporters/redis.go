package exporters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
	redisstore "github.com/gosuda/agentaudit/internal/store/redis"
)

// Publisher sends a payload to one or more channels.
// *redisstore.PubSub satisfies this interface.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, channels ...string) error
}

// Redis publishes every event to the shared events channel and to the
// channel of its trace, feeding the live tail endpoints.
type Redis struct {
	pub Publisher
}

var _ pipeline.Exporter = (*Redis)(nil) //nolint:gochecknoglobals // compile-time check

func NewRedis(pub Publisher) *Redis {
	return &Redis{pub: pub}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Export(ctx context.Context, ev *domain.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("exporters.Redis.Export: marshal: %w", err)
	}

	channels := []string{redisstore.EventsChannel()}
	if ev.TraceID != "" {
		channels = append(channels, redisstore.TraceChannel(ev.TraceID))
	}
	if err := r.pub.Publish(ctx, payload, channels...); err != nil {
		return fmt.Errorf("exporters.Redis.Export: %w", err)
	}
	return nil
}

func (r *Redis) Flush(context.Context) error    { return nil }
func (r *Redis) Shutdown(context.Context) error { return nil }
