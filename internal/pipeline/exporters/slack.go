package exporters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// SlackAPI abstracts the subset of the Slack client used by the alert
// exporter. *slack.Client satisfies it.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// Slack posts an alert for failed events. Successful events are ignored.
type Slack struct {
	api     SlackAPI
	channel string
}

var _ pipeline.Exporter = (*Slack)(nil) //nolint:gochecknoglobals // compile-time check

func NewSlack(api SlackAPI, channel string) (*Slack, error) {
	if api == nil || channel == "" {
		return nil, errors.New("exporters.NewSlack: client and channel are required")
	}
	return &Slack{api: api, channel: channel}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Export(ctx context.Context, ev *domain.AuditEvent) error {
	if !ev.Status.Failed() {
		return nil
	}

	text := AlertText(ev)
	section := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, text, false, false),
		nil,
		nil,
	)
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slacklib.MsgOptionText(text, false),
		slacklib.MsgOptionBlocks(section),
	)
	if err != nil {
		return fmt.Errorf("exporters.Slack.Export: %w", err)
	}
	return nil
}

// AlertText renders the markdown body of an alert.
func AlertText(ev *domain.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s* `%s`", ev.EventType, ev.Status)
	if ev.Agent != "" {
		fmt.Fprintf(&b, " in *%s*", ev.Agent)
	}
	if ev.Action != "" {
		fmt.Fprintf(&b, " (%s)", ev.Action)
	}
	fmt.Fprintf(&b, "\n*Trace:* `%s` *Span:* `%s`", ev.TraceID, ev.SpanID)
	if ev.LatencyMs != nil {
		fmt.Fprintf(&b, "\n*Latency:* %.0fms", *ev.LatencyMs)
	}
	if ev.Error != nil {
		fmt.Fprintf(&b, "\n*Error:* %s: %s", ev.Error.Type, ev.Error.Message)
	}
	return b.String()
}

func (s *Slack) Flush(context.Context) error    { return nil }
func (s *Slack) Shutdown(context.Context) error { return nil }
