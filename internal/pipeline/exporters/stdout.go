package exporters

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// Stdout prints a one-line colorized summary of each event, for local
// debugging. Despite the name it writes to stderr by default.
type Stdout struct {
	w      io.Writer
	tag    lipgloss.Style
	status map[domain.EventStatus]lipgloss.Style
}

var _ pipeline.Exporter = (*Stdout)(nil) //nolint:gochecknoglobals // compile-time check

// NewStdout writes to w, or stderr when w is nil. Colors are dropped
// automatically when w is not a terminal.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stderr
	}
	r := lipgloss.NewRenderer(w)
	color := func(c string) lipgloss.Style { return r.NewStyle().Foreground(lipgloss.Color(c)) }

	return &Stdout{
		w:   w,
		tag: r.NewStyle().Bold(true),
		status: map[domain.EventStatus]lipgloss.Style{
			domain.StatusOK:      color("2"),
			domain.StatusError:   color("1"),
			domain.StatusTimeout: color("3"),
			domain.StatusRetry:   color("6"),
		},
	}
}

func (s *Stdout) Name() string { return "stdout" }

func (s *Stdout) Export(_ context.Context, ev *domain.AuditEvent) error {
	if _, err := io.WriteString(s.w, s.Format(ev)+"\n"); err != nil {
		return fmt.Errorf("exporters.Stdout.Export: %w", err)
	}
	return nil
}

// Format renders the summary line for ev.
func (s *Stdout) Format(ev *domain.AuditEvent) string {
	style, ok := s.status[ev.Status]
	if !ok {
		style = s.tag
	}

	parts := []string{
		style.Inherit(s.tag).Render("[AUDIT]"),
		string(ev.EventType),
		"trace=" + ev.TraceID,
		"span=" + ev.SpanID,
		"agent=" + ev.Agent,
		"status=" + style.Render(string(ev.Status)),
	}
	if ev.LatencyMs != nil {
		parts = append(parts, fmt.Sprintf("latency=%.0fms", *ev.LatencyMs))
	}
	if ev.TokensInput != nil {
		out := int64(0)
		if ev.TokensOutput != nil {
			out = *ev.TokensOutput
		}
		parts = append(parts, fmt.Sprintf("tokens=%d→%d", *ev.TokensInput, out))
	}
	if ev.CostUSD != nil {
		parts = append(parts, fmt.Sprintf("cost=$%.5f", *ev.CostUSD))
	}
	return strings.Join(parts, " ")
}

func (s *Stdout) Flush(context.Context) error    { return nil }
func (s *Stdout) Shutdown(context.Context) error { return nil }
