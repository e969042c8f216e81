package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/prompt"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// writeObject renders obj as JSON or YAML. Table output is handled by the
// per-type writers.
func writeObject(w io.Writer, format string, obj any) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		data, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, string(data))
		return err
	}
	return fmt.Errorf("unknown output format: %s", format)
}

func isTable(format string) bool {
	return format == "" || format == formatTable
}

func writeSessionTable(w io.Writer, sessions []*domain.SessionSummary) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tCREATED\tMODEL\tRECORDS\tLATENCY_MS\tTOKENS\tERROR\tQUERY")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
			s.SessionID, formatTime(s.CreatedAt), dash(s.ModelID), s.TotalRecords,
			s.TotalLatencyMs, s.TotalTokens(), s.HasError, clip(s.UserQuery, 40))
	}
	_ = tw.Flush()
}

func writeVerifyTable(w io.Writer, checks []domain.Verification) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tAUDIT_ID\tTYPE\tSTATUS")
	for _, c := range checks {
		status := "ok"
		if !c.Valid {
			status = "TAMPERED"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.SequenceNum, c.AuditID, c.EventType, status)
	}
	_ = tw.Flush()
}

func writePromptTable(w io.Writer, infos []prompt.Info) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tCURRENT\tHASH\tVERSIONS\tDESCRIPTION")
	for _, p := range infos {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.CurrentVersion, p.CurrentHash, strings.Join(p.AvailableVersions, ","), dash(p.Description))
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
