package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/replay"
)

func newSessionsCommand() *cobra.Command {
	var (
		hasError bool
		noError  bool
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List audited sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if hasError && noError {
				return errors.New("--has-error and --no-error are mutually exclusive")
			}

			svc, closeSvc, err := openService(cmd.Context(), rt.cfg, nil)
			if err != nil {
				return err
			}
			defer closeSvc()

			filter := domain.ListSessionsFilter{Limit: limit, Offset: offset}
			switch {
			case hasError:
				v := true
				filter.HasError = &v
			case noError:
				v := false
				filter.HasError = &v
			}

			sessions, err := svc.ListSessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []*domain.SessionSummary{}
			}
			if isTable(rt.format) {
				writeSessionTable(rt.out, sessions)
				return nil
			}
			return writeObject(rt.out, rt.format, sessions)
		},
	}
	cmd.Flags().BoolVar(&hasError, "has-error", false, "Only sessions with at least one error")
	cmd.Flags().BoolVar(&noError, "no-error", false, "Only sessions without errors")
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultListLimit, "Maximum number of sessions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of sessions to skip")
	return cmd
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <session-id>",
		Short: "Print the replay transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			svc, closeSvc, err := openService(cmd.Context(), rt.cfg, nil)
			if err != nil {
				return err
			}
			defer closeSvc()

			_, err = fmt.Fprintln(rt.out, replay.New(svc).BuildReport(cmd.Context(), args[0]))
			return err
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the user and assistant turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			svc, closeSvc, err := openService(cmd.Context(), rt.cfg, nil)
			if err != nil {
				return err
			}
			defer closeSvc()

			history := replay.New(svc).ExtractMessageHistory(cmd.Context(), args[0])
			if !isTable(rt.format) {
				return writeObject(rt.out, rt.format, history)
			}
			for _, m := range history {
				if _, err := fmt.Fprintf(rt.out, "%-9s %s\n", m.Role+":", m.Content); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Recompute the content hash of every record in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			svc, closeSvc, err := openService(cmd.Context(), rt.cfg, nil)
			if err != nil {
				return err
			}
			defer closeSvc()

			checks, err := svc.VerifySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if isTable(rt.format) {
				writeVerifyTable(rt.out, checks)
			} else if err := writeObject(rt.out, rt.format, checks); err != nil {
				return err
			}

			tampered := 0
			for _, c := range checks {
				if !c.Valid {
					tampered++
				}
			}
			if tampered > 0 {
				return fmt.Errorf("session %s: %d of %d records failed verification", args[0], tampered, len(checks))
			}
			return nil
		},
	}
}
