package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/agentaudit/internal/auth"
)

func newPromptsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List registered prompts and their current versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			reg, err := loadPrompts(rt.cfg.PromptRegistry)
			if err != nil {
				return err
			}
			if reg == nil {
				return errors.New("no prompt registry at " + rt.cfg.PromptRegistry)
			}

			infos := reg.List()
			if isTable(rt.format) {
				writePromptTable(rt.out, infos)
				return nil
			}
			return writeObject(rt.out, rt.format, infos)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with AUDIT_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if rt.cfg.JWT.Secret == "" {
				return errors.New("AUDIT_JWT_SECRET is not set")
			}
			if subject == "" {
				return errors.New("--subject is required")
			}

			tok, err := auth.IssueToken(rt.cfg.JWT.Secret, subject, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(rt.out, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleAuditor, "Token role: admin, auditor or ingest")
	cmd.Flags().StringVar(&subject, "subject", "", "Operator or agent name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
