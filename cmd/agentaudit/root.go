package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/config"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/prompt"
	"github.com/gosuda/agentaudit/internal/store"
)

type runtimeKey struct{}

// runtime is shared by every subcommand. Config is loaded once in the
// root's PersistentPreRunE.
type runtime struct {
	cfg    *config.Config
	out    io.Writer
	format string
}

func newRootCommand(out io.Writer) *cobra.Command {
	rt := &runtime{out: out}

	root := &cobra.Command{
		Use:           "agentaudit",
		Short:         "Audit trail and event pipeline for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log)
			rt.cfg = cfg
			if rt.format == "" {
				rt.format = os.Getenv("AUDIT_OUTPUT")
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&rt.format, "output", "o", "", "Output format: table, json, yaml")

	root.AddCommand(
		newServeCommand(),
		newSessionsCommand(),
		newReportCommand(),
		newHistoryCommand(),
		newVerifyCommand(),
		newPromptsCommand(),
		newTokenCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil || rt.cfg == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// setupLogger configures the global zerolog logger.
func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// loadPrompts reads the prompt registry. A missing file yields nil.
func loadPrompts(path string) (*prompt.Registry, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("prompt registry not found; records will carry no prompt versions")
		return nil, nil
	}
	reg, err := prompt.Load(path)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// openService opens and initializes the configured storage and wraps it in
// an audit service. The returned close function releases the storage.
func openService(ctx context.Context, cfg *config.Config, m *metrics.Metrics, opts ...audit.Option) (*audit.Service, func(), error) {
	if m == nil {
		m = metrics.New(nil)
	}

	storage, err := store.Open(ctx, cfg, m)
	if err != nil {
		return nil, nil, err
	}

	prompts, err := loadPrompts(cfg.PromptRegistry)
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}

	opts = append([]audit.Option{audit.WithMetrics(m)}, opts...)
	if prompts != nil {
		opts = append(opts, audit.WithPromptVersions(prompts))
	}

	svc := audit.New(storage, opts...)
	if err := svc.Initialize(ctx); err != nil {
		_ = svc.Close()
		return nil, nil, fmt.Errorf("initialize %s storage: %w", cfg.Storage.Backend, err)
	}

	closeFn := func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("closing audit storage")
		}
	}
	return svc, closeFn, nil
}
