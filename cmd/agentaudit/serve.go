package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/gosuda/agentaudit/internal/audit"
	"github.com/gosuda/agentaudit/internal/config"
	"github.com/gosuda/agentaudit/internal/metrics"
	"github.com/gosuda/agentaudit/internal/pipeline"
	"github.com/gosuda/agentaudit/internal/pipeline/exporters"
	"github.com/gosuda/agentaudit/internal/replay"
	"github.com/gosuda/agentaudit/internal/sampling"
	"github.com/gosuda/agentaudit/internal/server"
	redisstore "github.com/gosuda/agentaudit/internal/store/redis"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit API, ingest endpoints and delivery pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), rt.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Redis backs the redis exporter, record fan-out and the live tail.
	var pubsub *redisstore.PubSub
	if cfg.HasExporter(config.ExporterRedis) {
		ps, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = ps.Close() }()
		pubsub = ps
	}

	var opts []audit.Option
	if pubsub != nil {
		opts = append(opts, audit.WithPublisher(pubsub))
	}
	svc, closeSvc, err := openService(ctx, cfg, m, opts...)
	if err != nil {
		return err
	}
	defer closeSvc()

	exps, err := buildExporters(cfg, pubsub)
	if err != nil {
		return err
	}
	pipe := pipeline.New(pipeline.Config{Capacity: cfg.Pipeline.Capacity}, m, exps...)
	pipe.Start(ctx)

	policy := sampling.New(cfg.Sampling.SuccessRate, cfg.Sampling.ErrorRate, cfg.Sampling.SlowThreshold, cfg.Sampling.Debug)
	emitter := pipeline.NewEmitter(pipe, policy, cfg.Enabled, m)

	deps := server.Deps{
		Reader:   svc,
		Recorder: svc,
		Replayer: replay.New(svc),
		Emitter:  emitter,
		Gatherer: reg,
	}
	if pubsub != nil {
		deps.PubSub = pubsub
	}
	srv := server.New(ctx, cfg, deps)

	log.Info().
		Str("backend", cfg.Storage.Backend.String()).
		Strs("exporters", pipe.Exporters()).
		Bool("enabled", cfg.Enabled).
		Msg("agentaudit starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Block until shutdown signal or listener failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pipeline shutdown")
	}

	log.Info().Msg("stopped")
	return nil
}

// buildExporters instantiates the configured exporters. Network sinks are
// wrapped in a circuit breaker.
func buildExporters(cfg *config.Config, pubsub *redisstore.PubSub) ([]pipeline.Exporter, error) {
	registry := exporters.NewRegistry()
	registry.Register(config.ExporterStdout, func() (pipeline.Exporter, error) {
		return exporters.NewStdout(nil), nil
	})
	registry.Register(config.ExporterJSONFile, func() (pipeline.Exporter, error) {
		return exporters.NewJSONFile(cfg.Pipeline.LogDir), nil
	})
	registry.Register(config.ExporterRedis, func() (pipeline.Exporter, error) {
		if pubsub == nil {
			return nil, errors.New("redis is not connected")
		}
		return exporters.NewBreaker(exporters.NewRedis(pubsub), exporters.BreakerConfig{}), nil
	})
	registry.Register(config.ExporterKafka, func() (pipeline.Exporter, error) {
		k, err := exporters.NewKafka(exporters.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return nil, err
		}
		return exporters.NewBreaker(k, exporters.BreakerConfig{}), nil
	})
	registry.Register(config.ExporterSlack, func() (pipeline.Exporter, error) {
		s, err := exporters.NewSlack(slacklib.New(cfg.Slack.BotToken), cfg.Slack.Channel)
		if err != nil {
			return nil, err
		}
		return exporters.NewBreaker(s, exporters.BreakerConfig{}), nil
	})

	exps, err := registry.CreateAll(cfg.Pipeline.Exporters)
	if err != nil {
		return nil, fmt.Errorf("exporters (available %v): %w", registry.Available(), err)
	}
	return exps, nil
}
