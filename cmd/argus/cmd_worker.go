package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/client"
	"github.com/wehubfusion/Argus/pkg/config"
	"github.com/wehubfusion/Argus/pkg/runner"
	"github.com/wehubfusion/Argus/pkg/store"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process detection tasks from JetStream until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, a.cfg, a.logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.OpenSQL(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	c := client.NewClientWithConfig(&cfg.NATS, logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	if err := c.Tasks.EnsureConsumer(cfg.Runner.Consumer); err != nil {
		return err
	}

	var opts []runner.Option
	if hub, err := sentryHub(cfg.Sentry); err != nil {
		logger.Warn("Failed to setup Sentry, continuing without error reporting", zap.Error(err))
	} else if hub != nil {
		defer hub.Flush(5 * time.Second)
		opts = append(opts, runner.WithSentryHub(hub))
	}

	r, err := runner.NewRunner(c.Tasks, eng.detector, cfg.Runner, logger, opts...)
	if err != nil {
		return err
	}
	logger.Info("Worker started",
		zap.String("consumer", cfg.Runner.Consumer),
		zap.Int("workers", cfg.Runner.NumWorkers),
		zap.Int("batch_size", cfg.Runner.BatchSize))

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sentryHub returns nil when no DSN is configured.
func sentryHub(cfg config.SentryConfig) (*sentry.Hub, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	c, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     version,
		SampleRate:  cfg.SampleRate,
		ServerName:  config.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(c, sentry.NewScope()), nil
}
