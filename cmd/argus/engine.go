package main

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/internal/tracing"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/config"
	"github.com/wehubfusion/Argus/pkg/detector"
	"github.com/wehubfusion/Argus/pkg/maintenance"
	"github.com/wehubfusion/Argus/pkg/merger"
	"github.com/wehubfusion/Argus/pkg/pipeline"
	"github.com/wehubfusion/Argus/pkg/pipeline/nodes"
	"github.com/wehubfusion/Argus/pkg/postrun"
	"github.com/wehubfusion/Argus/pkg/storage"
	"github.com/wehubfusion/Argus/pkg/store"
)

// engine is a detector wired to a store and the configured collaborators.
type engine struct {
	detector        *detector.Runner
	orchestrator    *postrun.Orchestrator
	shutdownTracing func(context.Context) error
	logger          *zap.Logger
}

func newEngine(ctx context.Context, cfg *config.Config, st store.Store, logger *zap.Logger) (*engine, error) {
	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" || tracingCfg.ServiceVersion == "dev" {
		tracingCfg.ServiceVersion = version
	}
	shutdown, err := tracing.SetupTracing(ctx, tracingCfg, logger)
	if err != nil {
		logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		shutdown = nil
	}

	var evaluations postrun.EvaluationStore = store.Evaluations{Store: st}
	var detectorOpts []detector.Option
	if cfg.Blob.Enabled {
		blob, err := storage.NewAzureBlobClient(cfg.Blob.ConnectionString, cfg.Blob.Container, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client: %w", err)
		}
		archive, err := storage.NewEvaluationArchive(blob, cfg.Blob.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create evaluation archive: %w", err)
		}
		evaluations = storage.Tee{store.Evaluations{Store: st}, archive}
		detectorOpts = append(detectorOpts, detector.WithArchiver(archive))
	}

	orch, err := postrun.NewOrchestrator(postrun.Dependencies{
		Merger:      merger.New(st, cfg.Merger, merger.WithLogger(logger)),
		Evaluations: evaluations,
		Maintainer:  maintenance.NewRetuneFlow(cfg.Maintenance, nil, logger),
		Renotifier:  st,
		Alerts:      store.Alerts{Store: st},
	}, postrun.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	registry := pipeline.NewRegistry()
	nodes.RegisterAll(registry)

	limit := cfg.Pipeline.MaxConcurrent
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	detectorOpts = append(detectorOpts,
		detector.WithLogger(logger),
		detector.WithExecutorOptions(pipeline.WithFanOut(cfg.Pipeline, concurrency.NewLimiter(limit))),
	)
	det, err := detector.NewRunner(st, registry, orch, detectorOpts...)
	if err != nil {
		return nil, err
	}

	return &engine{
		detector:        det,
		orchestrator:    orch,
		shutdownTracing: shutdown,
		logger:          logger,
	}, nil
}

func (e *engine) Close() error {
	m := e.detector.GetMetrics()
	om := e.orchestrator.GetMetrics()
	e.logger.Info("Engine stopped",
		zap.Int64("tasks", m.Tasks),
		zap.Int64("successes", m.Successes),
		zap.Int64("exceptions", m.Exceptions),
		zap.Int64("skipped", m.Skipped),
		zap.Int64("duplicates", om.Duplicates),
		zap.Int64("renotified", om.Renotified))
	return tracing.Shutdown(e.shutdownTracing, e.logger)
}
