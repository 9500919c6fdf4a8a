// Package detector runs an alert's detection pipeline for one task window
// and hands the result to the post-run orchestrator.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/components"
	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/merger"
	"github.com/wehubfusion/Argus/pkg/pipeline"
	"github.com/wehubfusion/Argus/pkg/postrun"
	"github.com/wehubfusion/Argus/pkg/store"
)

var (
	// ErrInvalidTask is returned for task bounds that can never run.
	ErrInvalidTask = errors.New("invalid detection task")

	// ErrAlertNotFound is returned when the task's alert does not exist.
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertSource loads alerts by id.
type AlertSource interface {
	GetAlert(ctx context.Context, id string) (*detection.Alert, error)
}

// PostRun applies a run's result to durable state.
type PostRun interface {
	ExecuteAttempt(ctx context.Context, attempt *postrun.Attempt, alert *detection.Alert, result *detection.PipelineResult) (*postrun.Report, error)
}

// RunArchiver keeps a copy of each run's result.
type RunArchiver interface {
	ArchiveRun(ctx context.Context, bounds detection.TaskBounds, result *detection.PipelineResult, archivedAt int64) (string, error)
}

// Outcome is what one Run produced.
type Outcome struct {
	Bounds  detection.TaskBounds
	Alert   *detection.Alert
	Outputs map[string]*detection.PipelineResult
	Result  *detection.PipelineResult
	Report  *postrun.Report
	// Skipped is set for inactive alerts
	Skipped    bool
	ArchiveURL string
	Duration   time.Duration
}

// Metrics holds runner counters.
type Metrics struct {
	Tasks      int64
	Successes  int64
	Exceptions int64
	Skipped    int64
}

// Runner executes detection tasks. It is safe for concurrent use.
type Runner struct {
	alerts     AlertSource
	registry   *pipeline.Registry
	components *components.Registry
	postRun    PostRun
	archiver   RunArchiver
	execOpts   []pipeline.Option
	metrics    pipeline.MetricsCollector
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	tasks      atomic.Int64
	successes  atomic.Int64
	exceptions atomic.Int64
	skipped    atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithComponentRegistry replaces the default component registry.
func WithComponentRegistry(c *components.Registry) Option {
	return func(r *Runner) {
		if c != nil {
			r.components = c
		}
	}
}

// WithExecutorOptions adds options applied to every run's executor.
func WithExecutorOptions(opts ...pipeline.Option) Option {
	return func(r *Runner) { r.execOpts = append(r.execOpts, opts...) }
}

// WithArchiver keeps a copy of every run result. Archive failures are
// logged and do not fail the run.
func WithArchiver(a RunArchiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a runner.
func NewRunner(alerts AlertSource, registry *pipeline.Registry, postRun PostRun, opts ...Option) (*Runner, error) {
	if alerts == nil {
		return nil, errors.New("alert source is required")
	}
	if registry == nil {
		return nil, errors.New("node registry is required")
	}
	if postRun == nil {
		return nil, errors.New("post-run orchestrator is required")
	}
	r := &Runner{
		alerts:     alerts,
		registry:   registry,
		components: components.NewDefaultRegistry(),
		postRun:    postRun,
		metrics:    pipeline.NewMetricsCollector(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/wehubfusion/Argus/pkg/detector"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the alert named by bounds over its window and applies the
// result.
func (r *Runner) Run(ctx context.Context, bounds detection.TaskBounds) (*Outcome, error) {
	r.tasks.Add(1)
	started := r.now()

	ctx, span := r.tracer.Start(ctx, "detector.run", trace.WithAttributes(
		attribute.String("alert.id", bounds.AlertID),
		attribute.String("task.id", bounds.TaskID),
		attribute.Int64("window.start", bounds.Start),
		attribute.Int64("window.end", bounds.End),
	))
	defer span.End()

	logger := r.logger.With(
		zap.String("alert_id", bounds.AlertID),
		zap.String("task_id", bounds.TaskID),
		zap.Int64("start", bounds.Start),
		zap.Int64("end", bounds.End))

	outcome, err := r.run(ctx, logger, bounds)
	if err != nil {
		r.exceptions.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection run failed")
		logger.Error("Detection run failed", zap.Error(err))
		return nil, err
	}

	outcome.Duration = r.now().Sub(started)
	r.successes.Add(1)
	logger.Info("Detection run completed",
		zap.Bool("skipped", outcome.Skipped),
		zap.Duration("duration", outcome.Duration))
	return outcome, nil
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger, bounds detection.TaskBounds) (*Outcome, error) {
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	alert, err := r.alerts.GetAlert(ctx, bounds.AlertID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, bounds.AlertID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", bounds.AlertID, err)
	}

	outcome := &Outcome{Bounds: bounds, Alert: alert}
	if !alert.Active {
		r.skipped.Add(1)
		logger.Info("Alert is inactive, skipping run")
		outcome.Skipped = true
		return outcome, nil
	}

	comps, err := r.components.BuildAll(alert.Components)
	if err != nil {
		return nil, pipeline.NewGraphConfigurationError("", "invalid component", err)
	}

	opts := append([]pipeline.Option{
		pipeline.WithComponents(comps),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(r.metrics),
	}, r.execOpts...)
	executor := pipeline.NewExecutor(r.registry, opts...)

	attempt := postrun.NewAttempt(bounds)
	if err := attempt.Transition(postrun.StateExecuting); err != nil {
		return nil, err
	}

	outputs, err := executor.Run(ctx, alert.Nodes, bounds.Start, bounds.End)
	if err != nil {
		_ = attempt.Fail(err)
		return nil, err
	}
	if err := attempt.Transition(postrun.StateExecuted); err != nil {
		return nil, err
	}

	outcome.Outputs = outputs
	outcome.Result = RootResult(outputs)

	if r.archiver != nil {
		url, err := r.archiver.ArchiveRun(ctx, bounds, outcome.Result, r.now().UnixMilli())
		if err != nil {
			logger.Warn("Failed to archive run result", zap.Error(err))
		} else {
			outcome.ArchiveURL = url
		}
	}

	report, err := r.postRun.ExecuteAttempt(ctx, attempt, alert, outcome.Result)
	if err != nil {
		return nil, err
	}
	outcome.Report = report
	return outcome, nil
}

// RootResult collapses the root's outputs: a single output is used as is,
// several are combined in key order and none yields an empty result.
func RootResult(outputs map[string]*detection.PipelineResult) *detection.PipelineResult {
	if len(outputs) == 1 {
		for _, r := range outputs {
			if r != nil {
				return r
			}
		}
	}
	return pipeline.CombineOutputs(outputs)
}

// GetMetrics returns the runner counters.
func (r *Runner) GetMetrics() Metrics {
	return Metrics{
		Tasks:      r.tasks.Load(),
		Successes:  r.successes.Load(),
		Exceptions: r.exceptions.Load(),
		Skipped:    r.skipped.Load(),
	}
}

// PipelineMetrics returns node-level counters across all runs.
func (r *Runner) PipelineMetrics() pipeline.Metrics {
	return r.metrics.GetMetrics()
}

// IsPermanentError reports whether retrying err can never succeed.
func IsPermanentError(err error) bool {
	return errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrAlertNotFound) ||
		pipeline.IsPermanentError(err)
}

// IsRetryableError reports whether err may succeed on redelivery.
func IsRetryableError(err error) bool {
	return errors.Is(err, merger.ErrMergeConflict) || pipeline.IsRetryableError(err)
}
