// Package runner pulls detection tasks from NATS JetStream and runs them on
// a pool of workers. A task is acknowledged once its run committed,
// terminated when it can never succeed and negatively acknowledged
// otherwise so JetStream redelivers it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/detector"
	"github.com/wehubfusion/Argus/pkg/task"
)

// TaskSource delivers batches of tasks for a durable consumer.
type TaskSource interface {
	Pull(ctx context.Context, consumer string, batchSize int) ([]*task.Task, error)
}

// Detector runs one task window.
type Detector interface {
	Run(ctx context.Context, bounds detection.TaskBounds) (*detector.Outcome, error)
}

// Disposition is how a processed task is settled with JetStream.
type Disposition int

const (
	Ack Disposition = iota
	Nak
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	}
	return "unknown"
}

// Config configures a Runner.
type Config struct {
	Consumer       string        `yaml:"consumer"`
	BatchSize      int           `yaml:"batch_size"`
	NumWorkers     int           `yaml:"workers"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	// HeartbeatInterval is how often a running task's ack deadline is
	// extended. Zero disables heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Consumer:          "argus-workers",
		BatchSize:         10,
		NumWorkers:        4,
		ProcessTimeout:    5 * time.Minute,
		HeartbeatInterval: 20 * time.Second,
	}
}

func (c Config) validate() error {
	if c.Consumer == "" {
		return errors.New("consumer name cannot be empty")
	}
	if c.BatchSize <= 0 {
		return errors.New("batchSize must be greater than 0")
	}
	if c.NumWorkers <= 0 {
		return errors.New("numWorkers must be greater than 0")
	}
	if c.ProcessTimeout <= 0 {
		return errors.New("processTimeout must be greater than 0")
	}
	return nil
}

// Option configures a Runner.
type Option func(*Runner)

// WithSentryHub reports failed tasks to Sentry.
func WithSentryHub(hub *sentry.Hub) Option {
	return func(r *Runner) {
		r.sentry = hub
	}
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Runner processes detection tasks from a JetStream consumer.
type Runner struct {
	source   TaskSource
	detector Detector
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	sentry   *sentry.Hub

	idleWait time.Duration
	settle   func(*task.Task, Disposition) error
}

// NewRunner creates a runner. Stream and consumer must already exist.
func NewRunner(source TaskSource, det Detector, config Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if source == nil {
		return nil, errors.New("task source cannot be nil")
	}
	if det == nil {
		return nil, errors.New("detector cannot be nil")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	r := &Runner{
		source:   source,
		detector: det,
		config:   config,
		logger:   logger,
		tracer:   otel.Tracer("argus/runner"),
		idleWait: 500 * time.Millisecond,
		settle:   settleTask,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run pulls and processes tasks until ctx is cancelled. Tasks still queued
// when it stops are negatively acknowledged.
func (r *Runner) Run(ctx context.Context) error {
	tasks := make(chan *task.Task, r.config.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	for i := range r.config.NumWorkers {
		g.Go(func() error {
			r.worker(gctx, i, tasks)
			return nil
		})
	}
	g.Go(func() error {
		defer close(tasks)
		r.pull(gctx, tasks)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("Runner stopped", zap.Error(ctx.Err()))
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *task.Task) {
	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for ctx.Err() == nil {
		batch, err := r.source.Pull(ctx, r.config.Consumer, r.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling tasks", zap.Error(err))
			if !sleep(ctx, backoffDelay) {
				return
			}
			backoffDelay = min(backoffDelay*2, maxBackoff)
			continue
		}
		backoffDelay = 100 * time.Millisecond

		if len(batch) == 0 {
			if !sleep(ctx, r.idleWait) {
				return
			}
			continue
		}

		for i, t := range batch {
			select {
			case out <- t:
			case <-ctx.Done():
				for _, rest := range batch[i:] {
					r.settleLogged(rest, Nak)
				}
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, tasks <-chan *task.Task) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for t := range tasks {
		if ctx.Err() != nil {
			r.settleLogged(t, Nak)
			continue
		}
		r.settleLogged(t, r.processTask(ctx, workerID, t))
	}
}

// processTask runs one task and decides how it is settled.
func (r *Runner) processTask(ctx context.Context, workerID int, t *task.Task) Disposition {
	ctx, span := r.tracer.Start(ctx, "runner.processTask",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("task.id", t.ID),
			attribute.String("alert.id", t.AlertID),
			attribute.Int64("task.start", t.Start),
			attribute.Int64("task.end", t.End),
			attribute.Int64("task.delivered", int64(t.Delivered())),
		))
	defer span.End()

	fields := []zap.Field{
		zap.Int("workerID", workerID),
		zap.String("task_id", t.ID),
		zap.String("alert_id", t.AlertID),
		zap.Uint64("delivered", t.Delivered()),
	}

	processCtx, cancel := context.WithTimeout(ctx, r.config.ProcessTimeout)
	defer cancel()
	stopHeartbeat := r.heartbeat(processCtx, t)

	start := time.Now()
	outcome, err := r.detector.Run(processCtx, t.Bounds())
	stopHeartbeat()
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		disposition := Nak
		if detector.IsPermanentError(err) {
			disposition = Term
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Error processing task", append(fields,
			zap.Duration("processingTime", elapsed),
			zap.Stringer("disposition", disposition),
			zap.Error(err))...)

		// Shutdown interrupts are not failures of the task.
		if ctx.Err() == nil {
			r.report(err, t, disposition)
		}
		return disposition
	}

	span.SetStatus(codes.Ok, "Task processed successfully")
	if outcome != nil {
		fields = append(fields, zap.Bool("skipped", outcome.Skipped))
		if outcome.Report != nil {
			fields = append(fields,
				zap.Int("merged", len(outcome.Report.Merged)),
				zap.Bool("noop", outcome.Report.NoOp),
				zap.Bool("duplicate", outcome.Report.Duplicate),
				zap.Int64("watermark", outcome.Report.Watermark))
			span.SetAttributes(attribute.Int("anomalies.merged", len(outcome.Report.Merged)))
		}
	}
	r.logger.Info("Successfully processed task", append(fields, zap.Duration("processingTime", elapsed))...)
	return Ack
}

// heartbeat keeps extending the ack deadline until the returned function
// is called.
func (r *Runner) heartbeat(ctx context.Context, t *task.Task) func() {
	if r.config.HeartbeatInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.InProgress(); err != nil {
					r.logger.Warn("Failed to extend task deadline", zap.String("task_id", t.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) report(err error, t *task.Task, disposition Disposition) {
	if r.sentry == nil {
		return
	}
	hub := r.sentry.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("task_id", t.ID)
		scope.SetTag("alert_id", t.AlertID)
		scope.SetTag("disposition", disposition.String())
		scope.SetContext("task", sentry.Context{
			"start":     t.Start,
			"end":       t.End,
			"delivered": t.Delivered(),
		})
		if disposition == Term {
			scope.SetLevel(sentry.LevelError)
		} else {
			scope.SetLevel(sentry.LevelWarning)
		}
	})
	hub.CaptureException(err)
}

func (r *Runner) settleLogged(t *task.Task, d Disposition) {
	if err := r.settle(t, d); err != nil {
		r.logger.Error("Error settling task",
			zap.String("task_id", t.ID),
			zap.Stringer("disposition", d),
			zap.Error(err))
	}
}

func settleTask(t *task.Task, d Disposition) error {
	switch d {
	case Ack:
		return t.Ack()
	case Term:
		return t.Term()
	case Nak:
		return t.Nak()
	}
	return fmt.Errorf("unknown disposition %d", d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
