// Package postrun applies the result of a pipeline run to durable state:
// the alert watermark, the merged anomalies, evaluations, model
// maintenance and re-notification.
package postrun

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// Merger reconciles candidate anomalies with persisted ones and saves the
// outcome. It must be idempotent for a given (bounds, candidates) pair and
// returns the merged anomalies so renotify flags can be read.
type Merger interface {
	MergeAndSave(ctx context.Context, bounds detection.TaskBounds, alert *detection.Alert, candidates []*detection.Anomaly) ([]*detection.Anomaly, error)
}

// EvaluationStore persists evaluations.
type EvaluationStore interface {
	Save(ctx context.Context, evaluation *detection.Evaluation) error
}

// Maintainer refreshes alert models. It returns the alert to persist.
type Maintainer interface {
	Maintain(ctx context.Context, alert *detection.Alert, now time.Time) (*detection.Alert, error)
}

// Renotifier re-sends notifications for an anomaly that changed after it
// was notified.
type Renotifier interface {
	Renotify(ctx context.Context, anomaly *detection.Anomaly) error
}

// AlertStore persists alerts.
type AlertStore interface {
	Update(ctx context.Context, alert *detection.Alert) error
}

// Dependencies are the orchestrator's collaborators. Merger, Alerts and
// Evaluations are required; Maintainer and Renotifier may be nil.
type Dependencies struct {
	Merger      Merger
	Evaluations EvaluationStore
	Maintainer  Maintainer
	Renotifier  Renotifier
	Alerts      AlertStore
}

// Report describes what one Execute call did.
type Report struct {
	AttemptID string
	RunKey    string
	// NoOp is set when the run processed nothing and state was left untouched
	NoOp bool
	// Duplicate is set when this run already completed
	Duplicate bool
	// MergeSkipped is set when a retried run reused the anomalies merged by
	// an earlier attempt that failed after the merge
	MergeSkipped     bool
	Watermark        int64
	Merged           []*detection.Anomaly
	EvaluationsSaved int
	Maintained       bool
	Renotified       int
	RenotifyFailures int
	// Alert is the alert as last persisted
	Alert *detection.Alert
}

// Metrics holds orchestrator counters.
type Metrics struct {
	Executions          int64
	NoOps               int64
	Duplicates          int64
	Failures            int64
	MaintenanceFailures int64
	Renotified          int64
	RenotifyFailures    int64
}

// Orchestrator runs the post-run steps. It is safe for concurrent use by
// runs of different alerts; runs of the same window are serialised by its
// RunGuard.
type Orchestrator struct {
	deps   Dependencies
	guard  *RunGuard
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	executions          atomic.Int64
	noOps               atomic.Int64
	duplicates          atomic.Int64
	failures            atomic.Int64
	maintenanceFailures atomic.Int64
	renotified          atomic.Int64
	renotifyFailures    atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithGuard sets the run guard.
func WithGuard(g *RunGuard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Merger == nil {
		return nil, errors.New("merger is required")
	}
	if deps.Alerts == nil {
		return nil, errors.New("alert store is required")
	}
	if deps.Evaluations == nil {
		return nil, errors.New("evaluation store is required")
	}

	o := &Orchestrator{
		deps:   deps,
		guard:  NewRunGuard(DefaultGuardCapacity),
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/wehubfusion/Argus/pkg/postrun"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute applies result, produced for alert over bounds, to durable state.
func (o *Orchestrator) Execute(ctx context.Context, alert *detection.Alert, result *detection.PipelineResult, bounds detection.TaskBounds) (*Report, error) {
	attempt := NewAttempt(bounds)
	if err := attempt.Transition(StateExecuting); err != nil {
		return nil, err
	}
	if err := attempt.Transition(StateExecuted); err != nil {
		return nil, err
	}
	return o.ExecuteAttempt(ctx, attempt, alert, result)
}

// ExecuteAttempt is Execute for an attempt that already reached
// StateExecuted. The attempt ends in StateDone or StateFailed.
func (o *Orchestrator) ExecuteAttempt(ctx context.Context, attempt *Attempt, alert *detection.Alert, result *detection.PipelineResult) (*Report, error) {
	if attempt.State() != StateExecuted {
		return nil, fmt.Errorf("%w: attempt %s is %s, expected %s", ErrIllegalTransition, attempt.ID, attempt.State(), StateExecuted)
	}
	if alert == nil || result == nil {
		err := errors.New("alert and result are required")
		_ = attempt.Transition(StateMerging)
		_ = attempt.Fail(err)
		return nil, err
	}

	bounds := attempt.Bounds
	ctx, span := o.tracer.Start(ctx, "postrun.execute", trace.WithAttributes(
		attribute.String("alert.id", alert.ID),
		attribute.String("attempt.id", attempt.ID),
		attribute.Int64("window.start", bounds.Start),
		attribute.Int64("window.end", bounds.End),
		attribute.Int64("result.last_timestamp", result.LastTimestamp),
		attribute.Int("result.anomalies", len(result.Anomalies)),
	))
	defer span.End()

	o.executions.Add(1)
	logger := o.logger.With(
		zap.String("alert_id", alert.ID),
		zap.String("attempt_id", attempt.ID),
		zap.String("task_id", bounds.TaskID))

	report := &Report{
		AttemptID: attempt.ID,
		RunKey:    bounds.RunKey(),
		Watermark: alert.LastTimestamp,
		Alert:     alert,
	}

	if result.LastTimestamp < 0 {
		o.noOps.Add(1)
		logger.Info("Run processed no data, skipping post-run steps")
		report.NoOp = true
		return report, attempt.Transition(StateDone)
	}

	key := GuardKey(bounds)
	if !o.guard.Begin(key) {
		o.duplicates.Add(1)
		logger.Warn("Run already completed, skipping", zap.String("run_key", key))
		report.Duplicate = true
		return report, attempt.Transition(StateDone)
	}

	if err := attempt.Transition(StateMerging); err != nil {
		o.guard.Abort(key)
		return nil, err
	}

	fail := func(msg string, err error) (*Report, error) {
		o.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Error(msg, zap.Error(err))
		_ = attempt.Fail(err)
		return nil, err
	}

	updated := alert.Clone()
	if result.LastTimestamp > updated.LastTimestamp {
		updated.LastTimestamp = result.LastTimestamp
	}
	if err := o.deps.Alerts.Update(ctx, updated); err != nil {
		o.guard.Abort(key)
		return fail("Failed to update alert watermark", fmt.Errorf("failed to update alert %s: %w", alert.ID, err))
	}
	report.Watermark = updated.LastTimestamp
	report.Alert = updated

	merged, remerge := o.guard.Merged(key)
	if remerge {
		logger.Info("Run already merged, resuming after merge", zap.String("run_key", key))
		report.MergeSkipped = true
	} else {
		var err error
		merged, err = o.deps.Merger.MergeAndSave(ctx, bounds, updated, result.Anomalies)
		if err != nil {
			o.guard.Abort(key)
			return fail("Failed to merge anomalies", err)
		}
		o.guard.MarkMerged(key, merged)
	}
	report.Merged = merged

	for i, eval := range result.Evaluations {
		if eval == nil {
			continue
		}
		e := *eval
		if e.ID == "" {
			e.ID = EvaluationID(bounds, i)
		}
		if e.AlertID == "" {
			e.AlertID = alert.ID
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = o.now().UnixMilli()
		}
		if err := o.deps.Evaluations.Save(ctx, &e); err != nil {
			o.guard.Abort(key)
			return fail("Failed to save evaluation", fmt.Errorf("failed to save evaluation %s: %w", e.ID, err))
		}
		report.EvaluationsSaved++
	}
	o.guard.Complete(key)

	if o.deps.Maintainer != nil {
		report.Maintained = o.maintain(ctx, logger, report)
	}

	if err := attempt.Transition(StateNotifying); err != nil {
		return nil, err
	}

	if o.deps.Renotifier != nil {
		for _, a := range merged {
			if a == nil || !a.Renotify {
				continue
			}
			if err := o.deps.Renotifier.Renotify(ctx, a); err != nil {
				o.renotifyFailures.Add(1)
				report.RenotifyFailures++
				logger.Warn("Failed to renotify anomaly",
					zap.String("anomaly_id", a.ID),
					zap.Error(err))
				continue
			}
			o.renotified.Add(1)
			report.Renotified++
		}
	}

	span.SetAttributes(
		attribute.Int("postrun.merged", len(merged)),
		attribute.Int("postrun.renotified", report.Renotified),
	)
	logger.Info("Post-run completed",
		zap.Int("candidates", len(result.Anomalies)),
		zap.Int("merged", len(merged)),
		zap.Int("evaluations", report.EvaluationsSaved),
		zap.Int("renotified", report.Renotified),
		zap.Int("renotify_failures", report.RenotifyFailures),
		zap.Int64("watermark", report.Watermark))

	return report, attempt.Transition(StateDone)
}

// maintain runs model maintenance; failures are logged and do not fail the run.
func (o *Orchestrator) maintain(ctx context.Context, logger *zap.Logger, report *Report) bool {
	maintained, err := o.deps.Maintainer.Maintain(ctx, report.Alert.Clone(), o.now())
	if err != nil {
		o.maintenanceFailures.Add(1)
		logger.Warn("Model maintenance failed", zap.Error(err))
		return false
	}
	if maintained == nil {
		return false
	}
	if err := o.deps.Alerts.Update(ctx, maintained); err != nil {
		o.maintenanceFailures.Add(1)
		logger.Warn("Failed to persist maintained alert", zap.Error(err))
		return false
	}
	report.Alert = maintained
	return true
}

// EvaluationID derives a stable evaluation id from the run and the
// evaluation's position in the result, so a replayed run overwrites the
// evaluations it saved before.
func EvaluationID(bounds detection.TaskBounds, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("argus:%s#%d", GuardKey(bounds), index))).String()
}

// GetMetrics returns the current counters.
func (o *Orchestrator) GetMetrics() Metrics {
	return Metrics{
		Executions:          o.executions.Load(),
		NoOps:               o.noOps.Load(),
		Duplicates:          o.duplicates.Load(),
		Failures:            o.failures.Load(),
		MaintenanceFailures: o.maintenanceFailures.Load(),
		Renotified:          o.renotified.Load(),
		RenotifyFailures:    o.renotifyFailures.Load(),
	}
}
