package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/merger"
	"github.com/wehubfusion/Argus/pkg/pipeline"
	"github.com/wehubfusion/Argus/pkg/pipeline/nodes"
	"github.com/wehubfusion/Argus/pkg/postrun"
	"github.com/wehubfusion/Argus/pkg/store"
)

func staticAlert(id string, lastTimestamp int64, anomalies ...map[string]any) *detection.Alert {
	list := make([]any, 0, len(anomalies))
	for _, a := range anomalies {
		list = append(list, a)
	}
	return &detection.Alert{
		ID:            id,
		Name:          "cpu-spike",
		Active:        true,
		LastTimestamp: detection.NoTimestamp,
		Nodes: []detection.NodeSpec{
			{Name: "root", Type: nodes.TypeForward, Inputs: []detection.Input{{SourceNode: "c", SourceKey: "out", TargetInput: "in"}}},
			{Name: "c", Type: nodes.TypeStatic, Params: map[string]any{"result": map[string]any{
				"lastTimestamp": lastTimestamp,
				"anomalies":     list,
				"evaluations":   []any{map[string]any{"detectorRef": "c", "mape": 0.1}},
			}}},
		},
	}
}

func spike(start, end int64) map[string]any {
	return map[string]any{"metricUrn": "cpu", "detectorRef": "c", "startTime": start, "endTime": end, "avgCurrentVal": 9.0}
}

type fixture struct {
	store  *store.MemStore
	runner *Runner
}

func newFixture(t *testing.T, alerts ...*detection.Alert) *fixture {
	t.Helper()
	s := store.NewMemStore()
	for _, a := range alerts {
		require.NoError(t, s.PutAlert(context.Background(), a))
	}
	return &fixture{store: s, runner: newRunner(t, s)}
}

func newRunner(t *testing.T, s *store.MemStore, opts ...Option) *Runner {
	t.Helper()
	orch, err := postrun.NewOrchestrator(postrun.Dependencies{
		Merger:      merger.New(s, merger.DefaultConfig()),
		Evaluations: store.Evaluations{Store: s},
		Alerts:      store.Alerts{Store: s},
		Renotifier:  s,
	})
	require.NoError(t, err)

	reg := pipeline.NewRegistry()
	nodes.RegisterAll(reg)
	r, err := NewRunner(s, reg, orch, opts...)
	require.NoError(t, err)
	return r
}

func TestRunner_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticAlert("a1", 90, spike(10, 20), spike(40, 50)))
	bounds := detection.TaskBounds{TaskID: "t1", AlertID: "a1", Start: 0, End: 100}

	out, err := f.runner.Run(ctx, bounds)
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	assert.Equal(t, int64(90), out.Result.LastTimestamp)
	assert.Len(t, out.Report.Merged, 2)
	assert.Equal(t, 1, out.Report.EvaluationsSaved)

	alert, err := f.store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), alert.LastTimestamp)

	anomalies, err := f.store.ListAnomalies(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, anomalies, 2)

	evals, err := f.store.ListEvaluations(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "a1", evals[0].AlertID)

	assert.Equal(t, Metrics{Tasks: 1, Successes: 1}, f.runner.GetMetrics())
	assert.Equal(t, int64(2), f.runner.PipelineMetrics().NodesExecuted)
}

func TestRunner_RedeliveryDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticAlert("a1", 90, spike(10, 20)))
	bounds := detection.TaskBounds{TaskID: "t1", AlertID: "a1", Start: 0, End: 100}

	_, err := f.runner.Run(ctx, bounds)
	require.NoError(t, err)

	again, err := f.runner.Run(ctx, bounds)
	require.NoError(t, err)
	assert.True(t, again.Report.Duplicate, "same process sees the guard")

	_, err = newRunner(t, f.store).Run(ctx, bounds)
	require.NoError(t, err, "fresh process relies on the merger")

	anomalies, err := f.store.ListAnomalies(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)
}

func TestRunner_NothingProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticAlert("a1", detection.NoTimestamp, spike(10, 20)))

	out, err := f.runner.Run(ctx, detection.TaskBounds{AlertID: "a1", Start: 0, End: 100})
	require.NoError(t, err)
	assert.True(t, out.Report.NoOp)

	anomalies, err := f.store.ListAnomalies(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestRunner_Errors(t *testing.T) {
	ctx := context.Background()

	cyclic := staticAlert("cyclic", 1)
	cyclic.Nodes = []detection.NodeSpec{
		{Name: "root", Type: nodes.TypeForward, Inputs: []detection.Input{{SourceNode: "a", SourceKey: "out", TargetInput: "in"}}},
		{Name: "a", Type: nodes.TypeForward, Inputs: []detection.Input{{SourceNode: "root", SourceKey: "out", TargetInput: "in"}}},
	}
	badComponent := staticAlert("bad-component", 1)
	badComponent.Components = map[string]detection.ComponentSpec{"f": {Type: "NOPE"}}

	f := newFixture(t, cyclic, badComponent)

	tests := []struct {
		name   string
		bounds detection.TaskBounds
		is     error
	}{
		{"invalid window", detection.TaskBounds{AlertID: "cyclic", Start: 10, End: 10}, ErrInvalidTask},
		{"missing alert", detection.TaskBounds{AlertID: "missing", Start: 0, End: 10}, ErrAlertNotFound},
		{"cycle", detection.TaskBounds{AlertID: "cyclic", Start: 0, End: 10}, pipeline.ErrCycleDetected},
		{"unknown component", detection.TaskBounds{AlertID: "bad-component", Start: 0, End: 10}, pipeline.ErrGraphConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.runner.Run(ctx, tt.bounds)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.True(t, IsPermanentError(err))
			assert.False(t, IsRetryableError(err))
		})
	}
	assert.Equal(t, int64(len(tests)), f.runner.GetMetrics().Exceptions)
}

func TestRunner_InactiveAlertSkipped(t *testing.T) {
	alert := staticAlert("a1", 90, spike(10, 20))
	alert.Active = false
	f := newFixture(t, alert)

	out, err := f.runner.Run(context.Background(), detection.TaskBounds{AlertID: "a1", Start: 0, End: 100})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Nil(t, out.Report)
	assert.Equal(t, int64(1), f.runner.GetMetrics().Skipped)
}

type failingArchiver struct{ calls int }

func (a *failingArchiver) ArchiveRun(context.Context, detection.TaskBounds, *detection.PipelineResult, int64) (string, error) {
	a.calls++
	return "", errors.New("archive down")
}

func TestRunner_ArchiveFailureIgnored(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, s.PutAlert(context.Background(), staticAlert("a1", 90, spike(10, 20))))
	archiver := &failingArchiver{}
	r := newRunner(t, s, WithArchiver(archiver))

	out, err := r.Run(context.Background(), detection.TaskBounds{AlertID: "a1", Start: 0, End: 100})
	require.NoError(t, err)
	assert.Empty(t, out.ArchiveURL)
	assert.Equal(t, 1, archiver.calls)
}

func TestRootResult(t *testing.T) {
	single := &detection.PipelineResult{LastTimestamp: 5}
	assert.Same(t, single, RootResult(map[string]*detection.PipelineResult{"out": single}))

	combined := RootResult(map[string]*detection.PipelineResult{
		"b": {LastTimestamp: 100, Anomalies: []*detection.Anomaly{{MetricURN: "b"}}},
		"a": {LastTimestamp: 50, Anomalies: []*detection.Anomaly{{MetricURN: "a"}}},
	})
	assert.Equal(t, int64(50), combined.LastTimestamp)
	require.Len(t, combined.Anomalies, 2)
	assert.Equal(t, "a", combined.Anomalies[0].MetricURN)

	assert.Equal(t, detection.NoTimestamp, RootResult(nil).LastTimestamp)
}

func TestErrorClassification(t *testing.T) {
	conflict := &merger.MergeConflictError{AnomalyID: "x", Cause: store.ErrVersionConflict}
	assert.True(t, IsRetryableError(conflict))
	assert.False(t, IsPermanentError(conflict))
	assert.True(t, IsRetryableError(&pipeline.TimeoutError{}))
	assert.False(t, IsPermanentError(errors.New("transient")))
}

func TestNewRunner_Validation(t *testing.T) {
	s := store.NewMemStore()
	_, err := NewRunner(nil, pipeline.NewRegistry(), &postrun.Orchestrator{})
	assert.Error(t, err)
	_, err = NewRunner(s, nil, &postrun.Orchestrator{})
	assert.Error(t, err)
	_, err = NewRunner(s, pipeline.NewRegistry(), nil)
	assert.Error(t, err)
}
