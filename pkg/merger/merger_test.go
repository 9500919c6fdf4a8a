package merger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/store"
)

var (
	testAlert  = &detection.Alert{ID: "alert-1"}
	testBounds = detection.TaskBounds{TaskID: "t1", AlertID: "alert-1", Start: 0, End: 100}
)

func candidate(metric string, start, end int64, current float64) *detection.Anomaly {
	return &detection.Anomaly{
		MetricURN:       metric,
		DetectorRef:     "detection",
		StartTime:       start,
		EndTime:         end,
		AvgCurrentValue: current,
		Score:           current,
	}
}

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
}

func TestMergeAndSave_CreatesNewAnomalies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	m := New(s, DefaultConfig(), sequentialIDs())

	merged, err := m.MergeAndSave(ctx, testBounds, testAlert, []*detection.Anomaly{
		candidate("m1", 0, 10, 5),
		nil,
		candidate("m2", 0, 10, 7),
	})
	require.NoError(t, err)
	require.Len(t, merged, 2)

	for _, a := range merged {
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "alert-1", a.AlertID)
		assert.Equal(t, int64(0), a.Version)
	}

	stored, err := s.ListAnomalies(ctx, "alert-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestMergeAndSave_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	m := New(s, DefaultConfig())
	candidates := []*detection.Anomaly{candidate("m1", 0, 10, 5), candidate("m1", 20, 30, 5)}

	first, err := m.MergeAndSave(ctx, testBounds, testAlert, candidates)
	require.NoError(t, err)

	second, err := New(s, DefaultConfig()).MergeAndSave(ctx, testBounds, testAlert, candidates)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Version, second[i].Version)
	}

	stored, err := s.ListAnomalies(ctx, "alert-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2, "redelivery must not duplicate anomalies")
}

func TestMergeAndSave_CollapsesOverlappingCandidates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	m := New(s, DefaultConfig())

	merged, err := m.MergeAndSave(ctx, testBounds, testAlert, []*detection.Anomaly{
		candidate("m1", 5, 15, 30),
		candidate("m1", 0, 10, 10),
	})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(0), merged[0].StartTime)
	assert.Equal(t, int64(15), merged[0].EndTime)
	assert.InDelta(t, 20.0, merged[0].AvgCurrentValue, 1e-9)
	assert.InDelta(t, 30.0, merged[0].Score, 1e-9)
}

func TestMergeAndSave_MaxGap(t *testing.T) {
	ctx := context.Background()

	merged, err := New(store.NewMemStore(), Config{MaxGap: 5}).MergeAndSave(ctx, testBounds, testAlert,
		[]*detection.Anomaly{candidate("m1", 0, 10, 1), candidate("m1", 14, 20, 1)})
	require.NoError(t, err)
	assert.Len(t, merged, 1)

	merged, err = New(store.NewMemStore(), DefaultConfig()).MergeAndSave(ctx, testBounds, testAlert,
		[]*detection.Anomaly{candidate("m1", 0, 10, 1), candidate("m1", 14, 20, 1)})
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestMergeAndSave_ExtendsAndFlagsRenotify(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	m := New(s, DefaultConfig())

	first, err := m.MergeAndSave(ctx, testBounds, testAlert, []*detection.Anomaly{candidate("m1", 0, 10, 10)})
	require.NoError(t, err)
	id := first[0].ID

	extended, err := m.MergeAndSave(ctx, testBounds, testAlert, []*detection.Anomaly{candidate("m1", 5, 20, 40)})
	require.NoError(t, err)
	require.Len(t, extended, 1)
	assert.Equal(t, id, extended[0].ID)
	assert.Equal(t, int64(20), extended[0].EndTime)
	assert.Equal(t, int64(1), extended[0].Version)
	assert.False(t, extended[0].Renotify, "never notified")

	require.NoError(t, s.MarkNotified(ctx, id, "ops", 1))

	again, err := m.MergeAndSave(ctx, testBounds, testAlert, []*detection.Anomaly{candidate("m1", 15, 30, 40)})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.True(t, again[0].Renotify)
	assert.Equal(t, int64(30), again[0].EndTime)
}

type conflictStore struct {
	*store.MemStore
}

func (c conflictStore) SaveAnomaly(_ context.Context, a *detection.Anomaly) (*detection.Anomaly, error) {
	return nil, fmt.Errorf("anomaly %s: %w", a.ID, store.ErrVersionConflict)
}

func TestMergeAndSave_Conflict(t *testing.T) {
	m := New(conflictStore{store.NewMemStore()}, DefaultConfig(), sequentialIDs())

	_, err := m.MergeAndSave(context.Background(), testBounds, testAlert, []*detection.Anomaly{candidate("m1", 0, 10, 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "id-1", conflict.AnomalyID)
	assert.Equal(t, "alert-1", conflict.AlertID)
}

func TestMergeAndSave_RequiresAlert(t *testing.T) {
	_, err := New(store.NewMemStore(), DefaultConfig()).MergeAndSave(context.Background(), testBounds, nil, nil)
	assert.Error(t, err)
}

func TestMergeAndSave_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(store.NewMemStore(), DefaultConfig()).MergeAndSave(ctx, testBounds, testAlert,
		[]*detection.Anomaly{candidate("m1", 0, 10, 1)})
	assert.ErrorIs(t, err, context.Canceled)
}
