package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/detection"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(filepath.Join(t.TempDir(), "argus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlStore,
	}
}

func anomaly(id string, start, end int64) *detection.Anomaly {
	return &detection.Anomaly{
		ID:          id,
		AlertID:     "alert-1",
		MetricURN:   "thirdeye:metric:1",
		DetectorRef: "detection",
		StartTime:   start,
		EndTime:     end,
		Score:       1,
	}
}

func TestStore_Alerts(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetAlert(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			alert := &detection.Alert{
				ID:            "alert-1",
				Name:          "cpu",
				Active:        true,
				LastTimestamp: detection.NoTimestamp,
				Nodes:         []detection.NodeSpec{{Name: detection.RootNodeName, Type: "Forward"}},
			}
			require.NoError(t, s.PutAlert(ctx, alert))

			alert.LastTimestamp = 100
			require.NoError(t, s.UpdateAlert(ctx, alert))

			got, err := s.GetAlert(ctx, "alert-1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), got.LastTimestamp)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, "cpu", got.Name)
			require.Len(t, got.Nodes, 1)

			err = s.UpdateAlert(ctx, &detection.Alert{ID: "missing"})
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.ListAlerts(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStore_SaveAnomalyVersioning(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			saved, err := s.SaveAnomaly(ctx, anomaly("a1", 0, 10))
			require.NoError(t, err)
			assert.Equal(t, int64(0), saved.Version)

			saved.EndTime = 20
			updated, err := s.SaveAnomaly(ctx, saved)
			require.NoError(t, err)
			assert.Equal(t, int64(1), updated.Version)

			_, err = s.SaveAnomaly(ctx, saved)
			assert.ErrorIs(t, err, ErrVersionConflict, "stale version")

			stray := anomaly("a2", 0, 10)
			stray.Version = 3
			_, err = s.SaveAnomaly(ctx, stray)
			assert.ErrorIs(t, err, ErrVersionConflict, "new record with a version")

			got, err := s.GetAnomaly(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(20), got.EndTime)
			assert.Equal(t, int64(1), got.Version)

			_, err = s.GetAnomaly(ctx, "a2")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_FindOverlapping(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, a := range []*detection.Anomaly{
				anomaly("early", 0, 10),
				anomaly("middle", 10, 20),
				anomaly("late", 30, 40),
			} {
				_, err := s.SaveAnomaly(ctx, a)
				require.NoError(t, err)
			}
			other := anomaly("other-dim", 5, 15)
			other.DimensionKey = "region=eu"
			_, err := s.SaveAnomaly(ctx, other)
			require.NoError(t, err)

			key := anomaly("", 0, 0).Identity()

			found, err := s.FindOverlapping(ctx, "alert-1", key, 5, 15)
			require.NoError(t, err)
			assert.Equal(t, []string{"early", "middle"}, ids(found))

			found, err = s.FindOverlapping(ctx, "alert-1", key, 20, 30)
			require.NoError(t, err)
			assert.Empty(t, found, "touching windows do not overlap")

			found, err = s.FindOverlapping(ctx, "alert-2", key, 0, 100)
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestStore_PropertiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := anomaly("p1", 0, 10)
			a.Properties = map[string]string{"source": "nested"}
			a.Child = true
			_, err := s.SaveAnomaly(ctx, a)
			require.NoError(t, err)

			got, err := s.GetAnomaly(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "nested", got.Properties["source"])
			assert.True(t, got.Child)
		})
	}
}

func TestStore_Evaluations(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ev := Evaluations{Store: s}
			require.NoError(t, ev.Save(ctx, &detection.Evaluation{ID: "e1", AlertID: "alert-1", Mape: 0.1, CreatedAt: 1}))
			require.NoError(t, ev.Save(ctx, &detection.Evaluation{ID: "e2", AlertID: "alert-1", Mape: 0.2, CreatedAt: 2}))
			require.NoError(t, ev.Save(ctx, &detection.Evaluation{ID: "e3", AlertID: "alert-2", CreatedAt: 3}))

			list, err := s.ListEvaluations(ctx, "alert-1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "e1", list[0].ID)
			assert.InDelta(t, 0.2, list[1].Mape, 1e-9)
		})
	}
}

func TestStore_Renotify(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.SaveAnomaly(ctx, anomaly("n1", 0, 10))
			require.NoError(t, err)

			require.NoError(t, s.MarkNotified(ctx, "n1", "ops", 100))
			require.NoError(t, s.MarkNotified(ctx, "n1", "dev", 100))

			groups, err := s.NotifiedGroups(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, []string{"dev", "ops"}, groups)

			got, err := s.GetAnomaly(ctx, "n1")
			require.NoError(t, err)
			assert.True(t, got.Notified)

			require.NoError(t, s.Renotify(ctx, got))

			groups, err = s.NotifiedGroups(ctx, "n1")
			require.NoError(t, err)
			assert.Empty(t, groups)

			got, err = s.GetAnomaly(ctx, "n1")
			require.NoError(t, err)
			assert.False(t, got.Notified)

			assert.ErrorIs(t, s.Renotify(ctx, anomaly("missing", 0, 1)), ErrNotFound)
			assert.ErrorIs(t, s.MarkNotified(ctx, "missing", "ops", 1), ErrNotFound)
		})
	}
}

func TestOpenSQL_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "argus.db")

	s, err := OpenSQL(path)
	require.NoError(t, err)
	require.NoError(t, s.PutAlert(ctx, &detection.Alert{ID: "a"}))
	require.NoError(t, s.Close())

	s, err = OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetAlert(ctx, "a")
	assert.NoError(t, err)
}

func ids(list []*detection.Anomaly) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}
