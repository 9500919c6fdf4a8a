package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wehubfusion/Argus/pkg/detection"
)

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SQLStore implements Store with SQLite.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens or creates a SQLite database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQL(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialised.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != schemaVersion {
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) PutAlert(ctx context.Context, alert *detection.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, body, version, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, version = excluded.version, updated_at = excluded.updated_at`,
		alert.ID, string(body), alert.Version, nowUTC())
	if err != nil {
		return fmt.Errorf("put alert: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (*detection.Alert, error) {
	var body string
	var version int64
	err := s.db.QueryRowContext(ctx, "SELECT body, version FROM alerts WHERE id = ?", id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	var a detection.Alert
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", id, err)
	}
	a.Version = version
	return &a, nil
}

func (s *SQLStore) UpdateAlert(ctx context.Context, alert *detection.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET body = ?, version = version + 1, updated_at = ? WHERE id = ?",
		string(body), nowUTC(), alert.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListAlerts(ctx context.Context) ([]*detection.Alert, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body, version FROM alerts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var list []*detection.Alert
	for rows.Next() {
		var body string
		var version int64
		if err := rows.Scan(&body, &version); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a detection.Alert
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		a.Version = version
		list = append(list, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return list, nil
}

const anomalyColumns = `id, alert_id, metric_urn, dimension_key, detector_ref, start_time, end_time,
	avg_current_value, avg_baseline_value, score, child, renotify, notified, version, properties`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*detection.Anomaly, error) {
	var a detection.Anomaly
	var child, renotify, notified int
	var props sql.NullString
	if err := row.Scan(&a.ID, &a.AlertID, &a.MetricURN, &a.DimensionKey, &a.DetectorRef,
		&a.StartTime, &a.EndTime, &a.AvgCurrentValue, &a.AvgBaselineValue, &a.Score,
		&child, &renotify, &notified, &a.Version, &props); err != nil {
		return nil, err
	}
	a.Child = child == 1
	a.Renotify = renotify == 1
	a.Notified = notified == 1
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &a.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *SQLStore) queryAnomalies(ctx context.Context, query string, args ...any) ([]*detection.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()
	var list []*detection.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	return list, nil
}

func (s *SQLStore) FindOverlapping(ctx context.Context, alertID string, key detection.IdentityKey, start, end int64) ([]*detection.Anomaly, error) {
	// The inclusive range query over-selects adjacent windows; overlaps
	// applies the exact half-open rule.
	candidates, err := s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies
		 WHERE alert_id = ? AND metric_urn = ? AND dimension_key = ? AND detector_ref = ?
		   AND start_time <= ? AND end_time >= ?
		 ORDER BY start_time, id`,
		alertID, key.MetricURN, key.DimensionKey, key.DetectorRef, end, start)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, a := range candidates {
		if overlaps(a, key, start, end) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *SQLStore) SaveAnomaly(ctx context.Context, anomaly *detection.Anomaly) (*detection.Anomaly, error) {
	if anomaly.ID == "" {
		return nil, fmt.Errorf("anomaly id is required")
	}
	var props any
	if len(anomaly.Properties) > 0 {
		raw, err := json.Marshal(anomaly.Properties)
		if err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
		props = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM anomalies WHERE id = ?", anomaly.ID).Scan(&stored)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("read anomaly version: %w", err)
	}

	saved := anomaly.Clone()
	switch {
	case !exists && anomaly.Version != 0:
		return nil, fmt.Errorf("anomaly %s: %w: expected new record", anomaly.ID, ErrVersionConflict)
	case exists && stored != anomaly.Version:
		return nil, fmt.Errorf("anomaly %s: %w: stored %d, got %d", anomaly.ID, ErrVersionConflict, stored, anomaly.Version)
	case !exists:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO anomalies(`+anomalyColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			anomaly.ID, anomaly.AlertID, anomaly.MetricURN, anomaly.DimensionKey, anomaly.DetectorRef,
			anomaly.StartTime, anomaly.EndTime, anomaly.AvgCurrentValue, anomaly.AvgBaselineValue, anomaly.Score,
			boolInt(anomaly.Child), boolInt(anomaly.Renotify), boolInt(anomaly.Notified), props)
		saved.Version = 0
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE anomalies SET alert_id = ?, metric_urn = ?, dimension_key = ?, detector_ref = ?,
			   start_time = ?, end_time = ?, avg_current_value = ?, avg_baseline_value = ?, score = ?,
			   child = ?, renotify = ?, notified = ?, version = version + 1, properties = ?
			 WHERE id = ? AND version = ?`,
			anomaly.AlertID, anomaly.MetricURN, anomaly.DimensionKey, anomaly.DetectorRef,
			anomaly.StartTime, anomaly.EndTime, anomaly.AvgCurrentValue, anomaly.AvgBaselineValue, anomaly.Score,
			boolInt(anomaly.Child), boolInt(anomaly.Renotify), boolInt(anomaly.Notified), props,
			anomaly.ID, anomaly.Version)
		saved.Version = stored + 1
	}
	if err != nil {
		return nil, fmt.Errorf("save anomaly: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit anomaly: %w", err)
	}
	return saved, nil
}

func (s *SQLStore) GetAnomaly(ctx context.Context, id string) (*detection.Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAnomalies(ctx context.Context, alertID string) ([]*detection.Anomaly, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE alert_id = ? ORDER BY start_time, id`, alertID)
}

func (s *SQLStore) SaveEvaluation(ctx context.Context, e *detection.Evaluation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO evaluations(id, alert_id, detector_ref, metric_urn, start_time, end_time, mape, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AlertID, e.DetectorRef, e.MetricURN, e.StartTime, e.EndTime, e.Mape, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvaluations(ctx context.Context, alertID string) ([]*detection.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_id, detector_ref, metric_urn, start_time, end_time, mape, created_at
		 FROM evaluations WHERE alert_id = ? ORDER BY created_at, id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	var list []*detection.Evaluation
	for rows.Next() {
		var e detection.Evaluation
		if err := rows.Scan(&e.ID, &e.AlertID, &e.DetectorRef, &e.MetricURN, &e.StartTime, &e.EndTime, &e.Mape, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return list, nil
}

func (s *SQLStore) MarkNotified(ctx context.Context, anomalyID, group string, at int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE anomalies SET notified = 1 WHERE id = ?", anomalyID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anomaly %s: %w", anomalyID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notifications(anomaly_id, group_name, notified_at) VALUES(?, ?, ?)
		 ON CONFLICT(anomaly_id, group_name) DO UPDATE SET notified_at = excluded.notified_at`,
		anomalyID, group, at); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) NotifiedGroups(ctx context.Context, anomalyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name FROM notifications WHERE anomaly_id = ? ORDER BY group_name", anomalyID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	groups := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLStore) Renotify(ctx context.Context, anomaly *detection.Anomaly) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE anomalies SET notified = 0, renotify = 0 WHERE id = ?", anomaly.ID)
	if err != nil {
		return fmt.Errorf("reset anomaly: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anomaly %s: %w", anomaly.ID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE anomaly_id = ?", anomaly.ID); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return tx.Commit()
}

var _ Store = (*SQLStore)(nil)
