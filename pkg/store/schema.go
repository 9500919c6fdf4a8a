package store

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
	id                 TEXT PRIMARY KEY,
	alert_id           TEXT NOT NULL,
	metric_urn         TEXT NOT NULL,
	dimension_key      TEXT NOT NULL DEFAULT '',
	detector_ref       TEXT NOT NULL DEFAULT '',
	start_time         INTEGER NOT NULL,
	end_time           INTEGER NOT NULL,
	avg_current_value  REAL NOT NULL DEFAULT 0,
	avg_baseline_value REAL NOT NULL DEFAULT 0,
	score              REAL NOT NULL DEFAULT 0,
	child              INTEGER NOT NULL DEFAULT 0,
	renotify           INTEGER NOT NULL DEFAULT 0,
	notified           INTEGER NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL DEFAULT 0,
	properties         TEXT
);

CREATE INDEX IF NOT EXISTS idx_anomalies_identity
	ON anomalies(alert_id, metric_urn, dimension_key, detector_ref, start_time);

CREATE TABLE IF NOT EXISTS evaluations (
	id           TEXT PRIMARY KEY,
	alert_id     TEXT NOT NULL,
	detector_ref TEXT NOT NULL DEFAULT '',
	metric_urn   TEXT NOT NULL DEFAULT '',
	start_time   INTEGER NOT NULL,
	end_time     INTEGER NOT NULL,
	mape         REAL NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	anomaly_id  TEXT NOT NULL,
	group_name  TEXT NOT NULL,
	notified_at INTEGER NOT NULL,
	PRIMARY KEY (anomaly_id, group_name)
);
`
