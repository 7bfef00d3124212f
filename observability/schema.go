package observability

import (
	"database/sql"
	"fmt"
)

// DDL per table. Assembled into Schema below; split out so a migration
// tool can apply tables selectively.
const (
	schemaHeartbeats = `
-- Dispatcher and worker liveness, one row per beat.
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_hb_worker_time ON worker_heartbeats(worker_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_hb_time ON worker_heartbeats(timestamp DESC);
`

	schemaMetrics = `
-- Timeseries datapoints, batch-inserted by MetricsManager.
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_met_name_time ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_met_time ON metrics_timeseries(timestamp DESC);
`

	schemaAudit = `
-- Operation-level audit trail. request_id carries the task ID so one
-- task's backend calls group together.
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    component_name TEXT NOT NULL,
    operation_type TEXT NOT NULL,
    session_id TEXT,
    request_id TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    error_code TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_component_op ON audit_log(component_name, operation_type);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

	schemaEvents = `
-- Domain events: task lifecycle, cache hits, sweeps.
CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    service_name TEXT NOT NULL,
    entity_type TEXT,
    entity_id TEXT,
    action TEXT NOT NULL,
    details TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_evt_type_time ON business_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evt_service_time ON business_event_logs(service_name, created_at DESC);
`

	schemaRegistry = `
-- Registry so operators can list the observability tables from sqlite3
-- without reading Go.
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('worker_heartbeats', 'dispatcher/worker liveness beats'),
    ('metrics_timeseries', 'pipeline metric datapoints'),
    ('audit_log', 'per-operation audit trail'),
    ('business_event_logs', 'task lifecycle events');
`
)

// Schema is the complete DDL for the observability database. Apply it with
// Init, or embed it in external schema management.
const Schema = schemaHeartbeats + schemaMetrics + schemaAudit + schemaEvents + schemaRegistry

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
