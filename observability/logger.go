package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumehq/plume/idgen"
)

// Event types recorded by the persona pipeline.
const (
	EventTaskCreated   = "task_created"
	EventCacheHit      = "cache_hit"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSwept     = "task_swept"
)

// BusinessEvent is a domain-level occurrence worth keeping past the log
// stream: task lifecycle transitions, cache hits, sweeps.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	Action      string
	Details     string // optional JSON
	Success     bool
}

// EventLogger writes business events to the observability database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption tunes EventLogger construction.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator swaps the event ID source, mainly for tests.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger returns a logger that writes into db's business_event_logs.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Write failures are logged and swallowed
// so a broken observability store never takes the pipeline down with it.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.Action, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("event log write failed", "error", err, "event_type", event.EventType)
	}
}

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	EventLogsDays  int
	HeartbeatsDays int
	AuditLogsDays  int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds and optionally
// vacuums afterwards to return the space to the filesystem.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	steps := []struct {
		table string
		days  int
		query string
	}{
		{"business_event_logs", cfg.EventLogsDays, "DELETE FROM business_event_logs WHERE created_at < ?"},
		{"worker_heartbeats", cfg.HeartbeatsDays, "DELETE FROM worker_heartbeats WHERE timestamp < ?"},
		{"audit_log", cfg.AuditLogsDays, "DELETE FROM audit_log WHERE timestamp < ?"},
	}
	for _, s := range steps {
		if s.days <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -s.days).Unix()
		if _, err := db.ExecContext(ctx, s.query, cutoff); err != nil {
			return fmt.Errorf("retention cleanup %s: %w", s.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
