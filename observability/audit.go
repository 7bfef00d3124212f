package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plumehq/plume/idgen"
)

const (
	auditBatchMax     = 100
	auditFlushEvery   = 5 * time.Second
	auditWriteTimeout = 10 * time.Second
)

const auditColumns = `entry_id, timestamp, component_name, operation_type,
	session_id, request_id, parameters, result,
	error_code, error_message, duration_ms, status, metadata`

// AuditEntry is a single operation record in the audit trail. The pipeline
// writes one per backend generation call; the request_id column carries the
// task ID so a task's calls can be pulled as a group.
type AuditEntry struct {
	EntryID       string
	Timestamp     time.Time
	ComponentName string // e.g. "genai", "pipeline"
	OperationType string // e.g. "generate_core", "generate_platform"

	SessionID string
	RequestID string

	Parameters   string // JSON
	Result       string // JSON
	ErrorCode    string
	ErrorMessage string
	DurationMs   int64

	Status   string // "success", "error", "timeout", "cancelled"
	Metadata string // free-form JSON
}

// AuditFilter controls query results from the audit log.
type AuditFilter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	ComponentName *string
	OperationType *string
	Status        *string
	Limit         int // default 100
	Offset        int
	OrderBy       string // "timestamp" or "duration_ms"
	OrderDir      string // "ASC" or "DESC"
}

var auditOrderColumns = map[string]bool{
	"timestamp":      true,
	"duration_ms":    true,
	"component_name": true,
	"status":         true,
}

// AuditLogger persists operation-level audit entries. LogAsync queues
// through a channel consumed by a single writer goroutine; Log writes
// inline for callers that need the error.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator overrides how entry IDs are minted.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger creates an async audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.worker()
	return a
}

// Log inserts an audit entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	a.stamp(entry)
	return a.writeBatch(ctx, []*AuditEntry{entry})
}

// LogAsync queues an entry for the writer goroutine. When the buffer is
// full the entry is written inline instead of dropped.
func (a *AuditLogger) LogAsync(entry *AuditEntry) {
	a.stamp(entry)
	select {
	case a.ch <- entry:
	default:
		slog.Warn("audit: buffer full, writing inline", "component", entry.ComponentName)
		if err := a.writeBatch(context.Background(), []*AuditEntry{entry}); err != nil {
			slog.Error("audit: inline write failed", "error", err)
		}
	}
}

// NewAuditEntry builds an entry from an operation's inputs and outcome.
// Params and result are marshalled to JSON; the result is only kept when
// the operation succeeded.
func (a *AuditLogger) NewAuditEntry(component, operation string, params interface{}, result interface{}, err error, duration time.Duration) *AuditEntry {
	entry := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		Parameters:    jsonField(params),
		DurationMs:    duration.Milliseconds(),
	}
	if err != nil {
		entry.Status = "error"
		entry.ErrorMessage = err.Error()
		return entry
	}
	entry.Status = "success"
	entry.Result = jsonField(result)
	return entry
}

// Query retrieves audit entries matching the given filter.
func (a *AuditLogger) Query(ctx context.Context, f *AuditFilter) ([]*AuditEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.StartTime != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.EndTime.Unix())
	}
	if f.ComponentName != nil {
		conds = append(conds, "component_name = ?")
		args = append(args, *f.ComponentName)
	}
	if f.OperationType != nil {
		conds = append(conds, "operation_type = ?")
		args = append(args, *f.OperationType)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *f.Status)
	}

	orderBy := "timestamp"
	if f.OrderBy != "" {
		if !auditOrderColumns[f.OrderBy] {
			return nil, fmt.Errorf("invalid order_by column: %q", f.OrderBy)
		}
		orderBy = f.OrderBy
	}
	orderDir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC":
			orderDir = "ASC"
		case "DESC":
		default:
			return nil, fmt.Errorf("invalid order_dir: %q", f.OrderDir)
		}
	}

	var q strings.Builder
	q.WriteString("SELECT ")
	q.WriteString(auditColumns)
	q.WriteString(" FROM audit_log")
	if len(conds) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&q, " ORDER BY %s %s LIMIT ?", orderBy, orderDir)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if f.Offset > 0 {
		q.WriteString(" OFFSET ?")
		args = append(args, f.Offset)
	}

	rows, err := a.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			ts         int64
			sessionID  sql.NullString
			requestID  sql.NullString
			params     sql.NullString
			result     sql.NullString
			errCode    sql.NullString
			errMessage sql.NullString
			durationMs sql.NullInt64
			metadata   sql.NullString
		)
		if err := rows.Scan(
			&e.EntryID, &ts, &e.ComponentName, &e.OperationType,
			&sessionID, &requestID, &params, &result,
			&errCode, &errMessage, &durationMs, &e.Status, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.SessionID = sessionID.String
		e.RequestID = requestID.String
		e.Parameters = params.String
		e.Result = result.String
		e.ErrorCode = errCode.String
		e.ErrorMessage = errMessage.String
		e.DurationMs = durationMs.Int64
		e.Metadata = metadata.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes audit entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the queue and stops the writer goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

// stamp fills the fields every entry must have before insert.
func (a *AuditLogger) stamp(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) worker() {
	defer close(a.done)
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	pending := make([]*AuditEntry, 0, auditBatchMax)
	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					pending = append(pending, e)
				default:
					a.flushQueued(pending)
					return
				}
			}
		case e := <-a.ch:
			pending = append(pending, e)
			if len(pending) >= auditBatchMax {
				pending = a.flushQueued(pending)
			}
		case <-ticker.C:
			pending = a.flushQueued(pending)
		}
	}
}

// flushQueued writes pending entries and returns the slice reset for reuse.
func (a *AuditLogger) flushQueued(pending []*AuditEntry) []*AuditEntry {
	if err := a.writeBatch(context.Background(), pending); err != nil {
		slog.Error("audit: batch write failed", "error", err, "entries", len(pending))
	}
	return pending[:0]
}

// writeBatch inserts all entries in one transaction. Individual insert
// failures are skipped so one bad entry cannot sink the batch; the first
// error is returned after the rest have been attempted.
func (a *AuditLogger) writeBatch(ctx context.Context, batch []*AuditEntry) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO audit_log ("+auditColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("audit prepare: %w", err)
	}
	defer stmt.Close()

	var firstErr error
	for _, e := range batch {
		_, err := stmt.ExecContext(ctx,
			e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType,
			e.SessionID, e.RequestID, e.Parameters, e.Result,
			e.ErrorCode, e.ErrorMessage, e.DurationMs, e.Status, e.Metadata)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("audit insert %s: %w", e.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit commit: %w", err)
	}
	return firstErr
}

func jsonField(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
