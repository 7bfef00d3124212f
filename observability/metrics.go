// Package observability provides SQLite-native monitoring for the persona
// pipeline: worker heartbeats, timeseries metrics, an operation-level audit
// trail and domain event logs, without Prometheus, Loki or an external APM.
//
// Each component writes to a shared observability database (separate from the
// application database to avoid write contention). Call Init() on the shared
// *sql.DB first, then pass it to the individual constructors.
//
// All persistence is async and non-blocking: buffer overflow silently drops
// datapoints rather than applying backpressure to the pipeline.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "task_duration_ms", "queue_depth"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional key/value pairs
	Unit      string            // "percent", "bytes", "milliseconds", "count"
}

// MetricsManager batches datapoints in memory and writes them to the
// metrics_timeseries table on a timer, when the buffer fills, and at
// Close. Inserts run outside the buffer lock so a slow disk never stalls
// Record callers.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMetricsManager creates a manager flushing every flushInterval or
// whenever bufferSize datapoints accumulate.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
	}
	mm.wg.Add(1)
	go mm.flushLoop()
	return mm
}

// Record queues one datapoint. Never blocks on the database.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	var batch []*Metric
	if full {
		batch = mm.take()
	}
	mm.mu.Unlock()

	if batch != nil {
		mm.insert(batch)
	}
}

// RecordSimple records an unlabeled datapoint stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// take swaps the buffer for a fresh one. Callers hold mu.
func (mm *MetricsManager) take() []*Metric {
	if len(mm.buffer) == 0 {
		return nil
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	return batch
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch := mm.take()
	mm.mu.Unlock()
	if batch != nil {
		mm.insert(batch)
	}
}

func (mm *MetricsManager) insert(batch []*Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("metrics: begin batch", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("metrics: prepare batch", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range batch {
		labels := sql.NullString{}
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
			slog.Error("metrics: insert", "metric", m.Name, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("metrics: commit batch", "error", err)
	}
}

func (mm *MetricsManager) flushLoop() {
	defer mm.wg.Done()
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case <-ticker.C:
			mm.flush()
		}
	}
}

// Query returns datapoints newest first, filtered by name and time range.
// Empty name matches all metrics; nil bounds are unbounded; limit <= 0
// means no limit.
func (mm *MetricsManager) Query(metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	var q strings.Builder
	q.WriteString("SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries")

	var (
		conds []string
		args  []any
	)
	if metricName != "" {
		conds = append(conds, "metric_name = ?")
		args = append(args, metricName)
	}
	if startTime != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, startTime.Unix())
	}
	if endTime != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, endTime.Unix())
	}
	if len(conds) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(conds, " AND "))
	}
	q.WriteString(" ORDER BY timestamp DESC")
	if limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := mm.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := mm.db.ExecContext(ctx, `DELETE FROM metrics_timeseries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the remaining buffer and stops the loop.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	mm.wg.Wait()
	return nil
}

// Metric names recorded by the pipeline.
const (
	MetricTaskDurationMs  = "task_duration_ms"
	MetricStageDurationMs = "stage_duration_ms"
	MetricQueueDepth      = "queue_depth"
	MetricTasksProcessed  = "tasks_processed"
)
