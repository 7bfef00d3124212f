package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// RuntimeMetrics is a point-in-time snapshot of the Go process.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

const bytesPerMB = 1 << 20

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / bytesPerMB,
		MemorySysMB:     float64(mem.Sys) / bytesPerMB,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
// The persona dispatcher runs one; the stats endpoint reads it back
// through LatestHeartbeat.
type HeartbeatWriter struct {
	db       *sql.DB
	worker   string
	hostname string
	pid      int
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatWriter creates a writer beating every interval.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		worker:   workerName,
		hostname: host,
		pid:      os.Getpid(),
		interval: interval,
	}
}

// Start launches the beat loop: one row immediately, then one per
// interval until Stop or ctx cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	ctx, hw.cancel = context.WithCancel(ctx)
	hw.wg.Add(1)
	go func() {
		defer hw.wg.Done()
		hw.beat()
		ticker := time.NewTicker(hw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hw.beat()
			}
		}
	}()
}

func (hw *HeartbeatWriter) beat() {
	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write failed", "worker", hw.worker, "error", err)
	}
}

// WriteHeartbeat records a single beat with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.Exec(
		`INSERT INTO worker_heartbeats
		   (worker_name, hostname, worker_pid, timestamp,
		    goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		 VALUES (?,?,?,?,?,?,?,?)`,
		hw.worker, hw.hostname, hw.pid, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount,
	)
	if err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Stop ends the beat loop and waits for it.
func (hw *HeartbeatWriter) Stop() {
	if hw.cancel != nil {
		hw.cancel()
	}
	hw.wg.Wait()
}

// HeartbeatStatus is a worker's latest beat plus a staleness verdict, so
// callers don't recompute the boundary.
type HeartbeatStatus struct {
	WorkerName      string         `json:"worker_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	MemorySysMB     float64        `json:"memory_sys_mb"`
	GCCount         int            `json:"gc_count"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"` // time past the threshold
}

// LatestHeartbeat returns the newest beat for workerName, judged against
// stalenessThreshold (use ~3x the write interval). No beats yet is
// (nil, nil), not an error.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	var (
		hs HeartbeatStatus
		ts int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT worker_name, hostname, worker_pid, timestamp,
		        goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		 FROM worker_heartbeats
		 WHERE worker_name = ?
		 ORDER BY timestamp DESC LIMIT 1`,
		workerName,
	).Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	if over := time.Since(hs.Timestamp) - stalenessThreshold; over > 0 {
		hs.StaleSince = &over
	} else {
		hs.Alive = true
	}
	return &hs, nil
}

// CleanupHeartbeats deletes beats older than retentionDays.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
