package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plumehq/plume/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func rowCount(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{
		"worker_heartbeats", "metrics_timeseries", "audit_log",
		"business_event_logs", "_observability_metadata",
	} {
		n := rowCount(t, db,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

// --- MetricsManager ---

func TestMetrics_RecordFlushQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricStageDurationMs,
		Timestamp: time.Now(),
		Value:     1250,
		Unit:      "milliseconds",
		Labels:    map[string]string{"stage": "platform_adaptation"},
	})
	mm.RecordSimple(MetricQueueDepth, 3, "count")
	mm.Close() // flushes the buffer; Query still works afterwards

	got, err := mm.Query(MetricStageDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("stage metric rows: got %d", len(got))
	}
	if got[0].Value != 1250 {
		t.Fatalf("value: got %v", got[0].Value)
	}
	if got[0].Labels["stage"] != "platform_adaptation" {
		t.Fatalf("labels survived the round trip badly: %v", got[0].Labels)
	}

	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered rows: got %d", len(all))
	}
}

func TestMetrics_QueryTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Close()

	start := now.Add(-time.Hour)
	got, err := mm.Query("m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("rows in window: got %d, want only the recent one", len(got))
	}
	if got[0].Value != 2 {
		t.Fatalf("wrong row survived the filter: %+v", got[0])
	}
}

func TestMetrics_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{Name: "ancient", Timestamp: time.Now().AddDate(0, 0, -40), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "fresh", Timestamp: time.Now(), Value: 2, Unit: "x"})
	mm.Close()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d, want 1", deleted)
	}
	if n := rowCount(t, db, "SELECT COUNT(*) FROM metrics_timeseries"); n != 1 {
		t.Fatalf("rows left: got %d", n)
	}
}

// --- Heartbeats ---

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount <= 0 {
		t.Error("goroutine count should be positive")
	}
	if m.MemoryAllocMB <= 0 {
		t.Error("allocated memory should be positive")
	}
}

func TestHeartbeat_Write(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "plume-dispatcher", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	var worker string
	var goroutines int
	err := db.QueryRow("SELECT worker_name, goroutines_count FROM worker_heartbeats LIMIT 1").
		Scan(&worker, &goroutines)
	if err != nil {
		t.Fatal(err)
	}
	if worker != "plume-dispatcher" {
		t.Fatalf("worker_name: got %q", worker)
	}
	if goroutines <= 0 {
		t.Fatal("runtime columns not populated")
	}
}

func TestHeartbeat_Loop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "loop_worker", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	hw.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	hw.Stop()

	n := rowCount(t, db, "SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name='loop_worker'")
	if n < 2 {
		t.Fatalf("beats written: got %d, want >= 2", n)
	}
}

func TestLatestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "plume-dispatcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs != nil {
		t.Fatal("no beats yet: status should be nil")
	}

	hw := NewHeartbeatWriter(db, "plume-dispatcher", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err = LatestHeartbeat(ctx, db, "plume-dispatcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive {
		t.Fatalf("fresh beat: got %+v, want alive", hs)
	}

	// Push the beat past the staleness threshold.
	db.Exec("UPDATE worker_heartbeats SET timestamp = ?", time.Now().Add(-10*time.Minute).Unix())
	hs, err = LatestHeartbeat(ctx, db, "plume-dispatcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs.Alive {
		t.Fatal("backdated beat reported alive")
	}
	if hs.StaleSince == nil || *hs.StaleSince <= 0 {
		t.Fatalf("StaleSince missing on stale beat: %+v", hs)
	}
}

func TestCleanupHeartbeats(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().AddDate(0, 0, -40).Unix()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp,
		goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('retired', 'host', 1, ?, 1, 1.0, 1.0, 1)`, oldTs)

	deleted, err := CleanupHeartbeats(context.Background(), db, 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

// --- AuditLogger ---

func TestAudit_SyncLog(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	entry := &AuditEntry{
		ComponentName: "genai",
		OperationType: "generate_core",
		Status:        "success",
		DurationMs:    42,
	}
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryID == "" {
		t.Fatal("entry ID not assigned")
	}

	var component string
	db.QueryRow("SELECT component_name FROM audit_log WHERE entry_id=?", entry.EntryID).Scan(&component)
	if component != "genai" {
		t.Fatalf("component_name: got %q", component)
	}
}

func TestAudit_AsyncDrainsOnClose(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)

	al.LogAsync(&AuditEntry{
		ComponentName: "pipeline",
		OperationType: "task_claim",
	})
	al.Close()

	n := rowCount(t, db, "SELECT COUNT(*) FROM audit_log WHERE component_name='pipeline'")
	if n != 1 {
		t.Fatalf("queued entry not persisted: got %d rows", n)
	}
}

func TestAudit_NewAuditEntry(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	t.Run("success", func(t *testing.T) {
		entry := al.NewAuditEntry("genai", "generate_platform",
			map[string]string{"platform": "linkedin"}, "result", nil, 100*time.Millisecond)
		if entry.Status != "success" {
			t.Fatalf("status: got %q", entry.Status)
		}
		if entry.Parameters == "" || entry.Result == "" {
			t.Fatalf("params/result not marshalled: %+v", entry)
		}
		if entry.DurationMs != 100 {
			t.Fatalf("duration_ms: got %d", entry.DurationMs)
		}
	})

	t.Run("error", func(t *testing.T) {
		entry := al.NewAuditEntry("genai", "generate_core", nil, nil,
			errors.New("boom"), 50*time.Millisecond)
		if entry.Status != "error" {
			t.Fatalf("status: got %q", entry.Status)
		}
		if entry.ErrorMessage != "boom" {
			t.Fatalf("error_message: got %q", entry.ErrorMessage)
		}
	})
}

func TestAudit_QueryFilter(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	ctx := context.Background()
	al.Log(ctx, &AuditEntry{ComponentName: "genai", OperationType: "generate_core", Status: "success"})
	al.Log(ctx, &AuditEntry{ComponentName: "pipeline", OperationType: "task_fail", Status: "error"})

	comp := "genai"
	entries, err := al.Query(ctx, &AuditFilter{ComponentName: &comp, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ComponentName != "genai" {
		t.Fatalf("filter by component: got %+v", entries)
	}
}

func TestAudit_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	ctx := context.Background()
	al.Log(ctx, &AuditEntry{
		ComponentName: "old",
		OperationType: "op",
		Timestamp:     time.Now().AddDate(0, 0, -40), // preset timestamps are kept
	})
	al.Log(ctx, &AuditEntry{ComponentName: "new", OperationType: "op"})

	deleted, err := al.Cleanup(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

func TestAudit_CustomIDGenerator(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100, WithAuditIDGenerator(func() string { return "fixed_id" }))
	defer al.Close()

	entry := &AuditEntry{ComponentName: "test", OperationType: "op"}
	al.Log(context.Background(), entry)
	if entry.EntryID != "fixed_id" {
		t.Fatalf("entry ID: got %q", entry.EntryID)
	}
}

// --- EventLogger ---

func TestEvents_LogEvent(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)

	el.LogEvent(context.Background(), BusinessEvent{
		EventType:   EventTaskCreated,
		ServiceName: "plume",
		EntityType:  "task",
		EntityID:    "tsk_1",
		Action:      "create",
		Success:     true,
	})

	var eventType, action string
	db.QueryRow("SELECT event_type, action FROM business_event_logs LIMIT 1").Scan(&eventType, &action)
	if eventType != EventTaskCreated || action != "create" {
		t.Fatalf("stored event: type %q action %q", eventType, action)
	}
}

func TestEvents_CustomIDGenerator(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(func() string { return "evt_custom" }))

	el.LogEvent(context.Background(), BusinessEvent{
		EventType:   EventCacheHit,
		ServiceName: "plume",
		Action:      "hit",
		Success:     true,
	})

	var eventID string
	db.QueryRow("SELECT event_id FROM business_event_logs LIMIT 1").Scan(&eventID)
	if eventID != "evt_custom" {
		t.Fatalf("event_id: got %q", eventID)
	}
}

// --- Retention ---

func TestRetention_Cleanup(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().AddDate(0, 0, -40).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, success, created_at)
		VALUES ('e1', 'test', 'svc', 'act', 1, ?)`, oldTs)
	db.Exec(`INSERT INTO audit_log (entry_id, timestamp, component_name, operation_type, status)
		VALUES ('a1', ?, 'old', 'op', 'success')`, oldTs)

	err := Cleanup(context.Background(), db, RetentionConfig{
		EventLogsDays:  30,
		AuditLogsDays:  30,
		RunVacuumAfter: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := rowCount(t, db, "SELECT COUNT(*) FROM business_event_logs"); n != 0 {
		t.Fatalf("events left: %d", n)
	}
	if n := rowCount(t, db, "SELECT COUNT(*) FROM audit_log"); n != 0 {
		t.Fatalf("audit rows left: %d", n)
	}
}

func TestRetention_ZeroDaysDisables(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().AddDate(0, 0, -40).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, success, created_at)
		VALUES ('e1', 'test', 'svc', 'act', 1, ?)`, oldTs)

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatal(err)
	}
	if n := rowCount(t, db, "SELECT COUNT(*) FROM business_event_logs"); n != 1 {
		t.Fatalf("zero-day retention must not delete: %d rows left", n)
	}
}
