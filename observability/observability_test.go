package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	tables := []string{
		"harness_heartbeats", "metrics_timeseries",
		"session_event_logs", "_observability_metadata",
	}
	for _, table := range tables {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricFanOutDurationMs,
		Timestamp: time.Now(),
		Value:     1.5,
		Unit:      "milliseconds",
		Labels:    map[string]string{"bus": "default"},
	})
	mm.RecordSimple(MetricEvaluationCount, 3, "count")

	// Close flushes the buffer (single call, no defer to avoid double-close).
	mm.Close()

	// Re-create for query (Close stops the flush loop).
	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	metrics, err := mm2.Query(MetricFanOutDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("fanout metric count: got %d", len(metrics))
	}
	if metrics[0].Value != 1.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["bus"] != "default" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm2.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	old := time.Now().Add(-40 * 24 * time.Hour)
	mm.Record(&Metric{Name: "old_metric", Timestamp: old, Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "new_metric", Timestamp: time.Now(), Value: 2, Unit: "x"})
	mm.Close() // flushes

	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	deleted, err := mm2.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

// --- EventLogger ---

func TestEventLogger_LogAndQuery(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db)
	ctx := context.Background()

	l.LogEvent(ctx, SessionEvent{
		EventType: EventUnitRestored,
		UnitID:    "drums",
		Action:    "restore",
		Success:   true,
	})
	l.LogEvent(ctx, SessionEvent{
		EventType: EventVerifyFailed,
		UnitID:    "drums",
		Action:    "verify",
		Success:   false,
	})
	l.LogEvent(ctx, SessionEvent{
		EventType: EventParamsReset,
		Action:    "reset",
		Success:   true,
	})

	all, err := l.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("events: got %d, want 3", len(all))
	}

	drums, err := l.RecentEvents(ctx, "drums", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(drums) != 2 {
		t.Fatalf("drums events: got %d, want 2", len(drums))
	}
}

// --- HeartbeatWriter ---

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount <= 0 {
		t.Fatal("goroutines should be > 0")
	}
	if m.MemoryAllocMB <= 0 {
		t.Fatal("memory alloc should be > 0")
	}
}

func TestHeartbeatWriter_WriteHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "test_harness", time.Minute, func() int { return 4 })

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	var name string
	var units int
	db.QueryRow("SELECT harness_name, units_count FROM harness_heartbeats LIMIT 1").
		Scan(&name, &units)
	if name != "test_harness" {
		t.Fatalf("harness_name: got %q", name)
	}
	if units != 4 {
		t.Fatalf("units_count: got %d", units)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "loop_harness", 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	hw.Start(ctx)

	// Let a few heartbeats fire.
	time.Sleep(200 * time.Millisecond)
	cancel()
	hw.Stop()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM harness_heartbeats WHERE harness_name='loop_harness'").Scan(&count)
	if count < 2 {
		t.Fatalf("heartbeat count: got %d, want >= 2", count)
	}
}

func TestLatestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "nobody", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs != nil {
		t.Fatal("expected nil status before any heartbeat")
	}

	hw := NewHeartbeatWriter(db, "hb", time.Minute, nil)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err = LatestHeartbeat(ctx, db, "hb", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive {
		t.Fatalf("expected alive status, got %+v", hs)
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	oldTs := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO session_event_logs (event_id, event_type, action, success, created_at)
		VALUES ('evt_old', 'unit_restored', 'restore', 1, ?)`, oldTs)
	db.Exec(`INSERT INTO harness_heartbeats (harness_name, hostname, harness_pid, timestamp)
		VALUES ('old', 'host', 1, ?)`, oldTs)

	if err := Cleanup(ctx, db, RetentionConfig{EventLogsDays: 30, HeartbeatsDays: 30}); err != nil {
		t.Fatal(err)
	}

	var events, beats int
	db.QueryRow("SELECT COUNT(*) FROM session_event_logs").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM harness_heartbeats").Scan(&beats)
	if events != 0 || beats != 0 {
		t.Fatalf("retention left events=%d beats=%d", events, beats)
	}
}
