package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"database/sql"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
}

// CollectRuntimeMetrics reads current Go runtime stats (~10µs overhead).
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
	}
}

// HeartbeatWriter writes periodic liveness probes to the harness_heartbeats
// table. UnitCount, when set, lets a heartbeat carry the current fleet size.
type HeartbeatWriter struct {
	db          *sql.DB
	harnessName string
	hostname    string
	harnessPID  int
	interval    time.Duration
	unitCount   func() int
	stop        chan struct{}
	done        chan struct{}
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
// unitCount may be nil when the fleet size is not interesting.
func NewHeartbeatWriter(db *sql.DB, harnessName string, interval time.Duration, unitCount func() int) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:          db,
		harnessName: harnessName,
		hostname:    hostname,
		harnessPID:  os.Getpid(),
		interval:    interval,
		unitCount:   unitCount,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one heartbeat
// immediately, then repeats at the configured interval until Stop or context
// cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat writes a single heartbeat row with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	m := CollectRuntimeMetrics()
	units := 0
	if hw.unitCount != nil {
		units = hw.unitCount()
	}
	_, err := hw.db.Exec(`
		INSERT INTO harness_heartbeats (
			harness_name, hostname, harness_pid, timestamp,
			goroutines_count, memory_alloc_mb, units_count
		) VALUES (?,?,?,?,?,?,?)`,
		hw.harnessName, hw.hostname, hw.harnessPID, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, units)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	// Immediate first heartbeat.
	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write failed", "error", err, "harness", hw.harnessName)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				slog.Error("heartbeat write failed", "error", err, "harness", hw.harnessName)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a harness, enriched with a
// staleness check so callers don't have to compute it themselves.
type HeartbeatStatus struct {
	HarnessName     string         `json:"harness_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	UnitsCount      int            `json:"units_count"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat for the given harness.
// stalenessThreshold controls the alive/stale boundary (typically 3× the
// heartbeat interval). Returns nil, nil if no heartbeat has been recorded yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, harnessName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT harness_name, hostname, harness_pid, timestamp,
		       goroutines_count, memory_alloc_mb, units_count
		FROM harness_heartbeats
		WHERE harness_name = ?
		ORDER BY timestamp DESC LIMIT 1`, harnessName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.HarnessName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.UnitsCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	age := time.Since(hs.Timestamp)
	if age <= stalenessThreshold {
		hs.Alive = true
	} else {
		stale := age - stalenessThreshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}
