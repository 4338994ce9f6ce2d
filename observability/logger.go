package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/livedeck/idgen"
)

// SessionEvent represents a domain-level event to record: a unit was
// created, a restoration ran, a verification pass failed, a parameter
// fan-out happened.
type SessionEvent struct {
	EventType string
	UnitID    string
	Action    string
	Details   string // optional JSON
	Success   bool
}

// Event types recorded by the harness.
const (
	EventUnitCreated     = "unit_created"
	EventUnitSelected    = "unit_selected"
	EventUnitRestored    = "unit_restored"
	EventVerifyFailed    = "verify_failed"
	EventParamsNotified  = "params_notified"
	EventParamsReset     = "params_reset"
	EventPatternImported = "pattern_imported"
)

// EventLogger writes session events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
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

// LogEvent records a session event. Errors are logged via slog but do not
// propagate, so a failing observability store never blocks the harness.
func (l *EventLogger) LogEvent(ctx context.Context, event SessionEvent) {
	eventID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_event_logs (
			event_id, event_type, unit_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?)`,
		eventID, event.EventType, event.UnitID, event.Action,
		event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// RecentEvents returns the newest events, optionally filtered by unit.
func (l *EventLogger) RecentEvents(ctx context.Context, unitID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT event_type, COALESCE(unit_id,''), action, COALESCE(details,''), success FROM session_event_logs"
	args := []any{}
	if unitID != "" {
		q += " WHERE unit_id = ?"
		args = append(args, unitID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.EventType, &e.UnitID, &e.Action, &e.Details, &e.Success); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventLogsDays  int
	HeartbeatsDays int
	MetricsDays    int
	RunVacuumAfter bool
}

// DefaultRetention keeps 30 days of events and metrics, 7 days of heartbeats.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		EventLogsDays:  30,
		HeartbeatsDays: 7,
		MetricsDays:    30,
	}
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// allowedTables and allowedColumns are whitelists to prevent SQL injection
	// if this pattern is ever refactored to accept external input.
	allowedTables := map[string]bool{
		"session_event_logs": true,
		"harness_heartbeats": true,
		"metrics_timeseries": true,
	}
	allowedColumns := map[string]bool{
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"session_event_logs", "created_at", cfg.EventLogsDays},
		{"harness_heartbeats", "timestamp", cfg.HeartbeatsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
