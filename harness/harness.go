// Package harness wires the livedeck pieces together: parameter bus, unit
// registry, selection watcher, editor host and pattern library. It plays the
// "surrounding UI" role: it owns selection state and performs the explicit
// actions (create unit, apply pattern, update-and-run) that advance a unit's
// current code.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/livedeck/deck"
	"github.com/hazyhaar/livedeck/idgen"
	"github.com/hazyhaar/livedeck/observability"
	"github.com/hazyhaar/livedeck/parambus"
	"github.com/hazyhaar/livedeck/patternlib"
	"github.com/hazyhaar/livedeck/selwatch"
)

// UnitHandle is what the editor host hands out for a new unit: all three
// unit-facing roles behind one value.
type UnitHandle interface {
	deck.Repl
	deck.Editor
	deck.Element
}

// EditorHost creates and tears down per-unit editor elements.
type EditorHost interface {
	OpenUnit(ctx context.Context, unitID, code string) (UnitHandle, error)
	CloseUnit(ctx context.Context, unitID string) error
}

// Options configures the harness.
type Options struct {
	Bus      *parambus.Bus
	Host     EditorHost
	Patterns *patternlib.Store
	Watcher  selwatch.Options

	// Events and Metrics are optional; nil disables them.
	Events  *observability.EventLogger
	Metrics *observability.MetricsManager

	Logger *slog.Logger
}

// Harness is the orchestrator.
type Harness struct {
	bus      *parambus.Bus
	registry *deck.Registry
	host     EditorHost
	patterns *patternlib.Store
	watcher  *selwatch.Watcher
	events   *observability.EventLogger
	metrics  *observability.MetricsManager
	logger   *slog.Logger
	newID    idgen.Generator

	mu           sync.RWMutex
	selected     string
	unregisterFn func()
}

// New creates a Harness. Host is required; Bus defaults to the process-wide
// bus; Patterns, Events and Metrics are optional.
func New(opts Options) (*Harness, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("harness: editor host is required")
	}
	if opts.Bus == nil {
		opts.Bus = parambus.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Harness{
		bus:      opts.Bus,
		registry: deck.NewRegistry(),
		host:     opts.Host,
		patterns: opts.Patterns,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		newID:    idgen.NanoID(8),
	}

	opts.Watcher.Logger = opts.Logger
	h.watcher = selwatch.New(h.registry, h.SelectedUnit, opts.Watcher)

	// Observe parameter fan-outs for the event log and metrics.
	h.unregisterFn = h.bus.Register(h.onParams)

	return h, nil
}

// Registry exposes the unit registry (read side for tests and the watcher).
func (h *Harness) Registry() *deck.Registry { return h.registry }

// Bus exposes the parameter bus.
func (h *Harness) Bus() *parambus.Bus { return h.bus }

// Watcher exposes the selection watcher.
func (h *Harness) Watcher() *selwatch.Watcher { return h.watcher }

// Start launches the selection watcher.
func (h *Harness) Start(ctx context.Context) error {
	if err := h.watcher.Start(ctx); err != nil {
		return fmt.Errorf("harness: watcher: %w", err)
	}
	h.logger.Info("harness: started", "units", h.registry.Size())
	return nil
}

// Close stops the watcher, detaches from the bus and tears down all unit
// elements.
func (h *Harness) Close() error {
	h.watcher.Stop()
	if h.unregisterFn != nil {
		h.unregisterFn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range h.registry.Keys() {
		if err := h.host.CloseUnit(ctx, id); err != nil {
			h.logger.Warn("harness: close unit failed", "unit", id, "error", err)
		}
	}
	return nil
}

// --- Units ---

// CreateUnit opens an editor element for a new unit and registers it.
// unitID may be empty (one is generated); patternName may be empty (a random
// library pattern, falling back to a minimal default when the library is
// empty or absent).
func (h *Harness) CreateUnit(ctx context.Context, unitID, patternName string) (*deck.Unit, error) {
	if unitID == "" {
		unitID = "u" + h.newID()
	}
	if h.registry.Get(unitID) != nil {
		return nil, fmt.Errorf("harness: unit %s already exists", unitID)
	}

	source, err := h.resolvePattern(ctx, patternName)
	if err != nil {
		return nil, err
	}

	handle, err := h.host.OpenUnit(ctx, unitID, source)
	if err != nil {
		return nil, fmt.Errorf("harness: open unit %s: %w", unitID, err)
	}

	unit := deck.NewUnit(unitID, source, handle, handle, handle)
	unit.SetCurrentCode(source)
	if err := h.registry.Put(unit); err != nil {
		h.host.CloseUnit(ctx, unitID)
		return nil, err
	}

	h.logger.Info("harness: unit created", "unit", unitID, "pattern", patternName)
	h.logEvent(ctx, observability.EventUnitCreated, unitID, "create", true)

	// First unit becomes the selection so the watcher has a target.
	h.mu.Lock()
	if h.selected == "" {
		h.selected = unitID
	}
	h.mu.Unlock()

	return unit, nil
}

func (h *Harness) resolvePattern(ctx context.Context, patternName string) (string, error) {
	if h.patterns == nil {
		if patternName != "" {
			return "", fmt.Errorf("harness: no pattern library for %q", patternName)
		}
		return `s("bd*4")`, nil
	}

	if patternName != "" {
		p, err := h.patterns.GetByName(ctx, patternName)
		if err != nil {
			return "", err
		}
		if p == nil {
			return "", fmt.Errorf("harness: unknown pattern %q", patternName)
		}
		return p.Source, nil
	}

	p, err := h.patterns.Random(ctx)
	if err != nil {
		return "", err
	}
	if p == nil {
		return `s("bd*4")`, nil
	}
	return p.Source, nil
}

// SelectUnit moves the selection to unitID. The watcher notices the change
// on its next poll and restores the unit's visual feedback.
func (h *Harness) SelectUnit(ctx context.Context, unitID string) error {
	if h.registry.Get(unitID) == nil {
		return fmt.Errorf("harness: unknown unit %s", unitID)
	}

	h.mu.Lock()
	h.selected = unitID
	h.mu.Unlock()

	h.logger.Debug("harness: unit selected", "unit", unitID)
	h.logEvent(ctx, observability.EventUnitSelected, unitID, "select", true)
	return nil
}

// SelectedUnit returns the currently selected unit ID, or "".
func (h *Harness) SelectedUnit() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.selected
}

// ApplyPattern replaces the unit's current code with a library pattern and
// evaluates it.
func (h *Harness) ApplyPattern(ctx context.Context, unitID, patternName string) error {
	if h.patterns == nil {
		return fmt.Errorf("harness: no pattern library")
	}
	p, err := h.patterns.GetByName(ctx, patternName)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("harness: unknown pattern %q", patternName)
	}
	return h.UpdateAndRun(ctx, unitID, p.Source)
}

// UpdateAndRun advances the unit's current code and evaluates it. This is
// the explicit action path; the selection watcher never writes CurrentCode.
func (h *Harness) UpdateAndRun(ctx context.Context, unitID, code string) error {
	unit := h.registry.Get(unitID)
	if unit == nil {
		return fmt.Errorf("harness: unknown unit %s", unitID)
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("harness: empty code for unit %s", unitID)
	}

	start := time.Now()
	unit.SetCurrentCode(code)
	if err := unit.Repl().Evaluate(ctx, code); err != nil {
		h.logEvent(ctx, observability.EventUnitRestored, unitID, "run", false)
		return fmt.Errorf("harness: evaluate unit %s: %w", unitID, err)
	}
	unit.MarkEvaluated(time.Now())

	if h.metrics != nil {
		h.metrics.RecordSimple(observability.MetricEvaluationCount, 1, "count")
		h.metrics.RecordSimple(observability.MetricRestoreDurationMs,
			float64(time.Since(start).Milliseconds()), "milliseconds")
	}
	h.logEvent(ctx, observability.EventUnitRestored, unitID, "run", true)
	return nil
}

// StopUnit halts the unit's playback without touching its code.
func (h *Harness) StopUnit(ctx context.Context, unitID string) error {
	unit := h.registry.Get(unitID)
	if unit == nil {
		return fmt.Errorf("harness: unknown unit %s", unitID)
	}
	if err := unit.Repl().Stop(ctx); err != nil {
		return fmt.Errorf("harness: stop unit %s: %w", unitID, err)
	}
	return nil
}

// --- Parameters ---

// Params returns the current parameter snapshot.
func (h *Harness) Params() parambus.Snapshot {
	return h.bus.Snapshot()
}

// SetParams merges partial into the bus snapshot and fans out.
func (h *Harness) SetParams(partial parambus.Snapshot) {
	h.bus.Notify(partial)
}

// ResetParams restores the default parameters with a single fan-out.
func (h *Harness) ResetParams() {
	h.bus.Reset()
	if h.events != nil {
		h.logEvent(context.Background(), observability.EventParamsReset, "", "reset", true)
	}
}

// onParams is the harness's own bus subscription: event log + fan-out gauge.
func (h *Harness) onParams(s parambus.Snapshot) {
	if h.metrics != nil {
		st := h.bus.Stats()
		h.metrics.RecordSimple(observability.MetricFanOutSubscribers, float64(st.Subscribers), "count")
	}
	h.logEvent(context.Background(), observability.EventParamsNotified, "", "notify", true)
}

// --- Status ---

// Status is the harness state summary served by the control surfaces.
type Status struct {
	Units     []string          `json:"units"`
	Selected  string            `json:"selected"`
	Params    parambus.Snapshot `json:"params"`
	Watcher   selwatch.Stats    `json:"watcher"`
	BusEvents parambus.Stats    `json:"bus"`
}

// Status reports the current harness state.
func (h *Harness) Status() Status {
	return Status{
		Units:     h.registry.Keys(),
		Selected:  h.SelectedUnit(),
		Params:    h.bus.Snapshot(),
		Watcher:   h.watcher.Stats(),
		BusEvents: h.bus.Stats(),
	}
}

func (h *Harness) logEvent(ctx context.Context, eventType, unitID, action string, success bool) {
	if h.events == nil {
		return
	}
	h.events.LogEvent(ctx, observability.SessionEvent{
		EventType: eventType,
		UnitID:    unitID,
		Action:    action,
		Success:   success,
	})
}
