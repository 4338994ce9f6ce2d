// Package selwatch watches the focused LiveCoding unit and restores its
// visual feedback when focus changes. The third-party editor loses its
// active-line decoration whenever a unit leaves and regains focus; the fix
// is to re-evaluate the unit's current code on its REPL, then check that the
// editor actually repainted.
//
// The watcher is a cooperative polling loop: selection is sampled on a fixed
// cadence, a detected transition triggers exactly one restore, and a
// verification pass runs after a short repaint delay. Watcher failures are
// non-fatal to the bus, the UI, and each other — nothing escapes the loop
// body.
package selwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/livedeck/deck"
	"github.com/hazyhaar/livedeck/selwatch/internal/inspect"
)

// Options tune the watcher behaviour.
type Options struct {
	// Interval is the selection polling cadence. Default: 500ms.
	Interval time.Duration
	// VerifyDelay is the gap between a detected transition and its
	// verification pass, long enough for the editor to repaint.
	// Default: 400ms.
	VerifyDelay time.Duration
	// FreshWindow is how recent an evaluation must be for a unit to count
	// as restored without DOM inspection. Default: 2s.
	FreshWindow time.Duration
	// LineClasses and MarkerClasses override the highlight heuristics; the
	// exact classes the editor emits are opaque, so both stay configurable.
	LineClasses   []string
	MarkerClasses []string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.VerifyDelay <= 0 {
		o.VerifyDelay = 400 * time.Millisecond
	}
	if o.FreshWindow <= 0 {
		o.FreshWindow = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Restores        int64 `json:"restores"`
	RestoreFailures int64 `json:"restore_failures"`
	Verifies        int64 `json:"verifies"`
	VerifyFailures  int64 `json:"verify_failures"`
}

// Watcher polls the focused unit ID and restores visual feedback on
// transitions. Create with New, then Start/Stop.
type Watcher struct {
	registry  *deck.Registry
	selection deck.SelectionFunc
	opts      Options
	logger    *slog.Logger

	// now is the clock, swapped in tests.
	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	checks          atomic.Int64
	changes         atomic.Int64
	restores        atomic.Int64
	restoreFailures atomic.Int64
	verifies        atomic.Int64
	verifyFailures  atomic.Int64
}

// New creates a Watcher over the given registry and selection accessor.
func New(registry *deck.Registry, selection deck.SelectionFunc, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{
		registry:  registry,
		selection: selection,
		opts:      opts,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Restores:        w.restores.Load(),
		RestoreFailures: w.restoreFailures.Load(),
		Verifies:        w.verifies.Load(),
		VerifyFailures:  w.verifyFailures.Load(),
	}
}

// Start begins the polling loop. The loop runs until Stop or until ctx is
// cancelled. Starting a running watcher is an error.
func (w *Watcher) Start(ctx context.Context) error {
	if w.registry == nil || w.selection == nil {
		return fmt.Errorf("selwatch: registry and selection accessor are required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("selwatch: already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(loopCtx)
	return nil
}

// Stop halts the polling loop and waits for it to exit. Effective
// immediately for scheduling: a pending verification pass is cancelled
// cleanly and causes no evaluation. Stopping a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

// loop is the poll → restore → verify cycle. The previously seen selection
// is seeded from the current one so that starting the watcher never triggers
// a spurious restore for a unit that already has focus.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	lastSeen := w.selection()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var verifyTimer *time.Timer
	var verifyCh <-chan time.Time
	pendingUnit := ""

	w.logger.Info("selwatch: started",
		"interval", w.opts.Interval, "verify_delay", w.opts.VerifyDelay)

	for {
		select {
		case <-ctx.Done():
			if verifyTimer != nil {
				verifyTimer.Stop()
			}
			w.logger.Info("selwatch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur := w.selection()
			if cur == lastSeen {
				continue
			}
			w.changes.Add(1)
			w.logger.Debug("selwatch: selection changed", "from", lastSeen, "to", cur)
			lastSeen = cur
			if cur == "" {
				continue
			}

			// One restore per transition.
			w.Restore(ctx, cur)

			// (Re)schedule verification. A transition arriving while a
			// previous pass is pending supersedes it — the stale pass is
			// cancelled and never evaluates anything.
			if verifyTimer != nil {
				verifyTimer.Stop()
			}
			verifyTimer = time.NewTimer(w.opts.VerifyDelay)
			verifyCh = verifyTimer.C
			pendingUnit = cur

		case <-verifyCh:
			verifyCh = nil
			unitID := pendingUnit
			pendingUnit = ""
			unit := w.registry.Get(unitID)
			if unit == nil {
				w.logger.Warn("selwatch: unit vanished before verification", "unit", unitID)
				continue
			}
			if !w.Verify(ctx, unit) {
				w.logger.Warn("selwatch: visual feedback not restored", "unit", unitID)
			}
		}
	}
}

// Restore re-evaluates the unit's current code to redraw its visual
// feedback. Best-effort and synchronous: a unit that is absent or not ready
// reports false with an info log, an evaluation fault reports false with a
// warn log. Nothing propagates.
func (w *Watcher) Restore(ctx context.Context, unitID string) bool {
	unit := w.registry.Get(unitID)
	if unit == nil {
		w.logger.Info("selwatch: restore skipped, unknown unit", "unit", unitID)
		return false
	}
	if !unit.ReadyForRestore() {
		w.logger.Info("selwatch: restore skipped, unit not ready", "unit", unitID)
		return false
	}

	if err := safeEvaluate(ctx, unit.Repl(), unit.CurrentCode()); err != nil {
		w.restoreFailures.Add(1)
		w.logger.Warn("selwatch: restore evaluation failed", "unit", unitID, "error", err)
		return false
	}

	unit.MarkEvaluated(w.now())
	w.restores.Add(1)
	w.logger.Debug("selwatch: restored", "unit", unitID)
	return true
}

// Verify reports whether the unit's visual feedback is present: either the
// last evaluation is within FreshWindow, or the unit's element contains a
// highlighted code line. Inspection failures count as "not restored".
func (w *Watcher) Verify(ctx context.Context, unit *deck.Unit) bool {
	if unit == nil {
		return false
	}
	w.verifies.Add(1)

	if last := unit.LastEvaluation(); !last.IsZero() && w.now().Sub(last) <= w.opts.FreshWindow {
		return true
	}

	el := unit.Element()
	if el == nil {
		w.verifyFailures.Add(1)
		w.logger.Warn("selwatch: verify failed, unit has no element", "unit", unit.ID())
		return false
	}

	doc, err := el.HTML(ctx)
	if err != nil {
		w.verifyFailures.Add(1)
		w.logger.Warn("selwatch: verify failed, element inspection error",
			"unit", unit.ID(), "error", err)
		return false
	}

	ok, err := inspect.ContainsHighlight(doc, inspect.Options{
		LineClasses:   w.opts.LineClasses,
		MarkerClasses: w.opts.MarkerClasses,
	})
	if err != nil {
		w.verifyFailures.Add(1)
		w.logger.Warn("selwatch: verify failed, highlight parse error",
			"unit", unit.ID(), "error", err)
		return false
	}
	if !ok {
		w.verifyFailures.Add(1)
	}
	return ok
}

// safeEvaluate bounds a REPL conformer: a panicking handle is converted to
// an error so the watcher's failure model holds.
func safeEvaluate(ctx context.Context, repl deck.Repl, code string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("repl panic: %v", r)
		}
	}()
	return repl.Evaluate(ctx, code)
}
