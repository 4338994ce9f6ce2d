// Package deck tracks the fleet of named LiveCoding units driven by the
// livedeck harness. A unit bundles an editor instance, a REPL instance, the
// source buffer currently loaded in them, and the transient visual-feedback
// state the selection watcher restores on focus changes.
//
// The editor element itself is a third-party browser component. deck never
// talks to it directly: units hold conformers of the small capability
// interfaces below, and the concrete conformers live in the strudel package.
package deck

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Repl is the evaluation capability of a unit. Both calls are synchronous
// from the caller's perspective; the context bounds the underlying browser
// round-trip.
type Repl interface {
	Evaluate(ctx context.Context, code string) error
	Stop(ctx context.Context) error
}

// Editor is the code-buffer capability of a unit.
type Editor interface {
	SetCode(ctx context.Context, code string) error
	Toggle(ctx context.Context) error
	Code(ctx context.Context) (string, error)
}

// Element exposes the unit's editor container for highlight inspection.
// The returned HTML is a snapshot; inspection of it is heuristic only and
// never gates behavior beyond the verification warning.
type Element interface {
	HTML(ctx context.Context) (string, error)
}

// SelectionFunc reports the currently focused unit ID. The registry does not
// own selection — the surrounding UI does — so the accessor is injected
// wherever selection matters. Empty string means no unit is focused.
type SelectionFunc func() string

// Unit is one LiveCoding unit. The identifier and base pattern are fixed at
// creation; the current code buffer advances only through explicit UI
// actions (pattern apply, update-and-run), never implicitly by the watcher.
type Unit struct {
	id          string
	basePattern string

	repl    Repl
	editor  Editor
	element Element

	mu          sync.Mutex
	currentCode string
	lastEval    time.Time
}

// NewUnit creates a unit whose current code starts at the base pattern.
func NewUnit(id, basePattern string, repl Repl, editor Editor, element Element) *Unit {
	return &Unit{
		id:          id,
		basePattern: basePattern,
		repl:        repl,
		editor:      editor,
		element:     element,
		currentCode: basePattern,
	}
}

// ID returns the stable unit identifier.
func (u *Unit) ID() string { return u.id }

// BasePattern returns the source text the unit was created with.
func (u *Unit) BasePattern() string { return u.basePattern }

// Repl returns the unit's REPL handle, nil when not attached.
func (u *Unit) Repl() Repl { return u.repl }

// Editor returns the unit's editor handle, nil when not attached.
func (u *Unit) Editor() Editor { return u.editor }

// Element returns the unit's editor container, nil when not attached.
func (u *Unit) Element() Element { return u.element }

// CurrentCode returns the latest source text.
func (u *Unit) CurrentCode() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentCode
}

// SetCurrentCode advances the source buffer. Only the explicit UI actions
// call this.
func (u *Unit) SetCurrentCode(code string) {
	u.mu.Lock()
	u.currentCode = code
	u.mu.Unlock()
}

// LastEvaluation returns the timestamp of the most recent successful
// evaluation, zero when the unit has never evaluated.
func (u *Unit) LastEvaluation() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastEval
}

// MarkEvaluated stamps the evaluation timestamp. The evaluation paths
// (restore, update-and-run) are the only writers.
func (u *Unit) MarkEvaluated(t time.Time) {
	u.mu.Lock()
	u.lastEval = t
	u.mu.Unlock()
}

// ReadyForRestore reports whether the unit can be re-evaluated to restore
// visual feedback: REPL and editor attached, non-blank current code.
func (u *Unit) ReadyForRestore() bool {
	if u.repl == nil || u.editor == nil {
		return false
	}
	return strings.TrimSpace(u.CurrentCode()) != ""
}
