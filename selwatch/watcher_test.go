package selwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/livedeck/deck"
)

type fakeRepl struct {
	mu        sync.Mutex
	evaluated []string
	err       error
	panics    bool
}

func (f *fakeRepl) Evaluate(_ context.Context, code string) error {
	if f.panics {
		panic("repl handle detached")
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.evaluated = append(f.evaluated, code)
	f.mu.Unlock()
	return nil
}

func (f *fakeRepl) Stop(context.Context) error { return nil }

func (f *fakeRepl) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evaluated...)
}

type fakeEditor struct{ code string }

func (f *fakeEditor) SetCode(_ context.Context, code string) error { f.code = code; return nil }
func (f *fakeEditor) Toggle(context.Context) error                 { return nil }
func (f *fakeEditor) Code(context.Context) (string, error)         { return f.code, nil }

type fakeElement struct {
	html string
	err  error
}

func (f *fakeElement) HTML(context.Context) (string, error) { return f.html, f.err }

// selector is a concurrency-safe stand-in for the UI's selection accessor.
type selector struct {
	mu sync.Mutex
	id string
}

func (s *selector) set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *selector) fn() deck.SelectionFunc {
	return func() string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.id
	}
}

func testOptions() Options {
	return Options{
		Interval:    10 * time.Millisecond,
		VerifyDelay: 20 * time.Millisecond,
	}
}

func readyUnit(id, code string) (*deck.Unit, *fakeRepl) {
	repl := &fakeRepl{}
	return deck.NewUnit(id, code, repl, &fakeEditor{code: code}, &fakeElement{html: `<div class="cm-line">x</div>`}), repl
}

func TestSelectionChangeRestoresExactlyOnce(t *testing.T) {
	reg := deck.NewRegistry()
	u1, repl1 := readyUnit("u1", `s("bd sd")`)
	u2, repl2 := readyUnit("u2", `note("c e g")`)
	reg.Put(u1)
	reg.Put(u2)

	sel := &selector{id: "u1"}
	w := New(reg, sel.fn(), testOptions())
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// The seeded selection must not trigger a restore.
	time.Sleep(50 * time.Millisecond)
	if n := len(repl1.calls()); n != 0 {
		t.Fatalf("restore fired for seeded selection: %d calls", n)
	}

	sel.set("u2")
	time.Sleep(100 * time.Millisecond)

	calls := repl2.calls()
	if len(calls) != 1 {
		t.Fatalf("u2 evaluations: got %d, want exactly 1", len(calls))
	}
	if calls[0] != `note("c e g")` {
		t.Fatalf("evaluated %q, want the unit's current code", calls[0])
	}
	if u2.LastEvaluation().IsZero() {
		t.Fatal("last evaluation not stamped")
	}
	if !w.Verify(context.Background(), u2) {
		t.Fatal("verify should pass right after restoration")
	}

	// No further transitions — the count must not grow with the ticks.
	time.Sleep(60 * time.Millisecond)
	if n := len(repl2.calls()); n != 1 {
		t.Fatalf("restore repeated without a transition: %d calls", n)
	}
}

func TestSelectionChangeToNotReadyUnit(t *testing.T) {
	reg := deck.NewRegistry()
	// u3 has no REPL handle.
	reg.Put(deck.NewUnit("u3", `s("bd")`, nil, &fakeEditor{}, nil))

	sel := &selector{}
	w := New(reg, sel.fn(), testOptions())
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	sel.set("u3")
	time.Sleep(80 * time.Millisecond)

	s := w.Stats()
	if s.ChangesDetected != 1 {
		t.Fatalf("changes: got %d, want 1", s.ChangesDetected)
	}
	if s.Restores != 0 {
		t.Fatalf("restores: got %d, want 0", s.Restores)
	}
}

func TestStopCancelsPendingVerification(t *testing.T) {
	reg := deck.NewRegistry()
	u, _ := readyUnit("u1", `s("bd")`)
	reg.Put(u)

	sel := &selector{}
	opts := testOptions()
	opts.VerifyDelay = 500 * time.Millisecond
	w := New(reg, sel.fn(), opts)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sel.set("u1")
	time.Sleep(50 * time.Millisecond)
	w.Stop() // well before the verification pass fires

	if n := w.Stats().Verifies; n != 0 {
		t.Fatalf("verification ran after stop: %d", n)
	}

	// Stop is idempotent and a stopped watcher ignores selection changes.
	w.Stop()
	sel.set("u2")
	time.Sleep(40 * time.Millisecond)
	if n := w.Stats().ChangesDetected; n != 1 {
		t.Fatalf("changes after stop: got %d, want 1", n)
	}
}

func TestStartTwice(t *testing.T) {
	reg := deck.NewRegistry()
	sel := &selector{}
	w := New(reg, sel.fn(), testOptions())
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error starting a running watcher")
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown unit", func(t *testing.T) {
		w := New(deck.NewRegistry(), func() string { return "" }, testOptions())
		if w.Restore(ctx, "ghost") {
			t.Fatal("restore of unknown unit must report false")
		}
	})

	t.Run("not ready", func(t *testing.T) {
		reg := deck.NewRegistry()
		reg.Put(deck.NewUnit("u", "  ", &fakeRepl{}, &fakeEditor{}, nil))
		w := New(reg, func() string { return "" }, testOptions())
		if w.Restore(ctx, "u") {
			t.Fatal("restore of blank-code unit must report false")
		}
	})

	t.Run("evaluation fault", func(t *testing.T) {
		reg := deck.NewRegistry()
		repl := &fakeRepl{err: errors.New("syntax error at line 1")}
		u := deck.NewUnit("u", `s("bd")`, repl, &fakeEditor{}, nil)
		reg.Put(u)
		w := New(reg, func() string { return "" }, testOptions())
		if w.Restore(ctx, "u") {
			t.Fatal("restore must report false on evaluation error")
		}
		if !u.LastEvaluation().IsZero() {
			t.Fatal("failed evaluation must not stamp the unit")
		}
		if w.Stats().RestoreFailures != 1 {
			t.Fatalf("restore failures: got %d, want 1", w.Stats().RestoreFailures)
		}
	})

	t.Run("repl panic", func(t *testing.T) {
		reg := deck.NewRegistry()
		reg.Put(deck.NewUnit("u", `s("bd")`, &fakeRepl{panics: true}, &fakeEditor{}, nil))
		w := New(reg, func() string { return "" }, testOptions())
		if w.Restore(ctx, "u") {
			t.Fatal("restore must absorb a panicking handle")
		}
	})

	t.Run("success", func(t *testing.T) {
		reg := deck.NewRegistry()
		u, repl := readyUnit("u", `s("hh*8")`)
		reg.Put(u)
		w := New(reg, func() string { return "" }, testOptions())
		if !w.Restore(ctx, "u") {
			t.Fatal("restore should succeed")
		}
		if calls := repl.calls(); len(calls) != 1 || calls[0] != `s("hh*8")` {
			t.Fatalf("evaluate calls: %v", calls)
		}
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	reg := deck.NewRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newWatcher := func() *Watcher {
		w := New(reg, func() string { return "" }, testOptions())
		w.opts.FreshWindow = 2 * time.Second
		w.now = func() time.Time { return base }
		return w
	}

	t.Run("fresh evaluation wins regardless of DOM", func(t *testing.T) {
		w := newWatcher()
		u := deck.NewUnit("u", "x", &fakeRepl{}, &fakeEditor{}, &fakeElement{err: errors.New("detached")})
		u.MarkEvaluated(base.Add(-1500 * time.Millisecond))
		if !w.Verify(ctx, u) {
			t.Fatal("fresh evaluation must verify without inspection")
		}
	})

	t.Run("stale evaluation with highlight", func(t *testing.T) {
		w := newWatcher()
		u := deck.NewUnit("u", "x", &fakeRepl{}, &fakeEditor{},
			&fakeElement{html: `<div class="cm-line" style="background-color:#44475a">x</div>`})
		u.MarkEvaluated(base.Add(-5 * time.Second))
		if !w.Verify(ctx, u) {
			t.Fatal("highlighted line must verify")
		}
	})

	t.Run("stale evaluation without highlight", func(t *testing.T) {
		w := newWatcher()
		u := deck.NewUnit("u", "x", &fakeRepl{}, &fakeEditor{},
			&fakeElement{html: `<div class="cm-line">x</div>`})
		u.MarkEvaluated(base.Add(-5 * time.Second))
		if w.Verify(ctx, u) {
			t.Fatal("plain lines must not verify")
		}
	})

	t.Run("inspection failure", func(t *testing.T) {
		w := newWatcher()
		u := deck.NewUnit("u", "x", &fakeRepl{}, &fakeEditor{}, &fakeElement{err: errors.New("gone")})
		if w.Verify(ctx, u) {
			t.Fatal("inspection failure must count as not restored")
		}
	})

	t.Run("no element", func(t *testing.T) {
		w := newWatcher()
		u := deck.NewUnit("u", "x", &fakeRepl{}, &fakeEditor{}, nil)
		if w.Verify(ctx, u) {
			t.Fatal("element-less unit must not verify")
		}
	})

	t.Run("nil unit", func(t *testing.T) {
		if newWatcher().Verify(ctx, nil) {
			t.Fatal("nil unit must not verify")
		}
	})
}
