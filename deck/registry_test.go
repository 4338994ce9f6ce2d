package deck

import (
	"context"
	"testing"
	"time"
)

// fakeRepl and fakeEditor are the minimal conformers used across the deck
// and selwatch tests.
type fakeRepl struct {
	evaluated []string
	stopped   int
	err       error
}

func (f *fakeRepl) Evaluate(_ context.Context, code string) error {
	if f.err != nil {
		return f.err
	}
	f.evaluated = append(f.evaluated, code)
	return nil
}

func (f *fakeRepl) Stop(context.Context) error {
	f.stopped++
	return nil
}

type fakeEditor struct {
	code string
}

func (f *fakeEditor) SetCode(_ context.Context, code string) error {
	f.code = code
	return nil
}

func (f *fakeEditor) Toggle(context.Context) error { return nil }

func (f *fakeEditor) Code(context.Context) (string, error) { return f.code, nil }

func TestRegistry_PutGet(t *testing.T) {
	r := NewRegistry()

	u := NewUnit("u1", `s("bd sd")`, &fakeRepl{}, &fakeEditor{}, nil)
	if err := r.Put(u); err != nil {
		t.Fatal(err)
	}

	if got := r.Get("u1"); got != u {
		t.Fatalf("Get returned %v", got)
	}
	if got := r.Get("missing"); got != nil {
		t.Fatalf("expected nil for missing unit, got %v", got)
	}
	if r.Size() != 1 {
		t.Fatalf("size: got %d, want 1", r.Size())
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()

	if err := r.Put(NewUnit("u1", "a", &fakeRepl{}, &fakeEditor{}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Put(NewUnit("u1", "b", &fakeRepl{}, &fakeEditor{}, nil)); err == nil {
		t.Fatal("expected error for duplicate unit ID")
	}
	if r.Size() != 1 {
		t.Fatalf("size after duplicate: got %d, want 1", r.Size())
	}
}

func TestRegistry_EmptyID(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(NewUnit("", "a", nil, nil, nil)); err == nil {
		t.Fatal("expected error for empty unit ID")
	}
	if err := r.Put(nil); err == nil {
		t.Fatal("expected error for nil unit")
	}
}

func TestRegistry_KeysSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"drums", "bass", "chords"} {
		if err := r.Put(NewUnit(id, "x", &fakeRepl{}, &fakeEditor{}, nil)); err != nil {
			t.Fatal(err)
		}
	}

	keys := r.Keys()
	want := []string{"bass", "chords", "drums"}
	if len(keys) != len(want) {
		t.Fatalf("keys: got %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d]: got %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestUnit_CurrentCode(t *testing.T) {
	u := NewUnit("u1", `note("c e g")`, &fakeRepl{}, &fakeEditor{}, nil)

	if u.CurrentCode() != u.BasePattern() {
		t.Fatalf("current code should start at base pattern, got %q", u.CurrentCode())
	}

	u.SetCurrentCode(`note("c e g b")`)
	if u.CurrentCode() != `note("c e g b")` {
		t.Fatalf("current code: got %q", u.CurrentCode())
	}
	if u.BasePattern() != `note("c e g")` {
		t.Fatal("base pattern must not move with edits")
	}
}

func TestUnit_ReadyForRestore(t *testing.T) {
	tests := []struct {
		name string
		unit *Unit
		want bool
	}{
		{"complete", NewUnit("u", `s("bd")`, &fakeRepl{}, &fakeEditor{}, nil), true},
		{"no repl", NewUnit("u", `s("bd")`, nil, &fakeEditor{}, nil), false},
		{"no editor", NewUnit("u", `s("bd")`, &fakeRepl{}, nil, nil), false},
		{"blank code", NewUnit("u", "   \n\t", &fakeRepl{}, &fakeEditor{}, nil), false},
		{"empty code", NewUnit("u", "", &fakeRepl{}, &fakeEditor{}, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.unit.ReadyForRestore(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnit_MarkEvaluated(t *testing.T) {
	u := NewUnit("u1", `s("bd")`, &fakeRepl{}, &fakeEditor{}, nil)

	if !u.LastEvaluation().IsZero() {
		t.Fatal("fresh unit should have zero evaluation time")
	}

	now := time.Now()
	u.MarkEvaluated(now)
	if !u.LastEvaluation().Equal(now) {
		t.Fatalf("last evaluation: got %v, want %v", u.LastEvaluation(), now)
	}
}
