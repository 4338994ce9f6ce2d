// Package parambus is the process-wide parameter bus of livedeck. It holds
// the current merged snapshot of musical parameters (duration, note delta,
// velocity, plus any opaque extras) and fans out every change to registered
// subscribers.
//
// The bus is total: every public method either succeeds or logs and no-ops.
// A misbehaving subscriber never aborts a fan-out and never corrupts the
// snapshot.
//
// Typical usage:
//
//	bus := parambus.New(logger)
//	off := bus.Register(func(s parambus.Snapshot) { apply(s) })
//	defer off()
//	bus.Notify(parambus.Snapshot{parambus.KeyVelocity: 0.5})
package parambus

import (
	"log/slog"
	"maps"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Recognized parameter keys. Unknown keys are carried verbatim through
// merges — the bus never filters.
const (
	KeyDuration  = "duration"
	KeyNoteDelta = "noteDelta"
	KeyVelocity  = "velocity"
)

// Snapshot is the merged view of all broadcast parameters. Every subscriber
// of a given fan-out sees the same key/value content, each through its own
// copy, so mutating a received Snapshot never affects the bus or other
// subscribers.
type Snapshot map[string]float64

// Defaults returns the built-in parameter defaults.
func Defaults() Snapshot {
	return Snapshot{
		KeyDuration:  4,
		KeyNoteDelta: 0,
		KeyVelocity:  1,
	}
}

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	maps.Copy(c, s)
	return c
}

// Subscriber receives the full merged snapshot after each change.
type Subscriber func(Snapshot)

type subscription struct {
	id uint64
	fn Subscriber
	// fnPtr is the callback's code pointer, used to make duplicate
	// registrations of the same function idempotent. Distinct closures over
	// the same function body share a code pointer, so closures that must
	// coexist should be registered once and demultiplexed by the caller.
	fnPtr uintptr
}

// Stats are point-in-time counters, exported for the control surfaces.
type Stats struct {
	Notifies    int64 `json:"notifies"`
	Deliveries  int64 `json:"deliveries"`
	Faults      int64 `json:"subscriber_faults"`
	Subscribers int   `json:"subscribers"`
}

// Bus broadcasts parameter changes to subscribers in registration order.
// Safe for concurrent use; fan-out runs on the notifying goroutine, so two
// Notify calls from the same goroutine are observed in order.
type Bus struct {
	mu       sync.Mutex
	snapshot Snapshot
	subs     []*subscription
	nextID   uint64
	logger   *slog.Logger

	notifies   atomic.Int64
	deliveries atomic.Int64
	faults     atomic.Int64
}

// New creates a Bus seeded with Defaults. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		snapshot: Defaults(),
		logger:   logger,
	}
}

var (
	defaultBus  *Bus
	defaultOnce sync.Once
)

// Default returns the process-wide bus, initialised on first access. Prefer
// injecting a *Bus explicitly; Default exists for the UI construction paths
// that have no handle to thread through.
func Default() *Bus {
	defaultOnce.Do(func() { defaultBus = New(nil) })
	return defaultBus
}

// Register adds fn to the subscriber set and returns its unregister handle.
// A nil callback is logged and yields a no-op handle — callers invoke
// Register at UI construction time and must never be failed. Registering the
// same callback twice is idempotent: the existing registration (and its
// position in delivery order) is kept, and the returned handle removes it.
//
// The handle is effective immediately: once it returns, the callback
// receives no further deliveries, even from a fan-out already in flight
// (membership is re-checked per invocation).
func (b *Bus) Register(fn Subscriber) (unregister func()) {
	if fn == nil {
		b.logger.Warn("parambus: register called with nil subscriber")
		return func() {}
	}
	ptr := reflect.ValueOf(fn).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.fnPtr == ptr {
			id := sub.id
			return func() { b.remove(id) }
		}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn, fnPtr: ptr}
	b.subs = append(b.subs, sub)
	id := sub.id
	return func() { b.remove(id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Notify merges partial into the snapshot (shallow, last-write-wins per key)
// and fans the merged result out to every subscriber in registration order.
// A nil or empty partial is a no-op. Reentrant Notify from inside a
// subscriber is permitted and produces a nested fan-out over the updated
// snapshot.
func (b *Bus) Notify(partial Snapshot) {
	if len(partial) == 0 {
		b.logger.Debug("parambus: notify with empty update, ignoring")
		return
	}

	b.mu.Lock()
	maps.Copy(b.snapshot, partial)
	merged := b.snapshot.Clone()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.notifies.Add(1)
	b.fanOut(subs, merged)
}

// Snapshot returns a defensive copy of the current snapshot.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot.Clone()
}

// Reset restores the snapshot to Defaults and performs exactly one fan-out
// carrying the restored snapshot.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.snapshot = Defaults()
	merged := b.snapshot.Clone()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.notifies.Add(1)
	b.fanOut(subs, merged)
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Notifies:    b.notifies.Load(),
		Deliveries:  b.deliveries.Load(),
		Faults:      b.faults.Load(),
		Subscribers: n,
	}
}

// fanOut delivers merged to the given subscriber list, skipping entries that
// unregistered since the list was captured. Each subscriber gets its own
// copy of the snapshot and runs under a recover guard — one fault never
// starves the rest.
func (b *Bus) fanOut(subs []*subscription, merged Snapshot) {
	start := time.Now()
	for _, sub := range subs {
		if !b.member(sub.id) {
			continue
		}
		b.deliver(sub, merged.Clone())
	}
	b.logger.Debug("parambus: fan-out complete",
		"subscribers", len(subs), "duration", time.Since(start))
}

func (b *Bus) member(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.id == id {
			return true
		}
	}
	return false
}

func (b *Bus) deliver(sub *subscription, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			b.faults.Add(1)
			b.logger.Warn("parambus: subscriber fault",
				"panic", r, "snapshot", map[string]float64(s))
		}
	}()
	sub.fn(s)
	b.deliveries.Add(1)
}
