// Package clock implements the causality tracker: a persisted per-device
// logical clock plus a summary vector of the highest clock fully
// incorporated from every known peer.
//
// The local counter is Lamport-style: advancing it always produces a value
// greater than every clock this device has observed. That gives the merge
// layer a total order over events — (clock, device id) — that respects
// causality: an event created after incorporating another always carries a
// strictly higher clock.
package clock

import (
	"errors"
	"fmt"
	"sync"

	"cirrusd/internal/event"
)

// Ordering is the result of comparing two summary vectors.
type Ordering int

const (
	// Equal means both vectors describe the same set of incorporated events.
	Equal Ordering = iota
	// Before means the receiver is causally dominated by the argument.
	Before
	// After means the receiver causally dominates the argument.
	After
	// Concurrent means neither dominates: the histories diverged.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// Vector maps each known device to the highest clock value fully
// incorporated from it.
type Vector map[event.DeviceID]uint64

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for d, c := range v {
		out[d] = c
	}
	return out
}

// Get returns the mark for a device, zero if unknown.
func (v Vector) Get(d event.DeviceID) uint64 {
	return v[d]
}

// Compare determines the causal relationship between two vectors. Missing
// entries count as zero.
func (v Vector) Compare(other Vector) Ordering {
	vLess, vMore := false, false
	for d, c := range v {
		if oc := other[d]; c > oc {
			vMore = true
		} else if c < oc {
			vLess = true
		}
	}
	for d, oc := range other {
		if _, ok := v[d]; !ok && oc > 0 {
			vLess = true
		}
	}
	switch {
	case vLess && vMore:
		return Concurrent
	case vLess:
		return Before
	case vMore:
		return After
	}
	return Equal
}

// Merge folds other into v, taking the pointwise maximum.
func (v Vector) Merge(other Vector) {
	for d, c := range other {
		if c > v[d] {
			v[d] = c
		}
	}
}

// Max returns the highest mark in the vector.
func (v Vector) Max() uint64 {
	var max uint64
	for _, c := range v {
		if c > max {
			max = c
		}
	}
	return max
}

// Persistence is the durable home of the tracker state. The store provides
// the SQLite-backed implementation; tests provide in-memory fakes.
type Persistence interface {
	// LoadClockState returns the persisted local counter and summary
	// vector. A fresh store returns (0, empty, nil).
	LoadClockState() (uint64, Vector, error)
	// SaveClockState overwrites the persisted state. It must be durable
	// before returning: the local counter is never reused, even across
	// crashes.
	SaveClockState(local uint64, v Vector) error
}

// ErrNoPersistence is returned by NewTracker when given a nil backend.
var ErrNoPersistence = errors.New("clock: nil persistence")

// Tracker owns the device's logical clock. All methods are safe for
// concurrent use; persistence happens inside the lock so observers never
// see a clock value that could be lost to a crash.
type Tracker struct {
	mu      sync.Mutex
	device  event.DeviceID
	local   uint64
	summary Vector
	persist Persistence
}

// NewTracker loads tracker state for the given device.
func NewTracker(device event.DeviceID, p Persistence) (*Tracker, error) {
	if p == nil {
		return nil, ErrNoPersistence
	}
	local, summary, err := p.LoadClockState()
	if err != nil {
		return nil, fmt.Errorf("clock: load state: %w", err)
	}
	if summary == nil {
		summary = make(Vector)
	}
	// The local mark in the summary must never trail the counter.
	if summary[device] < local {
		summary[device] = local
	}
	return &Tracker{
		device:  device,
		local:   local,
		summary: summary,
		persist: p,
	}, nil
}

// Device returns the device this tracker belongs to.
func (t *Tracker) Device() event.DeviceID {
	return t.device
}

// AdvanceLocal allocates the next local clock value. The result is strictly
// greater than any previously returned value and any observed peer clock,
// and is durable before this returns.
func (t *Tracker) AdvanceLocal() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.local + 1
	if m := t.summary.Max(); m >= next {
		next = m + 1
	}
	t.local = next
	t.summary[t.device] = next
	if err := t.persist.SaveClockState(t.local, t.summary); err != nil {
		return 0, fmt.Errorf("clock: persist advance: %w", err)
	}
	return next, nil
}

// Observe records that an event with the given clock from the given device
// has been fully incorporated. Marks only move forward.
func (t *Tracker) Observe(device event.DeviceID, c uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c <= t.summary[device] {
		return nil
	}
	t.summary[device] = c
	if err := t.persist.SaveClockState(t.local, t.summary); err != nil {
		return fmt.Errorf("clock: persist observe: %w", err)
	}
	return nil
}

// Summary returns a copy of the current summary vector.
func (t *Tracker) Summary() Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary.Clone()
}

// Local returns the current local counter without advancing it.
func (t *Tracker) Local() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}
