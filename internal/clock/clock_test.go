package clock

import (
	"testing"

	"cirrusd/internal/event"
)

func devID(b byte) event.DeviceID {
	var d event.DeviceID
	for i := range d {
		d[i] = b
	}
	return d
}

// memPersistence is an in-memory Persistence for tests.
type memPersistence struct {
	local   uint64
	summary Vector
	saves   int
}

func (m *memPersistence) LoadClockState() (uint64, Vector, error) {
	return m.local, m.summary.Clone(), nil
}

func (m *memPersistence) SaveClockState(local uint64, v Vector) error {
	m.local = local
	m.summary = v.Clone()
	m.saves++
	return nil
}

func TestVectorCompare(t *testing.T) {
	a, b := devID(1), devID(2)

	cases := []struct {
		name string
		x, y Vector
		want Ordering
	}{
		{"both empty", Vector{}, Vector{}, Equal},
		{"identical", Vector{a: 3, b: 1}, Vector{a: 3, b: 1}, Equal},
		{"missing zero equals", Vector{a: 3}, Vector{a: 3, b: 0}, Equal},
		{"dominates", Vector{a: 4, b: 1}, Vector{a: 3, b: 1}, After},
		{"dominated", Vector{a: 3}, Vector{a: 3, b: 2}, Before},
		{"concurrent", Vector{a: 4}, Vector{b: 2}, Concurrent},
	}
	for _, tc := range cases {
		if got := tc.x.Compare(tc.y); got != tc.want {
			t.Errorf("%s: Compare = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestVectorMergeAndMax(t *testing.T) {
	a, b := devID(1), devID(2)

	v := Vector{a: 3, b: 1}
	v.Merge(Vector{a: 2, b: 5})
	if v[a] != 3 || v[b] != 5 {
		t.Fatalf("Merge = %v, want pointwise max", v)
	}
	if v.Max() != 5 {
		t.Fatalf("Max = %d, want 5", v.Max())
	}

	clone := v.Clone()
	clone[a] = 99
	if v[a] != 3 {
		t.Fatal("Clone must be independent")
	}
}

func TestNewTrackerRequiresPersistence(t *testing.T) {
	if _, err := NewTracker(devID(1), nil); err == nil {
		t.Fatal("nil persistence should be rejected")
	}
}

func TestAdvanceLocalIsMonotonic(t *testing.T) {
	me := devID(1)
	tr, err := NewTracker(me, &memPersistence{})
	if err != nil {
		t.Fatal(err)
	}

	var prev uint64
	for i := 0; i < 5; i++ {
		c, err := tr.AdvanceLocal()
		if err != nil {
			t.Fatal(err)
		}
		if c <= prev {
			t.Fatalf("clock went backwards: %d after %d", c, prev)
		}
		prev = c
	}
	if tr.Local() != prev {
		t.Fatalf("Local = %d, want %d", tr.Local(), prev)
	}
}

func TestAdvanceLocalRespectsObservedClocks(t *testing.T) {
	me, peer := devID(1), devID(2)
	tr, err := NewTracker(me, &memPersistence{})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Observe(peer, 41); err != nil {
		t.Fatal(err)
	}
	c, err := tr.AdvanceLocal()
	if err != nil {
		t.Fatal(err)
	}
	// A fresh local event must order after everything incorporated.
	if c != 42 {
		t.Fatalf("AdvanceLocal = %d, want 42", c)
	}
}

func TestObserveIsForwardOnly(t *testing.T) {
	me, peer := devID(1), devID(2)
	p := &memPersistence{}
	tr, err := NewTracker(me, p)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Observe(peer, 10); err != nil {
		t.Fatal(err)
	}
	saves := p.saves
	if err := tr.Observe(peer, 7); err != nil {
		t.Fatal(err)
	}
	if got := tr.Summary().Get(peer); got != 10 {
		t.Fatalf("summary mark = %d, want 10", got)
	}
	if p.saves != saves {
		t.Fatal("stale observation should not hit persistence")
	}
}

func TestTrackerRestoresState(t *testing.T) {
	me, peer := devID(1), devID(2)
	p := &memPersistence{}

	tr, err := NewTracker(me, p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AdvanceLocal(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AdvanceLocal(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Observe(peer, 9); err != nil {
		t.Fatal(err)
	}

	// Restart from the same persistence.
	tr2, err := NewTracker(me, p)
	if err != nil {
		t.Fatal(err)
	}
	if tr2.Local() != 2 {
		t.Fatalf("restored local = %d, want 2", tr2.Local())
	}
	if got := tr2.Summary().Get(peer); got != 9 {
		t.Fatalf("restored peer mark = %d, want 9", got)
	}

	// The next value must not reuse anything pre-crash.
	c, err := tr2.AdvanceLocal()
	if err != nil {
		t.Fatal(err)
	}
	if c != 10 {
		t.Fatalf("post-restart AdvanceLocal = %d, want 10", c)
	}

	if tr2.Summary().Get(me) != 10 {
		t.Fatal("summary must cover the local counter")
	}
}
