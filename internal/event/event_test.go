package event

import (
	"bytes"
	"testing"
	"time"
)

func devID(b byte) DeviceID {
	var d DeviceID
	for i := range d {
		d[i] = b
	}
	return d
}

func TestDeviceIDRoundTrip(t *testing.T) {
	d := devID(0xab)
	s := d.String()
	if len(s) != DeviceIDSize*2 {
		t.Fatalf("hex length = %d, want %d", len(s), DeviceIDSize*2)
	}

	parsed, err := ParseDeviceID(s)
	if err != nil {
		t.Fatalf("ParseDeviceID(%q): %v", s, err)
	}
	if parsed != d {
		t.Fatalf("round trip mismatch: %s != %s", parsed, d)
	}
}

func TestParseDeviceIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "zz" + devID(1).String()[2:]} {
		if _, err := ParseDeviceID(s); err == nil {
			t.Errorf("ParseDeviceID(%q) should fail", s)
		}
	}
}

func TestIDRoundTrip(t *testing.T) {
	id := ID{Device: devID(3), Clock: 42}
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %v != %v", parsed, id)
	}

	for _, s := range []string{"", "nocolon", devID(3).String() + ":0", devID(3).String() + ":x"} {
		if _, err := ParseID(s); err == nil {
			t.Errorf("ParseID(%q) should fail", s)
		}
	}
}

func TestSupersedes(t *testing.T) {
	low := devID(1)
	high := devID(2)

	cases := []struct {
		name string
		a, b ID
		want bool
	}{
		{"higher clock wins", ID{low, 5}, ID{high, 3}, true},
		{"lower clock loses", ID{high, 3}, ID{low, 5}, false},
		{"equal clock, higher device wins", ID{high, 7}, ID{low, 7}, true},
		{"equal clock, lower device loses", ID{low, 7}, ID{high, 7}, false},
		{"self never supersedes self", ID{low, 7}, ID{low, 7}, false},
	}
	for _, tc := range cases {
		if got := Supersedes(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: Supersedes(%v, %v) = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSupersedesIsTotal(t *testing.T) {
	// For any two distinct IDs, exactly one direction supersedes.
	ids := []ID{
		{devID(1), 1}, {devID(1), 2}, {devID(2), 1}, {devID(2), 2}, {devID(3), 2},
	}
	for i, a := range ids {
		for j, b := range ids {
			if i == j {
				continue
			}
			if Supersedes(a, b) == Supersedes(b, a) {
				t.Errorf("ordering not total for %v vs %v", a, b)
			}
		}
	}
}

func validEvent() *ContextEvent {
	return &ContextEvent{
		ID:        ID{Device: devID(1), Clock: 1},
		Category:  CategoryLocation,
		Key:       "current",
		Payload:   []byte(`{"lat":52.5,"lon":13.4}`),
		Scope:     ScopePairedDevices,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidate(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*ContextEvent)
	}{
		{"zero device", func(e *ContextEvent) { e.ID.Device = DeviceID{} }},
		{"zero clock", func(e *ContextEvent) { e.ID.Clock = 0 }},
		{"unknown category", func(e *ContextEvent) { e.Category = "weather" }},
		{"empty key", func(e *ContextEvent) { e.Key = "" }},
		{"bad scope", func(e *ContextEvent) { e.Scope = "public" }},
		{"explicit_share without recipients", func(e *ContextEvent) { e.Scope = ScopeExplicitShare }},
		{"recipients without explicit_share", func(e *ContextEvent) { e.Recipients = []DeviceID{devID(9)} }},
		{"zero predecessor", func(e *ContextEvent) { e.Predecessors = []ID{{}} }},
	}
	for _, m := range mutations {
		e := validEvent()
		m.mutate(e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", m.name)
		}
	}
}

func TestReplicableTo(t *testing.T) {
	peer := devID(7)
	other := devID(8)

	e := validEvent()
	e.Scope = ScopeDeviceLocal
	if e.ReplicableTo(peer) {
		t.Error("device_local must never replicate")
	}

	e = validEvent()
	if !e.ReplicableTo(peer) {
		t.Error("paired_devices must replicate to any peer")
	}

	e = validEvent()
	e.Scope = ScopeExplicitShare
	e.Recipients = []DeviceID{peer}
	if !e.ReplicableTo(peer) {
		t.Error("explicit_share must reach a listed recipient")
	}
	if e.ReplicableTo(other) {
		t.Error("explicit_share must not reach unlisted devices")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := validEvent()
	e.Predecessors = []ID{{Device: devID(2), Clock: 9}}
	e.Tombstone = true

	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.ID != e.ID || got.Category != e.Category || got.Key != e.Key ||
		got.Scope != e.Scope || got.Tombstone != e.Tombstone {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if !bytes.Equal(got.Payload, e.Payload) {
		t.Fatal("payload mismatch after round trip")
	}
	if len(got.Predecessors) != 1 || got.Predecessors[0] != e.Predecessors[0] {
		t.Fatal("predecessors mismatch after round trip")
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	e := validEvent()
	a, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("canonical encoding must be byte stable")
	}
}
