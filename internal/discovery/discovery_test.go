package discovery

import (
	"testing"
	"time"

	"cirrusd/internal/event"
	"cirrusd/internal/identity"
)

func testAdvert(t *testing.T, id *identity.Identity) *Advertisement {
	t.Helper()
	a := &Advertisement{
		Device:    id.Device(),
		Name:      "laptop",
		PublicKey: id.Public(),
		SyncPort:  47201,
		SentAt:    time.Now().UTC(),
	}
	if err := a.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return a
}

func TestAdvertisementRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	a := testAdvert(t, id)

	data, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeAdvertisement(data)
	if err != nil {
		t.Fatalf("DecodeAdvertisement: %v", err)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
	if got.Device != a.Device || got.SyncPort != a.SyncPort {
		t.Fatalf("got %+v, want %+v", got, a)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	a := testAdvert(t, id)
	a.Name = "evil-rename"
	if err := a.Verify(); err == nil {
		t.Fatal("tampered advertisement must not verify")
	}

	// Claiming another device's ID fails the fingerprint check even with a
	// valid signature over the body.
	other, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := testAdvert(t, id)
	b.Device = other.Device()
	if err := b.Verify(); err == nil {
		t.Fatal("identity mismatch must not verify")
	}

	c := testAdvert(t, id)
	c.PublicKey = c.PublicKey[:16]
	if err := c.Verify(); err == nil {
		t.Fatal("truncated key must not verify")
	}
}

func tableAdvert(d event.DeviceID, port int) *Advertisement {
	return &Advertisement{Device: d, Name: "peer", PublicKey: make([]byte, 32), SyncPort: port}
}

func devID(b byte) event.DeviceID {
	var d event.DeviceID
	for i := range d {
		d[i] = b
	}
	return d
}

func TestTableObserveAndLookup(t *testing.T) {
	tbl := NewTable(30 * time.Second)
	d := devID(1)
	now := time.Now()

	p, fresh := tbl.Observe(tableAdvert(d, 47201), "192.168.1.20", now)
	if !fresh {
		t.Fatal("first sighting must be fresh")
	}
	if p.Addr != "192.168.1.20:47201" {
		t.Fatalf("Addr = %q", p.Addr)
	}

	// A repeat beacon is not fresh.
	_, fresh = tbl.Observe(tableAdvert(d, 47201), "192.168.1.20", now.Add(time.Second))
	if fresh {
		t.Fatal("repeat sighting must not be fresh")
	}

	got, ok := tbl.Lookup(d)
	if !ok || !got.Reachable {
		t.Fatalf("Lookup = %+v ok=%v", got, ok)
	}
}

func TestTableSweepDebouncesFlaps(t *testing.T) {
	grace := 30 * time.Second
	tbl := NewTable(grace)
	d := devID(1)
	start := time.Now()

	tbl.Observe(tableAdvert(d, 47201), "10.0.0.2", start)

	// Silent but within the grace period: still known.
	lost := tbl.Sweep(start.Add(grace / 2))
	if len(lost) != 0 {
		t.Fatal("peer inside grace period must stay reachable")
	}
	if len(tbl.Reachable()) != 1 {
		t.Fatal("Reachable should list the peer")
	}

	// Past the grace period: unreachable.
	lost = tbl.Sweep(start.Add(grace + time.Second))
	if len(lost) != 1 || lost[0].Device != d {
		t.Fatalf("Sweep = %+v", lost)
	}
	if len(tbl.Reachable()) != 0 {
		t.Fatal("swept peer must leave Reachable")
	}

	// Second sweep reports nothing new.
	if lost = tbl.Sweep(start.Add(grace * 2)); len(lost) != 0 {
		t.Fatalf("repeat Sweep = %+v", lost)
	}

	// Coming back counts as a fresh sighting again.
	_, fresh := tbl.Observe(tableAdvert(d, 47201), "10.0.0.2", start.Add(grace*2))
	if !fresh {
		t.Fatal("return after sweep must be fresh")
	}
}
