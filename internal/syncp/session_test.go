package syncp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
	"cirrusd/internal/merge"
	"cirrusd/internal/store"
	"cirrusd/internal/trust"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// device is a complete single-device stack for session tests.
type device struct {
	id       *identity.Identity
	store    *store.Store
	registry *trust.Registry
	engine   *merge.Engine
}

func newDevice(t *testing.T) *device {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tracker, err := clock.NewTracker(id.Device(), st)
	require.NoError(t, err)

	registry := trust.NewRegistry(id.Device(), st)
	engine, err := merge.NewEngine(st, tracker, registry, merge.Options{})
	require.NoError(t, err)

	return &device{id: id, store: st, registry: registry, engine: engine}
}

// trustEachOther installs both devices in each other's registry as trusted.
func trustEachOther(t *testing.T, a, b *device) {
	t.Helper()
	require.NoError(t, a.store.UpsertDeviceRecord(trust.DeviceRecord{
		Device:     b.id.Device(),
		PublicKey:  b.id.Public(),
		TrustState: trust.StateTrusted,
		PairedAt:   time.Now(),
	}))
	require.NoError(t, b.store.UpsertDeviceRecord(trust.DeviceRecord{
		Device:     a.id.Device(),
		PublicKey:  a.id.Public(),
		TrustState: trust.StateTrusted,
		PairedAt:   time.Now(),
	}))
}

func (d *device) session(conn net.Conn, batch int) *Session {
	return &Session{
		local:     d.id,
		registry:  d.registry,
		engine:    d.engine,
		store:     d.store,
		conn:      conn,
		timeout:   5 * time.Second,
		batch:     batch,
		log:       slog.Default(),
		reserve:   func(event.DeviceID) error { return nil },
		release:   func(event.DeviceID) {},
		startedAt: time.Now(),
	}
}

func (d *device) record(t *testing.T, key, payload string, scope event.Scope, recipients ...event.DeviceID) *event.ContextEvent {
	t.Helper()
	ev, err := d.engine.Record(event.CategoryActivity, key, []byte(payload), scope, recipients, false)
	require.NoError(t, err)
	return ev
}

// runSession drives one complete exchange between a (initiator) and b
// (responder) and returns both terminal errors.
func runSession(t *testing.T, a, b *device, batch int) (errA, errB error) {
	t.Helper()
	ca, cb := net.Pipe()

	sa := a.session(ca, batch)
	sa.id = newSessionID()
	sb := b.session(cb, batch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		errB = sb.runResponder(ctx)
		close(done)
	}()
	errA = sa.runInitiator(ctx, b.id.Device())
	<-done

	assert.Equal(t, StateClosed, sa.Status().State)
	assert.Equal(t, StateClosed, sb.Status().State)
	return errA, errB
}

func viewEntry(t *testing.T, d *device, key string) (store.ViewEntry, bool) {
	t.Helper()
	entry, ok, err := d.store.ViewEntry(event.CategoryActivity, key)
	require.NoError(t, err)
	return entry, ok
}

func TestSessionReconcilesTwoDevices(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)

	a.record(t, "doc/report", "editing", event.ScopePairedDevices)
	a.record(t, "focus", "from-a", event.ScopePairedDevices)
	a.record(t, "scratch", "private", event.ScopeDeviceLocal)
	b.record(t, "focus", "from-b", event.ScopePairedDevices)
	b.record(t, "music", "playing", event.ScopePairedDevices)

	errA, errB := runSession(t, a, b, 2)
	require.NoError(t, errA)
	require.NoError(t, errB)

	// Both sides hold the same winner for every shared key.
	for _, key := range []string{"doc/report", "focus", "music"} {
		ea, okA := viewEntry(t, a, key)
		eb, okB := viewEntry(t, b, key)
		require.True(t, okA, "a missing %q", key)
		require.True(t, okB, "b missing %q", key)
		assert.Equal(t, ea.EventID, eb.EventID, "winner for %q", key)
		assert.Equal(t, ea.Payload, eb.Payload, "payload for %q", key)
	}

	// The device_local event never crossed the wire.
	if _, ok := viewEntry(t, b, "scratch"); ok {
		t.Fatal("device_local entry leaked to the peer")
	}

	// Everything replicable is now on both sides.
	nb, err := b.store.EventCount()
	require.NoError(t, err)
	assert.Equal(t, int64(4), nb, "b holds its two events plus a's two shared ones")
}

func TestSessionSecondRunIsNoop(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)

	a.record(t, "focus", "x", event.ScopePairedDevices)
	b.record(t, "music", "y", event.ScopePairedDevices)

	errA, errB := runSession(t, a, b, 8)
	require.NoError(t, errA)
	require.NoError(t, errB)

	na, _ := a.store.EventCount()
	nb, _ := b.store.EventCount()

	// Reconciling again moves nothing and still succeeds.
	errA, errB = runSession(t, a, b, 8)
	require.NoError(t, errA)
	require.NoError(t, errB)

	na2, _ := a.store.EventCount()
	nb2, _ := b.store.EventCount()
	assert.Equal(t, na, na2)
	assert.Equal(t, nb, nb2)
}

func TestSessionResumesAfterPartialTransfer(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)

	events := make([]*event.ContextEvent, 0, 5)
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		events = append(events, a.record(t, key, "v-"+key, event.ScopePairedDevices))
	}

	// Simulate a session that died mid-stream: only the first three events
	// made it across before the connection dropped.
	res, err := b.engine.Apply(events[:3])
	require.NoError(t, err)
	require.Equal(t, 3, res.Applied)

	errA, errB := runSession(t, a, b, 2)
	require.NoError(t, errA)
	require.NoError(t, errB)

	for _, ev := range events {
		ok, err := b.store.HasEvent(ev.ID)
		require.NoError(t, err)
		assert.True(t, ok, "event %s missing after resume", ev.ID)
	}
	na, _ := a.store.EventCount()
	nb, _ := b.store.EventCount()
	assert.Equal(t, na, nb, "both logs identical after resume")
}

func TestSessionRefusesUntrustedPeer(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)

	// B revokes A after pairing.
	require.NoError(t, b.registry.Revoke(a.id.Device()))

	a.record(t, "focus", "x", event.ScopePairedDevices)

	errA, errB := runSession(t, a, b, 8)

	var se *SessionError
	require.ErrorAs(t, errA, &se)
	assert.Equal(t, CodeTrust, se.Code, "initiator learns the trust refusal")
	require.ErrorAs(t, errB, &se)
	assert.Equal(t, CodeTrust, se.Code)

	// Nothing was exchanged: the session died before the event phase.
	nb, err := b.store.EventCount()
	require.NoError(t, err)
	assert.Zero(t, nb)
}

func TestSessionInitiatorRefusesRevokedPeer(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)
	require.NoError(t, a.registry.Revoke(b.id.Device()))

	ca, cb := net.Pipe()

	// Drain the far end so the refusal frame does not block on the pipe.
	drained := make(chan struct{})
	go func() {
		io.Copy(io.Discard, cb)
		close(drained)
	}()

	sa := a.session(ca, 8)
	sa.id = newSessionID()

	err := sa.runInitiator(context.Background(), b.id.Device())
	cb.Close()
	<-drained
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeTrust, se.Code)
	assert.Equal(t, StateClosed, sa.Status().State)
}

func TestSessionFiltersExplicitShare(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	c := newDevice(t)
	trustEachOther(t, a, b)

	forB := a.record(t, "note/b", "for b", event.ScopeExplicitShare, b.id.Device())
	forC := a.record(t, "note/c", "for c", event.ScopeExplicitShare, c.id.Device())

	errA, errB := runSession(t, a, b, 8)
	require.NoError(t, errA)
	require.NoError(t, errB)

	ok, err := b.store.HasEvent(forB.ID)
	require.NoError(t, err)
	assert.True(t, ok, "explicit_share must reach its recipient")

	ok, err = b.store.HasEvent(forC.ID)
	require.NoError(t, err)
	assert.False(t, ok, "explicit_share must not reach other devices")
}
