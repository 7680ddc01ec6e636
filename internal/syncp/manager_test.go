package syncp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirrusd/internal/discovery"
	"cirrusd/internal/event"
)

func newManager(d *device, addr string) *Manager {
	return NewManager(d.id, d.registry, d.engine, d.store, Options{
		ListenAddr:     addr,
		SessionTimeout: 5 * time.Second,
		BatchSize:      4,
	})
}

func TestManagerReserveSinglePerPeer(t *testing.T) {
	a := newDevice(t)
	m := newManager(a, "")
	peer := a.id.Device() // any device id works for the slot

	require.NoError(t, m.reserve(peer))
	assert.ErrorIs(t, m.reserve(peer), ErrSessionActive)

	m.releasePeer(peer)
	require.NoError(t, m.reserve(peer), "slot reusable after release")
	m.releasePeer(peer)
}

func TestManagerEndToEndOverTCP(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	trustEachOther(t, a, b)

	a.record(t, "focus", "from-a", event.ScopePairedDevices)
	b.record(t, "music", "from-b", event.ScopePairedDevices)

	ma := newManager(a, "")
	mb := newManager(b, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	responderErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			responderErr <- err
			return
		}
		responderErr <- mb.Respond(ctx, conn)
	}()

	err = ma.Initiate(ctx, discovery.Peer{Device: b.id.Device(), Addr: ln.Addr().String()})
	require.NoError(t, err)
	require.NoError(t, <-responderErr)

	// Both sides converged on each other's keys.
	_, ok := viewEntry(t, a, "music")
	assert.True(t, ok)
	_, ok = viewEntry(t, b, "focus")
	assert.True(t, ok)

	// Slots are released once the sessions end.
	assert.Empty(t, ma.Sessions())
	assert.Empty(t, mb.Sessions())
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	a := newDevice(t)
	m := newManager(a, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	sightings := make(chan discovery.Peer)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sightings) }()

	// Give the listener a moment to come up, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop on cancel")
	}
}
