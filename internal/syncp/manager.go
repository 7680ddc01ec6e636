package syncp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cirrusd/internal/discovery"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
	"cirrusd/internal/merge"
	"cirrusd/internal/store"
	"cirrusd/internal/trust"
)

// ErrSessionActive is returned when a session for a peer already exists.
// Duplicate sightings and simultaneous dials collapse onto the running
// session instead of opening a second one.
var ErrSessionActive = &SessionError{Code: CodeProtocol, Message: "session already active for peer"}

// Options configures a Manager.
type Options struct {
	// ListenAddr is the TCP address sessions are accepted on.
	ListenAddr string
	// SessionTimeout bounds each message exchange within a session.
	SessionTimeout time.Duration
	// BatchSize is the maximum events per wire batch.
	BatchSize int
	// Logger for session lifecycle. Nil uses the default logger.
	Logger *slog.Logger
}

// Manager owns sync sessions: it accepts inbound connections, dials peers
// reported by discovery, and enforces at most one active session per peer.
type Manager struct {
	id       *identity.Identity
	registry *trust.Registry
	engine   *merge.Engine
	store    *store.Store
	opts     Options
	log      *slog.Logger

	mu     sync.Mutex
	active map[event.DeviceID]*Session
}

// NewManager builds a session manager.
func NewManager(id *identity.Identity, registry *trust.Registry, engine *merge.Engine, st *store.Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	return &Manager{
		id:       id,
		registry: registry,
		engine:   engine,
		store:    st,
		opts:     opts,
		log:      opts.Logger,
		active:   make(map[event.DeviceID]*Session),
	}
}

// Run serves inbound sessions and dials trusted peers as discovery sights
// them, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, sightings <-chan discovery.Peer) error {
	ln, err := net.Listen("tcp", m.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("syncp: listen %s: %w", m.opts.ListenAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("syncp: accept: %w", err)
			}
			go func() {
				if err := m.Respond(ctx, conn); err != nil {
					m.log.Debug("inbound session ended", "error", err)
				}
			}()
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case peer, ok := <-sightings:
				if !ok {
					return nil
				}
				go func() {
					if err := m.Initiate(ctx, peer); err != nil {
						m.log.Debug("outbound session ended",
							"peer", peer.Device.String(), "error", err)
					}
				}()
			}
		}
	})

	return g.Wait()
}

// Initiate dials a peer and runs one reconciliation session as initiator.
func (m *Manager) Initiate(ctx context.Context, peer discovery.Peer) error {
	d := net.Dialer{Timeout: m.opts.SessionTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return fmt.Errorf("syncp: dial %s: %w", peer.Addr, err)
	}
	s := m.newSession(conn)
	s.id = newSessionID()
	return s.runInitiator(ctx, peer.Device)
}

// Respond runs one inbound session as responder.
func (m *Manager) Respond(ctx context.Context, conn io.ReadWriteCloser) error {
	s := m.newSession(conn)
	return s.runResponder(ctx)
}

func (m *Manager) newSession(conn io.ReadWriteCloser) *Session {
	s := &Session{
		local:     m.id,
		registry:  m.registry,
		engine:    m.engine,
		store:     m.store,
		conn:      conn,
		timeout:   m.opts.SessionTimeout,
		batch:     m.opts.BatchSize,
		log:       m.log,
		release:   m.releasePeer,
		startedAt: time.Now(),
	}
	s.reserve = func(d event.DeviceID) error {
		if err := m.reserve(d); err != nil {
			return err
		}
		m.track(d, s)
		return nil
	}
	return s
}

// reserve claims the active-session slot for a peer.
func (m *Manager) reserve(d event.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[d]; busy {
		return ErrSessionActive
	}
	m.active[d] = nil
	return nil
}

func (m *Manager) releasePeer(d event.DeviceID) {
	m.mu.Lock()
	delete(m.active, d)
	m.mu.Unlock()
}

// track registers a session under its peer slot for status reporting.
func (m *Manager) track(d event.DeviceID, s *Session) {
	m.mu.Lock()
	if _, ok := m.active[d]; ok {
		m.active[d] = s
	}
	m.mu.Unlock()
}

// Sessions snapshots all active sessions.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.active))
	for _, s := range m.active {
		if s != nil {
			out = append(out, s.Status())
		}
	}
	return out
}
