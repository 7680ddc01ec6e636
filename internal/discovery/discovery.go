// Package discovery finds peer devices on the local network.
//
// Each device periodically broadcasts a signed advertisement over UDP and
// listens for the advertisements of others. Advertisements are
// self-certifying: the device ID is the fingerprint of the included public
// key and the packet is signed with it, so a peer cannot claim an identity
// it does not hold. Trust decisions stay with the registry — discovery
// only reports who is reachable.
//
// Radios flap. A peer that goes silent stays "known" for a grace period
// before it is marked unreachable, so a dropped beacon does not tear down
// sessions.
package discovery

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"cirrusd/internal/event"
	"cirrusd/internal/identity"
)

// Errors
var (
	ErrBadAdvertisement = errors.New("discovery: bad advertisement")
	ErrBadSignature     = errors.New("discovery: advertisement signature invalid")
)

// advertContext is the domain separator for advertisement signatures.
const advertContext = "cirrus-presence-v1"

// Advertisement is one presence beacon.
type Advertisement struct {
	Device    event.DeviceID `cbor:"1,keyasint"`
	Name      string         `cbor:"2,keyasint"`
	PublicKey []byte         `cbor:"3,keyasint"`
	SyncPort  int            `cbor:"4,keyasint"`
	SentAt    time.Time      `cbor:"5,keyasint"`
	Signature []byte         `cbor:"6,keyasint,omitempty"`
}

// signingBytes returns the canonical bytes covered by the signature.
func (a *Advertisement) signingBytes() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = nil
	body, err := event.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return append([]byte(advertContext), body...), nil
}

// Sign attaches the device signature.
func (a *Advertisement) Sign(id *identity.Identity) error {
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	a.Signature = id.Sign(msg)
	return nil
}

// Verify checks the advertisement is internally consistent: the device ID
// matches the public key fingerprint and the signature verifies.
func (a *Advertisement) Verify() error {
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length", ErrBadAdvertisement)
	}
	if identity.Fingerprint(a.PublicKey) != a.Device {
		return fmt.Errorf("%w: device id does not match key", ErrBadAdvertisement)
	}
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(a.PublicKey, msg, a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Encode serializes the advertisement for the wire.
func (a *Advertisement) Encode() ([]byte, error) {
	return event.Marshal(a)
}

// DecodeAdvertisement parses a received beacon.
func DecodeAdvertisement(data []byte) (*Advertisement, error) {
	var a Advertisement
	if err := event.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAdvertisement, err)
	}
	return &a, nil
}

// Peer is one entry of the peer table.
type Peer struct {
	Device    event.DeviceID
	Name      string
	PublicKey []byte
	Addr      string // host:port of the peer's sync listener
	LastSeen  time.Time
	Reachable bool
}

// Table tracks reachable peers with flap debouncing. It is independent of
// the network plumbing so it can be tested by feeding advertisements in
// directly.
type Table struct {
	mu    sync.Mutex
	grace time.Duration
	peers map[event.DeviceID]*Peer
}

// NewTable creates a peer table with the given grace period.
func NewTable(grace time.Duration) *Table {
	return &Table{grace: grace, peers: make(map[event.DeviceID]*Peer)}
}

// Observe records a verified advertisement from the given source address.
// It returns the updated peer and whether this sighting is new (the peer
// was previously unknown or unreachable).
func (t *Table) Observe(a *Advertisement, sourceHost string, now time.Time) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := net.JoinHostPort(sourceHost, fmt.Sprintf("%d", a.SyncPort))
	p, ok := t.peers[a.Device]
	fresh := !ok || !p.Reachable
	if !ok {
		p = &Peer{Device: a.Device}
		t.peers[a.Device] = p
	}
	p.Name = a.Name
	p.PublicKey = a.PublicKey
	p.Addr = addr
	p.LastSeen = now
	p.Reachable = true
	return *p, fresh
}

// Sweep marks peers silent for longer than the grace period unreachable
// and returns them. Within the grace period a silent peer is still
// treated as known.
func (t *Table) Sweep(now time.Time) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost []Peer
	for _, p := range t.peers {
		if p.Reachable && now.Sub(p.LastSeen) > t.grace {
			p.Reachable = false
			lost = append(lost, *p)
		}
	}
	return lost
}

// Reachable lists currently reachable peers.
func (t *Table) Reachable() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Peer
	for _, p := range t.peers {
		if p.Reachable {
			out = append(out, *p)
		}
	}
	return out
}

// Lookup returns the table entry for a device.
func (t *Table) Lookup(d event.DeviceID) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[d]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Options configures the discovery service.
type Options struct {
	Port             int
	SyncPort         int
	Name             string
	AnnounceInterval time.Duration
	Grace            time.Duration
	Logger           *slog.Logger
}

// Authorizer tells discovery how to route a sighted peer: trusted peers go
// to the sync manager, unknown ones to the pairing flow.
type Authorizer interface {
	Trusted(d event.DeviceID) bool
	// Candidate surfaces a not-yet-paired device to the pairing flow.
	Candidate(d event.DeviceID, publicKey ed25519.PublicKey, name string)
}

// Service runs the announcer and listener loops.
type Service struct {
	id    *identity.Identity
	opts  Options
	table *Table
	auth  Authorizer
	log   *slog.Logger

	// sightings receives trusted peers as they become reachable.
	sightings chan Peer
}

// New creates a discovery service.
func New(id *identity.Identity, auth Authorizer, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		id:        id,
		opts:      opts,
		table:     NewTable(opts.Grace),
		auth:      auth,
		log:       opts.Logger,
		sightings: make(chan Peer, 16),
	}
}

// Sightings returns the channel of newly reachable trusted peers.
func (s *Service) Sightings() <-chan Peer {
	return s.sightings
}

// Table exposes the peer table for status reporting.
func (s *Service) Table() *Table {
	return s.table
}

// Run starts announcing and listening until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	listen, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	defer listen.Close()

	go func() {
		<-ctx.Done()
		listen.Close()
	}()

	go s.announceLoop(ctx)
	go s.sweepLoop(ctx)

	buf := make([]byte, 2048)
	for {
		n, src, err := listen.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("discovery read failed", "error", err)
			continue
		}
		s.handlePacket(buf[:n], src)
	}
}

func (s *Service) handlePacket(data []byte, src net.Addr) {
	a, err := DecodeAdvertisement(data)
	if err != nil {
		return
	}
	if a.Device == s.id.Device() {
		return // our own broadcast
	}
	if err := a.Verify(); err != nil {
		s.log.Debug("ignoring unverifiable advertisement", "error", err)
		return
	}

	host, _, err := net.SplitHostPort(src.String())
	if err != nil {
		return
	}

	peer, fresh := s.table.Observe(a, host, time.Now())
	if !s.auth.Trusted(peer.Device) {
		if fresh {
			s.auth.Candidate(peer.Device, ed25519.PublicKey(peer.PublicKey), peer.Name)
			s.log.Info("unpaired device in range", "device", peer.Device.String(), "name", peer.Name)
		}
		return
	}
	if fresh {
		s.log.Info("trusted peer reachable", "device", peer.Device.String(), "addr", peer.Addr)
		select {
		case s.sightings <- peer:
		default:
			// The sync manager is behind; it will pick the peer up from
			// the table on its next pass.
		}
	}
}

func (s *Service) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.AnnounceInterval)
	defer ticker.Stop()

	conn, err := net.Dial("udp4", net.JoinHostPort(net.IPv4bcast.String(), fmt.Sprintf("%d", s.opts.Port)))
	if err != nil {
		s.log.Error("discovery announce socket failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		a := &Advertisement{
			Device:    s.id.Device(),
			Name:      s.opts.Name,
			PublicKey: s.id.Public(),
			SyncPort:  s.opts.SyncPort,
			SentAt:    time.Now().UTC(),
		}
		if err := a.Sign(s.id); err != nil {
			s.log.Error("sign advertisement", "error", err)
			return
		}
		data, err := a.Encode()
		if err != nil {
			s.log.Error("encode advertisement", "error", err)
			return
		}
		if _, err := conn.Write(data); err != nil {
			s.log.Debug("announce failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range s.table.Sweep(now) {
				s.log.Info("peer unreachable", "device", p.Device.String())
			}
		}
	}
}
