package syncp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
	"cirrusd/internal/merge"
	"cirrusd/internal/store"
	"cirrusd/internal/trust"
)

// State is a session's position in its lifecycle.
type State int

// Session states. Closed is reachable from every state on timeout, trust
// failure or transport error.
const (
	StateDiscovered State = iota
	StateHandshakeSent
	StateSummaryExchanged
	StateEventsExchanging
	StateReconciled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateSummaryExchanged:
		return "summary_exchanged"
	case StateEventsExchanging:
		return "events_exchanging"
	case StateReconciled:
		return "reconciled"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionError is the terminal error of a failed session.
type SessionError struct {
	Code    ErrorCode
	Message string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("syncp: session failed (%s): %s", e.Code, e.Message)
}

// Status is an observability snapshot of one session.
type Status struct {
	SessionID string
	Peer      event.DeviceID
	State     State
	Sent      int
	Received  int
	StartedAt time.Time
}

// Session is the ephemeral state of one reconciliation exchange. It lives
// for the duration of the exchange and is discarded afterwards, never
// persisted.
type Session struct {
	id       string
	local    *identity.Identity
	registry *trust.Registry
	engine   *merge.Engine
	store    *store.Store
	conn     io.ReadWriteCloser
	timeout  time.Duration
	batch    int
	log      *slog.Logger

	// reserve claims the single active-session slot for a peer device;
	// release gives it back. The manager provides both.
	reserve func(event.DeviceID) error
	release func(event.DeviceID)

	mu        sync.Mutex
	state     State
	peer      event.DeviceID
	sent      int
	received  int
	sentMax   clock.Vector // high-water clock per device among events we sent
	startedAt time.Time
	seq       uint32
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Status returns a snapshot for status reporting.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID: s.id,
		Peer:      s.peer,
		State:     s.state,
		Sent:      s.sent,
		Received:  s.received,
		StartedAt: s.startedAt,
	}
}

// fail sends a best-effort error frame, closes the transport and returns
// the terminal SessionError.
func (s *Session) fail(code ErrorCode, msg string) error {
	_ = writeMessage(s.conn, MsgError, s.nextSeq(), &ErrorMsg{Code: code, Message: msg})
	s.conn.Close()
	s.setState(StateClosed)
	return &SessionError{Code: code, Message: msg}
}

func (s *Session) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// read receives the next message, applying the progress timeout when the
// transport supports deadlines. A received error frame terminates the
// session with the peer's code.
func (s *Session) read() (*Message, error) {
	if d, ok := s.conn.(deadliner); ok && s.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(s.timeout))
	}
	m, err := readMessage(s.conn)
	if err != nil {
		return nil, err
	}
	if m.Header.Type == MsgError {
		var em ErrorMsg
		if err := decodePayload(m, &em); err != nil {
			return nil, err
		}
		s.conn.Close()
		s.setState(StateClosed)
		return nil, &SessionError{Code: em.Code, Message: "peer: " + em.Message}
	}
	return m, nil
}

// expect reads the next message and requires a specific type.
func (s *Session) expect(t MessageType) (*Message, error) {
	m, err := s.read()
	if err != nil {
		return nil, err
	}
	if m.Header.Type != t {
		return nil, fmt.Errorf("syncp: expected %#x, got %#x", t, m.Header.Type)
	}
	return m, nil
}

// runInitiator drives the session from the dialing side. expected is the
// device discovery told us we are talking to.
func (s *Session) runInitiator(ctx context.Context, expected event.DeviceID) error {
	defer s.conn.Close()
	stop := closeOnDone(ctx, s.conn)
	defer stop()

	if !s.registry.Trusted(expected) {
		return s.fail(CodeTrust, "peer not trusted")
	}
	if err := s.reserve(expected); err != nil {
		s.conn.Close()
		s.setState(StateClosed)
		return err
	}
	defer s.release(expected)
	s.mu.Lock()
	s.peer = expected
	s.mu.Unlock()

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return s.fail(CodeInternal, "nonce generation failed")
	}

	s.setState(StateHandshakeSent)
	hello := &Hello{
		SessionID:    s.id,
		Device:       s.local.Device(),
		Nonce:        nonce,
		ProtoVersion: ProtocolVersion,
	}
	if err := writeMessage(s.conn, MsgHello, s.nextSeq(), hello); err != nil {
		return s.transportFail(err)
	}

	m, err := s.expect(MsgHelloAck)
	if err != nil {
		return s.terminal(err)
	}
	var ack HelloAck
	if err := decodePayload(m, &ack); err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	if ack.Device != expected {
		return s.fail(CodeTrust, "peer identity mismatch")
	}
	rec, err := s.registry.Get(ack.Device)
	if err != nil || rec.TrustState != trust.StateTrusted {
		return s.fail(CodeTrust, "peer not trusted")
	}
	if !verifyAuth(rec.PublicKey, s.id, nonce, ack.Nonce, ack.Device, ack.Signature) {
		return s.fail(CodeTrust, "handshake signature invalid")
	}

	sig := s.local.Sign(authDigest(s.id, ack.Nonce, nonce, s.local.Device()))
	if err := writeMessage(s.conn, MsgAuth, s.nextSeq(), &Auth{Signature: sig}); err != nil {
		return s.transportFail(err)
	}

	// Summaries: ours first, then theirs.
	if err := writeMessage(s.conn, MsgSummary, s.nextSeq(), &Summary{Vector: vectorToWire(s.engine.Summary())}); err != nil {
		return s.transportFail(err)
	}
	m, err = s.expect(MsgSummary)
	if err != nil {
		return s.terminal(err)
	}
	var sum Summary
	if err := decodePayload(m, &sum); err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	peerVec, err := vectorFromWire(sum.Vector)
	if err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	s.setState(StateSummaryExchanged)

	// Our delta goes out, then theirs comes in.
	s.setState(StateEventsExchanging)
	if err := s.streamDelta(peerVec); err != nil {
		return s.terminal(err)
	}
	if err := s.receiveDelta(); err != nil {
		return s.terminal(err)
	}

	return s.finish(true)
}

// runResponder drives the session from the accepting side.
func (s *Session) runResponder(ctx context.Context) error {
	defer s.conn.Close()
	stop := closeOnDone(ctx, s.conn)
	defer stop()

	m, err := s.expect(MsgHello)
	if err != nil {
		return s.terminal(err)
	}
	var hello Hello
	if err := decodePayload(m, &hello); err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	if hello.SessionID == "" || len(hello.Nonce) == 0 {
		return s.fail(CodeProtocol, "malformed hello")
	}
	s.mu.Lock()
	s.id = hello.SessionID
	s.peer = hello.Device
	s.mu.Unlock()

	// Trust gate before anything else: a revoked or unknown device never
	// gets past the handshake.
	rec, err := s.registry.Get(hello.Device)
	if err != nil || rec.TrustState != trust.StateTrusted {
		return s.fail(CodeTrust, "peer not trusted")
	}
	if err := s.reserve(hello.Device); err != nil {
		s.conn.Close()
		s.setState(StateClosed)
		return err
	}
	defer s.release(hello.Device)

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return s.fail(CodeInternal, "nonce generation failed")
	}

	s.setState(StateHandshakeSent)
	ack := &HelloAck{
		Device:    s.local.Device(),
		Nonce:     nonce,
		Signature: s.local.Sign(authDigest(s.id, hello.Nonce, nonce, s.local.Device())),
	}
	if err := writeMessage(s.conn, MsgHelloAck, s.nextSeq(), ack); err != nil {
		return s.transportFail(err)
	}

	m, err = s.expect(MsgAuth)
	if err != nil {
		return s.terminal(err)
	}
	var auth Auth
	if err := decodePayload(m, &auth); err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	if !verifyAuth(rec.PublicKey, s.id, nonce, hello.Nonce, hello.Device, auth.Signature) {
		return s.fail(CodeTrust, "handshake signature invalid")
	}

	// Their summary first, then ours.
	m, err = s.expect(MsgSummary)
	if err != nil {
		return s.terminal(err)
	}
	var sum Summary
	if err := decodePayload(m, &sum); err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	peerVec, err := vectorFromWire(sum.Vector)
	if err != nil {
		return s.fail(CodeProtocol, err.Error())
	}
	if err := writeMessage(s.conn, MsgSummary, s.nextSeq(), &Summary{Vector: vectorToWire(s.engine.Summary())}); err != nil {
		return s.transportFail(err)
	}
	s.setState(StateSummaryExchanged)

	// Their delta comes in, then ours goes out.
	s.setState(StateEventsExchanging)
	if err := s.receiveDelta(); err != nil {
		return s.terminal(err)
	}
	if err := s.streamDelta(peerVec); err != nil {
		return s.terminal(err)
	}

	return s.finish(false)
}

// streamDelta sends every replicable event the peer is missing, in
// bounded batches, never the full log.
func (s *Session) streamDelta(peerVec clock.Vector) error {
	it, err := s.store.IterateSince(peerVec)
	if err != nil {
		return err
	}
	defer it.Close()

	s.mu.Lock()
	if s.sentMax == nil {
		s.sentMax = make(clock.Vector)
	}
	peer := s.peer
	s.mu.Unlock()

	batch := make([][]byte, 0, s.batch)
	flush := func(done bool) error {
		if len(batch) == 0 && !done {
			return nil
		}
		if err := writeMessage(s.conn, MsgEventBatch, s.nextSeq(), &EventBatch{Events: batch, Done: done}); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		e, err := it.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		if !e.ReplicableTo(peer) {
			continue
		}
		body, err := e.Encode()
		if err != nil {
			return err
		}
		batch = append(batch, body)

		s.mu.Lock()
		s.sent++
		if e.Clock() > s.sentMax[e.Device()] {
			s.sentMax[e.Device()] = e.Clock()
		}
		s.mu.Unlock()

		if len(batch) >= s.batch {
			if err := flush(false); err != nil {
				return err
			}
		}
	}
	return flush(true)
}

// receiveDelta applies incoming batches until the peer signals Done.
func (s *Session) receiveDelta() error {
	for {
		m, err := s.expect(MsgEventBatch)
		if err != nil {
			return err
		}
		var eb EventBatch
		if err := decodePayload(m, &eb); err != nil {
			return err
		}

		events := make([]*event.ContextEvent, 0, len(eb.Events))
		for _, body := range eb.Events {
			e, err := event.Decode(body)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		if len(events) > 0 {
			res, err := s.engine.Apply(events)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.received += len(events)
			s.mu.Unlock()
			s.log.Debug("applied batch",
				"session", s.id,
				"applied", res.Applied,
				"duplicates", res.Duplicates,
				"deferred", res.Deferred,
				"quarantined", res.Quarantined)
		}
		if eb.Done {
			return nil
		}
	}
}

// finish exchanges Complete frames and verifies the peer's post-merge
// summary covers everything we streamed. The initiator sends first.
func (s *Session) finish(initiator bool) error {
	mine := &Complete{Vector: vectorToWire(s.engine.Summary())}

	var peerComplete Complete
	if initiator {
		if err := writeMessage(s.conn, MsgComplete, s.nextSeq(), mine); err != nil {
			return s.transportFail(err)
		}
		m, err := s.expect(MsgComplete)
		if err != nil {
			return s.terminal(err)
		}
		if err := decodePayload(m, &peerComplete); err != nil {
			return s.fail(CodeProtocol, err.Error())
		}
	} else {
		m, err := s.expect(MsgComplete)
		if err != nil {
			return s.terminal(err)
		}
		if err := decodePayload(m, &peerComplete); err != nil {
			return s.fail(CodeProtocol, err.Error())
		}
		if err := writeMessage(s.conn, MsgComplete, s.nextSeq(), mine); err != nil {
			return s.transportFail(err)
		}
	}

	peerVec, err := vectorFromWire(peerComplete.Vector)
	if err != nil {
		return s.fail(CodeProtocol, err.Error())
	}

	// The peer must have incorporated every event we sent. Anything less
	// means the exchange diverged; the partial work is kept (appends are
	// idempotent) and the session is retried on next contact.
	s.mu.Lock()
	sentMax := s.sentMax
	peer := s.peer
	s.mu.Unlock()
	for d, c := range sentMax {
		if peerVec.Get(d) < c {
			return s.fail(CodeDiverged, fmt.Sprintf("peer summary behind for %s", d))
		}
	}

	if err := s.registry.NoteSeen(peer, peerVec.Get(peer)); err != nil {
		s.log.Warn("note seen failed", "error", err)
	}

	s.setState(StateReconciled)
	s.conn.Close()
	s.setState(StateClosed)
	s.log.Info("session reconciled",
		"session", s.id,
		"peer", peer.String(),
		"sent", s.sent,
		"received", s.received)
	return nil
}

// terminal wraps read-side failures, preserving peer-reported session
// errors and classifying everything else as transport.
func (s *Session) terminal(err error) error {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	return s.transportFail(err)
}

func (s *Session) transportFail(err error) error {
	s.conn.Close()
	s.setState(StateClosed)
	return &SessionError{Code: CodeTimeout, Message: err.Error()}
}

// closeOnDone closes the conn when ctx is cancelled so blocked reads
// unwind. The returned stop function detaches the watcher.
func closeOnDone(ctx context.Context, c io.Closer) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// newSessionID returns a fresh session identifier.
func newSessionID() string {
	return uuid.NewString()
}
