// Package syncp implements the peer reconciliation protocol.
//
// A session is one wire exchange between two devices. Both sides swap
// causal summary vectors, stream only the events the other is missing,
// fold them through the merge engine, and close once their post-merge
// summaries agree. Appends are idempotent and order-independent, so an
// interrupted session leaves valid partial state and simply retries on
// the next contact — there is no cross-batch transaction.
//
// Messages are a fixed binary header followed by a CBOR payload.
package syncp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
)

// Protocol constants.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4353594e // "CSYN"
)

// MessageType identifies a protocol message.
type MessageType uint16

const (
	// Handshake (0x00xx)
	MsgHello    MessageType = 0x0001
	MsgHelloAck MessageType = 0x0002
	MsgAuth     MessageType = 0x0003

	// Reconciliation (0x01xx)
	MsgSummary    MessageType = 0x0100
	MsgEventBatch MessageType = 0x0101
	MsgComplete   MessageType = 0x0102

	// Control (0x02xx)
	MsgError MessageType = 0x0200
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic   uint32
	Version uint8
	Flags   uint8
	Type    MessageType
	Seq     uint32
	Length  uint32
}

// HeaderSize is the encoded header length in bytes.
const HeaderSize = 16

// maxPayload bounds one message; batches are sized well below this.
const maxPayload = 16 * 1024 * 1024

// Write encodes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader decodes a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
		Flags:   buf[5],
		Type:    MessageType(binary.BigEndian.Uint16(buf[6:8])),
		Seq:     binary.BigEndian.Uint32(buf[8:12]),
		Length:  binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("syncp: invalid magic %#x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("syncp: unsupported protocol version %d", h.Version)
	}
	return h, nil
}

// Message is a header plus its decoded-from-the-wire payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// writeMessage frames and sends one message.
func writeMessage(w io.Writer, msgType MessageType, seq uint32, payload any) error {
	body, err := event.Marshal(payload)
	if err != nil {
		return fmt.Errorf("syncp: encode %#x: %w", msgType, err)
	}
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    msgType,
		Seq:     seq,
		Length:  uint32(len(body)),
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readMessage receives one complete message.
func readMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("syncp: payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// decodePayload unmarshals a message payload.
func decodePayload(m *Message, v any) error {
	if err := event.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("syncp: decode %#x: %w", m.Header.Type, err)
	}
	return nil
}

// Handshake payloads.

// Hello opens a session.
type Hello struct {
	SessionID    string         `cbor:"1,keyasint"`
	Device       event.DeviceID `cbor:"2,keyasint"`
	Nonce        []byte         `cbor:"3,keyasint"`
	ProtoVersion uint8          `cbor:"4,keyasint"`
}

// HelloAck answers a Hello; the signature proves the responder holds the
// key its device ID is derived from.
type HelloAck struct {
	Device    event.DeviceID `cbor:"1,keyasint"`
	Nonce     []byte         `cbor:"2,keyasint"`
	Signature []byte         `cbor:"3,keyasint"`
}

// Auth completes mutual authentication with the initiator's signature.
type Auth struct {
	Signature []byte `cbor:"1,keyasint"`
}

// Summary carries a causal summary vector.
type Summary struct {
	Vector map[string]uint64 `cbor:"1,keyasint"`
}

// EventBatch carries a slice of encoded events; Done marks the sender's
// final batch for this session.
type EventBatch struct {
	Events [][]byte `cbor:"1,keyasint,omitempty"`
	Done   bool     `cbor:"2,keyasint,omitempty"`
}

// Complete carries the sender's post-merge summary; matching vectors close
// the session clean.
type Complete struct {
	Vector map[string]uint64 `cbor:"1,keyasint"`
}

// ErrorCode classifies a session failure on the wire.
type ErrorCode string

// Error codes.
const (
	CodeTrust    ErrorCode = "trust"
	CodeTimeout  ErrorCode = "timeout"
	CodeProtocol ErrorCode = "protocol"
	CodeDiverged ErrorCode = "diverged"
	CodeInternal ErrorCode = "internal"
)

// ErrorMsg reports a failure before closing.
type ErrorMsg struct {
	Code    ErrorCode `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint,omitempty"`
}

// sessionAuthContext is the domain separator for handshake signatures.
const sessionAuthContext = "cirrus-sync-v1"

// authDigest builds the byte string each side signs during the handshake.
// Binding both nonces, the session ID and the signer's device prevents
// replay across sessions and reflection back at the signer.
func authDigest(sessionID string, challengerNonce, signerNonce []byte, signer event.DeviceID) []byte {
	h := sha256.New()
	h.Write([]byte(sessionAuthContext))
	h.Write([]byte(sessionID))
	h.Write(challengerNonce)
	h.Write(signerNonce)
	h.Write(signer[:])
	return h.Sum(nil)
}

// verifyAuth checks a handshake signature against a registered public key.
func verifyAuth(pub ed25519.PublicKey, sessionID string, challengerNonce, signerNonce []byte, signer event.DeviceID, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, authDigest(sessionID, challengerNonce, signerNonce, signer), sig)
}

// vectorToWire converts a summary vector for transmission.
func vectorToWire(v clock.Vector) map[string]uint64 {
	out := make(map[string]uint64, len(v))
	for d, c := range v {
		out[d.String()] = c
	}
	return out
}

// vectorFromWire parses a received summary vector.
func vectorFromWire(raw map[string]uint64) (clock.Vector, error) {
	v := make(clock.Vector, len(raw))
	for hex, c := range raw {
		d, err := event.ParseDeviceID(hex)
		if err != nil {
			return nil, err
		}
		v[d] = c
	}
	return v, nil
}

// deadliner is satisfied by transports that support read deadlines (TCP
// connections, net.Pipe). Sessions use it for progress timeouts when
// available.
type deadliner interface {
	SetDeadline(t time.Time) error
}
