// Package ipc provides communication between the cirrusd daemon and
// client applications (CLI, third-party tools).
//
// The protocol is a request/response pattern over a local unix socket,
// plus event streaming for view updates. Messages are a fixed binary
// header followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x43495043 // "CIPC"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// View queries (0x02xx)
	MsgQuery       MessageType = 0x0200
	MsgQueryResp   MessageType = 0x0201
	MsgRecord      MessageType = 0x0202
	MsgRecordResp  MessageType = 0x0203
	MsgRebuild     MessageType = 0x0204
	MsgRebuildResp MessageType = 0x0205

	// Device management (0x03xx)
	MsgListDevices     MessageType = 0x0300
	MsgListDevicesResp MessageType = 0x0301
	MsgPair            MessageType = 0x0302
	MsgPairResp        MessageType = 0x0303
	MsgRevoke          MessageType = 0x0304
	MsgRevokeResp      MessageType = 0x0305

	// Event streaming (0x05xx)
	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgViewUpdate    MessageType = 0x0504
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		// Limit payload size to 16MB
		if h.Length > 16*1024*1024 {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternalError  = 5
	ErrTrustDenied    = 10
)

// StatusRequest requests daemon status
type StatusRequest struct{}

// PeerStatus summarizes one known peer
type PeerStatus struct {
	Device    string    `json:"device"`
	Name      string    `json:"name,omitempty"`
	Trust     string    `json:"trust"`
	Reachable bool      `json:"reachable"`
	Addr      string    `json:"addr,omitempty"`
	PairedAt  time.Time `json:"paired_at,omitempty"`
}

// SessionStatus summarizes one active sync session
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	Peer      string    `json:"peer"`
	State     string    `json:"state"`
	Sent      int       `json:"sent"`
	Received  int       `json:"received"`
	StartedAt time.Time `json:"started_at"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version    string            `json:"version"`
	Device     string            `json:"device"`
	DeviceName string            `json:"device_name"`
	StartedAt  time.Time         `json:"started_at"`
	Uptime     time.Duration     `json:"uptime"`
	EventCount int64             `json:"event_count"`
	Generation uint64            `json:"generation"`
	Deferred   int               `json:"deferred"`
	Summary    map[string]uint64 `json:"summary"`
	Peers      []PeerStatus      `json:"peers,omitempty"`
	Sessions   []SessionStatus   `json:"sessions,omitempty"`
}

// QueryRequest reads the materialized view. Key empty means the whole
// category.
type QueryRequest struct {
	Category string `json:"category"`
	Key      string `json:"key,omitempty"`
}

// ViewEntry is one materialized view row
type ViewEntry struct {
	Category   string    `json:"category"`
	Key        string    `json:"key"`
	EventID    string    `json:"event_id"`
	Payload    []byte    `json:"payload,omitempty"`
	Tombstone  bool      `json:"tombstone,omitempty"`
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QueryResponse contains view entries
type QueryResponse struct {
	Entries []ViewEntry `json:"entries"`
}

// RecordRequest mints a local context event
type RecordRequest struct {
	Category   string   `json:"category"`
	Key        string   `json:"key"`
	Payload    []byte   `json:"payload,omitempty"`
	Scope      string   `json:"scope"`
	Recipients []string `json:"recipients,omitempty"`
	Tombstone  bool     `json:"tombstone,omitempty"`
}

// RecordResponse acknowledges a recorded event
type RecordResponse struct {
	EventID string `json:"event_id"`
	Clock   uint64 `json:"clock"`
}

// RebuildRequest replays the event log into a fresh view
type RebuildRequest struct{}

// RebuildResponse acknowledges the rebuild
type RebuildResponse struct {
	Generation uint64 `json:"generation"`
}

// ListDevicesRequest lists known devices
type ListDevicesRequest struct{}

// DeviceInfo describes one known device
type DeviceInfo struct {
	Device    string    `json:"device"`
	Name      string    `json:"name,omitempty"`
	Trust     string    `json:"trust"`
	PairedAt  time.Time `json:"paired_at,omitempty"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	LastSeen  uint64    `json:"last_seen_clock,omitempty"`
}

// ListDevicesResponse contains the device list
type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// PairRequest confirms a pairing with a short code. The daemon computes
// the proof signature; the peer's matching proof arrives out of band.
type PairRequest struct {
	Device string `json:"device"`
	Code   string `json:"code"`
	Proof  []byte `json:"proof,omitempty"`
}

// PairResponse acknowledges pairing
type PairResponse struct {
	Device string `json:"device"`
	Trust  string `json:"trust"`
	Proof  []byte `json:"proof,omitempty"`
}

// RevokeRequest revokes a device's trust
type RevokeRequest struct {
	Device string `json:"device"`
}

// RevokeResponse acknowledges revocation
type RevokeResponse struct {
	Device string `json:"device"`
	Trust  string `json:"trust"`
}

// SubscribeRequest subscribes to view updates. Category empty means all
// categories.
type SubscribeRequest struct {
	Category string `json:"category,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success bool `json:"success"`
}

// ViewUpdateEvent is one streamed view change notification
type ViewUpdateEvent struct {
	Category   string    `json:"category"`
	Key        string    `json:"key"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
