// Package event defines the context event model shared by every other
// subsystem.
//
// A context event is an immutable fact about user activity or device state:
// an open document, a location fix, a step count. Events are never mutated
// or deleted after creation. Retraction is expressed as a newer tombstone
// event for the same (category, key), so merging stays commutative and
// idempotent.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Errors returned by event validation.
var (
	ErrInvalidID       = errors.New("event: invalid event id")
	ErrInvalidCategory = errors.New("event: unknown category")
	ErrInvalidScope    = errors.New("event: invalid privacy scope")
	ErrZeroClock       = errors.New("event: logical clock must be non-zero")
	ErrEmptyKey        = errors.New("event: empty key")
)

// DeviceIDSize is the length of a device identifier in bytes.
const DeviceIDSize = 16

// DeviceID identifies a device. It is the truncated SHA-256 fingerprint of
// the device's Ed25519 public key, so identity and ID cannot diverge.
type DeviceID [DeviceIDSize]byte

// String returns the hex form used in logs, SQL and the wire protocol.
func (d DeviceID) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, DeviceIDSize*2)
	for i, b := range d {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0x0f]
	}
	return string(buf)
}

// Less orders device IDs lexicographically. This ordering is part of the
// convergence contract: it breaks ties between causally concurrent events,
// so every device must agree on it.
func (d DeviceID) Less(other DeviceID) bool {
	for i := 0; i < DeviceIDSize; i++ {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether the ID is the zero value.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}

// ParseDeviceID parses the hex form produced by String.
func ParseDeviceID(s string) (DeviceID, error) {
	var d DeviceID
	if len(s) != DeviceIDSize*2 {
		return d, fmt.Errorf("%w: device id %q", ErrInvalidID, s)
	}
	for i := 0; i < DeviceIDSize; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return d, fmt.Errorf("%w: device id %q", ErrInvalidID, s)
		}
		d[i] = byte(v)
	}
	return d, nil
}

// ID identifies one event globally: the originating device plus the
// device-local logical clock at creation time. Clocks are strictly
// increasing per device and never reused, so the pair is unique.
type ID struct {
	Device DeviceID `cbor:"1,keyasint"`
	Clock  uint64   `cbor:"2,keyasint"`
}

// String renders the ID as "<device-hex>:<clock>".
func (id ID) String() string {
	return id.Device.String() + ":" + strconv.FormatUint(id.Clock, 10)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id.Device.IsZero() && id.Clock == 0
}

// ParseID parses the form produced by String.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	dev, err := ParseDeviceID(s[:i])
	if err != nil {
		return ID{}, err
	}
	clock, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil || clock == 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{Device: dev, Clock: clock}, nil
}

// Supersedes reports whether the event identified by a beats the event
// identified by b for a shared (category, key). Higher logical clock wins;
// equal clocks fall back to lexicographic device ID. Per-device counters
// make an equal-clock tie between distinct devices impossible, but the
// comparator still totals the order so every device agrees on the winner
// no matter what arrives when.
func Supersedes(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return b.Device.Less(a.Device)
}

// Category classifies a context event.
type Category string

// Known categories.
const (
	CategoryLocation        Category = "location"
	CategoryActivity        Category = "activity"
	CategoryDocumentSession Category = "document_session"
	CategoryHealthMetric    Category = "health_metric"
	CategoryEnvironment     Category = "environment"
	CategoryCustom          Category = "custom"
)

// Valid reports whether the category is one of the known set.
func (c Category) Valid() bool {
	switch c {
	case CategoryLocation, CategoryActivity, CategoryDocumentSession,
		CategoryHealthMetric, CategoryEnvironment, CategoryCustom:
		return true
	}
	return false
}

// Scope controls replication eligibility. It is policy for the sync layer
// only; it is never interpreted as an encryption directive.
type Scope string

// Privacy scopes.
const (
	ScopeDeviceLocal   Scope = "device_local"
	ScopePairedDevices Scope = "paired_devices"
	ScopeExplicitShare Scope = "explicit_share"
)

// Valid reports whether the scope is one of the known set.
func (s Scope) Valid() bool {
	switch s {
	case ScopeDeviceLocal, ScopePairedDevices, ScopeExplicitShare:
		return true
	}
	return false
}

// ContextEvent is the unit of replication. Once created it never changes.
type ContextEvent struct {
	ID           ID         `cbor:"1,keyasint"`
	Predecessors []ID       `cbor:"2,keyasint,omitempty"`
	Category     Category   `cbor:"3,keyasint"`
	Key          string     `cbor:"4,keyasint"`
	Payload      []byte     `cbor:"5,keyasint,omitempty"`
	Scope        Scope      `cbor:"6,keyasint"`
	Recipients   []DeviceID `cbor:"7,keyasint,omitempty"`
	Tombstone    bool       `cbor:"8,keyasint,omitempty"`
	CreatedAt    time.Time  `cbor:"9,keyasint"`
}

// Device returns the originating device.
func (e *ContextEvent) Device() DeviceID {
	return e.ID.Device
}

// Clock returns the logical clock assigned at creation.
func (e *ContextEvent) Clock() uint64 {
	return e.ID.Clock
}

// Validate checks structural invariants. It does not consult the store or
// the network; causal completeness is the store's concern.
func (e *ContextEvent) Validate() error {
	if e.ID.Device.IsZero() {
		return fmt.Errorf("%w: zero device", ErrInvalidID)
	}
	if e.ID.Clock == 0 {
		return ErrZeroClock
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, e.Category)
	}
	if e.Key == "" {
		return ErrEmptyKey
	}
	if !e.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, e.Scope)
	}
	if e.Scope == ScopeExplicitShare && len(e.Recipients) == 0 {
		return fmt.Errorf("%w: explicit_share without recipients", ErrInvalidScope)
	}
	if e.Scope != ScopeExplicitShare && len(e.Recipients) != 0 {
		return fmt.Errorf("%w: recipients only valid for explicit_share", ErrInvalidScope)
	}
	for _, p := range e.Predecessors {
		if p.IsZero() {
			return fmt.Errorf("%w: zero predecessor", ErrInvalidID)
		}
	}
	return nil
}

// ReplicableTo reports whether the event's privacy scope allows it to be
// sent to the given peer. Events scoped device_local never leave the
// device; explicit_share events only reach listed recipients.
func (e *ContextEvent) ReplicableTo(peer DeviceID) bool {
	switch e.Scope {
	case ScopeDeviceLocal:
		return false
	case ScopePairedDevices:
		return true
	case ScopeExplicitShare:
		for _, r := range e.Recipients {
			if r == peer {
				return true
			}
		}
		return false
	}
	return false
}

// encMode is the canonical CBOR encoder. Canonical map ordering matters
// because both ends of a sync session compare encoded summaries byte for
// byte.
var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("event: cbor encoder init: %v", err))
	}
}

// Marshal encodes any value with the canonical CBOR mode shared by the
// store and the wire protocol.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// Encode serializes the event for storage or the wire.
func (e *ContextEvent) Encode() ([]byte, error) {
	return Marshal(e)
}

// Decode deserializes an event produced by Encode.
func Decode(data []byte) (*ContextEvent, error) {
	var e ContextEvent
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return &e, nil
}
