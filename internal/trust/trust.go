// Package trust maintains the set of devices authorized to exchange
// context, with an explicit pairing state machine and forward-only
// revocation.
//
// States: pending -> trusted -> revoked (terminal), and
// pending -> rejected (terminal) when proof verification fails. Revocation
// stops new sessions and new events from a device; events merged before
// revocation stay — the registry never rewrites history.
package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"cirrusd/internal/event"
)

// Pairing and registry errors.
var (
	ErrProofInvalid   = errors.New("trust: proof of possession invalid")
	ErrAlreadyRevoked = errors.New("trust: device is revoked")
	ErrUnknownDevice  = errors.New("trust: unknown device")
	ErrBadTransition  = errors.New("trust: invalid state transition")
)

// State is a device's trust state.
type State string

// Trust states. Revoked and rejected are terminal.
const (
	StatePending  State = "pending"
	StateTrusted  State = "trusted"
	StateRevoked  State = "revoked"
	StateRejected State = "rejected"
)

// DeviceRecord describes one known device.
type DeviceRecord struct {
	Device        event.DeviceID
	PublicKey     ed25519.PublicKey
	DisplayName   string
	TrustState    State
	PairedAt      time.Time
	RevokedAt     time.Time
	LastSeenClock uint64
}

// Persistence is the durable backing for the registry. The store provides
// the SQLite implementation.
type Persistence interface {
	UpsertDeviceRecord(rec DeviceRecord) error
	GetDeviceRecord(d event.DeviceID) (DeviceRecord, error)
	ListDeviceRecords() ([]DeviceRecord, error)
}

// pairContext is the domain separator for proof-of-possession signatures.
const pairContext = "cirrus-pairing-v1"

// ProofMessage builds the byte string a candidate device must sign to
// prove possession of its private key. The confirmation code comes from
// the out-of-band pairing UI; both device IDs bind the proof to this
// specific pair so it cannot be replayed elsewhere.
func ProofMessage(local, candidate event.DeviceID, code string) []byte {
	h := sha256.New()
	h.Write([]byte(pairContext))
	h.Write(local[:])
	h.Write(candidate[:])
	h.Write([]byte(code))
	return h.Sum(nil)
}

// Registry is the trust and pairing registry for one device.
type Registry struct {
	mu      sync.Mutex
	local   event.DeviceID
	persist Persistence
}

// NewRegistry creates a registry owned by the given local device.
func NewRegistry(local event.DeviceID, p Persistence) *Registry {
	return &Registry{local: local, persist: p}
}

// Observe records a not-yet-paired device seen by discovery. Known devices
// keep their state; unknown ones enter pending. Pending devices are
// surfaced to the pairing flow and never synced.
func (r *Registry) Observe(d event.DeviceID, publicKey ed25519.PublicKey, name string) (DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.persist.GetDeviceRecord(d)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrUnknownDevice) {
		return DeviceRecord{}, err
	}

	rec = DeviceRecord{
		Device:      d,
		PublicKey:   publicKey,
		DisplayName: name,
		TrustState:  StatePending,
	}
	if err := r.persist.UpsertDeviceRecord(rec); err != nil {
		return DeviceRecord{}, err
	}
	return rec, nil
}

// Pair verifies the candidate's proof of possession and promotes it to
// trusted. The proof is an Ed25519 signature over ProofMessage(local,
// candidate, code); the engine only validates it — producing it is the
// pairing UI's job.
func (r *Registry) Pair(candidate event.DeviceID, code string, proof []byte) (DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.persist.GetDeviceRecord(candidate)
	if err != nil {
		return DeviceRecord{}, err
	}

	switch rec.TrustState {
	case StateRevoked:
		return DeviceRecord{}, ErrAlreadyRevoked
	case StateTrusted:
		return rec, nil
	case StateRejected:
		return DeviceRecord{}, fmt.Errorf("%w: rejected is terminal", ErrBadTransition)
	}

	msg := ProofMessage(r.local, candidate, code)
	if len(proof) != ed25519.SignatureSize || !ed25519.Verify(rec.PublicKey, msg, proof) {
		rec.TrustState = StateRejected
		if err := r.persist.UpsertDeviceRecord(rec); err != nil {
			return DeviceRecord{}, err
		}
		return DeviceRecord{}, ErrProofInvalid
	}

	rec.TrustState = StateTrusted
	rec.PairedAt = time.Now()
	if err := r.persist.UpsertDeviceRecord(rec); err != nil {
		return DeviceRecord{}, err
	}
	return rec, nil
}

// Revoke transitions a device to the terminal revoked state. After this,
// sync sessions with the device are refused and no new events from it are
// merged. Previously merged events remain visible: revocation is forward
// only, not historical erasure.
func (r *Registry) Revoke(d event.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.persist.GetDeviceRecord(d)
	if err != nil {
		return err
	}
	if rec.TrustState == StateRevoked {
		return nil
	}

	rec.TrustState = StateRevoked
	rec.RevokedAt = time.Now()
	return r.persist.UpsertDeviceRecord(rec)
}

// Trusted reports whether the device may exchange context right now.
func (r *Registry) Trusted(d event.DeviceID) bool {
	rec, err := r.persist.GetDeviceRecord(d)
	return err == nil && rec.TrustState == StateTrusted
}

// Revoked reports whether the device has been revoked.
func (r *Registry) Revoked(d event.DeviceID) bool {
	rec, err := r.persist.GetDeviceRecord(d)
	return err == nil && rec.TrustState == StateRevoked
}

// Get returns one device record.
func (r *Registry) Get(d event.DeviceID) (DeviceRecord, error) {
	return r.persist.GetDeviceRecord(d)
}

// List returns every known device.
func (r *Registry) List() ([]DeviceRecord, error) {
	return r.persist.ListDeviceRecords()
}

// NoteSeen updates the high-water clock observed from a device. Discovery
// and sync call this; it has no trust meaning beyond bookkeeping.
func (r *Registry) NoteSeen(d event.DeviceID, clk uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.persist.GetDeviceRecord(d)
	if err != nil {
		return err
	}
	if clk <= rec.LastSeenClock {
		return nil
	}
	rec.LastSeenClock = clk
	return r.persist.UpsertDeviceRecord(rec)
}
