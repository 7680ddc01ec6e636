package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirrusd/internal/event"
)

// memPersistence is an in-memory Persistence for tests.
type memPersistence struct {
	records map[event.DeviceID]DeviceRecord
}

func newMemPersistence() *memPersistence {
	return &memPersistence{records: make(map[event.DeviceID]DeviceRecord)}
}

func (m *memPersistence) UpsertDeviceRecord(rec DeviceRecord) error {
	m.records[rec.Device] = rec
	return nil
}

func (m *memPersistence) GetDeviceRecord(d event.DeviceID) (DeviceRecord, error) {
	rec, ok := m.records[d]
	if !ok {
		return DeviceRecord{}, ErrUnknownDevice
	}
	return rec, nil
}

func (m *memPersistence) ListDeviceRecords() ([]DeviceRecord, error) {
	out := make([]DeviceRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func devID(b byte) event.DeviceID {
	var d event.DeviceID
	for i := range d {
		d[i] = b
	}
	return d
}

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestObserveEntersPending(t *testing.T) {
	local := devID(1)
	r := NewRegistry(local, newMemPersistence())
	pub, _ := newKeyPair(t)
	candidate := devID(2)

	rec, err := r.Observe(candidate, pub, "phone")
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.TrustState)
	assert.False(t, r.Trusted(candidate))

	// Re-observing keeps existing state.
	rec2, err := r.Observe(candidate, pub, "phone-renamed")
	require.NoError(t, err)
	assert.Equal(t, rec.TrustState, rec2.TrustState)
	assert.Equal(t, "phone", rec2.DisplayName)
}

func TestPairWithValidProof(t *testing.T) {
	local := devID(1)
	candidate := devID(2)
	r := NewRegistry(local, newMemPersistence())
	pub, priv := newKeyPair(t)

	_, err := r.Observe(candidate, pub, "phone")
	require.NoError(t, err)

	code := "4921"
	proof := ed25519.Sign(priv, ProofMessage(local, candidate, code))

	rec, err := r.Pair(candidate, code, proof)
	require.NoError(t, err)
	assert.Equal(t, StateTrusted, rec.TrustState)
	assert.False(t, rec.PairedAt.IsZero())
	assert.True(t, r.Trusted(candidate))

	// Pairing again is idempotent.
	rec2, err := r.Pair(candidate, "other", nil)
	require.NoError(t, err)
	assert.Equal(t, StateTrusted, rec2.TrustState)
}

func TestPairWithBadProofRejects(t *testing.T) {
	local := devID(1)
	candidate := devID(2)
	r := NewRegistry(local, newMemPersistence())
	pub, priv := newKeyPair(t)

	_, err := r.Observe(candidate, pub, "phone")
	require.NoError(t, err)

	// Signature over the wrong code.
	proof := ed25519.Sign(priv, ProofMessage(local, candidate, "0000"))
	_, err = r.Pair(candidate, "4921", proof)
	assert.ErrorIs(t, err, ErrProofInvalid)

	// Rejected is terminal: even a now-correct proof is refused.
	good := ed25519.Sign(priv, ProofMessage(local, candidate, "4921"))
	_, err = r.Pair(candidate, "4921", good)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestPairUnknownDevice(t *testing.T) {
	r := NewRegistry(devID(1), newMemPersistence())
	_, err := r.Pair(devID(9), "1234", nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRevokeIsTerminal(t *testing.T) {
	local := devID(1)
	candidate := devID(2)
	r := NewRegistry(local, newMemPersistence())
	pub, priv := newKeyPair(t)

	_, err := r.Observe(candidate, pub, "phone")
	require.NoError(t, err)
	proof := ed25519.Sign(priv, ProofMessage(local, candidate, "4921"))
	_, err = r.Pair(candidate, "4921", proof)
	require.NoError(t, err)

	require.NoError(t, r.Revoke(candidate))
	assert.True(t, r.Revoked(candidate))
	assert.False(t, r.Trusted(candidate))

	// Idempotent.
	require.NoError(t, r.Revoke(candidate))

	// No way back: re-pairing a revoked device fails.
	_, err = r.Pair(candidate, "4921", proof)
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	rec, err := r.Get(candidate)
	require.NoError(t, err)
	assert.False(t, rec.RevokedAt.IsZero())
}

func TestRevokeUnknownDevice(t *testing.T) {
	r := NewRegistry(devID(1), newMemPersistence())
	assert.ErrorIs(t, r.Revoke(devID(9)), ErrUnknownDevice)
}

func TestNoteSeenIsForwardOnly(t *testing.T) {
	local := devID(1)
	candidate := devID(2)
	r := NewRegistry(local, newMemPersistence())
	pub, _ := newKeyPair(t)

	_, err := r.Observe(candidate, pub, "phone")
	require.NoError(t, err)

	require.NoError(t, r.NoteSeen(candidate, 12))
	require.NoError(t, r.NoteSeen(candidate, 5))

	rec, err := r.Get(candidate)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), rec.LastSeenClock)
}
