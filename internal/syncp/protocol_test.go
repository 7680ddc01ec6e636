package syncp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
)

func devID(b byte) event.DeviceID {
	var d event.DeviceID
	for i := range d {
		d[i] = b
	}
	return d
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgSummary,
		Seq:     7,
		Length:  128,
	}

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestReadHeaderRejects(t *testing.T) {
	bad := Header{Magic: 0xdeadbeef, Version: ProtocolVersion, Type: MsgHello}
	var buf bytes.Buffer
	require.NoError(t, bad.Write(&buf))
	_, err := ReadHeader(&buf)
	assert.Error(t, err, "wrong magic")

	future := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1, Type: MsgHello}
	buf.Reset()
	require.NoError(t, future.Write(&buf))
	_, err = ReadHeader(&buf)
	assert.Error(t, err, "future version")
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := &Summary{Vector: map[string]uint64{devID(1).String(): 4}}
	require.NoError(t, writeMessage(&buf, MsgSummary, 3, payload))

	m, err := readMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgSummary, m.Header.Type)
	assert.Equal(t, uint32(3), m.Header.Seq)

	var got Summary
	require.NoError(t, decodePayload(m, &got))
	assert.Equal(t, uint64(4), got.Vector[devID(1).String()])
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgEventBatch, Length: maxPayload + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	_, err := readMessage(&buf)
	assert.Error(t, err)
}

func TestAuthDigestBindsAllInputs(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	session := "sess-1"
	challenger := []byte("challenger-nonce")
	signer := []byte("signer-nonce")
	device := id.Device()

	sig := id.Sign(authDigest(session, challenger, signer, device))
	assert.True(t, verifyAuth(id.Public(), session, challenger, signer, device, sig))

	// Any changed input must break verification.
	assert.False(t, verifyAuth(id.Public(), "sess-2", challenger, signer, device, sig))
	assert.False(t, verifyAuth(id.Public(), session, signer, challenger, device, sig), "swapped nonces (reflection)")
	assert.False(t, verifyAuth(id.Public(), session, challenger, signer, devID(9), sig))
	assert.False(t, verifyAuth(id.Public(), session, challenger, signer, device, sig[:32]))
}

func TestVectorWireRoundTrip(t *testing.T) {
	a, b := devID(1), devID(2)
	v := clock.Vector{a: 3, b: 9}

	got, err := vectorFromWire(vectorToWire(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = vectorFromWire(map[string]uint64{"nonsense": 1})
	assert.Error(t, err)
}
