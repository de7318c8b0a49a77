package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snchub/internal/uid"
)

func TestChecksumRoundTrip(t *testing.T) {
	body := []byte("hello multicast frame")
	framed := Frame(CmdMulticastMessage, PriMed, body)

	env, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, uint16(CmdMulticastMessage), env.Cmd)
	assert.Equal(t, uint8(PriMed), env.Priority)
	assert.Equal(t, len(framed), int(env.Length))
	assert.Equal(t, string(body), string(framed[EnvelopeLen:]))
}

func TestChecksumRejectsCorruption(t *testing.T) {
	framed := Frame(CmdHeartbeat, PriHigh, []byte("x"))
	for i := range framed[:EnvelopeLen] {
		corrupt := append([]byte(nil), framed...)
		corrupt[i] ^= 0xff
		_, err := Decode(corrupt)
		if i == 0 || i == 1 {
			assert.Equalf(t, ErrBadSync, err, "byte %d", i)
			continue
		}
		assert.Errorf(t, err, "byte %d: corruption not detected", i)
	}
}

func TestE2EHeaderRoundTrip(t *testing.T) {
	h := E2EHeader{SourceUID: 0x1122334455667788, DestUID: 0x8877665544332211, SourcePort: 7, DestPort: 9, Seq: 3}
	buf := h.Append(nil)
	got, rest, err := DecodeE2EHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Empty(t, rest)
}

func TestLookupRecordRoundTrip(t *testing.T) {
	r := LookupRecord{
		ServicePath: "region/app/service",
		Kind:        KindMulticast,
		Response:    LookupSucceed,
		LookupUID:   0xdeadbeef,
		SequenceID:  42,
		LocalPort:   3,
		RemotePort:  5,
	}
	got, err := DecodeLookupRecord(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestHeartbeatBodyRoundTrip(t *testing.T) {
	u, err := uid.Parse("0011223344550007")
	require.NoError(t, err)
	h := HeartbeatBody{UID: u, ComponentType: "hub", DE: []byte("some-directory-bytes")}
	got, err := DecodeHeartbeatBody(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h.UID, got.UID)
	assert.Equal(t, h.ComponentType, got.ComponentType)
	assert.Equal(t, string(h.DE), string(got.DE))
}

func TestHeartbeatBodyWithoutDE(t *testing.T) {
	u, err := uid.Parse("0011223344550008")
	require.NoError(t, err)
	h := HeartbeatBody{UID: u, ComponentType: "video"}
	got, err := DecodeHeartbeatBody(h.Encode())
	require.NoError(t, err)
	assert.Empty(t, got.DE)
}
