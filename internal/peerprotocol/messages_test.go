package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessage(t *testing.T) {
	m := RequestMessage{Index: 1, Begin: 16384, Length: 16384}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0}, b)

	var m2 RequestMessage
	require.NoError(t, m2.UnmarshalBinary(b))
	assert.Equal(t, m, m2)

	assert.Error(t, m2.UnmarshalBinary(b[:11]))
}

func TestHaveMessage(t *testing.T) {
	m := HaveMessage{Index: 7}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 7}, b)

	var m2 HaveMessage
	require.NoError(t, m2.UnmarshalBinary(b))
	assert.Equal(t, uint32(7), m2.Index)
}

func TestEmptyMessages(t *testing.T) {
	for _, m := range []Message{ChokeMessage{}, UnchokeMessage{}, InterestedMessage{}, NotInterestedMessage{}} {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		assert.Len(t, b, 0)
	}
	assert.Equal(t, Choke, ChokeMessage{}.ID())
	assert.Equal(t, Unchoke, UnchokeMessage{}.ID())
	assert.Equal(t, Interested, InterestedMessage{}.ID())
	assert.Equal(t, NotInterested, NotInterestedMessage{}.ID())
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-RP0001-123456789012")

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, infoHash, peerID, [8]byte{}))
	assert.Equal(t, 68, buf.Len())

	_, ih, err := ReadHandshake1(&buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, ih)

	id, err := ReadHandshake2(&buf)
	require.NoError(t, err)
	assert.Equal(t, peerID, id)
}

func TestHandshakeInvalidProtocol(t *testing.T) {
	b := bytes.Repeat([]byte{'x'}, 68)
	b[0] = 19
	_, _, err := ReadHandshake1(bytes.NewReader(b))
	assert.Equal(t, ErrInvalidProtocol, err)
}
