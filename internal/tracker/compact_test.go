package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	p := NewCompactPeer(addr)
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 6)

	var p2 CompactPeer
	require.NoError(t, p2.UnmarshalBinary(b))
	assert.Equal(t, addr.String(), p2.Addr().String())
}

func TestDecodePeersCompact(t *testing.T) {
	b := []byte{
		1, 2, 3, 4, 0x1a, 0xe1, // 1.2.3.4:6881
		5, 6, 7, 8, 0x1a, 0xe2, // 5.6.7.8:6882
	}
	addrs, err := DecodePeersCompact(b)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "1.2.3.4:6881", addrs[0].String())
	assert.Equal(t, "5.6.7.8:6882", addrs[1].String())

	_, err = DecodePeersCompact(b[:5])
	assert.Error(t, err)
}
