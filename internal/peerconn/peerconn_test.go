package peerconn

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn/peerreader"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

func newPipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	conn := New(c1, logger.New("peer test"), 8*time.Second, 4*time.Second, nil, nil)
	return conn, c2
}

func TestConnReadMessages(t *testing.T) {
	defer leaktest.Check(t)()

	conn, remote := newPipeConn(t)
	go conn.Run()
	defer conn.Close()

	// have 7
	_, err := remote.Write([]byte{0, 0, 0, 5, 4, 0, 0, 0, 7})
	require.NoError(t, err)

	msg := <-conn.Messages()
	hm, ok := msg.(peerprotocol.HaveMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(7), hm.Index)

	// keepalive must produce no message; follow it with unchoke
	_, err = remote.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	_, err = remote.Write([]byte{0, 0, 0, 1, 1})
	require.NoError(t, err)

	msg = <-conn.Messages()
	_, ok = msg.(peerprotocol.UnchokeMessage)
	assert.True(t, ok)
}

func TestConnReadPiece(t *testing.T) {
	defer leaktest.Check(t)()

	conn, remote := newPipeConn(t)
	go conn.Run()
	defer conn.Close()

	block := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := make([]byte, 4+1+8+len(block))
	binary.BigEndian.PutUint32(frame[:4], uint32(1+8+len(block)))
	frame[4] = uint8(peerprotocol.Piece)
	binary.BigEndian.PutUint32(frame[5:9], 3)  // index
	binary.BigEndian.PutUint32(frame[9:13], 16384) // begin
	copy(frame[13:], block)
	_, err := remote.Write(frame)
	require.NoError(t, err)

	msg := <-conn.Messages()
	pm, ok := msg.(peerreader.Piece)
	require.True(t, ok)
	assert.Equal(t, uint32(3), pm.Index)
	assert.Equal(t, uint32(16384), pm.Begin)
	assert.Equal(t, block, pm.Data)
}

func TestConnWriteMessage(t *testing.T) {
	defer leaktest.Check(t)()

	conn, remote := newPipeConn(t)
	go conn.Run()
	defer conn.Close()

	conn.SendMessage(peerprotocol.RequestMessage{Index: 1, Begin: 2, Length: 3})

	buf := make([]byte, 4+1+12)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}, buf)
}

func TestConnRemoteClose(t *testing.T) {
	defer leaktest.Check(t)()

	conn, remote := newPipeConn(t)
	go conn.Run()

	require.NoError(t, remote.Close())

	_, ok := <-conn.Messages()
	assert.False(t, ok)
	<-conn.doneC
}
