// Package peerreader reads and decodes wire protocol frames from a peer connection.
package peerreader

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
)

// length prefix + message id + request payload
const readBufferSize = 4 + 1 + 12

var errStoppedWhileWaitingBucket = errors.New("peer reader stopped while waiting for bucket")

// Piece is a piece message read from a peer, payload included.
type Piece struct {
	peerprotocol.PieceMessage
	Data []byte
}

// PeerReader decodes messages from the remote peer into a channel.
type PeerReader struct {
	conn         net.Conn
	r            io.Reader
	log          logger.Logger
	readTimeout  time.Duration
	pieceTimeout time.Duration
	bucket       *ratelimit.Bucket
	messages     chan interface{}
	stopC        chan struct{}
	doneC        chan struct{}
}

// New returns a new PeerReader for conn. readTimeout is the inactivity
// window: the remote side must send something (at least a keepalive) within
// it or the connection is treated as failed. b optionally limits download
// bandwidth.
func New(conn net.Conn, l logger.Logger, readTimeout, pieceTimeout time.Duration, b *ratelimit.Bucket) *PeerReader {
	return &PeerReader{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		readTimeout:  readTimeout,
		pieceTimeout: pieceTimeout,
		bucket:       b,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Messages returns the channel decoded messages are delivered on.
// It is closed when the reader stops.
func (p *PeerReader) Messages() <-chan interface{} {
	return p.messages
}

// Stop makes the reader goroutine return.
func (p *PeerReader) Stop() {
	close(p.stopC)
}

// Done is closed when the reader goroutine has returned.
func (p *PeerReader) Done() chan struct{} {
	return p.doneC
}

// Run reads messages until an error, EOF or Stop. Must be run in its own goroutine.
func (p *PeerReader) Run() {
	defer close(p.doneC)
	defer close(p.messages)

	var err error
	defer func() {
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF || err == errStoppedWhileWaitingBucket {
			return
		}
		if _, ok := err.(*net.OpError); ok {
			return
		}
		select {
		case <-p.stopC: // don't log error if reader is stopped
		default:
			p.log.Error(err)
		}
	}()

	first := true
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		if err != nil {
			return
		}

		var length uint32
		err = binary.Read(p.r, binary.BigEndian, &length)
		if err != nil {
			return
		}

		if length == 0 { // keepalive
			continue
		}

		var id peerprotocol.MessageID
		err = binary.Read(p.r, binary.BigEndian, &id)
		if err != nil {
			return
		}
		length--

		var msg interface{}

		switch id {
		case peerprotocol.Choke:
			msg = peerprotocol.ChokeMessage{}
		case peerprotocol.Unchoke:
			msg = peerprotocol.UnchokeMessage{}
		case peerprotocol.Interested:
			msg = peerprotocol.InterestedMessage{}
		case peerprotocol.NotInterested:
			msg = peerprotocol.NotInterestedMessage{}
		case peerprotocol.Have:
			var hm peerprotocol.HaveMessage
			err = binary.Read(p.r, binary.BigEndian, &hm)
			if err != nil {
				return
			}
			msg = hm
		case peerprotocol.Bitfield:
			if !first {
				err = errors.New("bitfield can only be sent after handshake")
				return
			}
			bm := peerprotocol.BitfieldMessage{Data: make([]byte, length)}
			_, err = io.ReadFull(p.r, bm.Data)
			if err != nil {
				return
			}
			msg = bm
		case peerprotocol.Request:
			var rm peerprotocol.RequestMessage
			err = binary.Read(p.r, binary.BigEndian, &rm)
			if err != nil {
				return
			}
			if rm.Length > peerprotocol.MaxBlockSize {
				err = fmt.Errorf("received a request with block size larger than allowed (%d > %d)", rm.Length, peerprotocol.MaxBlockSize)
				return
			}
			msg = rm
		case peerprotocol.Cancel:
			var cm peerprotocol.CancelMessage
			err = binary.Read(p.r, binary.BigEndian, &cm.RequestMessage)
			if err != nil {
				return
			}
			msg = cm
		case peerprotocol.Piece:
			var pm peerprotocol.PieceMessage
			err = binary.Read(p.r, binary.BigEndian, &pm)
			if err != nil {
				return
			}
			length -= 8
			if length > piece.BlockSize {
				err = fmt.Errorf("received a piece with block size larger than allowed (%d > %d)", length, piece.BlockSize)
				return
			}
			var data []byte
			data, err = p.readPiece(length)
			if err != nil {
				return
			}
			msg = Piece{PieceMessage: pm, Data: data}
		default:
			p.log.Debugf("unhandled message type: %s, discarding %d bytes", id, length)
			_, err = io.CopyN(io.Discard, p.r, int64(length))
			if err != nil {
				return
			}
			continue
		}
		first = false
		select {
		case p.messages <- msg:
		case <-p.stopC:
			return
		}
	}
}

// readPiece reads a block payload, tolerating slow peers that keep sending
// bytes within pieceTimeout.
func (p *PeerReader) readPiece(length uint32) ([]byte, error) {
	if p.bucket != nil {
		d := p.bucket.Take(int64(length))
		select {
		case <-time.After(d):
		case <-p.stopC:
			return nil, errStoppedWhileWaitingBucket
		}
	}
	buf := make([]byte, length)
	var m int
	for {
		err := p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout))
		if err != nil {
			return nil, err
		}
		n, err := io.ReadFull(p.r, buf[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() && n > 0 {
				// Some bytes received; peer is slow, keep receiving the rest.
				m += n
				continue
			}
			return nil, err
		}
		return buf, nil
	}
}
