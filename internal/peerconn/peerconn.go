// Package peerconn ties a peer's reader and writer goroutines to a single
// message stream.
package peerconn

import (
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn/peerreader"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn/peerwriter"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

// Conn is a peer connection after the handshake. It owns the reader and
// writer goroutines and exposes their messages as a single channel.
type Conn struct {
	conn     net.Conn
	reader   *peerreader.PeerReader
	writer   *peerwriter.PeerWriter
	messages chan interface{}
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns a new Conn wrapping conn. The reader and writer are not
// started until Run is called. Keepalives are written at half the read
// timeout so a healthy remote never goes silent long enough to be dropped.
func New(conn net.Conn, l logger.Logger, readTimeout, pieceTimeout time.Duration, downloadBucket, uploadBucket *ratelimit.Bucket) *Conn {
	return &Conn{
		conn:     conn,
		reader:   peerreader.New(conn, l, readTimeout, pieceTimeout, downloadBucket),
		writer:   peerwriter.New(conn, l, readTimeout/2, uploadBucket),
		messages: make(chan interface{}),
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Addr returns the remote address of the connection.
func (p *Conn) Addr() net.Addr {
	return p.conn.RemoteAddr()
}

// IP returns the remote IP as a string.
func (p *Conn) IP() string {
	host, _, _ := net.SplitHostPort(p.conn.RemoteAddr().String())
	return host
}

func (p *Conn) String() string {
	return p.conn.RemoteAddr().String()
}

// Logger returns the connection's logger.
func (p *Conn) Logger() logger.Logger {
	return p.log
}

// Messages returns the channel that delivers messages from the remote peer
// and events from the writer. It is closed when the connection stops.
func (p *Conn) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues msg for writing.
func (p *Conn) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// SendPiece queues a block upload.
func (p *Conn) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	p.writer.SendPiece(msg, pi)
}

// CancelPiece removes a queued block upload if it has not been sent yet.
func (p *Conn) CancelPiece(msg peerprotocol.CancelMessage) {
	p.writer.CancelPiece(msg)
}

// Close stops the connection and waits for its goroutines to return.
func (p *Conn) Close() {
	close(p.closeC)
	<-p.doneC
}

// CloseConn closes the underlying connection without waiting. Messages may
// still be delivered until Run returns.
func (p *Conn) CloseConn() {
	_ = p.conn.Close()
}

// Run starts the reader and writer and forwards their messages until the
// connection fails or Close is called. Must be run in its own goroutine.
func (p *Conn) Run() {
	defer close(p.doneC)

	p.log.Debugln("peer connected (addr)", p.conn.RemoteAddr())

	go p.reader.Run()
	defer func() { <-p.reader.Done() }()

	go p.writer.Run()
	defer func() { <-p.writer.Done() }()

	defer close(p.messages)
	defer p.conn.Close()

	for {
		select {
		case msg, ok := <-p.reader.Messages():
			if !ok {
				p.stop()
				return
			}
			select {
			case p.messages <- msg:
			case <-p.closeC:
				p.stop()
				return
			}
		case msg := <-p.writer.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
				p.stop()
				return
			}
		case <-p.closeC:
			p.stop()
			return
		}
	}
}

func (p *Conn) stop() {
	_ = p.conn.Close()
	p.reader.Stop()
	p.writer.Stop()
}
