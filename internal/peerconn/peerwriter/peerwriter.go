// Package peerwriter serializes and sends wire protocol messages to a peer
// connection from a queue.
package peerwriter

import (
	"container/list"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

// BlockUploaded is emitted on the writer's message channel after a piece
// message has been written to the connection.
type BlockUploaded struct {
	Length uint32
}

// PeerWriter is the writing side of a peer connection. Messages are queued
// with SendMessage/SendPiece and written by the Run goroutine in order.
type PeerWriter struct {
	conn       net.Conn
	queueC     chan peerprotocol.Message
	cancelC    chan peerprotocol.CancelMessage
	writeQueue *list.List
	writeC     chan peerprotocol.Message
	messages   chan interface{}
	log        logger.Logger
	keepAlive  time.Duration
	bucket     *ratelimit.Bucket
	stopC      chan struct{}
	doneC      chan struct{}
}

// New returns a new PeerWriter for conn. Keepalives are written every
// keepAlive interval; b optionally limits upload bandwidth.
func New(conn net.Conn, l logger.Logger, keepAlive time.Duration, b *ratelimit.Bucket) *PeerWriter {
	return &PeerWriter{
		conn:       conn,
		queueC:     make(chan peerprotocol.Message),
		cancelC:    make(chan peerprotocol.CancelMessage),
		writeQueue: list.New(),
		writeC:     make(chan peerprotocol.Message),
		messages:   make(chan interface{}),
		log:        l,
		keepAlive:  keepAlive,
		bucket:     b,
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
}

// Messages returns the channel the writer reports events on (BlockUploaded).
func (p *PeerWriter) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues msg for writing.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// SendPiece queues a block of data to be uploaded.
// Data is read from pi at write time.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	m := Piece{Piece: pi, Index: msg.Index, Begin: msg.Begin, Length: msg.Length}
	select {
	case p.queueC <- m:
	case <-p.doneC:
	}
}

// CancelPiece removes the queued block matching msg, if it has not been
// written yet.
func (p *PeerWriter) CancelPiece(msg peerprotocol.CancelMessage) {
	select {
	case p.cancelC <- msg:
	case <-p.doneC:
	}
}

// Stop makes the writer goroutines return.
func (p *PeerWriter) Stop() {
	close(p.stopC)
}

// Done is closed when the writer goroutines have returned.
func (p *PeerWriter) Done() chan struct{} {
	return p.doneC
}

// Run processes the queue until an error or Stop. Must be run in its own goroutine.
func (p *PeerWriter) Run() {
	defer close(p.doneC)

	go p.messageWriter()

	for {
		var next *list.Element
		var writeC chan peerprotocol.Message
		var msg peerprotocol.Message
		if p.writeQueue.Len() > 0 {
			next = p.writeQueue.Front()
			msg = next.Value.(peerprotocol.Message)
			writeC = p.writeC
		}
		select {
		case m := <-p.queueC:
			p.queue(m)
		case cm := <-p.cancelC:
			p.cancelQueuedPiece(cm)
		case writeC <- msg:
			p.writeQueue.Remove(next)
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) queue(msg peerprotocol.Message) {
	if _, ok := msg.(peerprotocol.ChokeMessage); ok {
		// Drop queued piece messages, the peer does not expect them after a choke.
		var next *list.Element
		for e := p.writeQueue.Front(); e != nil; e = next {
			next = e.Next()
			if _, ok := e.Value.(Piece); ok {
				p.writeQueue.Remove(e)
			}
		}
	}
	p.writeQueue.PushBack(msg)
}

func (p *PeerWriter) cancelQueuedPiece(msg peerprotocol.CancelMessage) {
	for e := p.writeQueue.Front(); e != nil; e = e.Next() {
		pi, ok := e.Value.(Piece)
		if ok && pi.Index == msg.Index && pi.Begin == msg.Begin && pi.Length == msg.Length {
			p.writeQueue.Remove(e)
			return
		}
	}
}

// messageWriter does the blocking writes so the queue loop stays responsive.
func (p *PeerWriter) messageWriter() {
	defer p.conn.Close()

	keepaliveTicker := time.NewTicker(p.keepAlive)
	defer keepaliveTicker.Stop()

	for {
		select {
		case msg := <-p.writeC:
			if err := p.writeMessage(msg); err != nil {
				select {
				case <-p.stopC:
				default:
					p.log.Errorln("cannot write message:", err)
				}
				return
			}
		case <-keepaliveTicker.C:
			if err := p.writeKeepAlive(); err != nil {
				select {
				case <-p.stopC:
				default:
					p.log.Errorln("cannot write keepalive:", err)
				}
				return
			}
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) writeMessage(msg peerprotocol.Message) error {
	p.log.Debugf("writing message of type: %q", msg.ID())
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = uint8(msg.ID())
	copy(buf[5:], payload)

	if pi, ok := msg.(Piece); ok && p.bucket != nil {
		d := p.bucket.Take(int64(pi.Length))
		select {
		case <-time.After(d):
		case <-p.stopC:
			return nil
		}
	}

	_, err = p.conn.Write(buf)
	if err != nil {
		return err
	}
	if pi, ok := msg.(Piece); ok {
		select {
		case p.messages <- BlockUploaded{Length: pi.Length}:
		case <-p.stopC:
		}
	}
	return nil
}

func (p *PeerWriter) writeKeepAlive() error {
	_, err := p.conn.Write([]byte{0, 0, 0, 0})
	return err
}
