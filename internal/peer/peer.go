// Package peer tracks the per-peer state of the choking and request
// algorithms on top of a peer connection.
package peer

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

// Peer is a connected peer in the swarm. All fields are owned by the swarm
// loop; only the embedded Conn is safe to use from other goroutines.
type Peer struct {
	*peerconn.Conn

	ID  [20]byte
	Seq uint64

	// Incoming is true when the remote side opened the connection.
	Incoming bool

	// Pieces the remote peer claims to have. Nil until the first bitfield
	// or have message.
	Bitfield *bitfield.Bitfield

	AmChoking          bool
	AmInterested       bool
	PeerChoking        bool
	PeerInterested     bool
	OptimisticUnchoked bool

	// Time the last request was written to this peer, for pacing.
	LastRequestAt time.Time

	downloadSpeed metrics.Meter
	uploadSpeed   metrics.Meter
}

// Message pairs a message read from a peer connection with the peer, so a
// single swarm channel can serve all peers.
type Message struct {
	*Peer
	Message interface{}
}

// New returns a new Peer wrapping conn. seq orders peers by connection time
// and never repeats.
func New(conn *peerconn.Conn, id [20]byte, seq uint64) *Peer {
	return &Peer{
		Conn:          conn,
		ID:            id,
		Seq:           seq,
		AmChoking:     true,
		PeerChoking:   true,
		downloadSpeed: metrics.NewMeter(),
		uploadSpeed:   metrics.NewMeter(),
	}
}

// Run forwards messages from the connection to the swarm until the
// connection stops, then announces the disconnect.
func (p *Peer) Run(messages chan Message, disconnectedC chan *Peer) {
	go p.Conn.Run()
	for msg := range p.Conn.Messages() {
		messages <- Message{Peer: p, Message: msg}
	}
	disconnectedC <- p
}

// Close stops the connection and the speed meters.
func (p *Peer) Close() {
	p.downloadSpeed.Stop()
	p.uploadSpeed.Stop()
	p.Conn.Close()
}

// CountDownload records downloaded payload bytes for rate estimation.
func (p *Peer) CountDownload(n int64) {
	p.downloadSpeed.Mark(n)
}

// CountUpload records uploaded payload bytes for rate estimation.
func (p *Peer) CountUpload(n int64) {
	p.uploadSpeed.Mark(n)
}

// DownloadSpeed is the recent download rate from this peer in bytes/s.
func (p *Peer) DownloadSpeed() int {
	return int(p.downloadSpeed.Rate1())
}

// UploadSpeed is the recent upload rate to this peer in bytes/s.
func (p *Peer) UploadSpeed() int {
	return int(p.uploadSpeed.Rate1())
}

// Interested reports whether the remote peer wants pieces from us.
func (p *Peer) Interested() bool {
	return p.PeerInterested
}

// Unchoked reports whether we are serving the remote peer's requests.
func (p *Peer) Unchoked() bool {
	return !p.AmChoking
}

// SeqNum orders peers by connection time.
func (p *Peer) SeqNum() uint64 {
	return p.Seq
}

// Optimistic reports whether this peer holds the optimistic unchoke slot.
func (p *Peer) Optimistic() bool {
	return p.OptimisticUnchoked
}

// SetOptimistic marks or clears the optimistic unchoke slot on this peer.
func (p *Peer) SetOptimistic(v bool) {
	p.OptimisticUnchoked = v
}

// Choke sends a choke message and updates local state.
func (p *Peer) Choke() {
	if !p.AmChoking {
		p.AmChoking = true
		p.SendMessage(peerprotocol.ChokeMessage{})
	}
}

// Unchoke sends an unchoke message and updates local state.
func (p *Peer) Unchoke() {
	if p.AmChoking {
		p.AmChoking = false
		p.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

// Choking reports whether we are choking the remote peer.
func (p *Peer) Choking() bool {
	return p.AmChoking
}
