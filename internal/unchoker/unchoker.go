// Package unchoker decides which interested peers are allowed to download,
// preferring the ones we download from fastest, plus a rotating optimistic
// slot so new peers get a chance to prove themselves.
package unchoker

import (
	"math/rand"
	"sort"
)

// Peer is the view of a peer the unchoker needs.
type Peer interface {
	// Choke stops serving the peer's requests.
	Choke()
	// Unchoke starts serving the peer's requests.
	Unchoke()
	// Choking reports whether the peer is currently choked by us.
	Choking() bool
	// Interested reports whether the peer wants to download from us.
	Interested() bool
	// Optimistic reports whether the peer holds an optimistic slot.
	Optimistic() bool
	// SetOptimistic marks or clears the peer's optimistic slot.
	SetOptimistic(value bool)
	// DownloadSpeed is the recent rate we download from the peer, bytes/s.
	DownloadSpeed() int
	// UploadSpeed is the recent rate we upload to the peer, bytes/s.
	UploadSpeed() int
	// SeqNum orders peers by connection time, earlier is smaller.
	SeqNum() uint64
}

// Unchoker keeps at most numUnchoked peers unchoked by download rate plus
// numOptimisticUnchoked peers unchoked optimistically. It must only be used
// from the swarm loop.
type Unchoker struct {
	numUnchoked           int
	numOptimisticUnchoked int

	// Every third tick the optimistic slots are re-rolled.
	round uint8

	peersUnchoked           map[Peer]struct{}
	peersUnchokedOptimistic map[Peer]struct{}
}

// New returns a new Unchoker.
func New(numUnchoked, numOptimisticUnchoked int) *Unchoker {
	return &Unchoker{
		numUnchoked:             numUnchoked,
		numOptimisticUnchoked:   numOptimisticUnchoked,
		peersUnchoked:           make(map[Peer]struct{}, numUnchoked),
		peersUnchokedOptimistic: make(map[Peer]struct{}, numOptimisticUnchoked),
	}
}

// HandleDisconnect must be called when a peer disconnects, its slot becomes
// free.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.peersUnchoked, pe)
	delete(u.peersUnchokedOptimistic, pe)
}

// candidatesUnchoke returns the peers that justify an unchoke slot, fastest
// first. When the download is finished peers are ranked by how fast we
// upload to them, otherwise by how fast we download from them.
func (u *Unchoker) candidatesUnchoke(allPeers []Peer, completed bool) []Peer {
	peers := allPeers[:0]
	for _, pe := range allPeers {
		if pe.Interested() {
			peers = append(peers, pe)
		}
	}
	speed := Peer.DownloadSpeed
	if completed {
		speed = Peer.UploadSpeed
	}
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		sa, sb := speed(a), speed(b)
		if sa != sb {
			return sa > sb
		}
		return a.SeqNum() < b.SeqNum()
	})
	return peers
}

// TickUnchoke runs one auction round over allPeers. Call it periodically at
// a fixed interval; every third call rotates the optimistic slots. The
// slice is modified in place.
func (u *Unchoker) TickUnchoke(allPeers []Peer, completed bool) {
	optimistic := u.round == 0
	u.round = (u.round + 1) % 3

	peers := u.candidatesUnchoke(allPeers, completed)

	regular := u.numUnchoked
	if regular > len(peers) {
		regular = len(peers)
	}
	for _, pe := range peers[:regular] {
		u.unchokePeer(pe)
	}
	rest := peers[regular:]

	if optimistic {
		old := u.peersUnchokedOptimistic
		u.peersUnchokedOptimistic = make(map[Peer]struct{}, u.numOptimisticUnchoked)
		for i := 0; i < u.numOptimisticUnchoked && len(rest) > 0; i++ {
			n := rand.Intn(len(rest)) // nolint: gosec
			pe := rest[n]
			rest[n] = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
			u.unchokePeerOptimistic(pe)
		}
		// Rotated-out peers lose their slot unless they won a regular one.
		for pe := range old {
			if _, ok := u.peersUnchokedOptimistic[pe]; ok {
				continue
			}
			if _, ok := u.peersUnchoked[pe]; ok {
				continue
			}
			pe.SetOptimistic(false)
			pe.Choke()
		}
	} else {
		// Keep the current optimistic peers in their slot between rotations.
		kept := rest[:0]
		for _, pe := range rest {
			if _, ok := u.peersUnchokedOptimistic[pe]; ok {
				u.unchokePeerOptimistic(pe)
			} else {
				kept = append(kept, pe)
			}
		}
		rest = kept
	}

	for _, pe := range rest {
		u.chokePeer(pe)
	}
	for _, pe := range allPeers {
		if !pe.Interested() {
			u.chokePeer(pe)
		}
	}
}

// FastUnchoke gives pe a free slot without waiting for the next tick.
// Called when a peer declares interest while slots are empty.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if pe.Choking() && pe.Interested() && len(u.peersUnchoked) < u.numUnchoked {
		u.unchokePeer(pe)
		return
	}
	if pe.Choking() && pe.Interested() && len(u.peersUnchokedOptimistic) < u.numOptimisticUnchoked {
		u.unchokePeerOptimistic(pe)
	}
}

func (u *Unchoker) unchokePeer(pe Peer) {
	if _, ok := u.peersUnchokedOptimistic[pe]; ok {
		// Promoted by speed; free the optimistic slot.
		delete(u.peersUnchokedOptimistic, pe)
		pe.SetOptimistic(false)
		u.peersUnchoked[pe] = struct{}{}
		return
	}
	if _, ok := u.peersUnchoked[pe]; ok {
		return
	}
	u.peersUnchoked[pe] = struct{}{}
	pe.Unchoke()
}

func (u *Unchoker) unchokePeerOptimistic(pe Peer) {
	if _, ok := u.peersUnchoked[pe]; ok {
		delete(u.peersUnchoked, pe)
		u.peersUnchokedOptimistic[pe] = struct{}{}
		pe.SetOptimistic(true)
		return
	}
	if _, ok := u.peersUnchokedOptimistic[pe]; ok {
		return
	}
	u.peersUnchokedOptimistic[pe] = struct{}{}
	pe.SetOptimistic(true)
	pe.Unchoke()
}

func (u *Unchoker) chokePeer(pe Peer) {
	if _, ok := u.peersUnchoked[pe]; ok {
		delete(u.peersUnchoked, pe)
		pe.Choke()
	}
	if _, ok := u.peersUnchokedOptimistic[pe]; ok {
		delete(u.peersUnchokedOptimistic, pe)
		pe.SetOptimistic(false)
		pe.Choke()
	}
}
