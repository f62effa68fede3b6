// Package scheduler paces block requests to peers, bounds the number of
// outstanding requests, and reclaims requests that time out.
package scheduler

import (
	"time"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
	"github.com/fabioibanez/Rogue-Packet/internal/piecepicker"
)

type blockKey struct {
	Index uint32
	Begin uint32
}

type pendingRequest struct {
	block       piece.Block
	requestedAt time.Time
}

// Request identifies one outstanding block request of a peer.
type Request struct {
	Peer   *peer.Peer
	Index  uint32
	Begin  uint32
	Length uint32
}

// Scheduler decides when to send which request to which peer. It must only
// be used from the swarm loop.
type Scheduler struct {
	picker         *piecepicker.PiecePicker
	maxOutstanding int
	pacing         time.Duration
	timeout        time.Duration
	pending        map[*peer.Peer]map[blockKey]pendingRequest
	numPending     int
	log            logger.Logger
}

// New returns a new Scheduler on top of picker. maxOutstanding bounds the
// requests in flight across all peers; pacing is the minimum delay between
// two requests to the same peer; timeout is how long a request may stay
// unanswered before it is reclaimed.
func New(picker *piecepicker.PiecePicker, maxOutstanding int, pacing, timeout time.Duration, l logger.Logger) *Scheduler {
	return &Scheduler{
		picker:         picker,
		maxOutstanding: maxOutstanding,
		pacing:         pacing,
		timeout:        timeout,
		pending:        make(map[*peer.Peer]map[blockKey]pendingRequest),
		log:            l,
	}
}

// OutstandingCount returns the number of requests in flight.
func (s *Scheduler) OutstandingCount() int {
	return s.numPending
}

// Dispatch sends at most one request to each eligible peer, in connection
// order, until the outstanding cap is reached. A peer is eligible when it
// has unchoked us, we are interested in it, and its pacing window has
// elapsed. Called on every event that may change eligibility.
func (s *Scheduler) Dispatch(peers []*peer.Peer, now time.Time) {
	for _, pe := range peers {
		if s.numPending >= s.maxOutstanding {
			return
		}
		if pe.PeerChoking || !pe.AmInterested {
			continue
		}
		if now.Sub(pe.LastRequestAt) < s.pacing {
			continue
		}
		pi, blk, ok := s.picker.NextBlockFor(pe)
		if !ok {
			continue
		}
		s.send(pe, pi, blk, now)
	}
}

func (s *Scheduler) send(pe *peer.Peer, pi uint32, blk piece.Block, now time.Time) {
	key := blockKey{Index: pi, Begin: blk.Begin}
	m := s.pending[pe]
	if m == nil {
		m = make(map[blockKey]pendingRequest)
		s.pending[pe] = m
	}
	m[key] = pendingRequest{block: blk, requestedAt: now}
	s.numPending++
	pe.LastRequestAt = now
	pe.SendMessage(peerprotocol.RequestMessage{Index: pi, Begin: blk.Begin, Length: blk.Length})
	s.log.Debugf("requested piece #%d block at %d from %s", pi, blk.Begin, pe)
}

// Fulfilled records that pe delivered the block at (index, begin). It
// reports whether the block was actually requested from pe, and returns the
// other peers that still have the same block in flight so the caller can
// cancel them.
func (s *Scheduler) Fulfilled(pe *peer.Peer, index, begin uint32) (requested bool, duplicates []Request) {
	key := blockKey{Index: index, Begin: begin}
	if m, ok := s.pending[pe]; ok {
		if _, ok := m[key]; ok {
			requested = true
			delete(m, key)
			s.numPending--
		}
	}
	for _, other := range s.picker.Owners(index, begin) {
		if other == pe {
			continue
		}
		m, ok := s.pending[other]
		if !ok {
			continue
		}
		pr, ok := m[key]
		if !ok {
			continue
		}
		delete(m, key)
		s.numPending--
		duplicates = append(duplicates, Request{Peer: other, Index: index, Begin: begin, Length: pr.block.Length})
	}
	return requested, duplicates
}

// ReleasePeer reclaims all outstanding requests of pe. Called when pe
// chokes us or disconnects. The freed blocks become requestable again.
func (s *Scheduler) ReleasePeer(pe *peer.Peer) {
	m, ok := s.pending[pe]
	if !ok {
		return
	}
	for key := range m {
		s.picker.ReleaseBlock(pe, key.Index, key.Begin)
		s.numPending--
	}
	delete(s.pending, pe)
}

// ReapTimeouts reclaims requests older than the timeout and returns them so
// the caller can send cancels. The freed blocks become requestable again.
func (s *Scheduler) ReapTimeouts(now time.Time) []Request {
	var expired []Request
	for pe, m := range s.pending {
		for key, pr := range m {
			if now.Sub(pr.requestedAt) < s.timeout {
				continue
			}
			delete(m, key)
			s.numPending--
			s.picker.ReleaseBlock(pe, key.Index, key.Begin)
			expired = append(expired, Request{Peer: pe, Index: key.Index, Begin: key.Begin, Length: pr.block.Length})
		}
	}
	if len(expired) > 0 {
		s.log.Debugf("reclaimed %d timed out requests", len(expired))
	}
	return expired
}
