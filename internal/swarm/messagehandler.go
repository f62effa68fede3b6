package swarm

import (
	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/counters"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn/peerreader"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn/peerwriter"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
	"github.com/fabioibanez/Rogue-Packet/internal/piecepicker"
)

// handleMessage applies one peer event to the swarm state.
func (s *Swarm) handleMessage(pm peer.Message) {
	pe := pm.Peer
	if _, ok := s.peers[pe]; !ok {
		// Message raced with the disconnect; the peer is already gone.
		return
	}
	switch msg := pm.Message.(type) {
	case peerprotocol.HaveMessage:
		if msg.Index >= s.info.NumPieces {
			pe.Logger().Errorf("invalid have index: %d", msg.Index)
			s.closePeer(pe)
			return
		}
		if pe.Bitfield == nil {
			bf := bitfield.New(s.info.NumPieces)
			pe.Bitfield = &bf
		}
		pe.Bitfield.Set(msg.Index)
		s.picker.HandleHave(pe, msg.Index)
		s.updateInterest(pe)
		s.dispatch()
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(msg.Data, s.info.NumPieces)
		if err != nil {
			pe.Logger().Errorln("invalid bitfield:", err)
			s.closePeer(pe)
			return
		}
		pe.Bitfield = &bf
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				s.picker.HandleHave(pe, i)
			}
		}
		s.updateInterest(pe)
		s.dispatch()
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		s.dispatch()
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		// Outstanding requests to this peer will not be answered.
		s.sched.ReleasePeer(pe)
		s.dispatch()
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
		s.unchoker.FastUnchoke(pe)
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.RequestMessage:
		s.handleRequest(pe, msg)
	case peerprotocol.CancelMessage:
		pe.CancelPiece(msg)
	case peerreader.Piece:
		s.handleBlock(pe, msg)
	case peerwriter.BlockUploaded:
		s.counters.Incr(counters.BytesUploaded, int64(msg.Length))
		pe.CountUpload(int64(msg.Length))
	default:
		pe.Logger().Debugf("unhandled peer event: %T", msg)
	}
}

// handleRequest serves a block upload from a verified piece.
func (s *Swarm) handleRequest(pe *peer.Peer, msg peerprotocol.RequestMessage) {
	if msg.Index >= s.info.NumPieces {
		pe.Logger().Errorf("invalid request index: %d", msg.Index)
		s.closePeer(pe)
		return
	}
	if pe.AmChoking {
		// Stale request sent before our choke arrived.
		pe.Logger().Debugf("request from choked peer for piece #%d", msg.Index)
		return
	}
	pi := s.picker.Piece(msg.Index)
	if !s.picker.Verified(msg.Index) {
		pe.Logger().Errorf("request for missing piece #%d", msg.Index)
		s.closePeer(pe)
		return
	}
	if msg.Begin+msg.Length > pi.Length {
		pe.Logger().Errorf("invalid request range: %d+%d > %d", msg.Begin, msg.Length, pi.Length)
		s.closePeer(pe)
		return
	}
	pe.SendPiece(msg, pi.Data)
}

// handleBlock routes a downloaded block through the scheduler and the
// picker, broadcasting have messages on piece completion.
func (s *Swarm) handleBlock(pe *peer.Peer, msg peerreader.Piece) {
	n := int64(len(msg.Data))
	requested, dups := s.sched.Fulfilled(pe, msg.Index, msg.Begin)
	if !requested {
		// Not in flight: either never asked for or reclaimed after timeout.
		s.counters.Incr(counters.BytesWasted, n)
		return
	}
	// Endgame duplicates are in flight elsewhere; withdraw them.
	for _, dup := range dups {
		dup.Peer.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index: dup.Index, Begin: dup.Begin, Length: dup.Length,
		}})
	}
	s.counters.Incr(counters.BytesDownloaded, n)
	pe.CountDownload(n)

	res, err := s.picker.HandleBlockReceived(pe, msg.Index, msg.Begin, msg.Data)
	if err != nil {
		s.log.Errorln("cannot write piece:", err)
		return
	}
	switch res {
	case piecepicker.ResultDuplicate:
		s.counters.Incr(counters.BytesWasted, n)
	case piecepicker.ResultPieceCorrupt:
		s.counters.Incr(counters.BytesWasted, int64(s.picker.Piece(msg.Index).Length))
	case piecepicker.ResultPieceCompleted:
		s.handlePieceCompleted(msg.Index)
	}
	s.dispatch()
}

func (s *Swarm) handlePieceCompleted(index uint32) {
	s.log.Debugf("piece #%d verified", index)
	for other := range s.peers {
		other.SendMessage(peerprotocol.HaveMessage{Index: index})
		s.updateInterest(other)
	}
	s.checkCompletion()
}

// updateInterest reconciles our interested flag with what pe can still give us.
func (s *Swarm) updateInterest(pe *peer.Peer) {
	want := s.picker.NeedsPieces(pe)
	if want == pe.AmInterested {
		return
	}
	pe.AmInterested = want
	if want {
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}
