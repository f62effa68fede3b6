// Package piecepicker selects the next block to download with a
// rarest-first strategy and tracks per-piece download progress.
package piecepicker

import (
	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
)

// ReceiveResult tells the caller what a received block did to its piece.
type ReceiveResult int

const (
	// ResultAccepted means the block was buffered; the piece is still incomplete.
	ResultAccepted ReceiveResult = iota
	// ResultPieceCompleted means the block completed the piece and the piece
	// passed hash verification and was written to storage.
	ResultPieceCompleted
	// ResultPieceCorrupt means the block completed the piece but the hash did
	// not match. The whole piece is requestable again.
	ResultPieceCorrupt
	// ResultDuplicate means the block was already received. The data is wasted.
	ResultDuplicate
)

// PiecePicker tracks which peers have which pieces and picks blocks for
// peers, rarest piece first. It must only be used from the swarm loop.
type PiecePicker struct {
	pieces    []pieceState
	have      bitfield.Bitfield
	remaining int
	log       logger.Logger
}

type pieceState struct {
	pce      *piece.Piece
	having   map[*peer.Peer]struct{}
	verified bool

	// Allocated when the first block is requested or received.
	buf           []byte
	received      []bool
	receivedCount int
	owners        [][]*peer.Peer
}

// New returns a new PiecePicker over pieces. verified marks pieces that are
// already on disk; they are never picked.
func New(pieces []piece.Piece, verified bitfield.Bitfield, l logger.Logger) *PiecePicker {
	p := &PiecePicker{
		pieces:    make([]pieceState, len(pieces)),
		have:      verified.Copy(),
		remaining: len(pieces) - int(verified.Count()),
		log:       l,
	}
	for i := range pieces {
		p.pieces[i] = pieceState{
			pce:      &pieces[i],
			having:   make(map[*peer.Peer]struct{}),
			verified: verified.Test(uint32(i)),
		}
	}
	return p
}

// Bitfield is the set of verified pieces. The caller must not modify it.
func (p *PiecePicker) Bitfield() bitfield.Bitfield {
	return p.have
}

// Done reports whether every piece is verified.
func (p *PiecePicker) Done() bool {
	return p.remaining == 0
}

// Piece returns the piece with the given index for serving uploads.
func (p *PiecePicker) Piece(i uint32) *piece.Piece {
	return p.pieces[i].pce
}

// Verified reports whether piece i has been downloaded and verified.
func (p *PiecePicker) Verified(i uint32) bool {
	return p.pieces[i].verified
}

// HandleHave records that pe has piece i.
func (p *PiecePicker) HandleHave(pe *peer.Peer, i uint32) {
	p.pieces[i].having[pe] = struct{}{}
}

// HandleDisconnect forgets pe: its pieces no longer count towards rarity and
// its in-flight blocks become requestable again.
func (p *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	for i := range p.pieces {
		ps := &p.pieces[i]
		delete(ps.having, pe)
		for bi := range ps.owners {
			ps.owners[bi] = removeOwner(ps.owners[bi], pe)
		}
	}
}

// NeedsPieces reports whether pe has any piece we have not verified yet.
// This drives our "interested" flag.
func (p *PiecePicker) NeedsPieces(pe *peer.Peer) bool {
	for i := range p.pieces {
		ps := &p.pieces[i]
		if ps.verified {
			continue
		}
		if _, ok := ps.having[pe]; ok {
			return true
		}
	}
	return false
}

// NextBlockFor picks the next block to request from pe and records pe as an
// owner of the block. Pieces held by fewer peers are picked first; ties go
// to the lower piece index, then the lower block offset. A block with an
// outstanding request is only picked again in endgame, and never twice by
// the same peer.
func (p *PiecePicker) NextBlockFor(pe *peer.Peer) (pieceIndex uint32, block piece.Block, ok bool) {
	endgame := p.inEndgame()
	var (
		found     bool
		bestBlock piece.Block
		bestState *pieceState
		bestAvail int
	)
	for i := range p.pieces {
		ps := &p.pieces[i]
		if ps.verified {
			continue
		}
		if _, ok := ps.having[pe]; !ok {
			continue
		}
		blk, ok := ps.nextBlock(pe, endgame)
		if !ok {
			continue
		}
		avail := len(ps.having)
		if !found || avail < bestAvail {
			found = true
			bestBlock = blk
			bestState = ps
			bestAvail = avail
		}
	}
	if !found {
		return 0, piece.Block{}, false
	}
	bestState.owners[bestBlock.Index] = append(bestState.owners[bestBlock.Index], pe)
	return bestState.pce.Index, bestBlock, true
}

// Owners returns the peers with an outstanding request for the block at
// begin in piece i. Returns nil if the block coordinates are invalid.
func (p *PiecePicker) Owners(i, begin uint32) []*peer.Peer {
	if i >= uint32(len(p.pieces)) {
		return nil
	}
	ps := &p.pieces[i]
	if ps.owners == nil {
		return nil
	}
	bi := begin / piece.BlockSize
	if bi >= uint32(len(ps.owners)) {
		return nil
	}
	return ps.owners[bi]
}

// ReleaseBlock removes pe's claim on the block at begin in piece i, making
// it requestable again. Called on request timeout, choke and disconnect.
func (p *PiecePicker) ReleaseBlock(pe *peer.Peer, i, begin uint32) {
	if i >= uint32(len(p.pieces)) {
		return
	}
	ps := &p.pieces[i]
	if ps.owners == nil {
		return
	}
	bi := begin / piece.BlockSize
	if bi >= uint32(len(ps.owners)) {
		return
	}
	ps.owners[bi] = removeOwner(ps.owners[bi], pe)
}

// HandleBlockReceived buffers a downloaded block. When the block completes
// its piece, the piece is hash-verified and written to storage.
func (p *PiecePicker) HandleBlockReceived(pe *peer.Peer, i, begin uint32, data []byte) (ReceiveResult, error) {
	if i >= uint32(len(p.pieces)) {
		return ResultDuplicate, nil
	}
	ps := &p.pieces[i]
	if ps.verified {
		// Storage handoff happened already; late deliveries are wasted.
		return ResultDuplicate, nil
	}
	blk, ok := ps.pce.FindBlock(begin, uint32(len(data)))
	if !ok {
		return ResultDuplicate, nil
	}
	ps.alloc()
	if ps.buf == nil {
		ps.buf = make([]byte, ps.pce.Length)
	}
	if ps.received[blk.Index] {
		return ResultDuplicate, nil
	}
	// Every outstanding request for this block is satisfied now.
	ps.owners[blk.Index] = nil
	copy(ps.buf[blk.Begin:], data)
	ps.received[blk.Index] = true
	ps.receivedCount++
	if ps.receivedCount < len(ps.received) {
		return ResultAccepted, nil
	}
	err := ps.pce.Write(ps.buf)
	if err == piece.ErrCorrupt {
		p.log.Warningf("piece #%d failed hash check, discarding", ps.pce.Index)
		ps.reset()
		return ResultPieceCorrupt, nil
	}
	if err != nil {
		return ResultAccepted, err
	}
	ps.buf = nil
	ps.received = nil
	ps.owners = nil
	ps.verified = true
	p.have.Set(i)
	p.remaining--
	return ResultPieceCompleted, nil
}

// inEndgame reports whether every missing block already has an outstanding
// request. From that point duplicate requests to other peers are allowed.
func (p *PiecePicker) inEndgame() bool {
	for i := range p.pieces {
		ps := &p.pieces[i]
		if ps.verified {
			continue
		}
		if ps.owners == nil {
			return false
		}
		for bi := range ps.owners {
			if !ps.received[bi] && len(ps.owners[bi]) == 0 {
				return false
			}
		}
	}
	return true
}

// alloc sets up block tracking. The piece buffer itself is allocated when
// the first block arrives, not when the first request goes out.
func (ps *pieceState) alloc() {
	if ps.received != nil {
		return
	}
	n := ps.pce.NumBlocks()
	ps.received = make([]bool, n)
	ps.owners = make([][]*peer.Peer, n)
}

func (ps *pieceState) reset() {
	ps.buf = nil
	ps.received = nil
	ps.receivedCount = 0
	ps.owners = nil
}

// nextBlock finds the lowest-offset requestable block of this piece for pe.
func (ps *pieceState) nextBlock(pe *peer.Peer, endgame bool) (piece.Block, bool) {
	ps.alloc()
	for bi, blk := range ps.pce.Blocks() {
		if ps.received[bi] {
			continue
		}
		owners := ps.owners[bi]
		if len(owners) == 0 {
			return blk, true
		}
		if endgame && !containsOwner(owners, pe) {
			return blk, true
		}
	}
	return piece.Block{}, false
}

func removeOwner(owners []*peer.Peer, pe *peer.Peer) []*peer.Peer {
	for i, o := range owners {
		if o == pe {
			return append(owners[:i], owners[i+1:]...)
		}
	}
	return owners
}

func containsOwner(owners []*peer.Peer, pe *peer.Peer) bool {
	for _, o := range owners {
		if o == pe {
			return true
		}
	}
	return false
}
