package piecepicker

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/filesection"
	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/metainfo"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
)

type memFile []byte

func (f memFile) ReadAt(p []byte, off int64) (int, error)  { return copy(p, f[off:]), nil }
func (f memFile) WriteAt(p []byte, off int64) (int, error) { return copy(f[off:], p), nil }

// testPieces builds numPieces single-block pieces of blockSize bytes each,
// backed by one in-memory file, with correct hashes. Returns the pieces and
// the expected content.
func testPieces(t *testing.T, numPieces int, pieceLength uint32) ([]piece.Piece, []byte) {
	t.Helper()
	total := int64(numPieces) * int64(pieceLength)
	content := make([]byte, total)
	for i := range content {
		content[i] = byte(i % 251)
	}
	hashes := make([]byte, 0, numPieces*sha1.Size)
	for i := 0; i < numPieces; i++ {
		sum := sha1.Sum(content[int64(i)*int64(pieceLength) : int64(i+1)*int64(pieceLength)])
		hashes = append(hashes, sum[:]...)
	}
	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"name":         "t",
		"piece length": int64(pieceLength),
		"pieces":       string(hashes),
		"length":       total,
	})
	require.NoError(t, err)
	info, err := metainfo.NewInfo(raw)
	require.NoError(t, err)
	f := memFile(make([]byte, total))
	return piece.NewPieces(info, []filesection.ReadWriterAt{f}), content
}

func newTestPicker(t *testing.T, numPieces int, pieceLength uint32) (*PiecePicker, []byte) {
	t.Helper()
	pieces, content := testPieces(t, numPieces, pieceLength)
	bf := bitfield.New(uint32(numPieces))
	return New(pieces, bf, logger.New("picker test")), content
}

func newTestPeer(seq uint64) *peer.Peer {
	return peer.New(nil, [20]byte{}, seq)
}

func TestRarestFirstOrder(t *testing.T) {
	p, content := newTestPicker(t, 3, piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p3 := newTestPeer(3)

	// piece availability: 0 -> 3 peers, 1 -> 2 peers, 2 -> 1 peer
	for _, pe := range []*peer.Peer{p1, p2, p3} {
		p.HandleHave(pe, 0)
	}
	p.HandleHave(p1, 1)
	p.HandleHave(p2, 1)
	p.HandleHave(p3, 2)

	// p3 has the rarest piece (2), so it is asked for that first.
	pi, blk, ok := p.NextBlockFor(p3)
	require.True(t, ok)
	assert.Equal(t, uint32(2), pi)
	assert.Equal(t, uint32(0), blk.Begin)
	_, err := p.HandleBlockReceived(p3, 2, 0, content[2*piece.BlockSize:])
	require.NoError(t, err)

	// p1 does not have piece 2; among 0 and 1, 1 is rarer.
	pi, blk, ok = p.NextBlockFor(p1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pi)
	res, err := p.HandleBlockReceived(p1, 1, blk.Begin, content[piece.BlockSize:2*piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCompleted, res)

	// Only piece 0 is left.
	pi, blk, ok = p.NextBlockFor(p2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), pi)
	res, err = p.HandleBlockReceived(p2, 0, blk.Begin, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCompleted, res)

	assert.True(t, p.Done())
	assert.True(t, p.Bitfield().All())
}

func TestNoDuplicateRequestBeforeEndgame(t *testing.T) {
	p, _ := newTestPicker(t, 2, piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p.HandleHave(p1, 0)
	p.HandleHave(p2, 0)

	pi, blk, ok := p.NextBlockFor(p1)
	require.True(t, ok)
	assert.Equal(t, uint32(0), pi)
	assert.Equal(t, uint32(0), blk.Begin)

	// Piece 1 has no owner yet, so the swarm is not in endgame and the
	// in-flight block of piece 0 must not be handed out again.
	_, _, ok = p.NextBlockFor(p2)
	assert.False(t, ok)
}

func TestEndgameDuplicates(t *testing.T) {
	p, _ := newTestPicker(t, 1, piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p.HandleHave(p1, 0)
	p.HandleHave(p2, 0)

	_, blk, ok := p.NextBlockFor(p1)
	require.True(t, ok)

	// All missing blocks have an owner now: endgame. The same block may go
	// to a different peer, but not to p1 again.
	_, blk2, ok := p.NextBlockFor(p2)
	require.True(t, ok)
	assert.Equal(t, blk, blk2)
	_, _, ok = p.NextBlockFor(p1)
	assert.False(t, ok)

	assert.Len(t, p.Owners(0, 0), 2)
}

func TestBlockReceivedClearsOwnersAndDuplicateIsWasted(t *testing.T) {
	p, content := newTestPicker(t, 1, 2*piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p.HandleHave(p1, 0)
	p.HandleHave(p2, 0)

	_, _, ok := p.NextBlockFor(p1)
	require.True(t, ok)

	res, err := p.HandleBlockReceived(p1, 0, 0, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Empty(t, p.Owners(0, 0))

	res, err = p.HandleBlockReceived(p2, 0, 0, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	res, err = p.HandleBlockReceived(p2, 0, piece.BlockSize, content[piece.BlockSize:2*piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCompleted, res)
}

func TestBlockAfterVerifiedIsWasted(t *testing.T) {
	p, content := newTestPicker(t, 1, piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p.HandleHave(p1, 0)
	p.HandleHave(p2, 0)

	_, _, ok := p.NextBlockFor(p1)
	require.True(t, ok)

	res, err := p.HandleBlockReceived(p1, 0, 0, content[:piece.BlockSize])
	require.NoError(t, err)
	require.Equal(t, ResultPieceCompleted, res)
	require.True(t, p.Done())

	// A late delivery for a verified piece must not re-verify, re-write or
	// complete the piece a second time.
	res, err = p.HandleBlockReceived(p2, 0, 0, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.True(t, p.Done())
	assert.True(t, p.Verified(0))
}

func TestCorruptPieceIsRequestableAgain(t *testing.T) {
	p, content := newTestPicker(t, 1, piece.BlockSize)

	p1 := newTestPeer(1)
	p.HandleHave(p1, 0)

	_, _, ok := p.NextBlockFor(p1)
	require.True(t, ok)

	bad := make([]byte, piece.BlockSize)
	res, err := p.HandleBlockReceived(p1, 0, 0, bad)
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCorrupt, res)
	assert.False(t, p.Done())

	// The piece can be downloaded again after the hash failure.
	_, blk, ok := p.NextBlockFor(p1)
	require.True(t, ok)
	res, err = p.HandleBlockReceived(p1, 0, blk.Begin, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCompleted, res)
	assert.True(t, p.Done())
}

func TestDisconnectReleasesBlocksAndRarity(t *testing.T) {
	p, _ := newTestPicker(t, 2, piece.BlockSize)

	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	p.HandleHave(p1, 0)
	p.HandleHave(p2, 0)
	p.HandleHave(p2, 1)

	_, _, ok := p.NextBlockFor(p1)
	require.True(t, ok)
	require.Len(t, p.Owners(0, 0), 1)

	p.HandleDisconnect(p1)
	assert.Empty(t, p.Owners(0, 0))
	assert.False(t, p.NeedsPieces(p1))

	// p2 can now pick up piece 0 outside endgame.
	pi, blk, ok := p.NextBlockFor(p2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), pi)
	assert.Equal(t, uint32(0), blk.Begin)
}

func TestNeedsPieces(t *testing.T) {
	p, content := newTestPicker(t, 1, piece.BlockSize)

	p1 := newTestPeer(1)
	assert.False(t, p.NeedsPieces(p1))
	p.HandleHave(p1, 0)
	assert.True(t, p.NeedsPieces(p1))

	_, _, ok := p.NextBlockFor(p1)
	require.True(t, ok)
	res, err := p.HandleBlockReceived(p1, 0, 0, content[:piece.BlockSize])
	require.NoError(t, err)
	assert.Equal(t, ResultPieceCompleted, res)
	assert.False(t, p.NeedsPieces(p1))
}
