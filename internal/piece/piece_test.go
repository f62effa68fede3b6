package piece

import (
	"crypto/sha1" // nolint: gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabioibanez/Rogue-Packet/internal/filesection"
	"github.com/fabioibanez/Rogue-Packet/internal/metainfo"
)

type memFile struct {
	b []byte
}

func newMemFile(size int64) *memFile { return &memFile{b: make([]byte, size)} }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.b[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.b[off:], p), nil
}

func testInfo(t *testing.T, pieceLength uint32, fileLengths ...int64) *metainfo.Info {
	t.Helper()
	var total int64
	for _, l := range fileLengths {
		total += l
	}
	numPieces := (total + int64(pieceLength) - 1) / int64(pieceLength)
	info := &metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      make([]byte, numPieces*sha1.Size),
		NumPieces:   uint32(numPieces),
		TotalLength: total,
		Name:        "f0",
		Length:      fileLengths[0],
	}
	if len(fileLengths) > 1 {
		for i, l := range fileLengths {
			info.Files = append(info.Files, metainfo.FileDict{Length: l, Path: []string{"f" + string(rune('0'+i))}})
		}
	}
	return info
}

func TestNewPiecesSingleFile(t *testing.T) {
	info := testInfo(t, 32, 100)
	files := []filesection.ReadWriterAt{newMemFile(100)}
	pieces := NewPieces(info, files)
	require.Len(t, pieces, 4)
	assert.Equal(t, uint32(32), pieces[0].Length)
	assert.Equal(t, uint32(4), pieces[3].Length) // 100 - 3*32
}

func TestNewPiecesMultiFile(t *testing.T) {
	// one piece spans both files
	info := testInfo(t, 32, 20, 28)
	files := []filesection.ReadWriterAt{newMemFile(20), newMemFile(28)}
	pieces := NewPieces(info, files)
	require.Len(t, pieces, 2)
	assert.Len(t, pieces[0].Data, 2)
	assert.Equal(t, uint32(32), pieces[0].Length)
	assert.Equal(t, uint32(16), pieces[1].Length)
}

func TestBlocks(t *testing.T) {
	p := Piece{Index: 0, Length: BlockSize*2 + 100}
	blocks := p.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, uint32(BlockSize), blocks[0].Length)
	assert.Equal(t, uint32(BlockSize), blocks[1].Begin)
	assert.Equal(t, uint32(100), blocks[2].Length)

	b, ok := p.FindBlock(BlockSize*2, 100)
	require.True(t, ok)
	assert.Equal(t, uint32(2), b.Index)

	_, ok = p.FindBlock(1, 100) // not block-aligned
	assert.False(t, ok)
	_, ok = p.FindBlock(BlockSize*2, BlockSize) // wrong length
	assert.False(t, ok)
}

func TestWriteVerifies(t *testing.T) {
	data := []byte("hello, piece")
	sum := sha1.Sum(data) // nolint: gosec
	f := newMemFile(int64(len(data)))
	p := Piece{
		Index:  0,
		Length: uint32(len(data)),
		Data:   filesection.Sections{{File: f, Offset: 0, Length: int64(len(data))}},
		hash:   sum[:],
	}
	assert.True(t, p.VerifyBytes(data))
	require.NoError(t, p.Write(data))
	assert.Equal(t, data, f.b)

	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xff
	assert.False(t, p.VerifyBytes(corrupt))
	assert.Equal(t, ErrCorrupt, p.Write(corrupt))
}
