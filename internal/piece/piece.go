// Package piece provides the geometry and verification of torrent pieces.
package piece

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"

	"github.com/fabioibanez/Rogue-Packet/internal/filesection"
	"github.com/fabioibanez/Rogue-Packet/internal/metainfo"
)

// BlockSize is the request unit. Pieces are requested in blocks of this
// size, except possibly the last block of a piece.
const BlockSize = 16 * 1024

// ErrCorrupt is returned when assembled piece data does not match the hash
// in the content descriptor.
var ErrCorrupt = errors.New("corrupt piece")

// Piece of a torrent.
type Piece struct {
	Index  uint32
	Length uint32
	Data   filesection.Sections // where verified bytes are written and read back
	hash   []byte
}

// Block is a sub-range of a piece, the unit actually requested on the wire.
type Block struct {
	Index  uint32 // index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// NewPieces builds the piece list for the torrent in info, mapping each
// piece onto sections of the given files. files must be in torrent order
// and have the lengths declared in info.
func NewPieces(info *metainfo.Info, files []filesection.ReadWriterAt) []Piece {
	fileList := info.GetFiles()
	var (
		fileIndex  int
		fileLength = fileList[fileIndex].Length
		fileOffset int64
	)
	nextFile := func() {
		fileIndex++
		fileLength = fileList[fileIndex].Length
		fileOffset = 0
	}
	fileLeft := func() int64 { return fileLength - fileOffset }

	var total int64
	pieces := make([]Piece, info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		p := Piece{
			Index: i,
			hash:  info.PieceHash(i),
		}
		var pieceOffset uint32
		for left := info.PieceLength - pieceOffset; left > 0; left = info.PieceLength - pieceOffset {
			for fileLeft() == 0 {
				nextFile()
			}
			n := int64(left)
			if fl := fileLeft(); fl < n {
				n = fl
			}
			p.Data = append(p.Data, filesection.Section{
				File:   files[fileIndex],
				Offset: fileOffset,
				Length: n,
			})
			p.Length += uint32(n)
			pieceOffset += uint32(n)
			fileOffset += n
			total += n
			if total == info.TotalLength {
				break
			}
		}
		pieces[i] = p
	}
	return pieces
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() uint32 {
	return (p.Length + BlockSize - 1) / BlockSize
}

// Blocks returns the block geometry of the piece in offset order.
func (p *Piece) Blocks() []Block {
	num := p.NumBlocks()
	blocks := make([]Block, num)
	for i := uint32(0); i < num; i++ {
		length := uint32(BlockSize)
		if i == num-1 && p.Length%BlockSize != 0 {
			length = p.Length % BlockSize
		}
		blocks[i] = Block{Index: i, Begin: i * BlockSize, Length: length}
	}
	return blocks
}

// FindBlock returns the block starting at begin with the given length.
func (p *Piece) FindBlock(begin, length uint32) (Block, bool) {
	if begin%BlockSize != 0 {
		return Block{}, false
	}
	idx := begin / BlockSize
	if idx >= p.NumBlocks() {
		return Block{}, false
	}
	b := p.Blocks()[idx]
	if b.Length != length {
		return Block{}, false
	}
	return b, true
}

// VerifyBytes reports whether data matches the piece hash from the descriptor.
func (p *Piece) VerifyBytes(data []byte) bool {
	if uint32(len(data)) != p.Length {
		return false
	}
	sum := sha1.Sum(data) // nolint: gosec
	return bytes.Equal(sum[:], p.hash)
}

// Write verifies data against the piece hash and writes it to the backing
// files. Returns ErrCorrupt on hash mismatch; nothing is written in that case.
func (p *Piece) Write(data []byte) error {
	if !p.VerifyBytes(data) {
		return ErrCorrupt
	}
	_, err := p.Data.Write(data)
	return err
}
