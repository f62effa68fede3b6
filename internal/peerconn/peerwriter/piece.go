package peerwriter

import (
	"encoding/binary"
	"io"

	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

// Piece is a queued block upload. The data is read from the verified piece
// at write time so a canceled block never touches the disk.
type Piece struct {
	Piece  io.ReaderAt
	Index  uint32
	Begin  uint32
	Length uint32
}

// ID implements peerprotocol.Message.
func (p Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }

// MarshalBinary reads the block from the piece and prepends the index and
// begin fields.
func (p Piece) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+p.Length)
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	_, err := p.Piece.ReadAt(buf[8:], int64(p.Begin))
	return buf, err
}
