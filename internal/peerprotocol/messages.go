// Package peerprotocol contains the messages and the framing of the BitTorrent wire protocol.
package peerprotocol

import (
	"encoding/binary"
	"errors"
)

// MaxBlockSize is the maximum length the client accepts in a request message.
const MaxBlockSize = 16 * 1024

// Message is a peer wire protocol message.
type Message interface {
	// ID returns the message type identifier on the wire.
	ID() MessageID
	// MarshalBinary returns the message payload without the length prefix and the ID byte.
	MarshalBinary() ([]byte, error)
}

// HaveMessage announces possession of the piece with Index.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }

func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// UnmarshalBinary reads the payload of a have message.
func (m *HaveMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("invalid have message length")
	}
	m.Index = binary.BigEndian.Uint32(data)
	return nil
}

// RequestMessage asks a peer for a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }

func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// UnmarshalBinary reads the payload of a request message.
func (m *RequestMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 12 {
		return errors.New("invalid request message length")
	}
	m.Index = binary.BigEndian.Uint32(data[0:4])
	m.Begin = binary.BigEndian.Uint32(data[4:8])
	m.Length = binary.BigEndian.Uint32(data[8:12])
	return nil
}

// CancelMessage withdraws a previously sent request message.
type CancelMessage struct {
	RequestMessage
}

func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage carries block data. The block payload itself is not part of
// this struct; it follows the 8-byte header on the wire and is handled
// separately so the data buffer can be reused.
type PieceMessage struct {
	Index, Begin uint32
}

func (m PieceMessage) ID() MessageID { return Piece }

func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b, nil
}

// BitfieldMessage carries the sender's piece possession set, one bit per
// piece, MSB-first, padded to a byte boundary.
type BitfieldMessage struct {
	Data []byte
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }

func (m BitfieldMessage) MarshalBinary() ([]byte, error) {
	return m.Data, nil
}

type emptyMessage struct{}

func (m emptyMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// ChokeMessage tells the peer that its requests will not be served.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer that it may send requests.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer that we want to request pieces from it.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer that we have no use for its pieces.
type NotInterestedMessage struct{ emptyMessage }

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }
