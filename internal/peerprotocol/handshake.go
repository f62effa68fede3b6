package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var pstr = [19]byte{'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// ErrInvalidProtocol is returned when the remote side does not speak the BitTorrent wire protocol.
var ErrInvalidProtocol = errors.New("invalid protocol")

// WriteHandshake writes the fixed 68-byte handshake to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte, extensions [8]byte) error {
	var h = struct {
		Pstrlen    byte
		Pstr       [len(pstr)]byte
		Extensions [8]byte
		InfoHash   [20]byte
		PeerID     [20]byte
	}{
		Pstrlen:    byte(len(pstr)),
		Pstr:       pstr,
		Extensions: extensions,
		InfoHash:   infoHash,
		PeerID:     peerID,
	}
	return binary.Write(w, binary.BigEndian, h)
}

// ReadHandshake1 reads the first part of the handshake: the protocol string,
// the reserved extension bytes and the info hash. It is split from
// ReadHandshake2 because an accepting side must check the info hash before
// sending its own handshake.
func ReadHandshake1(r io.Reader) (extensions [8]byte, infoHash [20]byte, err error) {
	var pstrLen byte
	err = binary.Read(r, binary.BigEndian, &pstrLen)
	if err != nil {
		return
	}
	if pstrLen != byte(len(pstr)) {
		err = ErrInvalidProtocol
		return
	}
	got := make([]byte, pstrLen)
	_, err = io.ReadFull(r, got)
	if err != nil {
		return
	}
	if !bytes.Equal(got, pstr[:]) {
		err = ErrInvalidProtocol
		return
	}
	_, err = io.ReadFull(r, extensions[:])
	if err != nil {
		return
	}
	_, err = io.ReadFull(r, infoHash[:])
	return
}

// ReadHandshake2 reads the trailing peer ID of the handshake.
func ReadHandshake2(r io.Reader) (peerID [20]byte, err error) {
	_, err = io.ReadFull(r, peerID[:])
	return
}
