// Package bitfield provides a set data structure for tracking piece possession.
package bitfield

import (
	"encoding/hex"
	"errors"
	"math/bits"
)

// Bitfield is a fixed-length sequence of bits, ordered MSB-first as in the
// BitTorrent wire format. The zero value is an empty bitfield of length 0.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all clear.
func New(length uint32) Bitfield {
	return Bitfield{
		b:      make([]byte, (length+7)/8),
		length: length,
	}
}

// NewBytes returns a new Bitfield of length bits backed by b.
// Bytes are not copied. Spare bits in the last byte are cleared.
func NewBytes(b []byte, length uint32) (Bitfield, error) {
	div, mod := length/8, length%8
	numBytes := div
	if mod != 0 {
		numBytes++
	}
	if uint32(len(b)) != numBytes {
		return Bitfield{}, errors.New("invalid bitfield length")
	}
	if mod != 0 {
		b[len(b)-1] &^= 0xff >> mod
	}
	return Bitfield{b: b, length: length}, nil
}

// Bytes returns the underlying byte slice. Modifying the returned slice modifies the bitfield.
func (b Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b Bitfield) Len() uint32 { return b.length }

// Hex returns the hexadecimal representation of the bitfield bytes.
func (b Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set sets bit i. Bit 0 is the most significant bit of the first byte.
// Panics if i >= Len().
func (b Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 1 << (7 - i%8)
}

// Clear clears bit i. Panics if i >= Len().
func (b Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &^= 1 << (7 - i%8)
}

// ClearAll clears all bits.
func (b Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test returns true if bit i is set. Panics if i >= Len().
func (b Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(1<<(7-i%8)) != 0
}

// Count returns the number of set bits.
func (b Bitfield) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set.
func (b Bitfield) All() bool {
	return b.Count() == b.length
}

// Copy returns an independent copy of the bitfield.
func (b Bitfield) Copy() Bitfield {
	c := New(b.length)
	copy(c.b, b.b)
	return c
}

func (b Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("bitfield index out of bound")
	}
}
