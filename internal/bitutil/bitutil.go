// Package bitutil provides the small bit-width and packed-integer
// helpers shared by the blob codec, the read-state columns, and the
// delta computer.
package bitutil

import (
	"math/bits"

	"github.com/sediment/sediment/internal/mathutil"
)

// WidthFor returns the number of bits needed to represent the
// unsigned value maxValue, i.e. ceil(log2(maxValue+1)), with a floor
// of 1 bit so a single-valued column is still addressable.
func WidthFor(maxValue uint64) int {
	if maxValue == 0 {
		return 1
	}
	return bits.Len64(maxValue)
}

// NullSentinel returns the all-ones value representable in width
// bits; columns use this to mark a null/absent value.
func NullSentinel(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// PackedInts is a dense array of fixed-width unsigned integers backed
// by a []uint64 word array, matching the read state's "packed long
// array" column representation from the spec.
type PackedInts struct {
	Width int
	n     int
	words []uint64
}

// NewPackedInts allocates a packed array of n values at the given bit
// width, all initialised to the width's null sentinel.
func NewPackedInts(n, width int) *PackedInts {
	if width <= 0 {
		width = 1
	}
	p := &PackedInts{Width: width, n: n}
	totalBits := n * width
	p.words = make([]uint64, mathutil.CeilDiv(totalBits, 64))
	sentinel := NullSentinel(width)
	for i := 0; i < n; i++ {
		p.set(i, sentinel)
	}
	return p
}

// FromWords reconstructs a PackedInts view over an already-decoded
// word array, e.g. one just read off the wire.
func FromWords(words []uint64, n, width int) *PackedInts {
	if width <= 0 {
		width = 1
	}
	return &PackedInts{Width: width, n: n, words: words}
}

// Len reports the number of packed slots.
func (p *PackedInts) Len() int { return p.n }

// Get returns the raw value at index i.
func (p *PackedInts) Get(i int) uint64 {
	bitPos := i * p.Width
	word := bitPos / 64
	off := uint(bitPos % 64)
	lo := p.words[word] >> off
	if off+uint(p.Width) > 64 {
		lo |= p.words[word+1] << (64 - off)
	}
	mask := uint64(1)<<uint(p.Width) - 1
	if p.Width == 64 {
		mask = ^uint64(0)
	}
	return lo & mask
}

// Set stores value at index i (caller guarantees value fits in Width
// bits).
func (p *PackedInts) Set(i int, value uint64) { p.set(i, value) }

func (p *PackedInts) set(i int, value uint64) {
	bitPos := i * p.Width
	word := bitPos / 64
	off := uint(bitPos % 64)
	mask := uint64(1)<<uint(p.Width) - 1
	if p.Width == 64 {
		mask = ^uint64(0)
	}
	value &= mask
	p.words[word] &^= mask << off
	p.words[word] |= value << off
	if off+uint(p.Width) > 64 {
		hiBits := off + uint(p.Width) - 64
		p.words[word+1] &^= mask >> (uint(p.Width) - hiBits)
		p.words[word+1] |= value >> (uint(p.Width) - hiBits)
	}
}

// IsNull reports whether the value stored at i is the width's null
// sentinel.
func (p *PackedInts) IsNull(i int) bool {
	return p.Get(i) == NullSentinel(p.Width)
}

// Words exposes the backing word array, e.g. for serialisation.
func (p *PackedInts) Words() []uint64 { return p.words }
