// Package bitmask packs anchor masks one bit per pixel and answers rank/select queries.
//
// Bit layout: pixel i lives in word i/64 at bit i%64, counted from the least significant bit.
// Serialised as little-endian bytes this is the same as bit i%8 of byte i/8, so packing,
// querying and the persisted blob all share one convention.
package bitmask

import "math/bits"

// WordBits is the width of a Word.
const WordBits = 64

// Word is one 64-bit block of a packed mask.
type Word uint64

// PopCount returns the number of set bits.
func (w Word) PopCount() int { return bits.OnesCount64(uint64(w)) }

// LeadingZeros returns the number of zero bits above the highest set bit.
func (w Word) LeadingZeros() int { return bits.LeadingZeros64(uint64(w)) }

// TrailingZeros returns the number of zero bits below the lowest set bit.
func (w Word) TrailingZeros() int { return bits.TrailingZeros64(uint64(w)) }

// BitAt reports whether bit i (0 = least significant) is set.
func (w Word) BitAt(i int) bool { return w&(1<<uint(i)) != 0 }

// With returns w with bit i set.
func (w Word) With(i int) Word { return w | 1<<uint(i) }

// Select returns the position of the k-th (0-indexed) set bit, scanning from the least
// significant bit, or -1 when w has k or fewer set bits.
func (w Word) Select(k int) int {
	if k < 0 || k >= w.PopCount() {
		return -1
	}
	// Drop the k lowest set bits, then the answer is the lowest remaining one.
	for ; k > 0; k-- {
		w &= w - 1
	}
	return w.TrailingZeros()
}

// PrefixCount returns the number of set bits at positions <= i.
func (w Word) PrefixCount(i int) int {
	if i >= WordBits-1 {
		return w.PopCount()
	}
	return (w & (1<<uint(i+1) - 1)).PopCount()
}
