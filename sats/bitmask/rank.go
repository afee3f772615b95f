package bitmask

import (
	"fmt"
	"math/bits"
)

// blockWords is the number of words covered by one rank directory entry.
const blockWords = 8

// rankDirectory stores, for every block of blockWords words, the number of set bits before
// it. The cumulative counts are kept in Eytzinger order for cache-friendly searching.
type rankDirectory struct {
	cum  []uint64 // sorted order
	eytz *eytzinger
}

func newRankDirectory(words []Word) *rankDirectory {
	nBlocks := (len(words) + blockWords - 1) / blockWords
	if nBlocks == 0 {
		nBlocks = 1
	}
	cum := make([]uint64, nBlocks)
	var running uint64
	for b := 0; b < nBlocks; b++ {
		cum[b] = running
		end := min((b+1)*blockWords, len(words))
		for _, w := range words[b*blockWords : end] {
			running += uint64(w.PopCount())
		}
	}
	return &rankDirectory{cum: cum, eytz: buildEytzinger(cum)}
}

// block returns the last block whose cumulative count is <= k, which is the block holding
// the k-th set bit.
func (d *rankDirectory) block(k uint64) int {
	return d.eytz.upperBound(k) - 1
}

func (p *Packed) directory() *rankDirectory {
	p.dirOnce.Do(func() { p.dir = newRankDirectory(p.Words) })
	return p.dir
}

// Select returns the linear pixel index of the k-th (0-indexed) anchor.
// It binary searches the rank directory, then scans at most blockWords words.
func (p *Packed) Select(k int) (int, error) {
	if k < 0 || k >= p.NOK {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrRankOutOfRange, k, p.NOK)
	}
	d := p.directory()
	b := d.block(uint64(k))

	seen := int(d.cum[b])
	for w := b * blockWords; w < len(p.Words); w++ {
		c := p.Words[w].PopCount()
		if seen+c > k {
			return w*WordBits + p.Words[w].Select(k-seen), nil
		}
		seen += c
	}
	return 0, fmt.Errorf("%w: rank %d not found although nOK=%d", ErrCorrupt, k, p.NOK)
}

// SelectScan answers the same query with a plain linear scan over all words: whole words are
// skipped by popcount, then the target word is scanned from its lowest bit until the running
// count reaches k+1. Select should be preferred; this form is kept as a reference.
func (p *Packed) SelectScan(k int) (int, error) {
	if k < 0 || k >= p.NOK {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrRankOutOfRange, k, p.NOK)
	}
	target := k + 1
	current := 0
	for i, w := range p.Words {
		c := w.PopCount()
		if current+c < target {
			current += c
			continue
		}
		for j := 0; j < WordBits; j++ {
			if w.BitAt(j) {
				current++
				if current == target {
					return i*WordBits + j, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("%w: rank %d not found although nOK=%d", ErrCorrupt, k, p.NOK)
}

// Rank returns the number of anchors strictly before linear index i.
func (p *Packed) Rank(i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(p.Words)*WordBits {
		return p.NOK
	}
	d := p.directory()
	w := i / WordBits
	b := w / blockWords
	n := int(d.cum[b])
	for j := b * blockWords; j < w; j++ {
		n += p.Words[j].PopCount()
	}
	if off := i % WordBits; off > 0 {
		n += p.Words[w].PrefixCount(off - 1)
	}
	return n
}

// eytzinger holds sorted keys in breadth-first (Eytzinger) order together with each key's
// position in the sorted array.
type eytzinger struct {
	keys []uint64
	pos  []int
}

func buildEytzinger(sorted []uint64) *eytzinger {
	n := len(sorted)
	e := &eytzinger{keys: make([]uint64, n), pos: make([]int, n)}
	next := 0
	var dfs func(i int)
	dfs = func(i int) {
		if i > n {
			return
		}
		dfs(i << 1)
		e.keys[i-1] = sorted[next]
		e.pos[i-1] = next
		next++
		dfs((i << 1) | 1)
	}
	dfs(1)
	return e
}

// upperBound returns the sorted position of the first key greater than x, or len(keys).
func (e *eytzinger) upperBound(x uint64) int {
	n := len(e.keys)
	i := 1
	for i <= n {
		if e.keys[i-1] <= x {
			i = i<<1 | 1
		} else {
			i <<= 1
		}
	}
	// Undo the trailing right turns plus the final left turn.
	i >>= uint(bits.TrailingZeros(^uint(i))) + 1
	if i == 0 {
		return n
	}
	return e.pos[i-1]
}
