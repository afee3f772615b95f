package bitmask

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/sats-sampler/sats/mapgen"
)

// Packed is a bit-per-pixel anchor mask of NRows x NCols pixels.
//
// Invariants: NOK equals the total popcount of Words, len(Words)*64 >= NRows*NCols and no bit at
// or past NRows*NCols is set. Words are padded to whole 64-bit words, so Size is a multiple of 8.
type Packed struct {
	Words []Word
	NOK   int
	NRows int
	NCols int

	dirOnce sync.Once
	dir     *rankDirectory
}

// MaxPixels bounds the size of a mask accepted from storage.
const MaxPixels = 1 << 30

// WordsFor returns the number of words needed for n pixels.
func WordsFor(n int) int { return (n + WordBits - 1) / WordBits }

// packedLen returns the byte length of an nRows x nCols mask, rejecting dimensions that are
// negative or exceed MaxPixels before anything is sized from them.
func packedLen(nRows, nCols int) (int, error) {
	if nRows < 0 || nCols < 0 {
		return 0, fmt.Errorf("%w: negative dimensions %dx%d", ErrCorrupt, nCols, nRows)
	}
	if nCols != 0 && nRows > MaxPixels/nCols {
		return 0, fmt.Errorf("%w: dimensions %dx%d exceed %d pixels", ErrCorrupt, nCols, nRows, MaxPixels)
	}
	return WordsFor(nRows*nCols) * 8, nil
}

// Pack compresses a byte-per-pixel anchor grid. Any nonzero byte is an anchor.
func Pack(g *mapgen.Grid) *Packed {
	n := g.Len()
	p := &Packed{
		Words: make([]Word, WordsFor(n)),
		NRows: g.Rows,
		NCols: g.Cols,
	}
	for i, v := range g.Pix[:n] {
		if v != 0 {
			p.Words[i/WordBits] = p.Words[i/WordBits].With(i % WordBits)
			p.NOK++
		}
	}
	return p
}

// Size is the packed buffer length in bytes.
func (p *Packed) Size() int { return len(p.Words) * 8 }

// Pixels is the number of pixels covered by the mask.
func (p *Packed) Pixels() int { return p.NRows * p.NCols }

// Get reports whether the pixel at linear index i is an anchor.
func (p *Packed) Get(i int) bool {
	return p.Words[i/WordBits].BitAt(i % WordBits)
}

// Coords splits a linear pixel index into row and column.
func (p *Packed) Coords(index int) (row, col int) {
	return index / p.NCols, index % p.NCols
}

// Bytes returns the little-endian byte form: bit j of byte i is pixel i*8+j.
func (p *Packed) Bytes() []byte {
	b := make([]byte, p.Size())
	for i, w := range p.Words {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(w))
	}
	return b
}

// FromBytes rebuilds a packed mask from its byte form and validates it. b must hold exactly
// the words needed for nRows x nCols pixels.
func FromBytes(b []byte, nRows, nCols, nOK int) (*Packed, error) {
	want, err := packedLen(nRows, nCols)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("%w: blob length %d, want %d for %dx%d pixels", ErrCorrupt, len(b), want, nCols, nRows)
	}
	p := &Packed{
		Words: make([]Word, len(b)/8),
		NOK:   nOK,
		NRows: nRows,
		NCols: nCols,
	}
	for i := range p.Words {
		p.Words[i] = Word(binary.LittleEndian.Uint64(b[i*8:]))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the layout invariants.
func (p *Packed) Validate() error {
	if _, err := packedLen(p.NRows, p.NCols); err != nil {
		return err
	}
	n := p.Pixels()
	if len(p.Words)*WordBits < n {
		return fmt.Errorf("%w: %d words cannot hold %d pixels", ErrCorrupt, len(p.Words), n)
	}

	total := 0
	for _, w := range p.Words {
		total += w.PopCount()
	}
	if total != p.NOK {
		return fmt.Errorf("%w: popcount %d != nOK %d", ErrCorrupt, total, p.NOK)
	}

	// Bits past the last pixel must be clear.
	if n < len(p.Words)*WordBits {
		last := n / WordBits
		if off := n % WordBits; off != 0 {
			if p.Words[last]>>uint(off) != 0 {
				return fmt.Errorf("%w: bits set past pixel %d", ErrCorrupt, n)
			}
			last++
		}
		for _, w := range p.Words[last:] {
			if w != 0 {
				return fmt.Errorf("%w: bits set past pixel %d", ErrCorrupt, n)
			}
		}
	}
	return nil
}
