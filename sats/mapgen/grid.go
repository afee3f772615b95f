// Package mapgen turns per-pixel quality bands into a validity mask and then into an
// anchor mask, where a pixel is set iff a sample window anchored at it is usable.
package mapgen

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("mask dimensions do not match")
	ErrInvalidWindow     = errors.New("invalid sample window")
)

// Grid is a row-major byte-per-pixel raster. It owns Pix; stages of the pipeline hand the
// same Grid along instead of copying it.
type Grid struct {
	Cols int
	Rows int
	Pix  []byte
}

// NewGrid allocates a zeroed grid.
func NewGrid(cols, rows int) *Grid {
	return &Grid{Cols: cols, Rows: rows, Pix: make([]byte, cols*rows)}
}

// Len is the number of pixels.
func (g *Grid) Len() int { return g.Cols * g.Rows }

// At returns the pixel at (row, col).
func (g *Grid) At(row, col int) byte { return g.Pix[row*g.Cols+col] }

// Set writes the pixel at (row, col).
func (g *Grid) Set(row, col int, v byte) { g.Pix[row*g.Cols+col] = v }

// Fill sets every pixel to v.
func (g *Grid) Fill(v byte) {
	for i := range g.Pix {
		g.Pix[i] = v
	}
}

// Count returns the number of nonzero pixels.
func (g *Grid) Count() int {
	n := 0
	for _, v := range g.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func (g *Grid) check(band []byte) error {
	if len(band) != g.Len() {
		return fmt.Errorf("%w: band has %d pixels, grid %dx%d", ErrDimensionMismatch, len(band), g.Cols, g.Rows)
	}
	return nil
}
