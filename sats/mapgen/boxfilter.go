package mapgen

import "fmt"

// BoxFilter converts the validity mask in g into an anchor mask in place and returns the
// number of anchors. A pixel (r, c) stays set iff the sampleSize x sampleSize window with
// top-left corner (r, c) lies inside the grid and more than minNonzero of its pixels are valid.
// The last anchor row and column are Rows-sampleSize and Cols-sampleSize: a window that ends
// exactly on the grid edge is admitted.
//
// Window sums are maintained incrementally: one horizontal pass builds per-row running sums,
// one vertical pass slides over those, so the work is O(rows*cols) for any window size.
func BoxFilter(g *Grid, sampleSize int, minNonzero float32) (int, error) {
	if sampleSize <= 0 {
		return 0, fmt.Errorf("%w: size %d", ErrInvalidWindow, sampleSize)
	}
	if len(g.Pix) != g.Len() {
		return 0, fmt.Errorf("%w: %d pixels for %dx%d", ErrDimensionMismatch, len(g.Pix), g.Cols, g.Rows)
	}

	// Last anchor row/col whose window still fits.
	lastCol := g.Cols - sampleSize
	lastRow := g.Rows - sampleSize
	if lastCol < 0 || lastRow < 0 {
		g.Fill(0)
		return 0, nil
	}

	cols := g.Cols
	mask := g.Pix
	rowSums := make([]int32, g.Rows*(lastCol+1))
	stride := lastCol + 1

	for r := 0; r < g.Rows; r++ {
		row := mask[r*cols : (r+1)*cols]
		sums := rowSums[r*stride : (r+1)*stride]

		var s int32
		for i := 0; i < sampleSize; i++ {
			s += bit(row[i])
		}
		sums[0] = s
		for c := 1; c <= lastCol; c++ {
			s = s - bit(row[c-1]) + bit(row[c+sampleSize-1])
			sums[c] = s
		}
	}

	area := float32(sampleSize) * float32(sampleSize)
	nOK := 0

	// Column pass reads rowSums only, so the mask can be overwritten as we go.
	for c := 0; c <= lastCol; c++ {
		var total int32
		for i := 0; i < sampleSize; i++ {
			total += rowSums[i*stride+c]
		}
		for r := 0; r <= lastRow; r++ {
			if r > 0 {
				total = total - rowSums[(r-1)*stride+c] + rowSums[(r+sampleSize-1)*stride+c]
			}
			if float32(total)/area > minNonzero {
				mask[r*cols+c] = 1
				nOK++
			} else {
				mask[r*cols+c] = 0
			}
		}
	}

	// Anchors whose window runs off the raster are never valid.
	for r := 0; r < g.Rows; r++ {
		start := 0
		if r <= lastRow {
			start = lastCol + 1
		}
		for c := start; c < cols; c++ {
			mask[r*cols+c] = 0
		}
	}

	return nOK, nil
}

func bit(v byte) int32 {
	if v != 0 {
		return 1
	}
	return 0
}
