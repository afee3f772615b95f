// Package stats normalises sample bands by their percentiles.
package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Default normalisation percentiles, as fractions.
const (
	DefaultLower = 0.01
	DefaultUpper = 0.99
)

// Percentiles returns the empirical quantiles ps (fractions in [0,1]) of data. NaN samples are
// ignored; an empty input yields NaN for every quantile.
func Percentiles(data []float32, ps ...float64) []float64 {
	sorted := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, float64(v))
		}
	}
	slices.Sort(sorted)

	out := make([]float64, len(ps))
	for i, p := range ps {
		if len(sorted) == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = stat.Quantile(p, stat.Empirical, sorted, nil)
	}
	return out
}

// NormalizeBand clamps data to [lower, upper] and rescales it to [0,1] in place. A degenerate
// range maps everything to 0.
func NormalizeBand(data []float32, lower, upper float64) {
	span := upper - lower
	for i, v := range data {
		x := float64(v)
		switch {
		case math.IsNaN(x) || span <= 0 || x <= lower:
			data[i] = 0
		case x >= upper:
			data[i] = 1
		default:
			data[i] = float32((x - lower) / span)
		}
	}
}

// Normalize rescales data by its own DefaultLower and DefaultUpper percentiles.
func Normalize(data []float32) {
	p := Percentiles(data, DefaultLower, DefaultUpper)
	NormalizeBand(data, p[0], p[1])
}
