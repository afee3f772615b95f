// Package raster is the boundary to raster storage: opening product flavors, describing their
// bands and reading pixel windows. Bands are numbered from 1.
package raster

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the on-disk sample type of a band.
type DataType int

const (
	Byte DataType = iota + 1
	UInt16
	Float32
)

func (t DataType) String() string {
	switch t {
	case Byte:
		return "byte"
	case UInt16:
		return "uint16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParseDataType accepts the names returned by String.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "byte", "uint8":
		return Byte, nil
	case "uint16":
		return UInt16, nil
	case "float32":
		return Float32, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDataType, s)
}

// BandInfo describes one band of a dataset.
type BandInfo struct {
	Index       int
	Description string
	Type        DataType
}

// GeoTransform maps pixel to georeferenced coordinates:
// Xgeo = gt[0] + col*gt[1] + row*gt[2], Ygeo = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Apply returns the georeferenced coordinates of pixel corner (x, y).
func (gt GeoTransform) Apply(x, y float64) (float64, float64) {
	return gt[0] + x*gt[1] + y*gt[2], gt[3] + x*gt[4] + y*gt[5]
}

// Dataset is an open raster with one or more equally sized bands.
type Dataset interface {
	Size() (x, y int)
	Bands() []BandInfo
	CRS() string
	GeoTransform() GeoTransform
	// ReadWindow reads a w x h window of band at (x, y) as float32, row-major.
	ReadWindow(band, x, y, w, h int) ([]float32, error)
	// ReadBytes reads a window as raw bytes; values are clamped to [0,255].
	ReadBytes(band, x, y, w, h int) ([]byte, error)
	Close() error
}

// Reader opens datasets by URI.
type Reader interface {
	Open(ctx context.Context, uri string) (Dataset, error)
}

// CheckWindow validates a read request against a dataset of xSize x ySize with nBands bands.
func CheckWindow(xSize, ySize, nBands, band, x, y, w, h int) error {
	if band < 1 || band > nBands {
		return fmt.Errorf("%w: %d of %d", ErrBandIndex, band, nBands)
	}
	if x < 0 || y < 0 || w < 0 || h < 0 || x+w > xSize || y+h > ySize {
		return fmt.Errorf("%w: (%d,%d,%d,%d) in %dx%d", ErrWindowOutOfBounds, x, y, w, h, xSize, ySize)
	}
	return nil
}

// ToBytes clamps float samples to the byte range.
func ToBytes(data []float32) []byte {
	out := make([]byte, len(data))
	for i, v := range data {
		switch {
		case math.IsNaN(float64(v)) || v <= 0:
			out[i] = 0
		case v >= 255:
			out[i] = 255
		default:
			out[i] = byte(v)
		}
	}
	return out
}

// ParseOutSize parses an "X,Y" output size such as "10980,10980".
func ParseOutSize(s string) (x, y int, err error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid outsize %q: want X,Y", s)
	}
	if x, err = strconv.Atoi(strings.TrimSpace(xs)); err != nil {
		return 0, 0, fmt.Errorf("invalid outsize %q: %w", s, err)
	}
	if y, err = strconv.Atoi(strings.TrimSpace(ys)); err != nil {
		return 0, 0, fmt.Errorf("invalid outsize %q: %w", s, err)
	}
	if x <= 0 || y <= 0 {
		return 0, 0, fmt.Errorf("invalid outsize %q: dimensions must be positive", s)
	}
	return x, y, nil
}

// FormatOutSize is the inverse of ParseOutSize.
func FormatOutSize(x, y int) string {
	return strconv.Itoa(x) + "," + strconv.Itoa(y)
}
