package raster

import "errors"

var (
	// ErrNotFound is returned when a URI does not name a dataset.
	ErrNotFound = errors.New("raster dataset not found")
	// ErrWindowOutOfBounds is returned for reads that run past the raster extent.
	ErrWindowOutOfBounds = errors.New("read window out of bounds")
	// ErrUnsupportedDataType is returned for band encodings the backend cannot decode.
	ErrUnsupportedDataType = errors.New("unsupported band data type")
	// ErrBandIndex is returned for band numbers outside the dataset.
	ErrBandIndex = errors.New("band index out of range")
)
