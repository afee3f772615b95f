package catalog

import "errors"

var (
	// ErrMalformedName is returned for file names that do not follow the repack naming pattern.
	ErrMalformedName = errors.New("malformed product file name")
	// ErrResolutionMismatch is returned when a flavor's size does not divide the product's
	// maximum size.
	ErrResolutionMismatch = errors.New("flavor resolutions are not integer multiples")
)
