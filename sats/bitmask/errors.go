package bitmask

import "errors"

var (
	// ErrCorrupt marks a packed mask whose layout invariants do not hold.
	ErrCorrupt = errors.New("packed mask is corrupt")
	// ErrRankOutOfRange is returned for select queries outside [0, nOK).
	ErrRankOutOfRange = errors.New("rank out of range")
)
