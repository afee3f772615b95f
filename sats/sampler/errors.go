package sampler

import "errors"

var (
	// ErrNoProducts is returned when there is nothing to sample from.
	ErrNoProducts = errors.New("no products to sample from")
	// ErrInsufficientAnchors is returned when every product has been exhausted before a batch
	// could be filled with distinct anchors.
	ErrInsufficientAnchors = errors.New("not enough distinct anchors for batch")
	// ErrScalingFactor is returned when a product's maximum size is not the same integer multiple
	// of its mask size on both axes.
	ErrScalingFactor = errors.New("non-integer resolution scaling factor")
	// ErrMissingBands is returned when the mask flavor lacks a footprint, cloud or snow band.
	ErrMissingBands = errors.New("mask flavor is missing required bands")
	// ErrNotCached is returned when a product drawn from has no cache record.
	ErrNotCached = errors.New("product has no cache record")
)
