// Package db persists packed anchor masks keyed by product name.
//
// A record is reused only while its product name and source modification time both match the
// live product; anything else is regenerated by the caller.
package db

import (
	"context"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
)

// CacheRecord is the persisted form of one product's anchor mask.
type CacheRecord struct {
	Mask        *bitmask.Packed
	MaxDimX     int
	MaxDimY     int
	ProductName string
	UnixModTime int64
}

// CacheStore maps product names to cache records.
//
// Get reports absence as (nil, false, nil). A stored blob that fails validation is returned as an
// error wrapping bitmask.ErrCorrupt.
type CacheStore interface {
	Get(ctx context.Context, productName string) (*CacheRecord, bool, error)
	Put(ctx context.Context, rec *CacheRecord) error
	Delete(ctx context.Context, productName string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Valid reports whether rec can be reused for the product named productName whose source
// file was last modified at modTime (unix seconds).
func Valid(rec *CacheRecord, productName string, modTime int64) bool {
	if rec == nil || rec.Mask == nil {
		return false
	}
	return rec.ProductName == productName && rec.UnixModTime == modTime
}
