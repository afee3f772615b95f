package db

import (
	"context"
	"fmt"
)

// Open returns the store backend named by opts.Driver.
func Open(ctx context.Context, opts StoreOptions) (CacheStore, error) {
	switch opts.Driver {
	case "badger":
		return NewBadgerCacheStore(opts)
	case "":
		return nil, fmt.Errorf("%w: empty driver name", ErrUnknownDriver)
	default:
		return NewSQLCacheStore(ctx, opts)
	}
}
