package db

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
)

const (
	badgerKeyPrefix = "cache/"
	// headerLen is six little-endian int64 fields: nRows, nCols, nOK, maxDimX, maxDimY, modTime.
	headerLen = 6 * 8
)

// BadgerCacheStore keeps cache records in a badger key/value store.
// Badger handles concurrent readers and writers itself, so no connection pool is needed.
type BadgerCacheStore struct {
	db       *badger.DB
	compress bool
	logger   zerolog.Logger
}

// NewBadgerCacheStore opens a badger store at opts.Path, or an in-memory one when the path is empty.
func NewBadgerCacheStore(opts StoreOptions) (*BadgerCacheStore, error) {
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache %s: %w", opts.Path, err)
	}
	opts.Logger.Debug().Str("path", opts.Path).Msg("badger cache store opened")
	return &BadgerCacheStore{db: db, compress: opts.Compress, logger: opts.Logger}, nil
}

func badgerKey(productName string) []byte {
	return []byte(badgerKeyPrefix + productName)
}

func encodeBadgerValue(rec *CacheRecord, blob []byte) []byte {
	v := make([]byte, headerLen+len(blob))
	fields := []int64{
		int64(rec.Mask.NRows), int64(rec.Mask.NCols), int64(rec.Mask.NOK),
		int64(rec.MaxDimX), int64(rec.MaxDimY), rec.UnixModTime,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(v[i*8:], uint64(f))
	}
	copy(v[headerLen:], blob)
	return v
}

func decodeBadgerValue(productName string, v []byte) (*CacheRecord, error) {
	if len(v) < headerLen {
		return nil, fmt.Errorf("%w: value of %d bytes is shorter than its header", bitmask.ErrCorrupt, len(v))
	}
	var fields [6]int64
	for i := range fields {
		fields[i] = int64(binary.LittleEndian.Uint64(v[i*8:]))
	}
	mask, err := bitmask.Decode(v[headerLen:], int(fields[0]), int(fields[1]), int(fields[2]))
	if err != nil {
		return nil, err
	}
	return &CacheRecord{
		Mask:        mask,
		MaxDimX:     int(fields[3]),
		MaxDimY:     int(fields[4]),
		ProductName: productName,
		UnixModTime: fields[5],
	}, nil
}

// Get looks up the record for productName.
func (s *BadgerCacheStore) Get(ctx context.Context, productName string) (*CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(productName))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, false, ErrStoreClosed
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache record %s: %w", productName, err)
	}

	rec, err := decodeBadgerValue(productName, value)
	if err != nil {
		return nil, false, fmt.Errorf("cache record %s: %w", productName, err)
	}
	return rec, true, nil
}

// Put inserts or replaces the record for rec.ProductName.
func (s *BadgerCacheStore) Put(ctx context.Context, rec *CacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := bitmask.Encode(rec.Mask, s.compress)
	if err != nil {
		return fmt.Errorf("failed to encode cache record %s: %w", rec.ProductName, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.ProductName), encodeBadgerValue(rec, blob))
	})
	if err != nil {
		return fmt.Errorf("failed to write cache record %s: %w", rec.ProductName, err)
	}
	return nil
}

// Delete removes the record for productName if present.
func (s *BadgerCacheStore) Delete(ctx context.Context, productName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(productName))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache record %s: %w", productName, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *BadgerCacheStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count cache records: %w", err)
	}
	return n, nil
}

// Close flushes and closes the store.
func (s *BadgerCacheStore) Close() error {
	return s.db.Close()
}
