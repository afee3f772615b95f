package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
)

// EnsureStats summarises one EnsureCache run.
type EnsureStats struct {
	Valid       int
	Regenerated int
	Failed      int
}

// EnsureCache makes sure every product has a cache record matching its current file.
//
// Lookups run in parallel on QueryThreads workers; stale or missing products are queued and
// regenerated in parallel on GenThreads workers. Per-product failures do not stop siblings;
// they are joined into the returned error and the affected products are excluded from draws.
func (s *Sampler) EnsureCache(ctx context.Context) (EnsureStats, error) {
	start := time.Now()
	var stats EnsureStats
	s.clearFailures()

	queue := make([]*catalog.ProductInfo, len(s.products))
	var queued atomic.Int64
	var valid atomic.Int64
	failures := make([]error, len(s.products))

	lookups := pool.New().WithContext(ctx).WithMaxGoroutines(s.opts.QueryThreads)
	for i, info := range s.products {
		lookups.Go(func(ctx context.Context) error {
			fresh, err := s.lookup(ctx, info)
			if err != nil {
				err = fmt.Errorf("%s: %w", info.ProductName, err)
				failures[i] = err
				return err
			}
			if fresh {
				valid.Add(1)
				return nil
			}
			queue[queued.Add(1)-1] = info
			return nil
		})
	}
	lookupErr := lookups.Wait()
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	var regenerated atomic.Int64
	gen := pool.New().WithContext(ctx).WithMaxGoroutines(s.opts.GenThreads)
	for _, info := range queue[:queued.Load()] {
		gen.Go(func(ctx context.Context) error {
			if err := s.regenerate(ctx, info); err != nil {
				err = fmt.Errorf("%s: %w", info.ProductName, err)
				s.markFailed(info, err)
				return err
			}
			regenerated.Add(1)
			return nil
		})
	}
	genErr := gen.Wait()

	for i, err := range failures {
		if err != nil {
			s.markFailed(s.products[i], err)
		}
	}

	stats.Valid = int(valid.Load())
	stats.Regenerated = int(regenerated.Load())
	stats.Failed = len(s.products) - stats.Valid - stats.Regenerated

	s.logger.Info().
		Int("products", len(s.products)).
		Int("valid", stats.Valid).
		Int("regenerated", stats.Regenerated).
		Int("failed", stats.Failed).
		Int64("ms", elapsedMS(start)).
		Msg("cache ensured")
	return stats, errors.Join(lookupErr, genErr)
}

// lookup reports whether info already has a record matching its file.
func (s *Sampler) lookup(ctx context.Context, info *catalog.ProductInfo) (bool, error) {
	modTime, err := s.opts.ModTime(info.Path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", info.Path, err)
	}
	rec, ok, err := s.opts.Cache.Get(ctx, info.ProductName)
	switch {
	case errors.Is(err, bitmask.ErrCorrupt):
		s.logger.Warn().Err(err).Str("product", info.ProductName).Msg("corrupt cache record, regenerating")
		return false, nil
	case err != nil:
		return false, err
	case !ok:
		s.logger.Debug().Str("product", info.ProductName).Msg("cache miss")
		return false, nil
	case !db.Valid(rec, info.ProductName, modTime):
		s.logger.Debug().
			Str("product", info.ProductName).
			Int64("cached", rec.UnixModTime).
			Int64("current", modTime).
			Msg("cache stale")
		return false, nil
	}
	s.logger.Debug().Str("product", info.ProductName).Msg("cache hit")
	return true, nil
}

func (s *Sampler) regenerate(ctx context.Context, info *catalog.ProductInfo) error {
	rec, err := s.GenerateRecord(ctx, info)
	if err != nil {
		return err
	}
	return s.opts.Cache.Put(ctx, rec)
}

func (s *Sampler) markFailed(info *catalog.ProductInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[info] = err
}

func (s *Sampler) clearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.failed)
}
