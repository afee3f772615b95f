package sampler

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
)

// selection is one drawn anchor, not yet resolved to pixels.
type selection struct {
	order int // position of the product in the draw set
	info  *catalog.ProductInfo
	rec   *db.CacheRecord
	rank  int
}

// RandomSample draws n distinct anchors and extracts their windows.
//
// Each draw picks a product uniformly, then a rank uniformly among its anchors. Products with
// no anchors left are dropped from the draw. A failed cache fetch aborts the call; a failed
// window read only drops that selection, so the result may hold fewer than n samples.
// Samples are ordered by product, then rank.
func (s *Sampler) RandomSample(ctx context.Context, n int) ([]Sample, error) {
	if n <= 0 {
		return nil, nil
	}
	products := s.Products()
	if len(products) == 0 {
		return nil, ErrNoProducts
	}
	start := time.Now()
	batch := uuid.New()
	logger := s.logger.With().Str("batch", batch.String()).Logger()

	selections, err := s.draw(ctx, products, n)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		samples = make([]Sample, 0, len(selections))
		kept    = make([]selection, 0, len(selections))
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.opts.QueryThreads)
	for _, sel := range selections {
		p.Go(func(ctx context.Context) error {
			sample, err := s.extract(ctx, sel)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("product", sel.info.ProductName).
					Int("rank", sel.rank).
					Msg("dropping selection")
				return nil
			}
			mu.Lock()
			samples = append(samples, sample)
			kept = append(kept, sel)
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := cmp.Compare(kept[a].order, kept[b].order); c != 0 {
			return c
		}
		return cmp.Compare(kept[a].rank, kept[b].rank)
	})
	out := make([]Sample, len(samples))
	for i, j := range idx {
		out[i] = samples[j]
	}

	logger.Info().
		Int("requested", n).
		Int("returned", len(out)).
		Int64("ms", elapsedMS(start)).
		Msg("batch sampled")
	return out, nil
}

// draw collects n distinct (product, rank) selections. Records are fetched lazily, once per
// product, and shared by every selection of that product for this batch.
func (s *Sampler) draw(ctx context.Context, products []*catalog.ProductInfo, n int) ([]selection, error) {
	src := s.batchSource()
	rng := rand.New(src)
	ones := make([]float64, len(products))
	for i := range ones {
		ones[i] = 1
	}
	picker := sampleuv.NewWeighted(ones, src)

	records := make(map[int]*db.CacheRecord, len(products))
	seen := make(map[int]*roaring64.Bitmap, len(products))
	selections := make([]selection, 0, n)
	available := 0

	for len(selections) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Take zeroes the weight of the chosen product; it is restored below while the
		// product still has undrawn anchors.
		i, ok := picker.Take()
		if !ok {
			return nil, fmt.Errorf("%w: requested %d, %d anchors across %d products",
				ErrInsufficientAnchors, n, available, len(products))
		}
		info := products[i]

		rec, fetched := records[i]
		if !fetched {
			var err error
			rec, err = s.fetch(ctx, info)
			if err != nil {
				return nil, err
			}
			records[i] = rec
			seen[i] = roaring64.New()
			available += rec.Mask.NOK
			if len(records) == len(products) && available < n {
				return nil, fmt.Errorf("%w: requested %d, %d anchors across %d products",
					ErrInsufficientAnchors, n, available, len(products))
			}
		}
		nOK := rec.Mask.NOK
		if nOK == 0 {
			continue
		}

		k := rng.IntN(nOK)
		added := seen[i].CheckedAdd(uint64(k))
		if int(seen[i].GetCardinality()) < nOK {
			picker.Reweight(i, 1)
		}
		if !added {
			continue
		}
		selections = append(selections, selection{order: i, info: info, rec: rec, rank: k})
	}
	return selections, nil
}

// fetch loads the cache record of info for drawing.
func (s *Sampler) fetch(ctx context.Context, info *catalog.ProductInfo) (*db.CacheRecord, error) {
	rec, ok, err := s.opts.Cache.Get(ctx, info.ProductName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cache record of %s: %w", info.ProductName, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, info.ProductName)
	}
	return rec, nil
}
