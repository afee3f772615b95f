package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
)

// DiscoverOptions configures Discover.
type DiscoverOptions struct {
	Reader  raster.Reader
	Flavors []string
	Range   DateRange
	Threads int
	Logger  zerolog.Logger
}

// Discover walks dir for product archives, keeps those inside the date range whose flavors
// open with compatible resolutions, and returns them sorted by path with sequential IDs.
// Products that fail probing are logged and skipped.
func Discover(ctx context.Context, dir string, opts DiscoverOptions) ([]*ProductInfo, error) {
	type candidate struct {
		path string
		name Name
	}
	var candidates []candidate

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, err := ParseProductFilename(d.Name())
		if err != nil {
			return nil
		}
		if !opts.Range.Contains(name.Date) {
			opts.Logger.Debug().Str("path", path).Time("date", name.Date).Msg("product outside date range")
			return nil
		}
		candidates = append(candidates, candidate{path: path, name: name})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	threads := max(opts.Threads, 1)
	results := make([]*ProductInfo, len(candidates))
	var skipped atomic.Int64

	p := pool.New().WithMaxGoroutines(threads).WithContext(ctx)
	for i, c := range candidates {
		p.Go(func(ctx context.Context) error {
			path, err := canonicalPath(c.path)
			if err != nil {
				skipped.Add(1)
				opts.Logger.Warn().Err(err).Str("path", c.path).Msg("skipping product")
				return nil
			}
			info := &ProductInfo{
				Path:        path,
				Year:        c.name.Year,
				Month:       c.name.Month,
				Day:         c.name.Day,
				Date:        c.name.Date,
				ProductName: c.name.ProductName,
				TileName:    c.name.TileName,
			}
			info.MaxDimX, info.MaxDimY, err = MaxResolution(ctx, opts.Reader, info, opts.Flavors)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				skipped.Add(1)
				opts.Logger.Warn().Err(err).Str("path", path).Msg("skipping product")
				return nil
			}
			opts.Logger.Debug().
				Str("product", info.ProductName).
				Str("tile", info.TileName).
				Int("maxDimX", info.MaxDimX).
				Int("maxDimY", info.MaxDimY).
				Msg("product discovered")
			results[i] = info
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	products := slices.DeleteFunc(results, func(p *ProductInfo) bool { return p == nil })
	slices.SortFunc(products, func(a, b *ProductInfo) int { return strings.Compare(a.Path, b.Path) })
	for i, p := range products {
		p.ID = i
	}

	opts.Logger.Info().
		Str("dir", dir).
		Int("products", len(products)).
		Int64("skipped", skipped.Load()).
		Msg("discovery finished")
	return products, nil
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// MaxResolution opens every flavor of info and returns the largest size. Every flavor must
// divide the maximum evenly on both axes.
func MaxResolution(ctx context.Context, r raster.Reader, info *ProductInfo, flavors []string) (int, int, error) {
	if len(flavors) == 0 {
		return 0, 0, fmt.Errorf("no flavors configured for %s", info.ProductName)
	}
	dims := make([][2]int, len(flavors))
	maxX, maxY := 0, 0
	for i, flavor := range flavors {
		ds, err := r.Open(ctx, FlavorURI(info, flavor))
		if err != nil {
			return 0, 0, fmt.Errorf("failed to open flavor %s: %w", flavor, err)
		}
		x, y := ds.Size()
		_ = ds.Close()
		if x <= 0 || y <= 0 {
			return 0, 0, fmt.Errorf("flavor %s has empty size %dx%d", flavor, x, y)
		}
		dims[i] = [2]int{x, y}
		maxX, maxY = max(maxX, x), max(maxY, y)
	}
	for i, d := range dims {
		if maxX%d[0] != 0 || maxY%d[1] != 0 {
			return 0, 0, fmt.Errorf("%w: flavor %s is %dx%d, maximum is %dx%d",
				ErrResolutionMismatch, flavors[i], d[0], d[1], maxX, maxY)
		}
	}
	return maxX, maxY, nil
}
