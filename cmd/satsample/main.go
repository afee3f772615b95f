// Command satsample maintains the anchor mask cache of a directory of repacked products and
// draws random training windows from it.
//
//	satsample ensure [--config file] [flags]
//	satsample draw -n N [--out dir] [--tile T] [--product prefix] [flags]
//	satsample watch [--debounce 2s] [flags]
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	internal "github.com/ZanzyTHEbar/sats-sampler/sats"
	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/config"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
	"github.com/ZanzyTHEbar/sats-sampler/sats/mapgen"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
	"github.com/ZanzyTHEbar/sats-sampler/sats/sampler"
)

const usage = `usage: satsample <command> [flags]

commands:
  ensure   discover products and bring the mask cache up to date
  draw     ensure the cache, then draw -n random samples
  watch    ensure the cache, then refresh it whenever product archives change
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "ensure", "draw", "watch":
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}

	flags := newFlagSet(cmd, stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	configPath, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(configPath, flags)
	if err != nil {
		fmt.Fprintf(stderr, "satsample: %v\n", err)
		return 1
	}
	logger := internal.NewLogger(stderr, cfg.Log.Level)

	a, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("setup failed")
		return 1
	}
	defer a.close()

	switch cmd {
	case "ensure":
		_, err := a.ensure(ctx, stdout)
		if err != nil {
			logger.Error().Err(err).Msg("ensure failed")
			return 1
		}
	case "draw":
		a.tile, _ = flags.GetString("tile")
		a.prefix, _ = flags.GetString("product")
		smp, err := a.ensure(ctx, io.Discard)
		if smp == nil {
			logger.Error().Err(err).Msg("ensure failed")
			return 1
		}
		n, _ := flags.GetInt("count")
		outDir, _ := flags.GetString("out")
		if err := draw(ctx, smp, n, outDir, stdout); err != nil {
			logger.Error().Err(err).Msg("draw failed")
			return 1
		}
	case "watch":
		if _, err := a.ensure(ctx, stdout); err != nil {
			logger.Warn().Err(err).Msg("initial ensure incomplete")
		}
		debounce, _ := flags.GetDuration("debounce")
		err := catalog.Watch(ctx, cfg.Data.Dir, catalog.WatchOptions{
			Debounce: debounce,
			Logger:   logger.With().Str("component", "watch").Logger(),
		}, func(ctx context.Context, paths []string) error {
			logger.Info().Int("changed", len(paths)).Msg("refreshing cache")
			_, err := a.ensure(ctx, stdout)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Msg("watch failed")
			return 1
		}
	}
	return 0
}

func newFlagSet(cmd string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.String("config", "", "path to a YAML config file")
	fs.String("data.dir", ".", "directory searched for product archives")
	fs.String("data.minDate", "", "earliest acquisition date (YYYY-MM-DD)")
	fs.String("data.maxDate", "", "latest acquisition date (YYYY-MM-DD)")
	fs.Int("data.bandCacheMB", internal.DefaultBandCacheMB, "memory budget of decoded bands in MiB")
	fs.String("cache.dbPath", internal.DefaultCacheDBPath, "mask cache location")
	fs.String("cache.driver", internal.DefaultCacheDriver, "mask cache backend: sqlite, libsql or badger")
	fs.Int("cache.genThreads", internal.DefaultThreads, "concurrent mask generations")
	fs.Int("cache.queryThreads", internal.DefaultThreads, "concurrent cache lookups and extractions")
	fs.Bool("cache.compress", internal.DefaultCacheCompress, "zstd compress stored masks")
	fs.Int("sampling.sampleDim", internal.DefaultSampleDim, "sample window size in native pixels")
	fs.Float64("sampling.minOKPercentage", internal.DefaultMinOKPercentage, "minimum valid fraction of a window")
	fs.StringSlice("sampling.flavors", internal.DefaultFlavors, "flavors extracted for each sample")
	fs.Bool("sampling.normalize", false, "percentile normalise extracted bands")
	fs.Uint64("sampling.seed", 0, "rank draw seed, 0 picks one at random")
	fs.String("log.level", internal.DefaultLogLevel, "log level")

	switch cmd {
	case "draw":
		fs.IntP("count", "n", 1, "number of samples to draw")
		fs.String("out", "", "directory receiving one .bin file per sample band")
		fs.String("tile", "", "only draw from products of this tile")
		fs.String("product", "", "only draw from products whose name starts with this prefix")
	case "watch":
		fs.Duration("debounce", catalog.DefaultDebounce, "quiet period before a changed archive is processed")
	}
	return fs
}

type app struct {
	cfg    *config.Config
	reader *raster.Repack
	store  db.CacheStore
	logger zerolog.Logger

	// Optional draw restriction to a tile and product name prefix.
	tile   string
	prefix string
	// Products of the previous discovery, used to prune records of removed archives.
	index *catalog.Index
}

// setup opens the resources shared by every ensure pass: the band reader and the cache store.
func setup(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	reader, err := raster.NewRepack(raster.RepackOptions{
		CacheBytes: int64(cfg.Data.BandCacheMB) << 20,
		Logger:     logger.With().Str("component", "repack").Logger(),
	})
	if err != nil {
		return nil, err
	}

	store, err := db.Open(ctx, db.StoreOptions{
		Driver:   cfg.Cache.Driver,
		Path:     cfg.Cache.DBPath,
		PoolSize: cfg.Cache.PoolSize(),
		Compress: cfg.Cache.Compress,
		Logger:   logger.With().Str("component", "cache").Logger(),
	})
	if err != nil {
		reader.Close()
		return nil, err
	}

	return &app{cfg: cfg, reader: reader, store: store, logger: logger}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close cache store")
	}
	a.reader.Close()
}

// newSampler discovers the current products and builds a sampler over them. Cache records of
// products gone since the previous discovery are deleted; the count is returned.
func (a *app) newSampler(ctx context.Context) (*sampler.Sampler, int, error) {
	minDate, maxDate, err := a.cfg.Data.DateBounds()
	if err != nil {
		return nil, err
	}
	products, err := catalog.Discover(ctx, a.cfg.Data.Dir, catalog.DiscoverOptions{
		Reader:  a.reader,
		Flavors: a.cfg.Sampling.Flavors,
		Range:   catalog.DateRange{Min: minDate, Max: maxDate},
		Threads: a.cfg.Cache.QueryThreads,
		Logger:  a.logger.With().Str("component", "catalog").Logger(),
	})
	if err != nil {
		return nil, 0, err
	}
	a.logger.Info().Int("products", len(products)).Str("dir", a.cfg.Data.Dir).Msg("discovered products")

	index := catalog.NewIndex(products)
	removed, err := a.prune(ctx, index)
	if err != nil {
		return nil, removed, err
	}
	if a.tile != "" || a.prefix != "" {
		products = index.Filter(a.tile, a.prefix)
		a.logger.Info().
			Str("tile", a.tile).
			Str("prefix", a.prefix).
			Int("products", len(products)).
			Msg("restricted products")
	}

	s := a.cfg.Sampling
	smp, err := sampler.New(products, sampler.Options{
		Cache:  a.store,
		Reader: a.reader,
		Gen: sampler.GenOptions{
			SampleDim:       s.SampleDim,
			MinOKPercentage: float32(s.MinOKPercentage),
			CloudMax:        byte(s.CloudMax),
			SnowMax:         byte(s.SnowMax),
			SceneClass:      mapgen.Bounds{Min: byte(s.SceneClassMin), Max: byte(s.SceneClassMax)},
			Flavors:         s.Flavors,
			MaskFlavor:      s.MaskFlavor,
			Normalize:       s.Normalize,
		},
		GenThreads:   a.cfg.Cache.GenThreads,
		QueryThreads: a.cfg.Cache.QueryThreads,
		Seed:         s.Seed,
		Logger:       a.logger.With().Str("component", "sampler").Logger(),
	})
	return smp, removed, err
}

// prune deletes the cache records of products present in the previous discovery but not in
// next, then remembers next.
func (a *app) prune(ctx context.Context, next *catalog.Index) (int, error) {
	prev := a.index
	a.index = next
	if prev == nil {
		return 0, nil
	}
	removed := prev.Missing(next)
	for _, name := range removed {
		if err := a.store.Delete(ctx, name); err != nil {
			return 0, fmt.Errorf("failed to delete cache record of %s: %w", name, err)
		}
		a.logger.Info().Str("product", name).Msg("deleted cache record of removed product")
	}
	return len(removed), nil
}

// ensure discovers products, brings their cache records up to date and writes a summary line to
// out. The sampler is returned whenever one could be built, even if some products failed.
func (a *app) ensure(ctx context.Context, out io.Writer) (*sampler.Sampler, error) {
	smp, removed, err := a.newSampler(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := smp.EnsureCache(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Int("failed", stats.Failed).Msg("some products could not be cached")
	}
	summary := ensureSummary{
		Products:    len(smp.Products()),
		Valid:       stats.Valid,
		Regenerated: stats.Regenerated,
		Failed:      stats.Failed,
		Removed:     removed,
	}
	for name := range smp.Failures() {
		summary.FailedProducts = append(summary.FailedProducts, name)
	}
	slices.Sort(summary.FailedProducts)
	if encErr := json.NewEncoder(out).Encode(summary); encErr != nil {
		return smp, fmt.Errorf("failed to write summary: %w", encErr)
	}
	return smp, err
}

type ensureSummary struct {
	Products       int      `json:"products"`
	Valid          int      `json:"valid"`
	Regenerated    int      `json:"regenerated"`
	Failed         int      `json:"failed"`
	Removed        int      `json:"removed,omitempty"`
	FailedProducts []string `json:"failedProducts,omitempty"`
}

type sampleLine struct {
	Product   string     `json:"product"`
	Tile      string     `json:"tile"`
	Rank      int        `json:"rank"`
	Col       int        `json:"col"`
	Row       int        `json:"row"`
	Date      string     `json:"date"`
	CRS       string     `json:"crs"`
	CoordsMin [2]float64 `json:"coordsMin"`
	CoordsMax [2]float64 `json:"coordsMax"`
	Bands     int        `json:"bands"`
	Files     []string   `json:"files,omitempty"`
}

func draw(ctx context.Context, s *sampler.Sampler, n int, outDir string, stdout io.Writer) error {
	if n <= 0 {
		return fmt.Errorf("sample count must be positive, got %d", n)
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	samples, err := s.RandomSample(ctx, n)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	for i, smp := range samples {
		line := sampleLine{
			Product:   smp.Product,
			Tile:      smp.Tile,
			Rank:      smp.Rank,
			Col:       smp.Col,
			Row:       smp.Row,
			Date:      fmt.Sprintf("%04d-%02d-%02d", smp.Year, smp.Month, smp.Day),
			CRS:       smp.CRS,
			CoordsMin: smp.CoordsMin,
			CoordsMax: smp.CoordsMax,
			Bands:     len(smp.Bands),
		}
		if outDir != "" {
			prefix := fmt.Sprintf("%04d_%s_%d", i, strings.TrimSuffix(smp.Product, ".SAFE"), smp.Rank)
			for b, data := range smp.Bands {
				path := filepath.Join(outDir, fmt.Sprintf("%s_b%02d.bin", prefix, b+1))
				if err := writeBand(path, data); err != nil {
					return err
				}
				line.Files = append(line.Files, path)
			}
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}
	return nil
}

// writeBand stores data as raw little-endian float32.
func writeBand(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
