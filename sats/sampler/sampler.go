// Package sampler ties discovery, mask generation, the cache store and raster reads together.
//
// EnsureCache builds or refreshes every product's anchor mask. RandomSample then draws
// distinct anchors uniformly across products and extracts pixel windows concurrently. A batch
// can come back shorter than requested when individual window reads fail; callers check the
// length.
package sampler

import (
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
	"github.com/ZanzyTHEbar/sats-sampler/sats/mapgen"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
)

// GenOptions controls how anchor masks are generated and windows extracted.
type GenOptions struct {
	SampleDim       int
	MinOKPercentage float32
	CloudMax        byte
	SnowMax         byte
	SceneClass      mapgen.Bounds
	Flavors         []string
	MaskFlavor      string
	Normalize       bool
}

// Options configures a Sampler.
type Options struct {
	Cache        db.CacheStore
	Reader       raster.Reader
	Gen          GenOptions
	GenThreads   int
	QueryThreads int
	// Seed makes rank draws reproducible. Zero picks a random seed.
	Seed uint64
	// ModTime returns a product file's modification time in unix seconds. Defaults to os.Stat.
	ModTime func(path string) (int64, error)
	Logger  zerolog.Logger
}

// Sample is one extracted training window.
type Sample struct {
	Product   string
	Tile      string
	Rank      int
	Bands     [][]float32
	CRS       string
	CoordsMin [2]float64
	CoordsMax [2]float64
	Col       int
	Row       int
	Year      int
	Month     int
	Day       int
}

// Sampler draws samples from a fixed set of products.
type Sampler struct {
	opts     Options
	logger   zerolog.Logger
	products []*catalog.ProductInfo

	mu     sync.RWMutex
	failed map[*catalog.ProductInfo]error // last lookup or generation failure

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a sampler over products.
func New(products []*catalog.ProductInfo, opts Options) (*Sampler, error) {
	if len(products) == 0 {
		return nil, ErrNoProducts
	}
	if opts.Cache == nil || opts.Reader == nil {
		return nil, fmt.Errorf("sampler needs both a cache store and a raster reader")
	}
	if opts.Gen.SampleDim <= 0 {
		return nil, fmt.Errorf("invalid sample dimension %d", opts.Gen.SampleDim)
	}
	if opts.Gen.MaskFlavor == "" || len(opts.Gen.Flavors) == 0 {
		return nil, fmt.Errorf("mask flavor and at least one sample flavor are required")
	}
	opts.GenThreads = max(opts.GenThreads, 1)
	opts.QueryThreads = max(opts.QueryThreads, 1)
	if opts.ModTime == nil {
		opts.ModTime = statModTime
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Sampler{
		opts:     opts,
		logger:   opts.Logger,
		products: slices.Clone(products),
		failed:   make(map[*catalog.ProductInfo]error),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func statModTime(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().Unix(), nil
}

// SampleDim returns the side of extracted windows in native pixels.
func (s *Sampler) SampleDim() int { return s.opts.Gen.SampleDim }

// GenOptions returns the generation options.
func (s *Sampler) GenOptions() GenOptions { return s.opts.Gen }

// Products returns the products eligible for drawing: all products minus those whose last
// lookup or generation failed.
func (s *Sampler) Products() []*catalog.ProductInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*catalog.ProductInfo, 0, len(s.products))
	for _, p := range s.products {
		if _, bad := s.failed[p]; !bad {
			out = append(out, p)
		}
	}
	return out
}

// Failures returns the products excluded from drawing and why.
func (s *Sampler) Failures() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.failed))
	for _, p := range s.products {
		if err, bad := s.failed[p]; bad {
			out[p.ProductName] = err
		}
	}
	return out
}

// batchSource derives an independent random source for one batch.
func (s *Sampler) batchSource() *rand.PCG {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return rand.NewPCG(s.rng.Uint64(), s.rng.Uint64())
}

func elapsedMS(start time.Time) int64 { return time.Since(start).Milliseconds() }
