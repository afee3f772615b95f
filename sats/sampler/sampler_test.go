package sampler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
	"github.com/ZanzyTHEbar/sats-sampler/sats/mapgen"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
)

const (
	maxDim  = 16
	maskDim = 8
	dim     = 4
)

var hiresTransform = raster.GeoTransform{500000, 10, 0, 4600000, 0, -10}

type fixture struct {
	mem      *raster.Memory
	store    *db.MockCacheStore
	products []*catalog.ProductInfo

	mu       sync.Mutex
	modTimes map[string]int64
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ramp(n int, offset float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) + offset
	}
	return out
}

// maskBands returns a fully valid footprint/cloud/snow/scene mask of maskDim x maskDim.
func maskBands() []raster.MemoryBand {
	n := maskDim * maskDim
	return []raster.MemoryBand{
		{Description: "B01_FOOTPRINT", Type: raster.Byte, Data: filled(n, 1)},
		{Description: BandCloud, Type: raster.Byte, Data: filled(n, 0)},
		{Description: BandSnow, Type: raster.Byte, Data: filled(n, 0)},
		{Description: BandSceneClass, Type: raster.Byte, Data: filled(n, 5)},
	}
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		mem:      raster.NewMemory(),
		store:    db.NewMockCacheStore(),
		modTimes: make(map[string]int64),
	}
	for i := 0; i < n; i++ {
		info := &catalog.ProductInfo{
			ID:          i,
			Path:        fmt.Sprintf("/data/REPACK_p%d.zip", i),
			Year:        2020,
			Month:       1,
			Day:         i + 1,
			ProductName: fmt.Sprintf("S2A_MSIL2A_202001%02dT000000_N0213_R008_T32TNS_X.SAFE", i+1),
			TileName:    "T32TNS",
			MaxDimX:     maxDim,
			MaxDimY:     maxDim,
		}
		f.products = append(f.products, info)
		f.modTimes[info.Path] = 1000
		f.setMask(info, maskBands())
		f.mem.Add(catalog.FlavorURI(info, "HIRES"), &raster.MemoryDataset{
			X: maxDim, Y: maxDim, Proj: "EPSG:32632", Transform: hiresTransform,
			Bands: []raster.MemoryBand{
				{Description: "B02", Type: raster.UInt16, Data: ramp(maxDim*maxDim, 0)},
				{Description: "B03", Type: raster.UInt16, Data: ramp(maxDim*maxDim, 1000)},
			},
		})
		f.mem.Add(catalog.FlavorURI(info, "LOWRES"), &raster.MemoryDataset{
			X: maxDim / 2, Y: maxDim / 2, Proj: "EPSG:32632",
			Bands: []raster.MemoryBand{
				{Description: "B05", Type: raster.UInt16, Data: ramp(maxDim*maxDim/4, 0)},
			},
		})
	}
	return f
}

func (f *fixture) setMask(info *catalog.ProductInfo, bands []raster.MemoryBand) {
	f.mem.Add(catalog.FlavorURI(info, "MSK"), &raster.MemoryDataset{X: maskDim, Y: maskDim, Bands: bands})
}

func (f *fixture) touch(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modTimes[path]++
}

func (f *fixture) modTime(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mt, ok := f.modTimes[path]
	if !ok {
		return 0, fmt.Errorf("stat %s: no such file", path)
	}
	return mt, nil
}

func (f *fixture) options(store db.CacheStore) Options {
	return Options{
		Cache:  store,
		Reader: f.mem,
		Gen: GenOptions{
			SampleDim:       dim,
			MinOKPercentage: 0.99,
			CloudMax:        50,
			SnowMax:         50,
			SceneClass:      mapgen.SceneClassBounds,
			Flavors:         []string{"HIRES", "LOWRES"},
			MaskFlavor:      "MSK",
		},
		GenThreads:   3,
		QueryThreads: 4,
		Seed:         42,
		ModTime:      f.modTime,
		Logger:       zerolog.Nop(),
	}
}

func (f *fixture) sampler(t *testing.T) *Sampler {
	t.Helper()
	s, err := New(f.products, f.options(f.store))
	require.NoError(t, err)
	return s
}

// anchorsPerProduct is the number of 2x2 mask windows in a fully valid 8x8 mask.
const anchorsPerProduct = 7 * 7

func TestNewValidation(t *testing.T) {
	f := newFixture(t, 1)
	_, err := New(nil, f.options(f.store))
	assert.ErrorIs(t, err, ErrNoProducts)

	opts := f.options(f.store)
	opts.Gen.SampleDim = 0
	_, err = New(f.products, opts)
	assert.Error(t, err)
}

func TestEnsureCacheGeneratesMissing(t *testing.T) {
	f := newFixture(t, 3)
	s := f.sampler(t)
	ctx := context.Background()

	stats, err := s.EnsureCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnsureStats{Regenerated: 3}, stats)
	for _, p := range f.products {
		assert.Equal(t, 1, f.store.Puts(p.ProductName))
		rec, ok, err := f.store.Get(ctx, p.ProductName)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, anchorsPerProduct, rec.Mask.NOK)
		assert.Equal(t, int64(1000), rec.UnixModTime)
	}

	stats, err = s.EnsureCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnsureStats{Valid: 3}, stats)
	for _, p := range f.products {
		assert.Equal(t, 1, f.store.Puts(p.ProductName), "valid records are not rewritten")
	}
}

func TestEnsureCacheRegeneratesOnlyStaleProduct(t *testing.T) {
	f := newFixture(t, 3)
	s := f.sampler(t)
	ctx := context.Background()

	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	f.touch(f.products[1].Path)
	stats, err := s.EnsureCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnsureStats{Valid: 2, Regenerated: 1}, stats)

	assert.Equal(t, 1, f.store.Puts(f.products[0].ProductName))
	assert.Equal(t, 2, f.store.Puts(f.products[1].ProductName))
	assert.Equal(t, 1, f.store.Puts(f.products[2].ProductName))

	rec, _, err := f.store.Get(ctx, f.products[1].ProductName)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), rec.UnixModTime)
}

func TestEnsureCacheRegeneratesCorruptRecord(t *testing.T) {
	f := newFixture(t, 2)
	name := f.products[0].ProductName
	f.store.GetErr[name] = fmt.Errorf("cache record %s: %w", name, bitmask.ErrCorrupt)
	s := f.sampler(t)

	stats, err := s.EnsureCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Regenerated)
	assert.Equal(t, 1, f.store.Puts(name))
}

func TestEnsureCacheExcludesFailedProducts(t *testing.T) {
	f := newFixture(t, 3)
	bad := f.products[2]
	f.setMask(bad, maskBands()[:2]) // footprint and cloud only
	f.store.GetErr[f.products[0].ProductName] = errors.New("disk on fire")
	s := f.sampler(t)

	stats, err := s.EnsureCache(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingBands)
	assert.Contains(t, err.Error(), bad.ProductName)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, EnsureStats{Regenerated: 1, Failed: 2}, stats)

	products := s.Products()
	require.Len(t, products, 1)
	assert.Same(t, f.products[1], products[0])
	assert.Len(t, s.Failures(), 2)

	// Fixing the product and re-running brings it back.
	f.setMask(bad, maskBands())
	delete(f.store.GetErr, f.products[0].ProductName)
	_, err = s.EnsureCache(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.Products(), 3)
}

func TestGenerateRecordExcludesCloudyWindows(t *testing.T) {
	f := newFixture(t, 1)
	bands := maskBands()
	bands[1].Data[3*maskDim+3] = 80 // cloud above threshold at (3,3)
	f.setMask(f.products[0], bands)
	s := f.sampler(t)

	rec, err := s.GenerateRecord(context.Background(), f.products[0])
	require.NoError(t, err)
	// The four 2x2 windows covering (3,3) are lost.
	assert.Equal(t, anchorsPerProduct-4, rec.Mask.NOK)
	assert.Equal(t, maskDim, rec.Mask.NCols)
	assert.Equal(t, maskDim, rec.Mask.NRows)
	assert.Equal(t, maxDim, rec.MaxDimX)
	assert.False(t, rec.Mask.Get(2*maskDim+2))
	assert.True(t, rec.Mask.Get(4*maskDim+4))
}

func TestGenerateRecordSceneClass(t *testing.T) {
	f := newFixture(t, 1)
	bands := maskBands()
	for i := range bands[3].Data {
		bands[3].Data[i] = 9 // cloud shadow class everywhere
	}
	f.setMask(f.products[0], bands)
	s := f.sampler(t)

	rec, err := s.GenerateRecord(context.Background(), f.products[0])
	require.NoError(t, err)
	assert.Zero(t, rec.Mask.NOK)
}

func TestGenerateRecordErrors(t *testing.T) {
	t.Run("scaling factor", func(t *testing.T) {
		f := newFixture(t, 1)
		f.mem.Add(catalog.FlavorURI(f.products[0], "MSK"), &raster.MemoryDataset{X: 5, Y: 5, Bands: maskBands()})
		_, err := f.sampler(t).GenerateRecord(context.Background(), f.products[0])
		assert.ErrorIs(t, err, ErrScalingFactor)
	})
	t.Run("missing bands", func(t *testing.T) {
		f := newFixture(t, 1)
		bands := maskBands()
		f.setMask(f.products[0], []raster.MemoryBand{bands[0], bands[2]})
		_, err := f.sampler(t).GenerateRecord(context.Background(), f.products[0])
		assert.ErrorIs(t, err, ErrMissingBands)
	})
	t.Run("non byte band", func(t *testing.T) {
		f := newFixture(t, 1)
		bands := maskBands()
		bands[1].Type = raster.UInt16
		f.setMask(f.products[0], bands)
		_, err := f.sampler(t).GenerateRecord(context.Background(), f.products[0])
		assert.ErrorIs(t, err, raster.ErrUnsupportedDataType)
	})
	t.Run("missing mask flavor", func(t *testing.T) {
		f := newFixture(t, 1)
		info := *f.products[0]
		info.ProductName = "S2A_UNKNOWN.SAFE"
		_, err := f.sampler(t).GenerateRecord(context.Background(), &info)
		assert.ErrorIs(t, err, raster.ErrNotFound)
	})
}

func TestClassifyBandsPositional(t *testing.T) {
	bands := []raster.BandInfo{{Index: 1}, {Index: 2}, {Index: 3}, {Index: 4}}
	l, err := classifyBands(bands)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, l.footprints)
	assert.Equal(t, 3, l.cloud)
	assert.Equal(t, 4, l.snow)
	assert.Zero(t, l.scene)

	_, err = classifyBands(bands[:2])
	assert.ErrorIs(t, err, ErrMissingBands)
}

func TestScalingFactor(t *testing.T) {
	tests := []struct {
		maxX, maxY, x, y int
		want             int
		ok               bool
	}{
		{10980, 10980, 5490, 5490, 2, true},
		{10980, 10980, 10980, 10980, 1, true},
		{10980, 10980, 1830, 1830, 6, true},
		{10980, 10980, 5000, 5000, 0, false},
		{100, 50, 50, 50, 0, false},
		{100, 100, 0, 50, 0, false},
	}
	for _, tt := range tests {
		got, err := ScalingFactor(tt.maxX, tt.maxY, tt.x, tt.y)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrScalingFactor)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, 2, maskWindow(4, 2))
	assert.Equal(t, 43, maskWindow(256, 6))
}

func TestRandomSampleDistinctAnchors(t *testing.T) {
	f := newFixture(t, 1)
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, 30)
	require.NoError(t, err)
	require.Len(t, samples, 30)

	seen := map[int]bool{}
	for _, smp := range samples {
		assert.False(t, seen[smp.Rank], "rank %d drawn twice", smp.Rank)
		seen[smp.Rank] = true
		assert.Equal(t, f.products[0].ProductName, smp.Product)
	}
}

func TestRandomSampleWindows(t *testing.T) {
	f := newFixture(t, 2)
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, 20)
	require.NoError(t, err)
	require.Len(t, samples, 20)

	for _, smp := range samples {
		require.Len(t, smp.Bands, 3, "two HIRES bands and one LOWRES band")
		for _, b := range smp.Bands {
			require.Len(t, b, dim*dim)
		}
		assert.Zero(t, smp.Col%2)
		assert.Zero(t, smp.Row%2)
		assert.LessOrEqual(t, smp.Col+dim, maxDim)
		assert.LessOrEqual(t, smp.Row+dim, maxDim)

		// HIRES is a ramp at native size.
		assert.Equal(t, float32(smp.Row*maxDim+smp.Col), smp.Bands[0][0])
		assert.Equal(t, float32(smp.Row*maxDim+smp.Col+1000), smp.Bands[1][0])
		// LOWRES is half size and viewed through a nearest-neighbour upsample.
		assert.Equal(t, float32((smp.Row/2)*(maxDim/2)+smp.Col/2), smp.Bands[2][0])
		assert.Equal(t, smp.Bands[2][0], smp.Bands[2][1])

		assert.Equal(t, "EPSG:32632", smp.CRS)
		assert.Equal(t, [2]float64{500000 + 10*float64(smp.Col), 4600000 - 10*float64(smp.Row+dim)}, smp.CoordsMin)
		assert.Equal(t, [2]float64{500000 + 10*float64(smp.Col+dim), 4600000 - 10*float64(smp.Row)}, smp.CoordsMax)
		assert.Equal(t, 2020, smp.Year)
	}

	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		assert.True(t, a.Product < b.Product || (a.Product == b.Product && a.Rank < b.Rank), "ordered by product then rank")
	}
}

func TestRandomSampleSkipsEmptyProducts(t *testing.T) {
	f := newFixture(t, 2)
	bands := maskBands()
	for i := range bands[1].Data {
		bands[1].Data[i] = 100
	}
	f.setMask(f.products[0], bands)
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 10)
	for _, smp := range samples {
		assert.Equal(t, f.products[1].ProductName, smp.Product)
	}
}

func TestRandomSampleInsufficientAnchors(t *testing.T) {
	f := newFixture(t, 1)
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, anchorsPerProduct)
	require.NoError(t, err)
	assert.Len(t, samples, anchorsPerProduct, "every anchor can be drawn exactly once")

	_, err = s.RandomSample(ctx, anchorsPerProduct+1)
	assert.ErrorIs(t, err, ErrInsufficientAnchors)
}

func TestRandomSamplePartialBatch(t *testing.T) {
	f := newFixture(t, 1)
	info := f.products[0]
	f.mem.Add(catalog.FlavorURI(info, "HIRES"), &raster.MemoryDataset{
		X: maxDim, Y: maxDim, Proj: "EPSG:32632", Transform: hiresTransform,
		Bands: []raster.MemoryBand{{Type: raster.UInt16, Data: ramp(maxDim*maxDim, 0)}},
		ReadHook: func(band, x, y, w, h int) error {
			if y < 4 {
				return errors.New("bad block")
			}
			return nil
		},
	})
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, anchorsPerProduct)
	require.NoError(t, err)
	// Anchors in mask rows 0 and 1 start above native row 4 and fail.
	assert.Len(t, samples, anchorsPerProduct-2*7)
	for _, smp := range samples {
		assert.GreaterOrEqual(t, smp.Row, 4)
	}
}

func TestRandomSampleRequiresCache(t *testing.T) {
	f := newFixture(t, 1)
	s := f.sampler(t)
	_, err := s.RandomSample(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestRandomSampleFetchFailureAborts(t *testing.T) {
	f := newFixture(t, 1)
	s := f.sampler(t)
	ctx := context.Background()
	_, err := s.EnsureCache(ctx)
	require.NoError(t, err)

	boom := errors.New("store unavailable")
	f.store.GetErr[f.products[0].ProductName] = boom
	samples, err := s.RandomSample(ctx, 3)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, samples)
}

func TestRandomSampleSeedIsReproducible(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	_, err := f.sampler(t).EnsureCache(ctx)
	require.NoError(t, err)

	draw := func() []string {
		samples, err := f.sampler(t).RandomSample(ctx, 12)
		require.NoError(t, err)
		out := make([]string, len(samples))
		for i, smp := range samples {
			out[i] = fmt.Sprintf("%s/%d", smp.Product, smp.Rank)
		}
		return out
	}
	assert.Equal(t, draw(), draw())
}

func TestRandomSampleNormalize(t *testing.T) {
	f := newFixture(t, 1)
	opts := f.options(f.store)
	opts.Gen.Normalize = true
	s, err := New(f.products, opts)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.EnsureCache(ctx)
	require.NoError(t, err)

	samples, err := s.RandomSample(ctx, 5)
	require.NoError(t, err)
	for _, smp := range samples {
		for _, b := range smp.Bands {
			for _, v := range b {
				assert.True(t, v >= 0 && v <= 1)
			}
		}
	}
}

func TestSamplerWithSQLStore(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	store, err := db.NewSQLCacheStore(ctx, db.StoreOptions{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "cache.db"),
		PoolSize: 4,
		Compress: true,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer store.Close()

	s, err := New(f.products, f.options(store))
	require.NoError(t, err)

	stats, err := s.EnsureCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Regenerated)

	stats, err = s.EnsureCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Valid)

	samples, err := s.RandomSample(ctx, 15)
	require.NoError(t, err)
	assert.Len(t, samples, 15)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAccessors(t *testing.T) {
	f := newFixture(t, 2)
	s := f.sampler(t)
	assert.Equal(t, dim, s.SampleDim())
	assert.Equal(t, "MSK", s.GenOptions().MaskFlavor)
	assert.Len(t, s.Products(), 2)
}
