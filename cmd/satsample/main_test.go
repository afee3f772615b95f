package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
)

const productName = "S2A_MSIL2A_20200101T103321_N0213_R008_T32TNS_20200101T120000.SAFE"

type flavorBand struct {
	name string
	img  image.Image
	typ  string
}

func grayImage(dim int, v byte) image.Image {
	img := image.NewGray(image.Rect(0, 0, dim, dim))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func gray16Image(dim int, offset uint16) image.Image {
	img := image.NewGray16(image.Rect(0, 0, dim, dim))
	for i := 0; i < dim*dim; i++ {
		v := offset + uint16(i)
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}
	return img
}

func addFlavor(t *testing.T, zw *zip.Writer, product, flavor string, dim int, bands []flavorBand) {
	t.Helper()
	dir := product + "-" + flavor + ".tif"
	m := raster.Manifest{
		Width:        dim,
		Height:       dim,
		CRS:          "EPSG:32632",
		GeoTransform: []float64{600000, float64(160 / dim), 0, 5000000, 0, -float64(160 / dim)},
	}
	for _, b := range bands {
		file := b.name + ".tif"
		m.Bands = append(m.Bands, raster.ManifestBand{File: file, Description: b.name, Type: b.typ})

		var buf bytes.Buffer
		require.NoError(t, tiff.Encode(&buf, b.img, nil))
		w, err := zw.Create(dir + "/" + file)
		require.NoError(t, err)
		_, err = w.Write(buf.Bytes())
		require.NoError(t, err)
	}
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	w, err := zw.Create(dir + "/" + raster.ManifestName)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
}

func validMask() []flavorBand {
	return []flavorBand{
		{name: "B01_FOOTPRINT", img: grayImage(8, 1), typ: "byte"},
		{name: "CLD", img: grayImage(8, 0), typ: "byte"},
		{name: "SNW", img: grayImage(8, 0), typ: "byte"},
		{name: "SCL", img: grayImage(8, 4), typ: "byte"},
	}
}

// writeProduct stores one repacked product with a 16x16 HIRES, an 8x8 LOWRES and an 8x8 mask.
func writeProduct(t *testing.T, dir, product string) string {
	t.Helper()
	return writeProductWithMask(t, dir, product, validMask())
}

func writeProductWithMask(t *testing.T, dir, product string, mask []flavorBand) string {
	t.Helper()
	path := filepath.Join(dir, "REPACK_"+product+".zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	addFlavor(t, zw, product, "HIRES", 16, []flavorBand{
		{name: "B02", img: gray16Image(16, 1000), typ: "uint16"},
		{name: "B03", img: gray16Image(16, 2000), typ: "uint16"},
	})
	addFlavor(t, zw, product, "LOWRES", 8, []flavorBand{
		{name: "B05", img: gray16Image(8, 3000), typ: "uint16"},
	})
	addFlavor(t, zw, product, "MSK", 8, mask)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func baseArgs(t *testing.T) []string {
	t.Helper()
	dataDir := t.TempDir()
	writeProduct(t, dataDir, productName)
	return argsFor(t, dataDir)
}

func argsFor(t *testing.T, dataDir string) []string {
	t.Helper()
	return []string{
		"--data.dir", dataDir,
		"--cache.dbPath", filepath.Join(t.TempDir(), "cache.db"),
		"--cache.genThreads", "2",
		"--cache.queryThreads", "2",
		"--sampling.sampleDim", "4",
		"--sampling.seed", "7",
		"--log.level", "error",
	}
}

func TestRunUsage(t *testing.T) {
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, run(ctx, nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: satsample")

	stderr.Reset()
	assert.Equal(t, 2, run(ctx, []string{"shuffle"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "shuffle"`)

	assert.Equal(t, 0, run(ctx, []string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "commands:")

	assert.Equal(t, 2, run(ctx, []string{"ensure", "--no-such-flag"}, &stdout, &stderr))
}

func TestRunEnsure(t *testing.T) {
	ctx := context.Background()
	args := append([]string{"ensure"}, baseArgs(t)...)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(ctx, args, &stdout, &stderr), stderr.String())

	var first ensureSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &first))
	assert.Equal(t, ensureSummary{Products: 1, Regenerated: 1}, first)

	stdout.Reset()
	require.Equal(t, 0, run(ctx, args, &stdout, &stderr), stderr.String())
	var second ensureSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &second))
	assert.Equal(t, ensureSummary{Products: 1, Valid: 1}, second)
}

func TestRunDraw(t *testing.T) {
	ctx := context.Background()
	outDir := filepath.Join(t.TempDir(), "out")
	args := append([]string{"draw", "-n", "3", "--out", outDir}, baseArgs(t)...)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(ctx, args, &stdout, &stderr), stderr.String())

	var lines []sampleLine
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var line sampleLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)

	seen := make(map[int]bool)
	for _, line := range lines {
		assert.Equal(t, productName, line.Product)
		assert.Equal(t, "T32TNS", line.Tile)
		assert.Equal(t, "2020-01-01", line.Date)
		assert.Equal(t, "EPSG:32632", line.CRS)
		assert.Equal(t, 3, line.Bands)
		assert.False(t, seen[line.Rank], "rank %d drawn twice", line.Rank)
		seen[line.Rank] = true

		require.Len(t, line.Files, 3)
		for _, path := range line.Files {
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.EqualValues(t, 4*4*4, info.Size())
		}
	}
}

const otherProduct = "S2B_MSIL2A_20200102T103321_N0213_R008_T32TNT_20200102T120000.SAFE"

func TestRunEnsureReportsFailedProducts(t *testing.T) {
	dataDir := t.TempDir()
	writeProduct(t, dataDir, productName)
	writeProductWithMask(t, dataDir, otherProduct, []flavorBand{
		{name: "B01_FOOTPRINT", img: grayImage(8, 1), typ: "byte"},
	})
	args := append([]string{"ensure"}, argsFor(t, dataDir)...)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))

	var summary ensureSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, ensureSummary{
		Products:       1,
		Regenerated:    1,
		Failed:         1,
		FailedProducts: []string{otherProduct},
	}, summary)
}

func TestRunDrawRestrictedToTile(t *testing.T) {
	dataDir := t.TempDir()
	writeProduct(t, dataDir, productName)
	writeProduct(t, dataDir, otherProduct)
	args := append([]string{"draw", "-n", "4", "--tile", "T32TNT"}, argsFor(t, dataDir)...)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())

	var lines []sampleLine
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var line sampleLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Equal(t, otherProduct, line.Product)
		assert.Equal(t, "T32TNT", line.Tile)
	}

	stdout.Reset()
	args = append([]string{"draw", "-n", "1", "--product", "S2C_"}, argsFor(t, dataDir)...)
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

func TestRunDrawRejectsZeroCount(t *testing.T) {
	args := append([]string{"draw", "-n", "0"}, baseArgs(t)...)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) summaries(t *testing.T) []ensureSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ensureSummary
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var s ensureSummary
		if assert.NoError(t, json.Unmarshal(sc.Bytes(), &s)) {
			out = append(out, s)
		}
	}
	return out
}

func TestRunWatchFollowsProductChanges(t *testing.T) {
	dataDir := t.TempDir()
	writeProduct(t, dataDir, productName)
	args := append([]string{"watch", "--debounce", "100ms"}, argsFor(t, dataDir)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr syncBuffer
	code := make(chan int, 1)
	go func() { code <- run(ctx, args, &stdout, &stderr) }()

	require.Eventually(t, func() bool { return len(stdout.summaries(t)) == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, ensureSummary{Products: 1, Regenerated: 1}, stdout.summaries(t)[0])

	// Built elsewhere and renamed in so the archive appears complete. Retried until the watcher
	// has registered the directory.
	second := otherProduct
	staging := t.TempDir()
	require.Eventually(t, func() bool {
		src := writeProduct(t, staging, second)
		if !assert.NoError(t, os.Rename(src, filepath.Join(dataDir, filepath.Base(src)))) {
			return false
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, s := range stdout.summaries(t) {
				if s.Products == 2 {
					return true
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	last := stdout.summaries(t)
	assert.Contains(t, last, ensureSummary{Products: 2, Valid: 1, Regenerated: 1})

	require.NoError(t, os.Remove(filepath.Join(dataDir, "REPACK_"+productName+".zip")))
	require.Eventually(t, func() bool {
		for _, s := range stdout.summaries(t) {
			if s.Removed == 1 {
				return assert.Equal(t, ensureSummary{Products: 1, Valid: 1, Removed: 1}, s)
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case c := <-code:
		assert.Equal(t, 0, c)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}

	dbPath := args[slices.Index(args, "--cache.dbPath")+1]
	store, err := db.Open(context.Background(), db.StoreOptions{Driver: "sqlite", Path: dbPath, PoolSize: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.Get(context.Background(), productName)
	require.NoError(t, err)
	assert.False(t, ok, "record of the removed archive is deleted")
	_, ok, err = store.Get(context.Background(), otherProduct)
	require.NoError(t, err)
	assert.True(t, ok)
}
