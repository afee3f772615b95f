package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"
)

// ArchiveSeparator splits a repack URI into the zip path and the flavor directory inside it.
const ArchiveSeparator = "!/"

// ManifestName is the file describing a flavor directory.
const ManifestName = "manifest.yaml"

// Manifest describes one flavor of a repacked product: a directory inside the product zip holding
// one single-band TIFF per band.
type Manifest struct {
	Width        int            `yaml:"width"`
	Height       int            `yaml:"height"`
	CRS          string         `yaml:"crs"`
	GeoTransform []float64      `yaml:"geotransform"`
	Bands        []ManifestBand `yaml:"bands"`
}

// ManifestBand names the TIFF holding one band.
type ManifestBand struct {
	File        string `yaml:"file"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
}

// RepackOptions configures the repack reader.
type RepackOptions struct {
	// CacheBytes bounds the memory spent on decoded bands.
	CacheBytes int64
	Logger     zerolog.Logger
}

// Repack reads repacked product zips. Decoded bands are shared across datasets through a
// cost-bounded cache keyed by URI, archive mod time and band.
type Repack struct {
	cache  *ristretto.Cache
	logger zerolog.Logger
}

// NewRepack builds a repack reader.
func NewRepack(opts RepackOptions) (*Repack, error) {
	if opts.CacheBytes <= 0 {
		opts.CacheBytes = 1 << 30
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     opts.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create band cache: %w", err)
	}
	return &Repack{cache: cache, logger: opts.Logger}, nil
}

// Close releases the band cache.
func (r *Repack) Close() {
	r.cache.Close()
}

// SplitURI separates "<zip>!/<dir>" into its parts.
func SplitURI(uri string) (archive, dir string, err error) {
	archive, dir, ok := strings.Cut(uri, ArchiveSeparator)
	if !ok || archive == "" || dir == "" {
		return "", "", fmt.Errorf("%w: %q is not of the form <zip>%s<dir>", ErrNotFound, uri, ArchiveSeparator)
	}
	return archive, strings.TrimSuffix(dir, "/"), nil
}

// Open opens the flavor directory named by uri.
func (r *Repack) Open(ctx context.Context, uri string) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	archive, dir, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archive, err)
	}

	files := make(map[string]*zip.File)
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, dir+"/") {
			files[strings.TrimPrefix(f.Name, dir+"/")] = f
		}
	}
	mf, ok := files[ManifestName]
	if !ok {
		_ = zr.Close()
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotFound, uri, ManifestName)
	}
	m, err := readManifest(mf)
	if err != nil {
		_ = zr.Close()
		return nil, fmt.Errorf("failed to read manifest of %s: %w", uri, err)
	}

	bands := make([]BandInfo, len(m.Bands))
	for i, b := range m.Bands {
		if _, ok := files[b.File]; !ok {
			_ = zr.Close()
			return nil, fmt.Errorf("%w: band file %s missing from %s", ErrNotFound, b.File, uri)
		}
		t := UInt16
		if b.Type != "" {
			if t, err = ParseDataType(b.Type); err != nil {
				_ = zr.Close()
				return nil, err
			}
		}
		bands[i] = BandInfo{Index: i + 1, Description: b.Description, Type: t}
	}

	// Rewritten archives must not be served from bands decoded before the rewrite.
	key := uri + "@" + strconv.FormatInt(st.ModTime().UnixNano(), 10)
	return &repackDataset{r: r, uri: uri, key: key, zr: zr, files: files, manifest: m, bands: bands}, nil
}

func readManifest(f *zip.File) (*Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", m.Width, m.Height)
	}
	if len(m.GeoTransform) != 0 && len(m.GeoTransform) != 6 {
		return nil, fmt.Errorf("geotransform has %d coefficients, want 6", len(m.GeoTransform))
	}
	return &m, nil
}

type repackDataset struct {
	r        *Repack
	uri      string
	key      string // cache key prefix, changes with the archive mod time
	zr       *zip.ReadCloser
	files    map[string]*zip.File
	manifest *Manifest
	bands    []BandInfo

	mu sync.Mutex // serialises zip entry reads
}

func (d *repackDataset) Size() (int, int)  { return d.manifest.Width, d.manifest.Height }
func (d *repackDataset) Bands() []BandInfo { return d.bands }
func (d *repackDataset) CRS() string       { return d.manifest.CRS }
func (d *repackDataset) Close() error      { return d.zr.Close() }

func (d *repackDataset) GeoTransform() GeoTransform {
	var gt GeoTransform
	if len(d.manifest.GeoTransform) == 6 {
		copy(gt[:], d.manifest.GeoTransform)
	} else {
		gt[1], gt[5] = 1, 1
	}
	return gt
}

// band returns the full decoded band, from the shared cache when possible.
func (d *repackDataset) band(band int) ([]float32, error) {
	key := d.key + "#" + path.Base(d.manifest.Bands[band-1].File)
	if v, ok := d.r.cache.Get(key); ok {
		return v.([]float32), nil
	}

	d.mu.Lock()
	data, err := d.decode(band)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.r.cache.Set(key, data, int64(len(data))*4)
	d.r.logger.Debug().Str("uri", d.uri).Int("band", band).Msg("decoded band")
	return data, nil
}

func (d *repackDataset) decode(band int) ([]float32, error) {
	mb := d.manifest.Bands[band-1]
	rc, err := d.files[mb.File].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open band %s of %s: %w", mb.File, d.uri, err)
	}
	defer rc.Close()

	// tiff.Decode needs random access.
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read band %s of %s: %w", mb.File, d.uri, err)
	}
	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode band %s of %s: %w", mb.File, d.uri, err)
	}

	b := img.Bounds()
	if b.Dx() != d.manifest.Width || b.Dy() != d.manifest.Height {
		return nil, fmt.Errorf("band %s of %s is %dx%d, manifest says %dx%d",
			mb.File, d.uri, b.Dx(), b.Dy(), d.manifest.Width, d.manifest.Height)
	}

	out := make([]float32, b.Dx()*b.Dy())
	switch px := img.(type) {
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			row := px.Pix[y*px.Stride : y*px.Stride+b.Dx()]
			for x, v := range row {
				out[y*b.Dx()+x] = float32(v)
			}
		}
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			row := px.Pix[y*px.Stride : y*px.Stride+2*b.Dx()]
			for x := 0; x < b.Dx(); x++ {
				out[y*b.Dx()+x] = float32(uint16(row[2*x])<<8 | uint16(row[2*x+1]))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %T in band %s of %s", ErrUnsupportedDataType, img, mb.File, d.uri)
	}
	return out, nil
}

func (d *repackDataset) ReadWindow(band, x, y, w, h int) ([]float32, error) {
	if err := CheckWindow(d.manifest.Width, d.manifest.Height, len(d.bands), band, x, y, w, h); err != nil {
		return nil, err
	}
	data, err := d.band(band)
	if err != nil {
		return nil, err
	}
	out := make([]float32, w*h)
	for j := 0; j < h; j++ {
		copy(out[j*w:(j+1)*w], data[(y+j)*d.manifest.Width+x:])
	}
	return out, nil
}

func (d *repackDataset) ReadBytes(band, x, y, w, h int) ([]byte, error) {
	data, err := d.ReadWindow(band, x, y, w, h)
	if err != nil {
		return nil, err
	}
	return ToBytes(data), nil
}
