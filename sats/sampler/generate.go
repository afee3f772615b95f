package sampler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/db"
	"github.com/ZanzyTHEbar/sats-sampler/sats/mapgen"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
)

// Mask band descriptions. Bands with any other description are footprints.
const (
	BandCloud      = "CLD"
	BandSnow       = "SNW"
	BandSceneClass = "SCL"
)

// maskLayout holds 1-based band numbers of the mask flavor. Zero means absent.
type maskLayout struct {
	footprints []int
	cloud      int
	snow       int
	scene      int
}

// classifyBands identifies mask bands by description. When no band carries a known
// description the layout is positional: footprints first, then cloud, then snow.
func classifyBands(bands []raster.BandInfo) (maskLayout, error) {
	var l maskLayout
	described := false
	for _, b := range bands {
		switch strings.ToUpper(strings.TrimSpace(b.Description)) {
		case BandCloud, BandSnow, BandSceneClass:
			described = true
		}
	}

	if described {
		for _, b := range bands {
			switch strings.ToUpper(strings.TrimSpace(b.Description)) {
			case BandCloud:
				l.cloud = b.Index
			case BandSnow:
				l.snow = b.Index
			case BandSceneClass:
				l.scene = b.Index
			default:
				l.footprints = append(l.footprints, b.Index)
			}
		}
	} else if n := len(bands); n >= 3 {
		for _, b := range bands[:n-2] {
			l.footprints = append(l.footprints, b.Index)
		}
		l.cloud = bands[n-2].Index
		l.snow = bands[n-1].Index
	}

	if len(l.footprints) == 0 || l.cloud == 0 || l.snow == 0 {
		return l, fmt.Errorf("%w: %d bands, %d footprints, cloud=%d snow=%d",
			ErrMissingBands, len(bands), len(l.footprints), l.cloud, l.snow)
	}
	return l, nil
}

// ScalingFactor returns maxDim / maskDim, which must be a positive integer equal on both axes.
func ScalingFactor(maxDimX, maxDimY, maskX, maskY int) (int, error) {
	if maskX <= 0 || maskY <= 0 || maxDimX%maskX != 0 || maxDimY%maskY != 0 {
		return 0, fmt.Errorf("%w: %dx%d over mask %dx%d", ErrScalingFactor, maxDimX, maxDimY, maskX, maskY)
	}
	sf := maxDimX / maskX
	if sf == 0 || sf != maxDimY/maskY {
		return 0, fmt.Errorf("%w: %dx%d over mask %dx%d", ErrScalingFactor, maxDimX, maxDimY, maskX, maskY)
	}
	return sf, nil
}

// maskWindow is the box filter window in mask pixels for a sample of sampleDim native pixels.
func maskWindow(sampleDim, sf int) int {
	return (sampleDim + sf - 1) / sf
}

// GenerateRecord builds a fresh cache record for info from its mask flavor: validity from the
// quality bands, anchor filtering with the sample window, then packing.
func (s *Sampler) GenerateRecord(ctx context.Context, info *catalog.ProductInfo) (*db.CacheRecord, error) {
	start := time.Now()
	// Taken before reading so a concurrent rewrite invalidates the record.
	modTime, err := s.opts.ModTime(info.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", info.Path, err)
	}

	uri := catalog.FlavorURI(info, s.opts.Gen.MaskFlavor)
	ds, err := s.opts.Reader.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask flavor: %w", err)
	}
	defer ds.Close()

	x, y := ds.Size()
	sf, err := ScalingFactor(info.MaxDimX, info.MaxDimY, x, y)
	if err != nil {
		return nil, err
	}

	bands := ds.Bands()
	for _, b := range bands {
		if b.Type != raster.Byte {
			return nil, fmt.Errorf("%w: mask band %d is %s, want byte", raster.ErrUnsupportedDataType, b.Index, b.Type)
		}
	}
	layout, err := classifyBands(bands)
	if err != nil {
		return nil, err
	}

	read := func(band int) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := ds.ReadBytes(band, 0, 0, x, y)
		if err != nil {
			return nil, fmt.Errorf("failed to read mask band %d: %w", band, err)
		}
		return data, nil
	}

	in := mapgen.ValidityInputs{
		CloudMax:   s.opts.Gen.CloudMax,
		SnowMax:    s.opts.Gen.SnowMax,
		SceneRange: s.opts.Gen.SceneClass,
	}
	for _, b := range layout.footprints {
		fp, err := read(b)
		if err != nil {
			return nil, err
		}
		in.Footprints = append(in.Footprints, fp)
	}
	if in.Cloud, err = read(layout.cloud); err != nil {
		return nil, err
	}
	if in.Snow, err = read(layout.snow); err != nil {
		return nil, err
	}
	if layout.scene != 0 {
		if in.SceneClass, err = read(layout.scene); err != nil {
			return nil, err
		}
	}

	grid := mapgen.NewGrid(x, y)
	if err := mapgen.BuildValidity(grid, in); err != nil {
		return nil, err
	}
	if _, err := mapgen.BoxFilter(grid, maskWindow(s.opts.Gen.SampleDim, sf), s.opts.Gen.MinOKPercentage); err != nil {
		return nil, err
	}

	rec := &db.CacheRecord{
		Mask:        bitmask.Pack(grid),
		MaxDimX:     info.MaxDimX,
		MaxDimY:     info.MaxDimY,
		ProductName: info.ProductName,
		UnixModTime: modTime,
	}
	s.logger.Info().
		Str("product", info.ProductName).
		Int("nOK", rec.Mask.NOK).
		Int("nCols", x).
		Int("nRows", y).
		Int("scale", sf).
		Int64("ms", elapsedMS(start)).
		Msg("generated anchor mask")
	return rec, nil
}
