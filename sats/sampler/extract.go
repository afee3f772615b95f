package sampler

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/sats-sampler/sats/catalog"
	"github.com/ZanzyTHEbar/sats-sampler/sats/raster"
	"github.com/ZanzyTHEbar/sats-sampler/sats/stats"
)

// extract resolves a selection to native pixel coordinates and reads a SampleDim window from
// every band of every flavor, each flavor viewed at the product's maximum size.
func (s *Sampler) extract(ctx context.Context, sel selection) (Sample, error) {
	info, mask := sel.info, sel.rec.Mask

	idx, err := mask.Select(sel.rank)
	if err != nil {
		return Sample{}, err
	}
	row, col := mask.Coords(idx)
	sf, err := ScalingFactor(info.MaxDimX, info.MaxDimY, mask.NCols, mask.NRows)
	if err != nil {
		return Sample{}, err
	}
	x, y := col*sf, row*sf
	dim := s.opts.Gen.SampleDim

	sample := Sample{
		Product: info.ProductName,
		Tile:    info.TileName,
		Rank:    sel.rank,
		Col:     x,
		Row:     y,
		Year:    info.Year,
		Month:   info.Month,
		Day:     info.Day,
	}
	for i, flavor := range s.opts.Gen.Flavors {
		bands, err := s.readFlavor(ctx, info, flavor, x, y, dim, &sample, i == 0)
		if err != nil {
			return Sample{}, err
		}
		sample.Bands = append(sample.Bands, bands...)
	}
	return sample, nil
}

func (s *Sampler) readFlavor(ctx context.Context, info *catalog.ProductInfo, flavor string, x, y, dim int, sample *Sample, georef bool) ([][]float32, error) {
	uri := catalog.FlavorURI(info, flavor)
	ds, err := raster.OpenResampled(ctx, s.opts.Reader, uri, info.MaxDimX, info.MaxDimY)
	if err != nil {
		return nil, fmt.Errorf("failed to open flavor %s: %w", flavor, err)
	}
	defer ds.Close()

	if georef {
		gt := ds.GeoTransform()
		x0, y0 := gt.Apply(float64(x), float64(y))
		x1, y1 := gt.Apply(float64(x+dim), float64(y+dim))
		sample.CRS = ds.CRS()
		sample.CoordsMin = [2]float64{min(x0, x1), min(y0, y1)}
		sample.CoordsMax = [2]float64{max(x0, x1), max(y0, y1)}
	}

	out := make([][]float32, 0, len(ds.Bands()))
	for _, b := range ds.Bands() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := ds.ReadWindow(b.Index, x, y, dim, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to read band %d of flavor %s at (%d,%d): %w", b.Index, flavor, x, y, err)
		}
		if s.opts.Gen.Normalize {
			stats.Normalize(data)
		}
		out = append(out, data)
	}
	return out, nil
}
