package raster

import (
	"context"
	"fmt"
)

// resampled is a nearest-neighbour virtual view of a dataset at a different size.
type resampled struct {
	src        Dataset
	outX, outY int
	srcX, srcY int
}

// Resample returns a view of ds with outX x outY pixels. Output pixel (ox, oy) takes the value
// of source pixel (ox*srcX/outX, oy*srcY/outY). Closing the view closes ds.
func Resample(ds Dataset, outX, outY int) Dataset {
	sx, sy := ds.Size()
	if sx == outX && sy == outY {
		return ds
	}
	return &resampled{src: ds, outX: outX, outY: outY, srcX: sx, srcY: sy}
}

// OpenResampled opens uri and presents it at outX x outY pixels.
func OpenResampled(ctx context.Context, r Reader, uri string, outX, outY int) (Dataset, error) {
	if outX <= 0 || outY <= 0 {
		return nil, fmt.Errorf("invalid outsize %s", FormatOutSize(outX, outY))
	}
	ds, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	return Resample(ds, outX, outY), nil
}

func (r *resampled) Size() (int, int)  { return r.outX, r.outY }
func (r *resampled) Bands() []BandInfo { return r.src.Bands() }
func (r *resampled) CRS() string       { return r.src.CRS() }
func (r *resampled) Close() error      { return r.src.Close() }

func (r *resampled) GeoTransform() GeoTransform {
	gt := r.src.GeoTransform()
	fx := float64(r.srcX) / float64(r.outX)
	fy := float64(r.srcY) / float64(r.outY)
	gt[1] *= fx
	gt[4] *= fx
	gt[2] *= fy
	gt[5] *= fy
	return gt
}

func (r *resampled) srcCol(ox int) int { return ox * r.srcX / r.outX }
func (r *resampled) srcRow(oy int) int { return oy * r.srcY / r.outY }

func (r *resampled) ReadWindow(band, x, y, w, h int) ([]float32, error) {
	if err := CheckWindow(r.outX, r.outY, len(r.Bands()), band, x, y, w, h); err != nil {
		return nil, err
	}
	out := make([]float32, w*h)
	if w == 0 || h == 0 {
		return out, nil
	}

	// Read the covering source window once, then pick nearest pixels from it.
	sx0, sy0 := r.srcCol(x), r.srcRow(y)
	sx1, sy1 := r.srcCol(x+w-1)+1, r.srcRow(y+h-1)+1
	src, err := r.src.ReadWindow(band, sx0, sy0, sx1-sx0, sy1-sy0)
	if err != nil {
		return nil, err
	}
	stride := sx1 - sx0
	for j := 0; j < h; j++ {
		row := (r.srcRow(y+j) - sy0) * stride
		for i := 0; i < w; i++ {
			out[j*w+i] = src[row+r.srcCol(x+i)-sx0]
		}
	}
	return out, nil
}

func (r *resampled) ReadBytes(band, x, y, w, h int) ([]byte, error) {
	data, err := r.ReadWindow(band, x, y, w, h)
	if err != nil {
		return nil, err
	}
	return ToBytes(data), nil
}
