// Package catalog discovers repacked products on disk and indexes them by name and tile.
package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	productFileRe = regexp.MustCompile(`^REPACK_S2[A-Z]_[A-Z0-9]+_(\d{4})(\d{2})(\d{2})T\d+_[A-Z0-9]+_[A-Z0-9]+_([A-Z0-9]+)_[A-Z0-9]+\.SAFE\.zip$`)
	productNameRe = regexp.MustCompile(`S2[A-Z](.*)\.SAFE`)
)

// ProductInfo describes one discovered product. It is immutable after discovery.
type ProductInfo struct {
	ID          int
	Path        string
	Year        int
	Month       int
	Day         int
	Date        time.Time
	ProductName string
	TileName    string
	MaxDimX     int
	MaxDimY     int
}

// Name holds the fields encoded in a product file name.
type Name struct {
	Year        int
	Month       int
	Day         int
	Date        time.Time
	TileName    string
	ProductName string
}

// ParseProductFilename parses a base name such as
// REPACK_S2A_MSIL2A_20200101T103321_N0213_R008_T32TNS_20200101T120000.SAFE.zip.
func ParseProductFilename(fname string) (Name, error) {
	m := productFileRe.FindStringSubmatch(fname)
	if m == nil {
		return Name{}, fmt.Errorf("%w: %s", ErrMalformedName, fname)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Year() != year || int(date.Month()) != month || date.Day() != day {
		return Name{}, fmt.Errorf("%w: %s has invalid date %s%s%s", ErrMalformedName, fname, m[1], m[2], m[3])
	}

	return Name{
		Year:        year,
		Month:       month,
		Day:         day,
		Date:        date,
		TileName:    m[4],
		ProductName: productNameRe.FindString(fname),
	}, nil
}

// DateRange is an inclusive acquisition date filter. A zero bound is open.
type DateRange struct {
	Min time.Time
	Max time.Time
}

// Contains reports whether date lies within the range, compared by calendar day.
func (r DateRange) Contains(date time.Time) bool {
	d := truncateDay(date)
	if !r.Min.IsZero() && d.Before(truncateDay(r.Min)) {
		return false
	}
	if !r.Max.IsZero() && d.After(truncateDay(r.Max)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FlavorURI returns the raster URI of one flavor of a product.
func FlavorURI(info *ProductInfo, flavor string) string {
	return info.Path + "!/" + info.ProductName + "-" + flavor + ".tif"
}
