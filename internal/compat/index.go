package compat

import (
	"fmt"
	"math"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// Default FC to FPC conversion parameters.
const (
	DefaultK = 0.000435
	DefaultN = 1.909
)

// FCParams controls how a fractional-cover band becomes an index raster.
type FCParams struct {
	ConvertToFPC bool
	K, N         float64
	NoData       *float64 // overrides the band's declared nodata
}

// FPC converts a fractional-cover value to foliage projective cover in [0,100].
func FPC(fc, k, n float64) float64 {
	v := 100 * (1 - math.Exp(-k*math.Pow(fc, n)))
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(clamp(v, 0, 100))
}

// IndexFromFC derives the uint8 index raster from the first band of an FC
// raster. Nodata pixels become 0.
func IndexFromFC(fc *raster.Raster, p FCParams) *raster.Raster {
	nd := fc.NoData
	if p.NoData != nil {
		nd = p.NoData
	}
	out := newIndex(fc.Grid)
	src, dst := fc.Bands[0], out.Bands[0]
	for i, v := range src {
		f := float64(v)
		if (nd != nil && f == *nd) || math.IsNaN(f) {
			continue
		}
		if p.ConvertToFPC {
			dst[i] = float32(FPC(f, p.K, p.N))
		} else {
			dst[i] = float32(math.Round(clamp(f, 0, 200)))
		}
	}
	if p.ConvertToFPC {
		out.BandNames = []string{"fpc"}
		out.Description = fmt.Sprintf("FPC = 100*(1-exp(-%g*FC^%g))", p.K, p.N)
	} else {
		out.BandNames = []string{"fc"}
		out.Description = "fractional cover"
	}
	return out
}

// NDVIIndex scales NDVI of a reflectance stack to 100+100*NDVI in [0,200].
// Pixels that are nodata in red or NIR, or whose red+NIR is zero, become 0.
func NDVIIndex(stack *raster.Raster, path string) (*raster.Raster, error) {
	if len(stack.Bands) <= nirBand {
		return nil, &types.FormatMismatchError{
			Path:   path,
			Reason: fmt.Sprintf("NDVI needs red and NIR bands, stack has %d", len(stack.Bands)),
		}
	}
	out := newIndex(stack.Grid)
	red, nir, dst := stack.Bands[redBand], stack.Bands[nirBand], out.Bands[0]
	for i := range dst {
		r, n := red[i], nir[i]
		if stack.IsNoData(r) || stack.IsNoData(n) {
			continue
		}
		den := float64(n) + float64(r)
		if den == 0 {
			continue
		}
		ndvi := (float64(n) - float64(r)) / den
		dst[i] = float32(math.Round(clamp(100+100*ndvi, 0, 200)))
	}
	out.BandNames = []string{"ndvi"}
	out.Description = "NDVI scaled 100+100*NDVI"
	return out, nil
}

// Footprint is an all-ones uint8 raster on g.
func Footprint(g raster.Grid) *raster.Raster {
	out := newIndex(g)
	for i := range out.Bands[0] {
		out.Bands[0][i] = 1
	}
	out.BandNames = []string{"footprint"}
	return out
}

func newIndex(g raster.Grid) *raster.Raster {
	r := raster.New(g, raster.Uint8, 1)
	r.NoData = raster.NoDataValue(0)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
