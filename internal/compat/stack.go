package compat

import (
	"fmt"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/resolver"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// MinStackBands is the fewest bands a reflectance stack may carry (B2..B5).
const MinStackBands = 4

// db8 band positions used by NDVI
const (
	redBand = 2 // B4
	nirBand = 3 // B5
)

// StackRaster assembles a reflectance stack in memory from a resolved source.
// Composites are copied band for band; band sets are stacked B2..B7 and must
// share one grid.
func StackRaster(src resolver.BandSource) (*raster.Raster, error) {
	switch s := src.(type) {
	case resolver.Composite:
		return stackComposite(s.Path)
	case resolver.BandSet:
		return stackBands(s)
	default:
		return nil, fmt.Errorf("unsupported band source %T", src)
	}
}

func stackComposite(path string) (*raster.Raster, error) {
	r, err := raster.Read(path)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	if len(r.Bands) < MinStackBands {
		return nil, &types.FormatMismatchError{
			Path:   path,
			Reason: fmt.Sprintf("composite has %d bands, need at least %d", len(r.Bands), MinStackBands),
		}
	}
	out := &raster.Raster{
		Grid:        r.Grid,
		DataType:    raster.Int16,
		NoData:      raster.NoDataValue(0),
		BandNames:   stackBandNames(r.BandNames, len(r.Bands)),
		Bands:       r.Bands,
		Description: "reflectance stack from " + baseName(path),
	}
	return out, nil
}

func stackBands(set resolver.BandSet) (*raster.Raster, error) {
	files := set.Files()
	present := set.Present()
	if len(files) < MinStackBands {
		where := ""
		if len(files) > 0 {
			where = files[0]
		}
		return nil, &types.FormatMismatchError{
			Path:   where,
			Reason: fmt.Sprintf("band set has %d bands (%v), need at least %d", len(files), present, MinStackBands),
		}
	}

	var out *raster.Raster
	for i, f := range files {
		d, err := raster.Open(f)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: f, Reason: err.Error()}
		}
		if out == nil {
			out = &raster.Raster{
				Grid:        d.Grid,
				DataType:    raster.Int16,
				NoData:      raster.NoDataValue(0),
				Bands:       make([][]float32, len(files)),
				Description: "reflectance stack from single bands",
			}
		} else if !d.Grid.SameAs(out.Grid) {
			return nil, &types.FormatMismatchError{Path: f, Reason: "band grid differs from " + baseName(files[0])}
		}
		band, err := d.ReadBand(0)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: f, Reason: err.Error()}
		}
		out.Bands[i] = band
		out.BandNames = append(out.BandNames, string(present[i]))
	}
	return out, nil
}

func stackBandNames(names []string, n int) []string {
	if len(names) == n {
		return names
	}
	out := make([]string, n)
	for i := range out {
		if i < len(resolver.CanonicalBands) {
			out[i] = string(resolver.CanonicalBands[i])
		} else {
			out[i] = fmt.Sprintf("band_%d", i+1)
		}
	}
	return out
}
