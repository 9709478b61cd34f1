package raster

import "math"

// Resample maps src (on grid from) onto grid to by nearest neighbour.
// Destination pixels whose centers fall outside src get fill.
func Resample(src []float32, from, to Grid, fill float32) []float32 {
	out := make([]float32, to.Size())
	if from.SameAs(to) {
		copy(out, src)
		return out
	}
	for row := 0; row < to.Rows; row++ {
		for col := 0; col < to.Cols; col++ {
			x, y := to.PixelCenter(col, row)
			fc, fr := from.ToPixel(x, y)
			sc, sr := int(math.Floor(fc)), int(math.Floor(fr))
			if sc < 0 || sr < 0 || sc >= from.Cols || sr >= from.Rows {
				out[row*to.Cols+col] = fill
				continue
			}
			out[row*to.Cols+col] = src[sr*from.Cols+sc]
		}
	}
	return out
}

// Align returns r resampled onto ref. Aligned rasters are returned unchanged.
func Align(r *Raster, ref Grid) *Raster {
	if r.Grid.SameAs(ref) {
		return r
	}
	var fill float32
	if r.NoData != nil {
		fill = float32(*r.NoData)
	}
	out := &Raster{
		Grid:        ref,
		DataType:    r.DataType,
		NoData:      r.NoData,
		BandNames:   r.BandNames,
		Palette:     r.Palette,
		Description: r.Description,
		Bands:       make([][]float32, len(r.Bands)),
	}
	for i, b := range r.Bands {
		out.Bands[i] = Resample(b, r.Grid, ref, fill)
	}
	return out
}
