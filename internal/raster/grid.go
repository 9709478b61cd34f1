// Package raster reads and writes ENVI rasters and aligns them onto a reference grid.
package raster

import (
	"math"
)

// Grid is the georeferenced pixel lattice of a raster.
// GeoTransform follows the usual affine convention:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type Grid struct {
	Cols         int
	Rows         int
	GeoTransform [6]float64
	Projection   string // coordinate system string (WKT) when present
	MapInfo      string // ENVI map info projection tokens, e.g. "UTM|55|South|WGS-84|units=Meters"
}

// Extent is an axis-aligned bounding rectangle in map units.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

// Area of the rectangle.
func (e Extent) Area() float64 {
	if e.MaxX <= e.MinX || e.MaxY <= e.MinY {
		return 0
	}
	return (e.MaxX - e.MinX) * (e.MaxY - e.MinY)
}

// Intersect returns the overlap of two extents and whether it is non-empty.
func (e Extent) Intersect(o Extent) (Extent, bool) {
	r := Extent{
		MinX: math.Max(e.MinX, o.MinX), MinY: math.Max(e.MinY, o.MinY),
		MaxX: math.Min(e.MaxX, o.MaxX), MaxY: math.Min(e.MaxY, o.MaxY),
	}
	return r, r.MaxX > r.MinX && r.MaxY > r.MinY
}

// Size returns the pixel count.
func (g Grid) Size() int { return g.Cols * g.Rows }

// PixelSize returns absolute pixel width and height.
func (g Grid) PixelSize() (float64, float64) {
	return math.Abs(g.GeoTransform[1]), math.Abs(g.GeoTransform[5])
}

// MeanPixelSize is (|px|+|py|)/2, used to calibrate pixel-width thresholds.
func (g Grid) MeanPixelSize() float64 {
	px, py := g.PixelSize()
	return (px + py) / 2
}

// PixelArea is |px|*|py| in map units squared.
func (g Grid) PixelArea() float64 {
	px, py := g.PixelSize()
	return px * py
}

// Vertex returns the map coordinate of pixel corner (col,row).
func (g Grid) Vertex(col, row float64) (float64, float64) {
	gt := g.GeoTransform
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// PixelCenter returns the map coordinate of a pixel's center.
func (g Grid) PixelCenter(col, row int) (float64, float64) {
	return g.Vertex(float64(col)+0.5, float64(row)+0.5)
}

// ToPixel maps a coordinate to fractional pixel space. Rotation terms are ignored.
func (g Grid) ToPixel(x, y float64) (float64, float64) {
	gt := g.GeoTransform
	return (x - gt[0]) / gt[1], (y - gt[3]) / gt[5]
}

// Extent returns the bounding rectangle of the grid.
func (g Grid) Extent() Extent {
	x0, y0 := g.Vertex(0, 0)
	x1, y1 := g.Vertex(float64(g.Cols), float64(g.Rows))
	return Extent{
		MinX: math.Min(x0, x1), MaxX: math.Max(x0, x1),
		MinY: math.Min(y0, y1), MaxY: math.Max(y0, y1),
	}
}

// SameCRS reports whether two grids share a projection. Unknown projections match.
func (g Grid) SameCRS(o Grid) bool {
	if g.Projection != "" && o.Projection != "" {
		return g.Projection == o.Projection
	}
	if g.MapInfo != "" && o.MapInfo != "" {
		return g.MapInfo == o.MapInfo
	}
	return true
}

// SameAs reports pixel-for-pixel alignment.
func (g Grid) SameAs(o Grid) bool {
	if g.Cols != o.Cols || g.Rows != o.Rows || !g.SameCRS(o) {
		return false
	}
	for i := range g.GeoTransform {
		if math.Abs(g.GeoTransform[i]-o.GeoTransform[i]) > 1e-6 {
			return false
		}
	}
	return true
}
