package vector

import (
	"math"
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
)

// Rasterize burns polygons onto g: a pixel is set when its center lies inside
// any polygon (even-odd within a polygon, union across polygons).
func Rasterize(polys []*geom.Polygon, g raster.Grid) []bool {
	mask := make([]bool, g.Size())
	for _, p := range polys {
		burn(mask, p, g)
	}
	return mask
}

type segment struct{ x0, y0, x1, y1 float64 }

func burn(mask []bool, p *geom.Polygon, g raster.Grid) {
	var segs []segment
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		for k := 0; k+1 < len(coords); k++ {
			x0, y0 := g.ToPixel(coords[k][0], coords[k][1])
			x1, y1 := g.ToPixel(coords[k+1][0], coords[k+1][1])
			segs = append(segs, segment{x0, y0, x1, y1})
			minY = math.Min(minY, math.Min(y0, y1))
			maxY = math.Max(maxY, math.Max(y0, y1))
		}
	}
	if len(segs) == 0 {
		return
	}

	r0 := int(math.Max(0, math.Ceil(minY-0.5)))
	r1 := int(math.Min(float64(g.Rows-1), math.Ceil(maxY-0.5)-1))
	xs := make([]float64, 0, 16)
	for r := r0; r <= r1; r++ {
		cy := float64(r) + 0.5
		xs = xs[:0]
		for _, s := range segs {
			if (s.y0 <= cy && cy < s.y1) || (s.y1 <= cy && cy < s.y0) {
				xs = append(xs, s.x0+(cy-s.y0)*(s.x1-s.x0)/(s.y1-s.y0))
			}
		}
		sort.Float64s(xs)
		for k := 0; k+1 < len(xs); k += 2 {
			c0 := int(math.Max(0, math.Ceil(xs[k]-0.5)))
			c1 := int(math.Min(float64(g.Cols), math.Ceil(xs[k+1]-0.5)))
			for c := c0; c < c1; c++ {
				mask[r*g.Cols+c] = true
			}
		}
	}
}

// Count returns the number of set pixels.
func Count(mask []bool) int {
	n := 0
	for _, on := range mask {
		if on {
			n++
		}
	}
	return n
}

// And intersects masks of equal length into a new mask.
func And(a, b []bool) []bool {
	out := make([]bool, len(a))
	for i := range a {
		out[i] = a[i] && b[i]
	}
	return out
}
