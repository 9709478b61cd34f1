// Package vector converts between pixel masks and polygons and reads/writes polygon layers.
//
// All boolean operations the pipeline needs (dissolve, union, intersection, clip)
// happen in raster space on the reference grid: rasterize, combine masks, then
// Polygonize. Polygons traced from a grid are exact, so a rasterize/polygonize
// round trip on the same grid is lossless.
package vector

import (
	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
)

// VertexFunc maps a pixel corner (col,row) to map coordinates.
type VertexFunc func(col, row int) (float64, float64)

// GridVertex is the VertexFunc of a raster grid.
func GridVertex(g raster.Grid) VertexFunc {
	return func(c, r int) (float64, float64) { return g.Vertex(float64(c), float64(r)) }
}

// Label assigns 4-connected component ids (1..n) to true pixels; 0 is background.
func Label(mask []bool, cols, rows int) ([]int32, int) {
	labels := make([]int32, len(mask))
	var next int32
	stack := make([]int, 0, 1024)
	for i, on := range mask {
		if !on || labels[i] != 0 {
			continue
		}
		next++
		labels[i] = next
		stack = append(stack[:0], i)
		visit := func(q int) {
			if mask[q] && labels[q] == 0 {
				labels[q] = next
				stack = append(stack, q)
			}
		}
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c, r := p%cols, p/cols
			if r > 0 {
				visit(p - cols)
			}
			if c < cols-1 {
				visit(p + 1)
			}
			if r < rows-1 {
				visit(p + cols)
			}
			if c > 0 {
				visit(p - 1)
			}
		}
	}
	return labels, int(next)
}

// edge directions in pixel space (row grows downward)
const (
	east = iota
	south
	west
	north
)

type edge struct {
	from, to int // vertex ids r*(cols+1)+c
	dir      int
	label    int32
}

// Polygonize traces the boundary of every 4-connected region of mask into one
// polygon (shell plus holes), in label order. Collinear vertices are merged.
func Polygonize(mask []bool, cols, rows int, vertex VertexFunc) []*geom.Polygon {
	labels, n := Label(mask, cols, rows)
	if n == 0 {
		return nil
	}

	vcols := cols + 1
	var edges []edge
	out := make(map[int][]int32) // vertex -> outgoing edge indices
	add := func(fc, fr, tc, tr, dir int, lbl int32) {
		e := edge{from: fr*vcols + fc, to: tr*vcols + tc, dir: dir, label: lbl}
		out[e.from] = append(out[e.from], int32(len(edges)))
		edges = append(edges, e)
	}
	inside := func(c, r int, lbl int32) bool {
		return c >= 0 && r >= 0 && c < cols && r < rows && labels[r*cols+c] == lbl
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			lbl := labels[r*cols+c]
			if lbl == 0 {
				continue
			}
			// region stays on the right of every edge
			if !inside(c, r-1, lbl) {
				add(c, r, c+1, r, east, lbl)
			}
			if !inside(c+1, r, lbl) {
				add(c+1, r, c+1, r+1, south, lbl)
			}
			if !inside(c, r+1, lbl) {
				add(c+1, r+1, c, r+1, west, lbl)
			}
			if !inside(c-1, r, lbl) {
				add(c, r+1, c, r, north, lbl)
			}
		}
	}

	successor := func(cur edge) int32 {
		cands := out[cur.to]
		if len(cands) == 1 {
			return cands[0]
		}
		// right turn first keeps diagonal neighbours apart
		for _, want := range [3]int{(cur.dir + 1) % 4, cur.dir, (cur.dir + 3) % 4} {
			for _, ci := range cands {
				if edges[ci].dir == want && edges[ci].label == cur.label {
					return ci
				}
			}
		}
		return cands[0]
	}

	shells := make([][]geom.Coord, n+1)
	holes := make([][][]geom.Coord, n+1)
	used := make([]bool, len(edges))
	for i := range edges {
		if used[i] {
			continue
		}
		var ring []int32
		cur := int32(i)
		for {
			used[cur] = true
			ring = append(ring, cur)
			nxt := successor(edges[cur])
			if nxt == int32(i) || used[nxt] {
				break
			}
			cur = nxt
		}

		coords := make([]geom.Coord, 0, len(ring)/2+1)
		var twiceArea int
		for k, ei := range ring {
			e := edges[ei]
			prev := edges[ring[(k+len(ring)-1)%len(ring)]]
			fc, fr := e.from%vcols, e.from/vcols
			tc, tr := e.to%vcols, e.to/vcols
			twiceArea += fc*tr - tc*fr
			if prev.dir == e.dir {
				continue
			}
			x, y := vertex(fc, fr)
			coords = append(coords, geom.Coord{x, y})
		}
		if len(coords) < 3 {
			continue
		}
		coords = append(coords, geom.Coord{coords[0][0], coords[0][1]})

		lbl := edges[i].label
		if twiceArea > 0 {
			shells[lbl] = coords
		} else {
			holes[lbl] = append(holes[lbl], coords)
		}
	}

	polys := make([]*geom.Polygon, 0, n)
	for lbl := 1; lbl <= n; lbl++ {
		if shells[lbl] == nil {
			continue
		}
		rings := append([][]geom.Coord{shells[lbl]}, holes[lbl]...)
		p, err := geom.NewPolygon(geom.XY).SetCoords(rings)
		if err != nil {
			continue
		}
		polys = append(polys, p)
	}
	return polys
}

// PolygonizeGrid traces mask regions on a raster grid.
func PolygonizeGrid(mask []bool, g raster.Grid) []*geom.Polygon {
	return Polygonize(mask, g.Cols, g.Rows, GridVertex(g))
}
