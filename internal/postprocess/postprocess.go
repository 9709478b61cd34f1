// Package postprocess cleans threshold polygon layers: parts are dissolved on
// the classified grid, then parts narrower than a pixel-width floor are dropped.
package postprocess

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

// DefaultSkinnyPixels is the default minimum effective width.
const DefaultSkinnyPixels = 3

// Options configures a run. SkinnyPixels <= 0 disables the width filter.
type Options struct {
	Dissolve     bool
	SkinnyPixels int
	Force        bool
}

// Layer describes one cleaned layer.
type Layer struct {
	Threshold int
	Input     string
	Path      string
	Parts     int
	Dropped   int
	Skipped   bool
}

// Result lists the cleaned layers of one run.
type Result struct {
	Dir    string
	Layers []Layer
}

// Perimeter sums the lengths of every ring of p.
func Perimeter(p *geom.Polygon) float64 {
	var total float64
	for i := 0; i < p.NumLinearRings(); i++ {
		c := p.LinearRing(i).Coords()
		for k := 0; k+1 < len(c); k++ {
			total += math.Hypot(c[k+1][0]-c[k][0], c[k+1][1]-c[k][1])
		}
	}
	return total
}

// EffectiveWidth is the short side of the rectangle with p's perimeter and
// area: P/4 - sqrt(max(0, P²/16 - A)).
func EffectiveWidth(p *geom.Polygon) float64 {
	per, area := Perimeter(p), vector.Area(p)
	return per/4 - math.Sqrt(math.Max(0, per*per/16-area))
}

// Clean dissolves (when asked) and width-filters the parts of in. It returns
// the kept parts as single-part features and the number of parts dropped.
func Clean(in *vector.Layer, g raster.Grid, thr int, o Options) (*vector.Layer, int) {
	parts := in.Polygons()
	if o.Dissolve {
		parts = vector.PolygonizeGrid(vector.Rasterize(parts, g), g)
	}
	out := &vector.Layer{Fields: vector.AreaFields(), Projection: in.Projection}
	if out.Projection == "" {
		out.Projection = vector.ProjectionWKT(g)
	}
	px := g.MeanPixelSize()
	dropped := 0
	for _, p := range parts {
		if o.SkinnyPixels > 0 && px > 0 && EffectiveWidth(p)/px < float64(o.SkinnyPixels) {
			dropped++
			continue
		}
		out.Features = append(out.Features, vector.AreaFeature(p, thr))
	}
	return out, dropped
}

var thrRe = regexp.MustCompile(`_thr_(\d+)\.shp$`)

// threshold reads thr from the first feature, else from the layer name.
func threshold(path string, l *vector.Layer) int {
	if l != nil {
		for _, f := range l.Features {
			if v, ok := f.Attrs[vector.FieldThreshold.Name].(int); ok && v > 0 {
				return v
			}
		}
	}
	if m := thrRe.FindStringSubmatch(filepath.Base(path)); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// Run cleans every layer of the threshold dir into the clean dir.
func Run(ctx context.Context, classPath string, l tile.Layout, start, end tile.DateTag, minHa float64, o Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPostprocess, "Run")
	defer timer.Stop()

	h, err := raster.ReadHeader(classPath)
	if err != nil {
		return nil, &types.MissingInputError{What: "classified change raster", Date: start.String(), Searched: []string{classPath}}
	}
	inDir := l.ThresholdDir(start, end, minHa)
	inputs, err := vector.ListLayers(inDir)
	if err != nil {
		return nil, &types.MissingInputError{What: "threshold polygon layers", Date: start.String(), Searched: []string{inDir}}
	}

	res := &Result{Dir: l.CleanDir(start, end, minHa)}
	if err := os.MkdirAll(res.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", res.Dir, err)
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(res.Dir, filepath.Base(in))
		if !o.Force && fsutil.Exists(out) {
			logging.Postprocess("Keeping existing %s", filepath.Base(out))
			res.Layers = append(res.Layers, Layer{Threshold: threshold(in, nil), Input: in, Path: out, Skipped: true})
			continue
		}
		layer, err := vector.ReadShapefile(in)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: in, Reason: err.Error()}
		}
		thr := threshold(in, layer)
		cleaned, dropped := Clean(layer, h.Grid, thr, o)
		if err := vector.WriteShapefile(out, cleaned); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(out), err)
		}
		logging.Postprocess("%s: %d part(s) kept, %d narrower than %d px",
			filepath.Base(out), len(cleaned.Features), dropped, o.SkinnyPixels)
		res.Layers = append(res.Layers, Layer{
			Threshold: thr,
			Input:     in,
			Path:      out,
			Parts:     len(cleaned.Features),
			Dropped:   dropped,
		})
	}
	return res, nil
}
