// Package clip restricts cleaned threshold layers to a coverage mask. Both the
// layer and the mask are rasterized onto the classified grid, intersected and
// traced back to polygons, so clipping is exact on that grid.
package clip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

// Mode selects the mask kind and the output directory.
type Mode string

const (
	Strict Mode = "strict" // intersection-of-extents polygon layer
	Ratio  Mode = "ratio"  // presence-ratio raster mask
)

// Options configures a run.
type Options struct {
	Mode     Mode
	MaskPath string // .shp for Strict, raster for Ratio
	Force    bool
	GeoJSON  bool // also write <layer>.geojson next to each clipped layer
}

// Layer describes one clipped layer.
type Layer struct {
	Input    string
	Path     string
	Features int
	AreaHa   float64
	Skipped  bool
}

// Result lists the clipped layers. Skipped is set when the mask is absent.
type Result struct {
	Dir     string
	Mask    string
	Skipped bool
	Layers  []Layer
}

// OutputDir returns the directory a mode writes into.
func OutputDir(l tile.Layout, start, end tile.DateTag, minHa float64, m Mode) string {
	if m == Ratio {
		return l.ClipRatioDir(start, end, minHa)
	}
	return l.ClipStrictDir(start, end, minHa)
}

// LoadMask reads a mask onto g: polygon layers are rasterized, rasters are
// aligned by nearest neighbour and kept where > 0.
func LoadMask(path string, g raster.Grid) ([]bool, error) {
	if strings.EqualFold(filepath.Ext(path), tile.VectorExt) {
		layer, err := vector.ReadShapefile(path)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
		}
		return vector.Rasterize(layer.Polygons(), g), nil
	}
	d, err := raster.Open(path)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	band, err := d.ReadBand(0)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	band = raster.Resample(band, d.Grid, g, 0)
	mask := make([]bool, len(band))
	for i, v := range band {
		mask[i] = v > 0
	}
	return mask, nil
}

// ClipLayer clips every feature of in against mask. Parts keep the feature's
// attributes; area fields are recomputed per part.
func ClipLayer(in *vector.Layer, mask []bool, g raster.Grid) *vector.Layer {
	fields := append([]vector.Field(nil), in.Fields...)
	for _, f := range []vector.Field{vector.FieldAreaM2, vector.FieldAreaHa} {
		if !hasField(fields, f.Name) {
			fields = append(fields, f)
		}
	}
	out := &vector.Layer{Fields: fields, Projection: in.Projection}
	for _, f := range in.Features {
		clipped := vector.And(vector.Rasterize(f.Polygons, g), mask)
		for _, p := range vector.PolygonizeGrid(clipped, g) {
			out.Features = append(out.Features, withArea(f, p))
		}
	}
	return out
}

func withArea(src vector.Feature, p *geom.Polygon) vector.Feature {
	attrs := make(map[string]interface{}, len(src.Attrs)+2)
	for k, v := range src.Attrs {
		attrs[k] = v
	}
	a := vector.Area(p)
	attrs[vector.FieldAreaM2.Name] = a
	attrs[vector.FieldAreaHa.Name] = a / 10000
	return vector.Feature{Polygons: []*geom.Polygon{p}, Attrs: attrs}
}

func hasField(fields []vector.Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Run clips the clean dir into the mode's output dir. A missing mask skips
// the run without error.
func Run(ctx context.Context, classPath string, l tile.Layout, start, end tile.DateTag, minHa float64, o Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryClip, "Run "+string(o.Mode))
	defer timer.Stop()

	res := &Result{Dir: OutputDir(l, start, end, minHa, o.Mode), Mask: o.MaskPath}
	if o.MaskPath == "" || !fsutil.Exists(o.MaskPath) {
		logging.Clip("%s clip skipped: mask %q not found", o.Mode, o.MaskPath)
		res.Skipped = true
		return res, nil
	}
	h, err := raster.ReadHeader(classPath)
	if err != nil {
		return nil, &types.MissingInputError{What: "classified change raster", Date: start.String(), Searched: []string{classPath}}
	}
	inDir := l.CleanDir(start, end, minHa)
	inputs, err := vector.ListLayers(inDir)
	if err != nil {
		return nil, &types.MissingInputError{What: "cleaned polygon layers", Date: start.String(), Searched: []string{inDir}}
	}
	mask, err := LoadMask(o.MaskPath, h.Grid)
	if err != nil {
		return nil, err
	}
	logging.Clip("%s clip against %s: %d mask pixel(s), %d layer(s)", o.Mode, filepath.Base(o.MaskPath), vector.Count(mask), len(inputs))
	if err := os.MkdirAll(res.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", res.Dir, err)
	}

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(res.Dir, filepath.Base(in))
		if !o.Force && fsutil.Exists(out) {
			logging.Clip("Keeping existing %s", filepath.Base(out))
			res.Layers = append(res.Layers, Layer{Input: in, Path: out, Skipped: true})
			continue
		}
		layer, err := vector.ReadShapefile(in)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: in, Reason: err.Error()}
		}
		clipped := ClipLayer(layer, mask, h.Grid)
		if err := vector.WriteShapefile(out, clipped); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(out), err)
		}
		if o.GeoJSON {
			gj := strings.TrimSuffix(out, filepath.Ext(out)) + ".geojson"
			if err := vector.WriteGeoJSON(gj, clipped); err != nil {
				return nil, err
			}
		}
		logging.ClipDebug("%s: %d feature(s) -> %d part(s)", filepath.Base(in), len(layer.Features), len(clipped.Features))
		res.Layers = append(res.Layers, Layer{
			Input:    in,
			Path:     out,
			Features: len(clipped.Features),
			AreaHa:   clipped.Area() / 10000,
		})
	}
	logging.Clip("%s clip wrote %d layer(s) to %s", o.Mode, len(res.Layers), res.Dir)
	return res, nil
}
