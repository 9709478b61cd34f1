// Package coverage derives the spatial coverage footprints of an index series:
// the union and the intersection of the raster extents, and presence-ratio masks
// that keep pixels valid in at least a given share of the series.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

// Options configures a run.
type Options struct {
	Ratios            []float64 // each in (0,1]
	SavePerInputMasks bool
	Force             bool
	Pattern           string // glob inside the scene dir; default every dc4 raster
}

// RatioOutput describes one presence-ratio mask.
type RatioOutput struct {
	Ratio     float64
	MaskPath  string
	LayerPath string // primary name, or the _poly fallback
	Kept      int    // pixels kept
	AreaM2    float64
	Skipped   bool
}

// Result describes the coverage outputs of a scene.
type Result struct {
	Dir        string
	Inputs     []string
	UnionPath  string
	StrictPath string
	UnionArea  float64
	StrictArea float64
	Ratios     []RatioOutput
	MaskPaths  []string // per-input valid masks
	Warnings   []error
}

// RatioMask returns the mask raster of ratio r, if produced.
func (r *Result) RatioMask(ratio float64) (string, bool) {
	for _, o := range r.Ratios {
		if tile.RatioPercent(o.Ratio) == tile.RatioPercent(ratio) {
			return o.MaskPath, true
		}
	}
	return "", false
}

var coverageFields = []vector.Field{{Name: "id", Kind: vector.FieldInt}, vector.FieldAreaM2, vector.FieldAreaHa}

// Inputs lists the index rasters of a scene matching pattern.
func Inputs(l tile.Layout, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*_" + tile.IndexTag + tile.RasterExt
	}
	hits, err := filepath.Glob(filepath.Join(l.SceneDir(), pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid coverage pattern %q: %w", pattern, err)
	}
	var out []string
	for _, h := range hits {
		if !strings.HasPrefix(filepath.Base(h), ".tmp-") {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RectPolygon is the closed polygon of an extent.
func RectPolygon(e raster.Extent) *geom.Polygon {
	p, _ := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{{
		{e.MinX, e.MaxY}, {e.MaxX, e.MaxY}, {e.MaxX, e.MinY}, {e.MinX, e.MinY}, {e.MinX, e.MaxY},
	}})
	return p
}

// UnionExtents returns the exact union of axis-aligned rectangles. The edges
// of every rectangle form a lattice whose cells are either fully inside or
// fully outside the union, so tracing the inside cells is exact.
func UnionExtents(exts []raster.Extent) []*geom.Polygon {
	if len(exts) == 0 {
		return nil
	}
	xs, ys := edges(exts)
	cols, rows := len(xs)-1, len(ys)-1
	mask := make([]bool, cols*rows)
	for r := 0; r < rows; r++ {
		cy := (ys[r] + ys[r+1]) / 2
		for c := 0; c < cols; c++ {
			cx := (xs[c] + xs[c+1]) / 2
			for _, e := range exts {
				if cx > e.MinX && cx < e.MaxX && cy > e.MinY && cy < e.MaxY {
					mask[r*cols+c] = true
					break
				}
			}
		}
	}
	return vector.Polygonize(mask, cols, rows, func(c, r int) (float64, float64) { return xs[c], ys[r] })
}

// edges returns unique x ascending and unique y descending.
func edges(exts []raster.Extent) ([]float64, []float64) {
	var xs, ys []float64
	for _, e := range exts {
		xs = append(xs, e.MinX, e.MaxX)
		ys = append(ys, e.MinY, e.MaxY)
	}
	return unique(xs, false), unique(ys, true)
}

func unique(v []float64, desc bool) []float64 {
	sort.Float64s(v)
	out := v[:0]
	for i, x := range v {
		if i == 0 || x != v[i-1] {
			out = append(out, x)
		}
	}
	if desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// IntersectExtents folds Extent.Intersect over exts.
func IntersectExtents(exts []raster.Extent) (raster.Extent, bool) {
	if len(exts) == 0 {
		return raster.Extent{}, false
	}
	acc := exts[0]
	for _, e := range exts[1:] {
		var ok bool
		if acc, ok = acc.Intersect(e); !ok {
			return raster.Extent{}, false
		}
	}
	return acc, true
}

// ValidMask marks finite pixels that are not nodata (not zero when no nodata
// is declared).
func ValidMask(band []float32, nodata *float64) []bool {
	sentinel := float32(0)
	if nodata != nil {
		sentinel = float32(*nodata)
	}
	m := make([]bool, len(band))
	for i, v := range band {
		f := float64(v)
		m[i] = !math.IsNaN(f) && !math.IsInf(f, 0) && v != sentinel
	}
	return m
}

// aligned reads band 1 of path on ref; pixels outside the source are NaN.
func aligned(path string, ref raster.Grid) ([]float32, *float64, error) {
	d, err := raster.Open(path)
	if err != nil {
		return nil, nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	band, err := d.ReadBand(0)
	if err != nil {
		return nil, nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	if d.Grid.SameAs(ref) {
		return band, d.NoData, nil
	}
	return raster.Resample(band, d.Grid, ref, float32(math.NaN())), d.NoData, nil
}

// Presence counts, per pixel of ref, how many inputs are valid there. With
// masks set, each input's valid mask is returned too.
func Presence(paths []string, ref raster.Grid, masks bool) ([]int, [][]bool, error) {
	counts := make([]int, ref.Size())
	var per [][]bool
	for _, p := range paths {
		band, nodata, err := aligned(p, ref)
		if err != nil {
			return nil, nil, err
		}
		valid := ValidMask(band, nodata)
		for i, ok := range valid {
			if ok {
				counts[i]++
			}
		}
		if masks {
			per = append(per, valid)
		}
	}
	return counts, per, nil
}

// RatioKeep keeps pixels whose presence share reaches ratio.
func RatioKeep(counts []int, total int, ratio float64) []bool {
	keep := make([]bool, len(counts))
	if total == 0 {
		return keep
	}
	for i, c := range counts {
		// tolerate float noise at the boundary, e.g. 0.95*20
		keep[i] = float64(c)/float64(total) >= ratio-1e-9
	}
	return keep
}

// Run computes every coverage output of a scene.
func Run(ctx context.Context, l tile.Layout, o Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCoverage, "Run")
	defer timer.Stop()

	for _, r := range o.Ratios {
		if !(r > 0 && r <= 1) {
			return nil, fmt.Errorf("invalid presence ratio %g: must be in (0,1]", r)
		}
	}
	inputs, err := Inputs(l, o.Pattern)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, &types.MissingInputError{What: "index rasters for coverage", Tile: l.Scene, Searched: []string{l.SceneDir()}}
	}
	logging.Coverage("%s: %d index raster(s)", l.Scene, len(inputs))

	res := &Result{Dir: l.CoverageDir(), Inputs: inputs, UnionPath: l.UnionPath(), StrictPath: l.StrictPath()}
	var exts []raster.Extent
	var ref raster.Grid
	for i, p := range inputs {
		h, err := raster.ReadHeader(p)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: p, Reason: err.Error()}
		}
		if i == 0 {
			ref = h.Grid
		}
		exts = append(exts, h.Grid.Extent())
	}
	prj := vector.ProjectionWKT(ref)

	union := UnionExtents(exts)
	res.UnionArea = sumArea(union)
	if err := writeCoverage(res.UnionPath, union, prj, o.Force); err != nil {
		return nil, err
	}

	var strict []*geom.Polygon
	if e, ok := IntersectExtents(exts); ok {
		strict = []*geom.Polygon{RectPolygon(e)}
	} else {
		logging.CoverageWarn("%s: input extents do not intersect", l.Scene)
	}
	res.StrictArea = sumArea(strict)
	if err := writeCoverage(res.StrictPath, strict, prj, o.Force); err != nil {
		return nil, err
	}

	if len(o.Ratios) == 0 && !o.SavePerInputMasks {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts, per, err := Presence(inputs, ref, o.SavePerInputMasks)
	if err != nil {
		return nil, err
	}
	if o.SavePerInputMasks {
		for i, p := range inputs {
			stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
			out := filepath.Join(l.MasksDir(), stem+"_valid_mask"+tile.RasterExt)
			res.MaskPaths = append(res.MaskPaths, out)
			if !o.Force && fsutil.Exists(out) {
				continue
			}
			if err := writeMask(out, ref, per[i], "valid pixels of "+filepath.Base(p)); err != nil {
				return nil, err
			}
		}
		logging.Coverage("%s: wrote %d per-input mask(s)", l.Scene, len(res.MaskPaths))
	}

	for _, r := range o.Ratios {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := ratioOutput(l, ref, prj, counts, len(inputs), r, o.Force)
		if err != nil {
			return nil, err
		}
		if !out.Skipped && out.Kept == 0 {
			w := &types.CoverageInsufficientWarning{Ratio: r, Path: out.MaskPath}
			logging.CoverageWarn("%v", w)
			res.Warnings = append(res.Warnings, w)
		}
		res.Ratios = append(res.Ratios, out)
	}
	return res, nil
}

// RatioLayerPath returns the existing polygon layer of a ratio stem: the
// primary name, else the _poly fallback.
func RatioLayerPath(stem string) (string, bool) {
	for _, p := range []string{stem + tile.VectorExt, stem + "_poly" + tile.VectorExt} {
		if fsutil.Exists(p) {
			return p, true
		}
	}
	return "", false
}

func ratioOutput(l tile.Layout, ref raster.Grid, prj string, counts []int, total int, ratio float64, force bool) (RatioOutput, error) {
	stem := l.RatioStem(ratio)
	out := RatioOutput{Ratio: ratio, MaskPath: stem + tile.RasterExt, LayerPath: stem + tile.VectorExt}
	if existing, ok := RatioLayerPath(stem); ok && !force && fsutil.Exists(out.MaskPath) {
		logging.Coverage("Keeping existing ratio %.2f outputs", ratio)
		out.LayerPath, out.Skipped = existing, true
		return out, nil
	}

	keep := RatioKeep(counts, total, ratio)
	out.Kept = vector.Count(keep)
	out.AreaM2 = float64(out.Kept) * ref.PixelArea()
	if err := writeMask(out.MaskPath, ref, keep, fmt.Sprintf("presence ratio >= %.2f", ratio)); err != nil {
		return out, err
	}
	polys := vector.PolygonizeGrid(keep, ref)
	layer := areaLayer(polys, prj)
	if err := vector.WriteShapefile(out.LayerPath, layer); err != nil {
		alt := stem + "_poly" + tile.VectorExt
		logging.CoverageWarn("Cannot create %s (%v), trying %s", filepath.Base(out.LayerPath), err, filepath.Base(alt))
		if err2 := vector.WriteShapefile(alt, layer); err2 != nil {
			return out, fmt.Errorf("failed to write ratio layer %s and fallback %s: %w", out.LayerPath, alt, errors.Join(err, err2))
		}
		out.LayerPath = alt
	}
	logging.Coverage("Ratio %.2f: kept %d pixel(s), %.2f ha", ratio, out.Kept, out.AreaM2/10000)
	return out, nil
}

func writeCoverage(path string, polys []*geom.Polygon, prj string, force bool) error {
	if !force && fsutil.Exists(path) {
		logging.Coverage("Keeping existing %s", filepath.Base(path))
		return nil
	}
	if err := vector.WriteShapefile(path, areaLayer(polys, prj)); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	logging.Coverage("Wrote %s", filepath.Base(path))
	return nil
}

func areaLayer(polys []*geom.Polygon, prj string) *vector.Layer {
	layer := &vector.Layer{Fields: coverageFields, Projection: prj}
	for i, p := range polys {
		a := vector.Area(p)
		layer.Features = append(layer.Features, vector.Feature{
			Polygons: []*geom.Polygon{p},
			Attrs: map[string]interface{}{
				"id":                    i + 1,
				vector.FieldAreaM2.Name: a,
				vector.FieldAreaHa.Name: a / 10000,
			},
		})
	}
	return layer
}

func writeMask(path string, g raster.Grid, mask []bool, desc string) error {
	band := make([]float32, len(mask))
	for i, on := range mask {
		if on {
			band[i] = 1
		}
	}
	r := &raster.Raster{
		Grid:        g,
		DataType:    raster.Uint8,
		NoData:      raster.NoDataValue(0),
		BandNames:   []string{"mask"},
		Bands:       [][]float32{band},
		Description: desc,
	}
	if err := raster.Write(path, r); err != nil {
		return fmt.Errorf("failed to write mask %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sumArea(polys []*geom.Polygon) float64 {
	var a float64
	for _, p := range polys {
		a += vector.Area(p)
	}
	return a
}
