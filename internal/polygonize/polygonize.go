// Package polygonize turns a classified change raster into one polygon layer
// per clearing threshold. Threshold T keeps pixels with T <= class <= MaxClass,
// so layers for higher thresholds are always contained in lower ones.
package polygonize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

// MaxClass is the highest clearing class.
const MaxClass = 39

// DefaultThresholds are the clearing classes 34..39.
var DefaultThresholds = []int{34, 35, 36, 37, 38, 39}

// Options configures a run.
type Options struct {
	Thresholds []int
	MinHa      float64
	Force      bool
}

// Layer describes one threshold layer.
type Layer struct {
	Threshold int
	Path      string
	Features  int
	Dropped   int // regions below MinHa
	AreaHa    float64
	Skipped   bool // existing layer kept
}

// Result lists the layers of one run.
type Result struct {
	Dir    string
	Layers []Layer
}

// Paths returns the layer paths in threshold order.
func (r *Result) Paths() []string {
	out := make([]string, len(r.Layers))
	for i, l := range r.Layers {
		out[i] = l.Path
	}
	return out
}

// Thresholds returns the configured thresholds sorted and deduplicated.
// Every one gets a layer, empty when no class reaches it.
func Thresholds(configured []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(configured))
	for _, t := range configured {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

// Mask selects T <= class <= MaxClass.
func Mask(class []float32, t int) []bool {
	m := make([]bool, len(class))
	for i, v := range class {
		m[i] = int(v) >= t && int(v) <= MaxClass
	}
	return m
}

// Features traces the 4-connected regions of mask and drops those under minHa.
// It returns the kept features and the number dropped.
func Features(mask []bool, g raster.Grid, t int, minHa float64) ([]vector.Feature, int) {
	var out []vector.Feature
	dropped := 0
	for _, p := range vector.PolygonizeGrid(mask, g) {
		f := vector.AreaFeature(p, t)
		if f.Area()/10000 < minHa {
			dropped++
			continue
		}
		out = append(out, f)
	}
	return out, dropped
}

// Run writes one layer per configured threshold into the layout's threshold dir.
func Run(ctx context.Context, classPath string, l tile.Layout, start, end tile.DateTag, o Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPolygonize, "Run")
	defer timer.Stop()

	if len(o.Thresholds) == 0 {
		o.Thresholds = DefaultThresholds
	}
	r, err := raster.Read(classPath)
	if err != nil {
		if !fsutil.Exists(classPath) {
			return nil, &types.MissingInputError{What: "classified change raster", Date: start.String(), Searched: []string{classPath}}
		}
		return nil, &types.FormatMismatchError{Path: classPath, Reason: err.Error()}
	}
	class := r.Bands[0]
	res := &Result{Dir: l.ThresholdDir(start, end, o.MinHa)}
	thresholds := Thresholds(o.Thresholds)
	logging.Polygonize("%s: thresholds %v (min_ha=%g)", l.Scene, thresholds, o.MinHa)
	if err := os.MkdirAll(res.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", res.Dir, err)
	}

	prj := vector.ProjectionWKT(r.Grid)
	for _, t := range thresholds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(res.Dir, tile.ThresholdLayerName(l.Scene, start, end, t))
		if !o.Force && fsutil.Exists(path) {
			logging.Polygonize("Keeping existing %s", filepath.Base(path))
			res.Layers = append(res.Layers, Layer{Threshold: t, Path: path, Skipped: true})
			continue
		}
		feats, dropped := Features(Mask(class, t), r.Grid, t, o.MinHa)
		layer := &vector.Layer{Fields: vector.AreaFields(), Features: feats, Projection: prj}
		if err := vector.WriteShapefile(path, layer); err != nil {
			return nil, fmt.Errorf("threshold %d: %w", t, err)
		}
		logging.Polygonize("%s: kept %d, dropped %d below %g ha", filepath.Base(path), len(feats), dropped, o.MinHa)
		res.Layers = append(res.Layers, Layer{
			Threshold: t,
			Path:      path,
			Features:  len(feats),
			Dropped:   dropped,
			AreaHa:    layer.Area() / 10000,
		})
	}
	return res, nil
}
