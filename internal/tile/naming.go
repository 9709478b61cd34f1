package tile

import (
	"fmt"
	"path/filepath"
)

// File naming contract. Downstream consumers depend on these names verbatim.
const (
	Prefix          = "lztmre"
	FootprintPrefix = "lztmna"

	StackTag     = "db8mz"
	IndexTag     = "dc4mz"
	ClassTag     = "dllmz"
	StyleTag     = "dljmz"
	FootprintTag = "dw1mz"

	RasterExt = ".img"
	HeaderExt = ".hdr"
	VectorExt = ".shp"
)

// Layout resolves every conventional output path for one scene.
type Layout struct {
	Root  string // out root, e.g. data/compat/files
	Scene string
}

// NewLayout binds a tile to an output root.
func NewLayout(root string, t Tile) Layout {
	return Layout{Root: root, Scene: t.Scene()}
}

// SceneDir is <root>/<scene>.
func (l Layout) SceneDir() string { return filepath.Join(l.Root, l.Scene) }

// StackPath is the ReflectanceStack for one date.
func (l Layout) StackPath(d DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_%s_%s%s", Prefix, l.Scene, d, StackTag, RasterExt))
}

// IndexPath is the VegetationIndexRaster for one date.
func (l Layout) IndexPath(d DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_%s_%s%s", Prefix, l.Scene, d, IndexTag, RasterExt))
}

// FootprintPath is the all-ones footprint raster.
func (l Layout) FootprintPath() string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_eall_%s%s", FootprintPrefix, l.Scene, FootprintTag, RasterExt))
}

// Era is the d<start><end> date-pair token.
func Era(start, end DateTag) string { return fmt.Sprintf("d%s%s", start, end) }

// ClassPath is the ClassifiedChangeRaster.
func (l Layout) ClassPath(start, end DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_%s_%s%s", Prefix, l.Scene, Era(start, end), ClassTag, RasterExt))
}

// StylePath is the 4-band interpretation companion of the class raster.
func (l Layout) StylePath(start, end DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_%s_%s%s", Prefix, l.Scene, Era(start, end), StyleTag, RasterExt))
}

// RunLogPath is the classifier's JSON run log.
func (l Layout) RunLogPath(start, end DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("%s_%s_%s_%s_log.json", Prefix, l.Scene, Era(start, end), ClassTag))
}

// ThresholdDir holds one polygon layer per threshold.
func (l Layout) ThresholdDir(start, end DateTag, minHa float64) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("shp_d%s_%s_merged_min%dha", start, end, int(minHa)))
}

// CleanDir holds postprocessed layers.
func (l Layout) CleanDir(start, end DateTag, minHa float64) string {
	return l.ThresholdDir(start, end, minHa) + "_clean"
}

// ClipStrictDir holds layers clipped to strict coverage.
func (l Layout) ClipStrictDir(start, end DateTag, minHa float64) string {
	return l.CleanDir(start, end, minHa) + "_clip_strict"
}

// ClipRatioDir holds layers clipped to a presence-ratio mask.
func (l Layout) ClipRatioDir(start, end DateTag, minHa float64) string {
	return l.CleanDir(start, end, minHa) + "_clip_ratio"
}

// ThresholdLayerName is the file name of one threshold layer.
func ThresholdLayerName(scene string, start, end DateTag, thr int) string {
	return fmt.Sprintf("%s_%s_thr_%d%s", scene, Era(start, end), thr, VectorExt)
}

// CoverageDir holds union/strict/ratio footprints.
func (l Layout) CoverageDir() string { return filepath.Join(l.SceneDir(), "fc_coverage") }

// UnionPath is the union-of-extents layer.
func (l Layout) UnionPath() string {
	return filepath.Join(l.CoverageDir(), l.Scene+"_fc_inputs_union"+VectorExt)
}

// StrictPath is the intersection-of-extents layer.
func (l Layout) StrictPath() string {
	return filepath.Join(l.CoverageDir(), l.Scene+"_fc_consistent"+VectorExt)
}

// RatioStem is <scene>_fc_consistent_rNNN without extension.
func (l Layout) RatioStem(ratio float64) string {
	return filepath.Join(l.CoverageDir(), fmt.Sprintf("%s_fc_consistent_r%03d", l.Scene, RatioPercent(ratio)))
}

// RatioPercent is int(ratio*100) with rounding that survives float noise (0.95 → 95).
func RatioPercent(ratio float64) int { return int(ratio*100 + 1e-6) }

// MasksDir holds per-input valid masks.
func (l Layout) MasksDir() string { return filepath.Join(l.CoverageDir(), "masks") }

// ResultsPath is the orchestrator's structured results record.
func (l Layout) ResultsPath(start, end DateTag) string {
	return filepath.Join(l.SceneDir(), fmt.Sprintf("eds_results_%s.json", Era(start, end)))
}

// PackageName is the zip name for a scene's outputs.
func PackageName(scene string, start, end DateTag) string {
	return fmt.Sprintf("%s_%s_eds_outputs.zip", scene, Era(start, end))
}
