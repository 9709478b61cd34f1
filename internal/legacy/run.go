package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// Params configures one classification run.
type Params struct {
	Layout    tile.Layout
	Start     tile.DateTag // effective start date
	End       tile.DateTag // effective end date
	Window    tile.SeasonWindow
	Lookback  int
	Statistic string // config.StatisticMean or config.StatisticMedian
	OmitFirst bool
	Options   Options
	IndexGlob string // overrides the scene's dc4 series when set
	Force     bool
	RunID     string
}

// Result describes the outputs of a run.
type Result struct {
	ClassPath     string
	StylePath     string
	LogPath       string
	BaselineDates []tile.DateTag
	StartIndex    tile.DateTag
	EndIndex      tile.DateTag
	ClassCounts   map[int]int
	Skipped       bool
}

// RunLog is the JSON record written next to the class raster.
type RunLog struct {
	RunID                 string         `json:"run_id,omitempty"`
	Scene                 string         `json:"scene"`
	StartDate             string         `json:"start_date"`
	EndDate               string         `json:"end_date"`
	Window                string         `json:"window"`
	Lookback              int            `json:"lookback"`
	Statistic             string         `json:"statistic"`
	OmitFirst             bool           `json:"omit_first"`
	OmitFPCStartThreshold bool           `json:"omit_fpc_start_threshold"`
	BaselineDates         []string       `json:"baseline_dates"`
	StartIndexDate        string         `json:"start_index_date"`
	EndIndexDate          string         `json:"end_index_date"`
	ClassCounts           map[string]int `json:"class_counts"`
	Outputs               []string       `json:"outputs"`
	CreatedAt             string         `json:"created_at"`
}

// Series lists the index rasters of the scene (or IndexGlob) by date.
func Series(p Params) ([]Sample, error) {
	pattern := p.IndexGlob
	if pattern == "" {
		pattern = filepath.Join(p.Layout.SceneDir(),
			fmt.Sprintf("%s_%s_*_%s%s", tile.Prefix, p.Layout.Scene, tile.IndexTag, tile.RasterExt))
	}
	hits, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid index pattern %q: %w", pattern, err)
	}
	var out []Sample
	for _, h := range hits {
		if strings.HasPrefix(filepath.Base(h), ".tmp-") {
			continue
		}
		d, ok := tile.ExtractDate(filepath.Base(h))
		if !ok {
			continue
		}
		out = append(out, Sample{Date: d, Path: h})
	}
	sortSamples(out)
	return out, nil
}

// slowRun is when a classification run is logged as slow.
const slowRun = 20 * time.Minute

// Run classifies change between p.Start and p.End. Nothing is written unless
// every input is present.
func Run(ctx context.Context, p Params) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryLegacy, "Run")
	defer timer.StopWithThreshold(slowRun)

	res := &Result{
		ClassPath: p.Layout.ClassPath(p.Start, p.End),
		StylePath: p.Layout.StylePath(p.Start, p.End),
		LogPath:   p.Layout.RunLogPath(p.Start, p.End),
	}
	if !p.Force && fsutil.Exists(res.ClassPath) && fsutil.Exists(res.StylePath) {
		logging.Legacy("Keeping existing %s", filepath.Base(res.ClassPath))
		res.Skipped = true
		return res, nil
	}

	samples, err := Series(p)
	if err != nil {
		return nil, err
	}
	baseline, err := SelectBaseline(samples, p.Start, p.End, p.Window, p.Lookback)
	if err != nil {
		var mi *types.MissingInputError
		if errors.As(err, &mi) {
			mi.Tile = p.Layout.Scene
		}
		return nil, err
	}
	startSig, ok := PickSignal(samples, p.Start, p.Window)
	if !ok {
		return nil, &types.MissingInputError{What: "start index raster", Tile: p.Layout.Scene, Date: p.Start.String()}
	}
	endSig, ok := PickSignal(samples, p.End, p.Window)
	if !ok {
		return nil, &types.MissingInputError{What: "end index raster", Tile: p.Layout.Scene, Date: p.End.String()}
	}

	refStart, err := loadStack(p.Layout.StackPath(p.Start))
	if err != nil {
		return nil, err
	}
	ref := refStart.Grid
	refEnd, err := loadStack(p.Layout.StackPath(p.End))
	if err != nil {
		return nil, err
	}
	refEnd = raster.Align(refEnd, ref)

	if p.OmitFirst && len(baseline) > 2 {
		baseline = baseline[1:]
	}
	norm := make([][]float32, 0, len(baseline))
	dates := make([]tile.DateTag, 0, len(baseline))
	for _, s := range baseline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		band, err := loadIndex(s.Path, ref)
		if err != nil {
			return nil, err
		}
		norm = append(norm, Normalise(band))
		dates = append(dates, s.Date)
	}
	res.BaselineDates = dates
	res.StartIndex, res.EndIndex = startSig.Date, endSig.Date
	logging.Legacy("%s: baseline %d raster(s) %v, start index %s, end index %s",
		p.Layout.Scene, len(dates), dateStrings(dates), startSig.Date, endSig.Date)

	startRaw, err := loadIndex(startSig.Path, ref)
	if err != nil {
		return nil, err
	}
	endRaw, err := loadIndex(endSig.Path, ref)
	if err != nil {
		return nil, err
	}

	prod := Classify(Inputs{
		RefStart:  refStart.Bands,
		RefEnd:    refEnd.Bands,
		StartRaw:  startRaw,
		StartNorm: Normalise(startRaw),
		EndNorm:   Normalise(endRaw),
		Baseline:  ComputeBaseline(norm, dates, p.Statistic),
		EndYear:   p.End.DecimalYear(),
	}, p.Options)

	res.ClassCounts = map[int]int{}
	for _, c := range prod.Class {
		res.ClassCounts[int(c)]++
	}

	class := &raster.Raster{
		Grid:        ref,
		DataType:    raster.Uint8,
		NoData:      raster.NoDataValue(0),
		BandNames:   []string{"change_class"},
		Bands:       [][]float32{prod.Class},
		Palette:     ClassPalette(),
		Description: "EDS change class " + tile.Era(p.Start, p.End),
	}
	interp := &raster.Raster{
		Grid:        ref,
		DataType:    raster.Uint8,
		NoData:      raster.NoDataValue(0),
		BandNames:   InterpretationBands,
		Bands:       prod.Interpretation(),
		Description: "EDS change interpretation " + tile.Era(p.Start, p.End),
	}
	// interpretation first: the class raster is what existence checks look for
	if err := raster.Write(res.StylePath, interp); err != nil {
		return nil, fmt.Errorf("failed to write interpretation raster: %w", err)
	}
	if err := raster.Write(res.ClassPath, class); err != nil {
		return nil, fmt.Errorf("failed to write class raster: %w", err)
	}
	if err := writeRunLog(p, res); err != nil {
		return nil, err
	}
	logging.Legacy("Wrote %s", filepath.Base(res.ClassPath))
	return res, nil
}

func loadStack(path string) (*raster.Raster, error) {
	if !fsutil.Exists(path) {
		d, _ := tile.ExtractDate(filepath.Base(path))
		return nil, &types.MissingInputError{What: "reflectance stack", Date: d.String(), Searched: []string{path}}
	}
	r, err := raster.Read(path)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	if len(r.Bands) < SpectralBands {
		return nil, &types.FormatMismatchError{
			Path:   path,
			Reason: fmt.Sprintf("spectral index needs %d bands, stack has %d", SpectralBands, len(r.Bands)),
		}
	}
	return r, nil
}

// loadIndex reads band 1 of an index raster aligned onto ref.
func loadIndex(path string, ref raster.Grid) ([]float32, error) {
	d, err := raster.Open(path)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	if d.Bands != 1 {
		return nil, &types.FormatMismatchError{Path: path, Reason: fmt.Sprintf("index raster must have 1 band, has %d", d.Bands)}
	}
	band, err := d.ReadBand(0)
	if err != nil {
		return nil, &types.FormatMismatchError{Path: path, Reason: err.Error()}
	}
	if d.Grid.SameAs(ref) {
		return band, nil
	}
	return raster.Resample(band, d.Grid, ref, 0), nil
}

func writeRunLog(p Params, res *Result) error {
	counts := make(map[string]int, len(res.ClassCounts))
	keys := make([]int, 0, len(res.ClassCounts))
	for k := range res.ClassCounts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		counts[fmt.Sprint(k)] = res.ClassCounts[k]
	}
	stat := p.Statistic
	if stat == "" {
		stat = "mean"
	}
	rl := RunLog{
		RunID:                 p.RunID,
		Scene:                 p.Layout.Scene,
		StartDate:             p.Start.String(),
		EndDate:               p.End.String(),
		Window:                p.Window.String(),
		Lookback:              p.Lookback,
		Statistic:             stat,
		OmitFirst:             p.OmitFirst,
		OmitFPCStartThreshold: p.Options.OmitFPCStartThreshold,
		BaselineDates:         dateStrings(res.BaselineDates),
		StartIndexDate:        res.StartIndex.String(),
		EndIndexDate:          res.EndIndex.String(),
		ClassCounts:           counts,
		Outputs:               []string{res.ClassPath, res.StylePath},
		CreatedAt:             time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rl, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run log: %w", err)
	}
	return fsutil.WriteFile(res.LogPath, append(data, '\n'), 0644)
}

func dateStrings(ds []tile.DateTag) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}
