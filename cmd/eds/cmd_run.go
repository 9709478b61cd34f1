package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/metrics"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/pipeline"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one tile",
	Long: `Runs every step for one tile and date pair, skipping steps whose outputs
already exist unless --force-compat is given.

Example:
  eds run --tile 094_076 --start-date 20230720 --end-date 20240805 \
    --sr-root /data/sr --fc-root /data/fc --out-root /data/eds`,
	Args: cobra.NoArgs,
	RunE: runTile,
}

// runFlags holds the values of "eds run". Only flags the user set override
// the config file.
type runFlags struct {
	tile, startDate, endDate string
	srDirStart, srDirEnd     string
	seasonWindow             []string
	resultsJSON              string

	spanYears, lookbackCap, skinnyPixels int
	thresholds                           []int
	minHa                                float64
	ratios                               []float64
	fcOnlyClr, fcPreferClr, fcToFPC      bool
	fcK, fcN, fcNoData                   float64
	forceCompat, dryRun                  bool
	omitFPCStart, saveMasks, srOnlyClr   bool
	srRoot, fcRoot, fcGlob, outRoot      string
	indexMode                            string
	packageDest, metricsFile             string
	stepTimeout                          string
}

var rf runFlags

func init() {
	addRunFlags(runCmd.Flags(), &rf)
	_ = runCmd.MarkFlagRequired("tile")
	_ = runCmd.MarkFlagRequired("start-date")
	_ = runCmd.MarkFlagRequired("end-date")
}

func addRunFlags(f *pflag.FlagSet, rf *runFlags) {
	f.StringVar(&rf.tile, "tile", "", "Tile as PPP_RRR (required)")
	f.StringVar(&rf.startDate, "start-date", "", "Start date YYYYMMDD (required)")
	f.StringVar(&rf.endDate, "end-date", "", "End date YYYYMMDD (required)")
	f.StringVar(&rf.srDirStart, "sr-dir-start", "", "Start SR file, directory or glob")
	f.StringVar(&rf.srDirEnd, "sr-dir-end", "", "End SR file, directory or glob")
	f.StringSliceVar(&rf.seasonWindow, "season-window", nil, "Baseline season as MMDD,MMDD (or repeat the flag)")
	f.StringVar(&rf.resultsJSON, "results-json", "", "Write the results record here instead of the scene dir")

	f.IntVar(&rf.spanYears, "span-years", 0, "Baseline span in years")
	f.IntVar(&rf.lookbackCap, "lookback-cap", 0, "Upper bound on baseline lookback years")
	f.IntSliceVar(&rf.thresholds, "thresholds", nil, "Class thresholds, e.g. 34,35,36")
	f.Float64Var(&rf.minHa, "min-ha", 0, "Minimum polygon area in hectares")
	f.IntVar(&rf.skinnyPixels, "skinny-pixels", 0, "Drop polygons thinner than this many pixels")
	f.Float64SliceVar(&rf.ratios, "ratio-presence", nil, "Presence ratios in (0,1] for coverage masks")
	f.BoolVar(&rf.fcOnlyClr, "fc-only-clr", false, "Use only _clr fractional cover rasters")
	f.BoolVar(&rf.fcPreferClr, "fc-prefer-clr", true, "Prefer _clr fractional cover rasters per date")
	f.BoolVar(&rf.fcToFPC, "fc-convert-to-fpc", false, "Convert FC green to FPC")
	f.Float64Var(&rf.fcK, "fc-k", 0, "FPC conversion k")
	f.Float64Var(&rf.fcN, "fc-n", 0, "FPC conversion n")
	f.Float64Var(&rf.fcNoData, "fc-nodata", 0, "Override FC nodata value")
	f.BoolVar(&rf.forceCompat, "force-compat", false, "Rebuild outputs that already exist")
	f.BoolVar(&rf.dryRun, "dry-run", false, "Record planned steps without running them")
	f.BoolVar(&rf.omitFPCStart, "omit-fpc-start-threshold", false, "Disable the start FPC no-change rule")
	f.BoolVar(&rf.saveMasks, "save-per-input-masks", false, "Write a valid mask per coverage input")
	f.BoolVar(&rf.srOnlyClr, "sr-only-clr", false, "Accept only masked SR composites")
	f.StringVar(&rf.srRoot, "sr-root", "", "Surface reflectance root")
	f.StringVar(&rf.fcRoot, "fc-root", "", "Fractional cover root")
	f.StringVar(&rf.fcGlob, "fc-glob", "", "Glob for FC rasters, relative to the FC root")
	f.StringVar(&rf.outRoot, "out-root", "", "Output root")
	f.StringVar(&rf.indexMode, "index-mode", "", "Index derivation: fc or ndvi")
	f.StringVar(&rf.packageDest, "package-dest", "", "Zip scene outputs into this directory")
	f.StringVar(&rf.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	f.StringVar(&rf.stepTimeout, "step-timeout", "", "Per-step timeout, e.g. 90m")
}

func runTile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd.Flags(), cfg, rf); err != nil {
		return err
	}
	opts, err := runOptions(rf)
	if err != nil {
		return err
	}
	opts.Config = cfg
	opts.Stdout = cmd.OutOrStdout()
	if cfg.Execution.MetricsFile != "" {
		opts.Metrics = metrics.New()
	}

	o, err := pipeline.New(opts)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Running tile",
		zap.String("tile", opts.Tile.Code()),
		zap.String("start", opts.Start.String()),
		zap.String("end", opts.End.String()),
		zap.Bool("dry_run", cfg.Execution.DryRun))

	res, err := o.Run(ctx)
	if res != nil {
		reportRun(res)
	}
	return err
}

// runOptions parses the tile, dates and window of a run.
func runOptions(f runFlags) (pipeline.Options, error) {
	var opts pipeline.Options
	t, err := tile.Parse(f.tile)
	if err != nil {
		return opts, err
	}
	start, err := tile.ParseDate(f.startDate)
	if err != nil {
		return opts, fmt.Errorf("--start-date: %w", err)
	}
	end, err := tile.ParseDate(f.endDate)
	if err != nil {
		return opts, fmt.Errorf("--end-date: %w", err)
	}
	opts = pipeline.Options{
		Tile:        t,
		Start:       start,
		End:         end,
		SRDirStart:  f.srDirStart,
		SRDirEnd:    f.srDirEnd,
		ResultsPath: f.resultsJSON,
	}
	if len(f.seasonWindow) > 0 {
		w, err := tile.ParseWindow(strings.Join(f.seasonWindow, ","))
		if err != nil {
			return opts, fmt.Errorf("--season-window: %w", err)
		}
		opts.Window = &w
	}
	return opts, nil
}

// applyRunFlags copies explicitly set flags onto cfg.
func applyRunFlags(fs *pflag.FlagSet, cfg *config.Config, f runFlags) error {
	set := fs.Changed
	if set("span-years") {
		cfg.Legacy.SpanYears = f.spanYears
	}
	if set("lookback-cap") {
		cfg.Legacy.LookbackCap = f.lookbackCap
	}
	if set("thresholds") {
		if len(f.thresholds) == 0 {
			return fmt.Errorf("--thresholds: no values")
		}
		cfg.Polygonize.Thresholds = f.thresholds
	}
	if set("min-ha") {
		cfg.Polygonize.MinHa = f.minHa
	}
	if set("skinny-pixels") {
		cfg.Postprocess.SkinnyPixels = f.skinnyPixels
	}
	if set("ratio-presence") {
		cfg.Coverage.Ratios = f.ratios
	}
	if set("fc-only-clr") {
		cfg.Compat.OnlyClr = f.fcOnlyClr
	}
	if set("fc-prefer-clr") {
		cfg.Compat.PreferClr = f.fcPreferClr
	}
	if set("fc-convert-to-fpc") {
		cfg.Compat.ConvertToFPC = f.fcToFPC
	}
	if set("fc-k") {
		cfg.Compat.FCK = f.fcK
	}
	if set("fc-n") {
		cfg.Compat.FCN = f.fcN
	}
	if set("fc-nodata") {
		v := f.fcNoData
		cfg.Compat.FCNoData = &v
	}
	if set("force-compat") {
		cfg.Execution.Force = f.forceCompat
	}
	if set("dry-run") {
		cfg.Execution.DryRun = f.dryRun
	}
	if set("omit-fpc-start-threshold") {
		cfg.Legacy.OmitFPCStartThreshold = f.omitFPCStart
	}
	if set("save-per-input-masks") {
		cfg.Coverage.SavePerInputMasks = f.saveMasks
	}
	if set("sr-only-clr") {
		cfg.Compat.SROnlyClr = f.srOnlyClr
	}
	if set("sr-root") {
		cfg.Paths.SRRoot = f.srRoot
	}
	if set("fc-root") {
		cfg.Paths.FCRoot = f.fcRoot
	}
	if set("fc-glob") {
		cfg.Compat.FCGlob = f.fcGlob
	}
	if set("out-root") {
		cfg.Paths.OutRoot = f.outRoot
	}
	if set("index-mode") {
		cfg.Compat.IndexMode = strings.ToLower(f.indexMode)
	}
	if set("package-dest") {
		cfg.Execution.PackageDest = f.packageDest
	}
	if set("metrics-file") {
		cfg.Execution.MetricsFile = f.metricsFile
	}
	if set("step-timeout") {
		cfg.Execution.StepTimeout = f.stepTimeout
	}
	return cfg.Validate()
}

// reportRun prints the failing step's diagnostics, or the output paths.
func reportRun(res *pipeline.Results) {
	if !res.Success {
		if rec, ok := res.Step(res.FailedStep); ok && rec.Stderr != "" {
			fmt.Fprintf(os.Stderr, "--- %s stderr ---\n%s\n", rec.Step, rec.Stderr)
		}
		return
	}
	out := res.Outputs
	for _, kv := range [][2]string{
		{"class raster", out.ClassRaster},
		{"style raster", out.StyleRaster},
		{"thresholds", out.ThresholdDir},
		{"clean", out.CleanDir},
		{"coverage", out.CoverageDir},
		{"clip strict", out.ClipStrictDir},
		{"clip ratio", out.ClipRatioDir},
		{"package", out.Package},
		{"results", res.Path},
	} {
		if kv[1] != "" {
			fmt.Fprintf(os.Stderr, "%-13s %s\n", kv[0]+":", kv[1])
		}
	}
}
