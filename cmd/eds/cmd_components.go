package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/clip"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/coverage"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// Flags shared by the standalone component commands.
var (
	compTile    string
	compOutRoot string
	compForce   bool
	compRatios  []float64

	coveragePattern string
	coverageMasks   bool

	clipStart, clipEnd string
	clipMode           string
	clipMask           string
	clipMinHa          float64
	clipGeoJSON        bool
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Compute coverage footprints over a tile's index series",
	Long: `Writes the union, strict and presence-ratio footprints of every index
raster in <out root>/<scene>/ into its fc_coverage/ directory.`,
	Args: cobra.NoArgs,
	RunE: runCoverage,
}

var clipCmd = &cobra.Command{
	Use:   "clip",
	Short: "Clip a tile's cleaned threshold polygons to a coverage mask",
	Long: `Clips the cleaned threshold layers of one date pair against the strict
footprint or a presence-ratio mask. Without --mask the mask produced by
"eds coverage" is used.`,
	Args: cobra.NoArgs,
	RunE: runClip,
}

func init() {
	for _, c := range []*cobra.Command{coverageCmd, clipCmd} {
		c.Flags().StringVar(&compTile, "tile", "", "Tile as PPP_RRR (required)")
		c.Flags().StringVar(&compOutRoot, "out-root", "", "Output root")
		c.Flags().BoolVar(&compForce, "force", false, "Rebuild outputs that already exist")
		c.Flags().Float64SliceVar(&compRatios, "ratio-presence", nil, "Presence ratios in (0,1]")
		_ = c.MarkFlagRequired("tile")
	}

	coverageCmd.Flags().StringVar(&coveragePattern, "pattern", "", "Glob of index rasters inside the scene dir")
	coverageCmd.Flags().BoolVar(&coverageMasks, "save-per-input-masks", false, "Write a valid mask per input")

	clipCmd.Flags().StringVar(&clipStart, "start-date", "", "Start date YYYYMMDD (required)")
	clipCmd.Flags().StringVar(&clipEnd, "end-date", "", "End date YYYYMMDD (required)")
	clipCmd.Flags().StringVar(&clipMode, "mode", string(clip.Strict), "Mask kind: strict or ratio")
	clipCmd.Flags().StringVar(&clipMask, "mask", "", "Mask path (.shp for strict, raster for ratio)")
	clipCmd.Flags().Float64Var(&clipMinHa, "min-ha", -1, "Minimum area used in the threshold dir names (default from config)")
	clipCmd.Flags().BoolVar(&clipGeoJSON, "geojson", false, "Also write GeoJSON next to each clipped layer")
	_ = clipCmd.MarkFlagRequired("start-date")
	_ = clipCmd.MarkFlagRequired("end-date")
}

func componentLayout(cfg *config.Config) (tile.Layout, error) {
	t, err := tile.Parse(compTile)
	if err != nil {
		return tile.Layout{}, err
	}
	if compOutRoot != "" {
		cfg.Paths.OutRoot = compOutRoot
	}
	if len(compRatios) > 0 {
		cfg.Coverage.Ratios = compRatios
	}
	if err := cfg.Validate(); err != nil {
		return tile.Layout{}, err
	}
	return tile.NewLayout(cfg.Paths.OutRoot, t), nil
}

func runCoverage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := componentLayout(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := coverage.Run(ctx, l, coverage.Options{
		Ratios:            cfg.Coverage.Ratios,
		SavePerInputMasks: coverageMasks || cfg.Coverage.SavePerInputMasks,
		Force:             compForce,
		Pattern:           coveragePattern,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "inputs: %d\n", len(res.Inputs))
	fmt.Fprintf(out, "union:  %s (%.1f ha)\n", res.UnionPath, res.UnionArea/1e4)
	fmt.Fprintf(out, "strict: %s (%.1f ha)\n", res.StrictPath, res.StrictArea/1e4)
	for _, r := range res.Ratios {
		fmt.Fprintf(out, "r%03d:   %s (%.1f ha)\n", tile.RatioPercent(r.Ratio), r.LayerPath, r.AreaM2/1e4)
	}
	for _, w := range res.Warnings {
		logger.Warn(w.Error())
	}
	return nil
}

func runClip(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := componentLayout(cfg)
	if err != nil {
		return err
	}
	start, err := tile.ParseDate(clipStart)
	if err != nil {
		return fmt.Errorf("--start-date: %w", err)
	}
	end, err := tile.ParseDate(clipEnd)
	if err != nil {
		return fmt.Errorf("--end-date: %w", err)
	}
	mode := clip.Mode(clipMode)
	if mode != clip.Strict && mode != clip.Ratio {
		return fmt.Errorf("invalid --mode %q (valid: %s, %s)", clipMode, clip.Strict, clip.Ratio)
	}
	mask := clipMask
	if mask == "" {
		mask, err = defaultMask(l, mode, cfg.Coverage.Ratios)
		if err != nil {
			return err
		}
	}
	minHa := cfg.Polygonize.MinHa
	if clipMinHa >= 0 {
		minHa = clipMinHa
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := clip.Run(ctx, l.ClassPath(start, end), l, start, end, minHa, clip.Options{
		Mode:     mode,
		MaskPath: mask,
		Force:    compForce,
		GeoJSON:  clipGeoJSON || cfg.Coverage.ClipGeoJSON,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintf(out, "skipped: mask %s not found\n", mask)
		return nil
	}
	for _, layer := range res.Layers {
		fmt.Fprintf(out, "%s: %d feature(s), %.2f ha\n", layer.Path, layer.Features, layer.AreaHa)
	}
	return nil
}

// defaultMask is the coverage output matching mode.
func defaultMask(l tile.Layout, mode clip.Mode, ratios []float64) (string, error) {
	if mode == clip.Strict {
		return l.StrictPath(), nil
	}
	if len(ratios) == 0 {
		return "", fmt.Errorf("ratio clip needs --mask or --ratio-presence")
	}
	return l.RatioStem(ratios[0]) + tile.RasterExt, nil
}
