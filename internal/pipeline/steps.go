package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/clip"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/compat"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/coverage"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/legacy"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/packaging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/polygonize"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/postprocess"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/resolver"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// Step names, in run order.
const (
	StepResolveInputs      = "resolve_inputs"
	StepValidateProvenance = "validate_provenance"
	StepBuildCompat        = "build_compat"
	StepLegacyMethod       = "legacy_method"
	StepStyleOutputs       = "style_outputs"
	StepPolygonize         = "polygonize_thresholds"
	StepPostprocess        = "vector_postprocess"
	StepCoverage           = "fc_coverage"
	StepClipStrict         = "clip_strict"
	StepClipRatio          = "clip_ratio"
	StepPackageOutputs     = "package_outputs"
)

type resolvedInputs struct {
	start, end resolver.Resolution
}

type coverageState struct {
	result *coverage.Result
}

// steps returns the fixed step order.
func (st *runState) steps() []Step {
	return []Step{
		&resolveStep{st},
		&provenanceStep{st},
		&compatStep{st},
		&legacyStep{st},
		&styleStep{st},
		&polygonizeStep{st},
		&postprocessStep{st},
		&coverageStep{st},
		&clipStep{st, clip.Strict},
		&clipStep{st, clip.Ratio},
		&packageStep{st},
	}
}

// =============================================================================
// resolve_inputs
// =============================================================================

type resolveStep struct{ st *runState }

func (s *resolveStep) Name() string   { return StepResolveInputs }
func (s *resolveStep) Required() bool { return true }

func (s *resolveStep) Describe() string {
	o := s.st.opts
	return fmt.Sprintf("%s --tile %s --start-date %s --end-date %s --sr-dir-start %q --sr-dir-end %q --roots %s",
		s.Name(), o.Tile, o.Start, o.End, o.SRDirStart, o.SRDirEnd, strings.Join(s.st.searchRoots(), ","))
}

func (s *resolveStep) request(d tile.DateTag, hint string) resolver.Request {
	c := s.st.cfg.Compat
	return resolver.Request{
		Tile:     s.st.opts.Tile,
		Date:     d,
		Hint:     hint,
		Roots:    s.st.searchRoots(),
		OnlyClr:  c.SROnlyClr,
		MaxFiles: c.MaxSearchFiles,
	}
}

func (s *resolveStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	r := resolver.New()

	start, err := r.Resolve(ctx, s.request(st.opts.Start, st.opts.SRDirStart))
	if err != nil {
		return failed(out, fmt.Errorf("start date: %w", err))
	}
	out.printf("start %s -> %s [%s, %s, effective %s]", st.opts.Start, start.Source.Files()[0], start.Strategy, start.Source.Kind(), start.Date)

	end, err := r.Resolve(ctx, s.request(st.opts.End, st.opts.SRDirEnd))
	if err != nil {
		return failed(out, fmt.Errorf("end date: %w", err))
	}
	out.printf("end %s -> %s [%s, %s, effective %s]", st.opts.End, end.Source.Files()[0], end.Strategy, end.Source.Kind(), end.Date)

	if start.Date.After(end.Date) {
		return failed(out, fmt.Errorf("effective start %s is after effective end %s", start.Date, end.Date))
	}

	err = st.commit(ctx, func(r *Results) {
		st.resolved = resolvedInputs{start: start, end: end}
		st.start, st.end = start.Date, end.Date
		st.window = st.seasonWindow()
		r.EffectiveStart = start.Date.String()
		r.EffectiveEnd = end.Date.String()
		r.StartSource = start.Source.Files()[0]
		r.EndSource = end.Source.Files()[0]
		r.Window = st.window.String()
	})
	if err != nil {
		return failed(out, err)
	}
	out.printf("season window %s, lookback %d", st.window, st.lookback)
	return ok(out)
}

// =============================================================================
// validate_provenance
// =============================================================================

type provenanceStep struct{ st *runState }

func (s *provenanceStep) Name() string   { return StepValidateProvenance }
func (s *provenanceStep) Required() bool { return false }

func (s *provenanceStep) Describe() string {
	return fmt.Sprintf("%s --allowed %s", s.Name(), strings.Join(s.st.cfg.Provenance.AllowedPlatforms, ","))
}

func (s *provenanceStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	if st.validator == nil {
		out.printf("provenance validation disabled")
		return skipped(out)
	}
	var errs []error
	for _, in := range []resolver.Resolution{st.resolved.start, st.resolved.end} {
		files := in.Source.Files()
		if len(files) == 0 {
			continue
		}
		det, err := st.validator.Check(ctx, files[0])
		out.printf("%s: %s (via %s)", filepath.Base(files[0]), det.Platform, det.Source)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return failed(out, errors.Join(errs...))
	}
	return ok(out)
}

// =============================================================================
// build_compat
// =============================================================================

type compatStep struct{ st *runState }

func (s *compatStep) Name() string   { return StepBuildCompat }
func (s *compatStep) Required() bool { return true }

func (s *compatStep) Describe() string {
	c := s.st.cfg.Compat
	return fmt.Sprintf("%s --index-mode %s --fc-root %q --fc-glob %q --fc-only-clr=%v --fc-prefer-clr=%v --fc-convert-to-fpc=%v --force=%v",
		s.Name(), c.IndexMode, s.st.cfg.Paths.FCRoot, c.FCGlob, c.OnlyClr, c.PreferClr, c.ConvertToFPC, s.st.force())
}

func (s *compatStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	c := st.cfg.Compat
	o := compat.Options{
		Layout:    st.layout,
		Force:     st.force(),
		IndexMode: c.IndexMode,
		FC:        compat.FCParams{ConvertToFPC: c.ConvertToFPC, K: c.FCK, N: c.FCN, NoData: c.FCNoData},
		Discovery: compat.Discovery{
			Tile:      st.opts.Tile,
			Root:      st.cfg.Paths.FCRoot,
			Glob:      c.FCGlob,
			OnlyClr:   c.OnlyClr,
			PreferClr: c.PreferClr,
			MaxFiles:  c.MaxSearchFiles,
		},
		SRRoots:   st.srRoots(),
		SROnlyClr: c.SROnlyClr,
	}
	if st.cfg.Provenance.Enforce {
		o.Provenance = st.validator
	}
	res, err := compat.New(o).Build(ctx, []resolver.Resolution{st.resolved.start, st.resolved.end})
	if err != nil {
		return failed(out, err)
	}
	for _, o := range res.Stacks {
		out.printf("stack %s %s", o.Date, written(o.Written))
	}
	out.printf("%d index raster(s), footprint %s", len(res.Indices), written(res.Footprint.Written))
	for _, d := range res.Rejected {
		out.printf("rejected %s: platform %s", filepath.Base(d.Path), d.Platform)
	}
	out.printf("%d write(s)", res.Writes)
	if res.Writes == 0 {
		return skipped(out)
	}
	return ok(out)
}

func written(w bool) string {
	if w {
		return "written"
	}
	return "kept"
}

// =============================================================================
// legacy_method
// =============================================================================

type legacyStep struct{ st *runState }

func (s *legacyStep) Name() string   { return StepLegacyMethod }
func (s *legacyStep) Required() bool { return true }

func (s *legacyStep) Describe() string {
	l := s.st.cfg.Legacy
	return fmt.Sprintf("%s --start %s --end %s --window %s --lookback %d --statistic %s --omit-first=%v --omit-fpc-start-threshold=%v",
		s.Name(), s.st.start, s.st.end, s.st.window, s.st.lookback, l.Statistic, l.OmitFirst, l.OmitFPCStartThreshold)
}

func (s *legacyStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	l := st.cfg.Legacy
	res, err := legacy.Run(ctx, legacy.Params{
		Layout:    st.layout,
		Start:     st.start,
		End:       st.end,
		Window:    st.window,
		Lookback:  st.lookback,
		Statistic: l.Statistic,
		OmitFirst: l.OmitFirst,
		Options: legacy.Options{
			Rules:                 legacy.RulesFromConfig(l.Classes),
			OmitFPCStartThreshold: l.OmitFPCStartThreshold,
		},
		Force: st.force(),
		RunID: st.opts.RunID,
	})
	if err != nil {
		return failed(out, err)
	}
	if err := st.commit(ctx, func(r *Results) {
		r.Outputs.ClassRaster = res.ClassPath
		r.Outputs.StyleRaster = res.StylePath
		r.Outputs.RunLog = res.LogPath
	}); err != nil {
		return failed(out, err)
	}
	if res.Skipped {
		out.printf("kept existing %s", filepath.Base(res.ClassPath))
		return skipped(out)
	}
	var dates []string
	for _, d := range res.BaselineDates {
		dates = append(dates, d.String())
	}
	out.printf("baseline %s", strings.Join(dates, ","))
	out.printf("signal start %s end %s", res.StartIndex, res.EndIndex)
	for _, c := range []int{10, 3, 34, 35, 36, 37, 38, 39, 0} {
		if n := res.ClassCounts[c]; n > 0 {
			out.printf("class %d: %d px", c, n)
		}
	}
	out.printf("wrote %s", res.ClassPath)
	return ok(out)
}

// =============================================================================
// style_outputs
// =============================================================================

type styleStep struct{ st *runState }

func (s *styleStep) Name() string     { return StepStyleOutputs }
func (s *styleStep) Required() bool   { return false }
func (s *styleStep) Describe() string { return s.Name() + " " + s.st.classPath() }

func (s *styleStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	if err := legacy.Style(st.classPath(), st.stylePath()); err != nil {
		return failed(out, err)
	}
	out.printf("styled %s and %s", filepath.Base(st.classPath()), filepath.Base(st.stylePath()))
	return ok(out)
}

func (st *runState) classPath() string { return st.layout.ClassPath(st.start, st.end) }
func (st *runState) stylePath() string { return st.layout.StylePath(st.start, st.end) }

// =============================================================================
// polygonize_thresholds
// =============================================================================

type polygonizeStep struct{ st *runState }

func (s *polygonizeStep) Name() string   { return StepPolygonize }
func (s *polygonizeStep) Required() bool { return true }

func (s *polygonizeStep) Describe() string {
	return fmt.Sprintf("%s --thresholds %s --min-ha %g", s.Name(), joinInts(s.st.cfg.SortedThresholds()), s.st.minHa())
}

func (s *polygonizeStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	res, err := polygonize.Run(ctx, st.classPath(), st.layout, st.start, st.end, polygonize.Options{
		Thresholds: st.cfg.SortedThresholds(),
		MinHa:      st.minHa(),
		Force:      st.force(),
	})
	if err != nil {
		return failed(out, err)
	}
	if err := st.commit(ctx, func(r *Results) { r.Outputs.ThresholdDir = res.Dir }); err != nil {
		return failed(out, err)
	}
	allKept := true
	for _, l := range res.Layers {
		if l.Skipped {
			out.printf("thr %d: kept %s", l.Threshold, filepath.Base(l.Path))
			continue
		}
		allKept = false
		st.metrics.SetFeatures(st.opts.Tile.Code(), "threshold", l.Threshold, l.Features)
		out.printf("thr %d: %d polygon(s), %.2f ha, %d below %g ha", l.Threshold, l.Features, l.AreaHa, l.Dropped, st.minHa())
	}
	if len(res.Layers) == 0 {
		out.printf("no thresholds configured")
	}
	if allKept && len(res.Layers) > 0 {
		return skipped(out)
	}
	return ok(out)
}

// =============================================================================
// vector_postprocess
// =============================================================================

type postprocessStep struct{ st *runState }

func (s *postprocessStep) Name() string   { return StepPostprocess }
func (s *postprocessStep) Required() bool { return true }

func (s *postprocessStep) Describe() string {
	p := s.st.cfg.Postprocess
	return fmt.Sprintf("%s --dissolve=%v --skinny-pixels %d", s.Name(), p.Dissolve, p.SkinnyPixels)
}

func (s *postprocessStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	p := st.cfg.Postprocess
	res, err := postprocess.Run(ctx, st.classPath(), st.layout, st.start, st.end, st.minHa(), postprocess.Options{
		Dissolve:     p.Dissolve,
		SkinnyPixels: p.SkinnyPixels,
		Force:        st.force(),
	})
	if err != nil {
		return failed(out, err)
	}
	if err := st.commit(ctx, func(r *Results) { r.Outputs.CleanDir = res.Dir }); err != nil {
		return failed(out, err)
	}
	allKept := len(res.Layers) > 0
	for _, l := range res.Layers {
		if l.Skipped {
			out.printf("thr %d: kept %s", l.Threshold, filepath.Base(l.Path))
			continue
		}
		allKept = false
		st.metrics.SetFeatures(st.opts.Tile.Code(), "clean", l.Threshold, l.Parts)
		out.printf("thr %d: %d part(s), %d skinny part(s) dropped", l.Threshold, l.Parts, l.Dropped)
	}
	if allKept {
		return skipped(out)
	}
	return ok(out)
}

// =============================================================================
// fc_coverage
// =============================================================================

type coverageStep struct{ st *runState }

func (s *coverageStep) Name() string   { return StepCoverage }
func (s *coverageStep) Required() bool { return false }

func (s *coverageStep) Describe() string {
	c := s.st.cfg.Coverage
	return fmt.Sprintf("%s --ratio-presence %s --save-per-input-masks=%v", s.Name(), joinRatios(c.Ratios), c.SavePerInputMasks)
}

func (s *coverageStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	c := st.cfg.Coverage
	res, err := coverage.Run(ctx, st.layout, coverage.Options{
		Ratios:            c.Ratios,
		SavePerInputMasks: c.SavePerInputMasks,
		Force:             st.force(),
	})
	if err != nil {
		return failed(out, err)
	}
	err = st.commit(ctx, func(r *Results) {
		st.coverage.result = res
		r.Outputs.CoverageDir = res.Dir
	})
	if err != nil {
		return failed(out, err)
	}

	out.printf("%d input(s): union %.1f ha, strict %.1f ha", len(res.Inputs), res.UnionArea/1e4, res.StrictArea/1e4)
	for _, r := range res.Ratios {
		out.printf("ratio %.2f: %d px, %.1f ha -> %s", r.Ratio, r.Kept, r.AreaM2/1e4, filepath.Base(r.LayerPath))
	}
	for range res.Warnings {
		st.metrics.CoverageWarning(st.opts.Tile.Code())
	}
	return StepResult{Status: StatusOK, Output: out.String(), Warnings: res.Warnings}
}

// =============================================================================
// clip_strict, clip_ratio
// =============================================================================

type clipStep struct {
	st   *runState
	mode clip.Mode
}

func (s *clipStep) Name() string {
	if s.mode == clip.Ratio {
		return StepClipRatio
	}
	return StepClipStrict
}

func (s *clipStep) Required() bool { return false }

func (s *clipStep) Describe() string {
	mask, _ := s.mask()
	return fmt.Sprintf("%s --mask %q", s.Name(), mask)
}

// mask is the strict layer, or the mask raster of the first configured ratio.
func (s *clipStep) mask() (string, bool) {
	st := s.st
	if s.mode == clip.Strict {
		return st.layout.StrictPath(), true
	}
	if len(st.cfg.Coverage.Ratios) == 0 {
		return "", false
	}
	ratio := st.cfg.Coverage.Ratios[0]
	if res := st.coverage.result; res != nil {
		if p, ok := res.RatioMask(ratio); ok {
			return p, true
		}
	}
	return st.layout.RatioStem(ratio) + tile.RasterExt, true
}

func (s *clipStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	mask, found := s.mask()
	if !found {
		out.printf("no presence ratio configured")
		return skipped(out)
	}
	res, err := clip.Run(ctx, st.classPath(), st.layout, st.start, st.end, st.minHa(), clip.Options{
		Mode:     s.mode,
		MaskPath: mask,
		Force:    st.force(),
		GeoJSON:  st.cfg.Coverage.ClipGeoJSON,
	})
	if err != nil {
		return failed(out, err)
	}
	if res.Skipped {
		out.printf("mask %s not found", mask)
		return skipped(out)
	}
	if err := st.commit(ctx, func(r *Results) {
		if s.mode == clip.Ratio {
			r.Outputs.ClipRatioDir = res.Dir
		} else {
			r.Outputs.ClipStrictDir = res.Dir
		}
	}); err != nil {
		return failed(out, err)
	}
	allKept := len(res.Layers) > 0
	for _, l := range res.Layers {
		if l.Skipped {
			out.printf("kept %s", filepath.Base(l.Path))
			continue
		}
		allKept = false
		if thr, ok := layerThreshold(l.Path); ok {
			st.metrics.SetFeatures(st.opts.Tile.Code(), "clip_"+string(s.mode), thr, l.Features)
		}
		out.printf("%s: %d feature(s), %.2f ha", filepath.Base(l.Path), l.Features, l.AreaHa)
	}
	if allKept {
		return skipped(out)
	}
	return ok(out)
}

// layerThreshold parses the T of <scene>_d<era>_thr_<T>.shp.
func layerThreshold(path string) (int, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), tile.VectorExt)
	i := strings.LastIndex(stem, "_thr_")
	if i < 0 {
		return 0, false
	}
	var t int
	if _, err := fmt.Sscanf(stem[i+len("_thr_"):], "%d", &t); err != nil {
		return 0, false
	}
	return t, true
}

// =============================================================================
// package_outputs
// =============================================================================

type packageStep struct{ st *runState }

func (s *packageStep) Name() string   { return StepPackageOutputs }
func (s *packageStep) Required() bool { return false }

func (s *packageStep) Describe() string {
	return fmt.Sprintf("%s --package-dest %q", s.Name(), s.st.cfg.Execution.PackageDest)
}

func (s *packageStep) Run(ctx context.Context) StepResult {
	st, out := s.st, &output{}
	dest := st.cfg.Execution.PackageDest
	if dest == "" {
		out.printf("no package destination configured")
		return skipped(out)
	}
	res, err := packaging.Package(ctx, st.layout.SceneDir(), dest, st.layout.Scene, st.start, st.end)
	if err != nil {
		return failed(out, err)
	}
	if err := st.commit(ctx, func(r *Results) { r.Outputs.Package = res.Path }); err != nil {
		return failed(out, err)
	}
	out.printf("%d file(s), %.2f MB -> %s", res.Files, float64(res.Bytes)/1e6, res.Path)
	return ok(out)
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ",")
}

func joinRatios(v []float64) string {
	s := make([]string, len(v))
	for i, r := range v {
		s[i] = fmt.Sprintf("%g", r)
	}
	return strings.Join(s, ",")
}
