// Package pipeline runs the change-detection steps of one tile in order and
// records what each step did.
//
// Steps persist their outputs at conventional paths; a re-run skips work whose
// outputs already exist unless the run is forced. The first failing required
// step aborts the run with a *types.StepFailure.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/metrics"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/provenance"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/store"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// killGrace is how long a timed-out step gets to notice cancellation.
const killGrace = 5 * time.Second

// Options configures one tile run.
type Options struct {
	Config     *config.Config // nil uses config.DefaultConfig()
	Tile       tile.Tile
	Start      tile.DateTag // requested
	End        tile.DateTag // requested
	SRDirStart string       // file, directory or glob; optional when roots resolve
	SRDirEnd   string

	// Window overrides both the configured and the derived season window.
	Window *tile.SeasonWindow

	// ResultsPath overrides <scene dir>/eds_results_d<start><end>.json.
	ResultsPath string
	// Stdout receives the results record as JSON; nil prints nothing.
	Stdout  io.Writer
	Metrics *metrics.Recorder
	RunID   string // generated when empty
}

// Outputs are the products a run left behind.
type Outputs struct {
	ClassRaster   string `json:"dll,omitempty"`
	StyleRaster   string `json:"dlj,omitempty"`
	RunLog        string `json:"run_log,omitempty"`
	ThresholdDir  string `json:"threshold_dir,omitempty"`
	CleanDir      string `json:"clean_dir,omitempty"`
	CoverageDir   string `json:"coverage_dir,omitempty"`
	ClipStrictDir string `json:"clip_strict_dir,omitempty"`
	ClipRatioDir  string `json:"clip_ratio_dir,omitempty"`
	Package       string `json:"package,omitempty"`
}

// Results is the structured record of a run.
type Results struct {
	RunID          string       `json:"run_id"`
	Tile           string       `json:"tile"`
	Scene          string       `json:"scene"`
	RequestedStart string       `json:"requested_start"`
	RequestedEnd   string       `json:"requested_end"`
	EffectiveStart string       `json:"effective_start,omitempty"`
	EffectiveEnd   string       `json:"effective_end,omitempty"`
	StartSource    string       `json:"start_source,omitempty"`
	EndSource      string       `json:"end_source,omitempty"`
	Window         string       `json:"window,omitempty"`
	SpanYears      int          `json:"span_years"`
	LookbackUsed   int          `json:"lookback_used"`
	DryRun         bool         `json:"dry_run,omitempty"`
	Success        bool         `json:"success"`
	FailedStep     string       `json:"failed_step,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	Steps          []StepRecord `json:"steps"`
	Outputs        Outputs      `json:"outputs"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`

	// Path the record was written to; empty when not written.
	Path string `json:"-"`
}

// Step returns the record of the named step.
func (r *Results) Step(name string) (StepRecord, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepRecord{}, false
}

// Orchestrator runs the steps of one tile.
type Orchestrator struct {
	cfg       *config.Config
	opts      Options
	state     *runState
	steps     []Step
	platforms *store.PlatformStore
	log       *logging.Logger
}

// New validates opts and prepares the step list. Close releases the
// provenance store when one is configured.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Start.IsZero() || opts.End.IsZero() {
		return nil, fmt.Errorf("start and end dates are required")
	}
	if opts.Start.After(opts.End) {
		return nil, fmt.Errorf("start date %s is after end date %s", opts.Start, opts.End)
	}
	if opts.Tile == (tile.Tile{}) {
		return nil, fmt.Errorf("tile is required")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	o := &Orchestrator{
		cfg:  cfg,
		opts: opts,
		log:  logging.WithRunID(logging.CategoryPipeline, opts.RunID),
	}
	o.state = &runState{
		cfg:      cfg,
		opts:     opts,
		layout:   tile.NewLayout(cfg.Paths.OutRoot, opts.Tile),
		metrics:  opts.Metrics,
		start:    opts.Start,
		end:      opts.End,
		lookback: lookback(cfg.Legacy.SpanYears, cfg.Legacy.LookbackCap),
	}
	o.state.window = o.state.seasonWindow()

	if cfg.Provenance.Enabled {
		v, err := o.newValidator()
		if err != nil {
			return nil, err
		}
		o.state.validator = v
	}
	o.steps = o.state.steps()
	return o, nil
}

func lookback(span, limit int) int {
	if limit > 0 && span > limit {
		return limit
	}
	return span
}

// newValidator builds the provenance validator this run owns.
func (o *Orchestrator) newValidator() (*provenance.Validator, error) {
	pc := o.cfg.Provenance
	size := pc.CacheSize
	if size <= 0 {
		size = provenance.DefaultCacheSize
	}
	cache, err := provenance.NewLRUCache(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create provenance cache: %w", err)
	}
	vo := provenance.Options{
		Allowed:    pc.AllowedPlatforms,
		Cache:      cache,
		SRRoots:    o.state.srRoots(),
		SearchDays: pc.SearchDays,
	}
	if pc.DBPath != "" {
		ps, err := store.NewPlatformStore(pc.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open provenance store: %w", err)
		}
		o.platforms = ps
		vo.Store = ps
	}
	return provenance.New(vo)
}

// Close releases resources held by the run.
func (o *Orchestrator) Close() error {
	if o.platforms == nil {
		return nil
	}
	return o.platforms.Close()
}

// Steps returns the steps in run order.
func (o *Orchestrator) Steps() []Step { return o.steps }

// Layout returns the output layout of the tile.
func (o *Orchestrator) Layout() tile.Layout { return o.state.layout }

// Run executes every step and writes the results record. The returned error
// is a *types.StepFailure when a required step failed or any step was killed.
func (o *Orchestrator) Run(ctx context.Context) (*Results, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run "+o.opts.Tile.Code())
	defer timer.StopWithInfo()

	st := o.state
	res := &Results{
		RunID:          o.opts.RunID,
		Tile:           o.opts.Tile.Code(),
		Scene:          st.layout.Scene,
		RequestedStart: o.opts.Start.String(),
		RequestedEnd:   o.opts.End.String(),
		Window:         st.window.String(),
		SpanYears:      o.cfg.Legacy.SpanYears,
		LookbackUsed:   st.lookback,
		DryRun:         o.cfg.Execution.DryRun,
		StartedAt:      time.Now().UTC(),
		Steps:          []StepRecord{},
	}
	st.results = res
	o.log.Info("Run %s %s..%s (%d steps, dry_run=%v)", res.Tile, res.RequestedStart, res.RequestedEnd, len(o.steps), res.DryRun)

	if o.cfg.Execution.Force && st.validator != nil && !res.DryRun {
		if err := st.validator.Purge(ctx); err != nil {
			o.log.Warn("Failed to purge provenance cache: %v", err)
		}
	}

	var runErr error
	for _, s := range o.steps {
		if res.DryRun {
			st.addStep(StepRecord{Step: s.Name(), Command: command(s), Required: s.Required(), Status: StatusPlanned})
			continue
		}
		rec, sr := o.runStep(ctx, s)
		st.addStep(rec)
		o.opts.Metrics.ObserveStep(res.Tile, s.Name(), string(rec.Status), time.Duration(rec.DurationSec*float64(time.Second)))

		if !rec.Failed() {
			o.log.Info("%s: %s (%.1fs)", s.Name(), rec.Status, rec.DurationSec)
			continue
		}
		if s.Required() || rec.Status == StatusKilled || ctx.Err() != nil {
			o.log.Error("%s: %s: %v", s.Name(), rec.Status, sr.Err)
			runErr = &types.StepFailure{Step: s.Name(), Err: sr.Err}
			break
		}
		o.log.Warn("%s (optional) failed, continuing: %v", s.Name(), sr.Err)
	}

	st.mu.Lock()
	res.Success = runErr == nil
	if runErr != nil {
		res.FailedStep, _ = types.FailedStep(runErr)
	}
	res.FinishedAt = time.Now().UTC()
	st.mu.Unlock()

	status := "ok"
	if runErr != nil {
		status = "failed"
	}
	o.opts.Metrics.ObserveRun(status)

	if err := o.emit(res); err != nil {
		o.log.Warn("Failed to record results: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	if path := o.cfg.Execution.MetricsFile; path != "" && o.opts.Metrics != nil {
		if err := o.opts.Metrics.WriteTextfile(path); err != nil {
			o.log.Warn("%v", err)
		}
	}
	return res, runErr
}

// runStep runs s under the step timeout. A step that outlives its timeout is
// marked killed; it gets killGrace to return before the run moves on.
func (o *Orchestrator) runStep(ctx context.Context, s Step) (StepRecord, StepResult) {
	timeout := o.cfg.GetStepTimeout()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.log.Info("Running %s", s.Name())
	began := time.Now()
	done := make(chan StepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- StepResult{Status: StatusFailed, Err: fmt.Errorf("step %s panicked: %v", s.Name(), r)}
			}
		}()
		done <- s.Run(stepCtx)
	}()

	var sr StepResult
	select {
	case sr = <-done:
	case <-stepCtx.Done():
		select {
		case sr = <-done:
		case <-time.After(killGrace):
			sr = StepResult{Status: StatusFailed, Err: stepCtx.Err()}
		}
	}
	elapsed := time.Since(began)

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && sr.Status != StatusOK && sr.Status != StatusSkipped {
		sr.Status = StatusKilled
		sr.Err = fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	if sr.Status == "" {
		sr.Status = StatusOK
		if sr.Err != nil {
			sr.Status = StatusFailed
		}
	}
	for _, w := range sr.Warnings {
		o.log.Warn("%s: %v", s.Name(), w)
		o.state.addWarning(w)
	}

	limit := o.cfg.Execution.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultOutputTail
	}
	return newRecord(s, sr, elapsed, limit), sr
}

// emit writes the results record and prints it.
func (o *Orchestrator) emit(res *Results) error {
	st := o.state
	st.mu.Lock()
	defer st.mu.Unlock()

	path := o.opts.ResultsPath
	if path == "" && !res.DryRun {
		path = st.layout.ResultsPath(st.start, st.end)
	}
	if path != "" {
		res.Path = path
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	data = append(data, '\n')
	if path != "" {
		if err := fsutil.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
		o.log.Info("Results written to %s", path)
	}
	if o.opts.Stdout != nil {
		if _, err := o.opts.Stdout.Write(data); err != nil {
			return fmt.Errorf("failed to print results: %w", err)
		}
	}
	return nil
}

// runState is shared by the steps of one run. Steps run one at a time; mu
// guards the results record, which a killed step may still touch.
type runState struct {
	cfg       *config.Config
	opts      Options
	layout    tile.Layout
	metrics   *metrics.Recorder
	validator *provenance.Validator

	start, end tile.DateTag // effective once resolve_inputs ran
	window     tile.SeasonWindow
	lookback   int

	mu      sync.Mutex
	results *Results

	resolved resolvedInputs
	coverage coverageState
}

func (st *runState) update(fn func(r *Results)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.results)
}

// commit applies a step's changes unless ctx is already done. Steps hand
// everything they publish to the run through commit so a step abandoned
// after its timeout cannot alter the record.
func (st *runState) commit(ctx context.Context, fn func(r *Results)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	fn(st.results)
	return nil
}

func (st *runState) addStep(rec StepRecord) {
	st.update(func(r *Results) { r.Steps = append(r.Steps, rec) })
}

func (st *runState) addWarning(w error) {
	st.update(func(r *Results) { r.Warnings = append(r.Warnings, w.Error()) })
}

// seasonWindow is the explicit window, else the configured one, else the
// effective dates widened by two months.
func (st *runState) seasonWindow() tile.SeasonWindow {
	if st.opts.Window != nil {
		return *st.opts.Window
	}
	if st.cfg.Legacy.SeasonStart != "" {
		s, err1 := tile.ParseMonthDay(st.cfg.Legacy.SeasonStart)
		e, err2 := tile.ParseMonthDay(st.cfg.Legacy.SeasonEnd)
		if err1 == nil && err2 == nil {
			return tile.SeasonWindow{Start: s, End: e}
		}
	}
	return tile.DefaultWindow(st.start, st.end)
}

func (st *runState) srRoots() []string {
	if st.cfg.Paths.SRRoot == "" {
		return nil
	}
	return []string{st.cfg.Paths.SRRoot}
}

// searchRoots are the resolver roots: SR first, then FC.
func (st *runState) searchRoots() []string {
	var roots []string
	for _, r := range []string{st.cfg.Paths.SRRoot, st.cfg.Paths.FCRoot} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}

func (st *runState) minHa() float64 { return st.cfg.Polygonize.MinHa }

func (st *runState) force() bool { return st.cfg.Execution.Force }
