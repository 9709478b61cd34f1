package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/metrics"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/pipeline"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// RunFunc runs one job. The default builds a pipeline orchestrator.
type RunFunc func(ctx context.Context, job Job) (*pipeline.Results, error)

// Outcome is the result of one job.
type Outcome struct {
	Job      Job
	Results  *pipeline.Results
	Err      error
	Duration time.Duration
}

// Summary collects the outcomes of a batch, in manifest order.
type Summary struct {
	Outcomes []Outcome
	Failed   int
}

// Err joins the failures of the batch, or nil when every job succeeded.
func (s *Summary) Err() error {
	var errs []error
	for _, o := range s.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Job.Tile.Code(), o.Err))
		}
	}
	return errors.Join(errs...)
}

// Runner runs jobs concurrently with a bounded number of workers.
type Runner struct {
	cfg     *config.Config
	workers int
	stdout  io.Writer
	metrics *metrics.Recorder
	run     RunFunc

	outMu sync.Mutex
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithWorkers overrides the configured worker count.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithStdout sets where each job's results record is printed.
func WithStdout(w io.Writer) RunnerOption { return func(r *Runner) { r.stdout = w } }

// WithMetrics shares one recorder across all jobs.
func WithMetrics(m *metrics.Recorder) RunnerOption { return func(r *Runner) { r.metrics = m } }

// WithRunFunc replaces the per-job run function.
func WithRunFunc(fn RunFunc) RunnerOption { return func(r *Runner) { r.run = fn } }

// NewRunner creates a runner for cfg.
func NewRunner(cfg *config.Config, opts ...RunnerOption) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Runner{cfg: cfg, workers: cfg.Batch.Workers}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	if r.run == nil {
		r.run = r.runPipeline
	}
	return r
}

// Run executes jobs. A failing job does not stop the others; cancelling ctx
// stops jobs that have not started.
func (r *Runner) Run(ctx context.Context, jobs []Job) *Summary {
	timer := logging.StartTimer(logging.CategoryBatch, fmt.Sprintf("Batch of %d tiles", len(jobs)))
	defer timer.StopWithInfo()

	outcomes := make([]Outcome, len(jobs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for i, job := range jobs {
		i, job := i, job
		eg.Go(func() error {
			outcomes[i] = r.runOne(egCtx, job)
			// job failures are reported through the summary, not the group
			return nil
		})
	}
	_ = eg.Wait()

	s := &Summary{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			s.Failed++
		}
	}
	logging.Batch("Batch complete: %d tiles, %d failed", len(jobs), s.Failed)
	return s
}

func (r *Runner) runOne(ctx context.Context, job Job) Outcome {
	out := Outcome{Job: job}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	start := time.Now()
	logging.Batch("Tile %s %s..%s started", job.Tile.Code(), job.Start, job.End)
	out.Results, out.Err = r.run(ctx, job)
	out.Duration = time.Since(start)

	var sf *types.StepFailure
	switch {
	case out.Err == nil:
		logging.Batch("Tile %s finished in %s", job.Tile.Code(), out.Duration.Round(time.Millisecond))
	case errors.As(out.Err, &sf):
		logging.BatchWarn("Tile %s failed at %s: %v", job.Tile.Code(), sf.Step, sf.Err)
	default:
		logging.BatchWarn("Tile %s failed: %v", job.Tile.Code(), out.Err)
	}
	return out
}

func (r *Runner) runPipeline(ctx context.Context, job Job) (*pipeline.Results, error) {
	o, err := pipeline.New(pipeline.Options{
		Config:     r.cfg,
		Tile:       job.Tile,
		Start:      job.Start,
		End:        job.End,
		SRDirStart: job.SRDirStart,
		SRDirEnd:   job.SRDirEnd,
		Window:     job.Window,
		Stdout:     r.syncStdout(),
		Metrics:    r.metrics,
	})
	if err != nil {
		return nil, err
	}
	defer o.Close()
	return o.Run(ctx)
}

// syncStdout serialises writes so concurrent records never interleave.
func (r *Runner) syncStdout() io.Writer {
	if r.stdout == nil {
		return nil
	}
	return lockedWriter{mu: &r.outMu, w: r.stdout}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Failures lists failed tile codes, sorted.
func (s *Summary) Failures() []string {
	var out []string
	for _, o := range s.Outcomes {
		if o.Err != nil {
			out = append(out, o.Job.Tile.Code())
		}
	}
	sort.Strings(out)
	return out
}
