// Package metrics provides Prometheus metrics for pipeline runs.
//
// Runs are batch jobs, not services, so a Recorder owns its own registry and
// is flushed to a node-exporter textfile at the end of a run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eds"

// Recorder holds the run metrics. Safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	// StepsTotal counts step outcomes by tile, step and status
	StepsTotal *prometheus.CounterVec
	// StepDuration tracks step wall time in seconds
	StepDuration *prometheus.HistogramVec
	// RunsTotal counts finished runs by status
	RunsTotal *prometheus.CounterVec
	// FeaturesWritten tracks polygons written per output stage and threshold
	FeaturesWritten *prometheus.GaugeVec
	// CoverageWarnings counts ratio masks that kept no pixels
	CoverageWarnings *prometheus.CounterVec
}

// New registers a fresh set of collectors on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		StepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "steps_total",
				Help:      "Total number of pipeline steps by status",
			},
			[]string{"tile", "step", "status"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"step"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of tile runs by status",
			},
			[]string{"status"},
		),
		FeaturesWritten: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vector",
				Name:      "features_written",
				Help:      "Polygons written by the last run per stage and threshold",
			},
			[]string{"tile", "stage", "threshold"},
		),
		CoverageWarnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coverage",
				Name:      "insufficient_total",
				Help:      "Ratio masks that kept no pixels",
			},
			[]string{"tile"},
		),
	}
}

// ObserveStep records one step outcome.
func (r *Recorder) ObserveStep(tile, step, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.StepsTotal.WithLabelValues(tile, step, status).Inc()
	r.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(status string) {
	if r == nil {
		return
	}
	r.RunsTotal.WithLabelValues(status).Inc()
}

// SetFeatures records the polygons written for one stage and threshold.
func (r *Recorder) SetFeatures(tile, stage string, threshold, n int) {
	if r == nil {
		return
	}
	r.FeaturesWritten.WithLabelValues(tile, stage, fmt.Sprint(threshold)).Set(float64(n))
}

// CoverageWarning counts an insufficient-coverage warning.
func (r *Recorder) CoverageWarning(tile string) {
	if r == nil {
		return
	}
	r.CoverageWarnings.WithLabelValues(tile).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile writes the current values in text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
