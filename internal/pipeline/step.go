package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the outcome of one step.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped" // nothing to do, or outputs already present
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed" // step timeout
	StatusPlanned Status = "planned"
)

// Return codes recorded per step, mirroring a process exit status.
const (
	codeOK     = 0
	codeFailed = 1
	codeKilled = 124
)

// DefaultOutputTail caps stdout/stderr kept per step in the results record.
const DefaultOutputTail = 4000

// Step is one unit of the pipeline.
//
// Run should return soon after ctx is done. The orchestrator waits killGrace
// for a timed-out step and then moves on without it, so a step must publish
// results only through runState.commit, which refuses once ctx is done.
type Step interface {
	Name() string
	// Required steps abort the run on failure; optional ones log and continue.
	Required() bool
	Run(ctx context.Context) StepResult
}

// Describer is implemented by steps that can render their invocation.
type Describer interface {
	Describe() string
}

// StepResult is what a step reports back.
type StepResult struct {
	Status   Status
	Output   string
	Err      error
	Warnings []error
}

func ok(out *output) StepResult { return StepResult{Status: StatusOK, Output: out.String()} }

func skipped(out *output) StepResult { return StepResult{Status: StatusSkipped, Output: out.String()} }

func failed(out *output, err error) StepResult {
	return StepResult{Status: StatusFailed, Output: out.String(), Err: err}
}

// StepRecord is the results-record entry of one step.
type StepRecord struct {
	Step        string  `json:"step"`
	Command     string  `json:"command"`
	Required    bool    `json:"required"`
	Status      Status  `json:"status"`
	ReturnCode  *int    `json:"returncode"`
	DurationSec float64 `json:"duration_sec"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	Truncated   bool    `json:"truncated,omitempty"`
}

// Failed reports whether the step ended in failure or was killed.
func (r StepRecord) Failed() bool { return r.Status == StatusFailed || r.Status == StatusKilled }

func command(s Step) string {
	if d, ok := s.(Describer); ok {
		return d.Describe()
	}
	return s.Name()
}

func returnCode(s Status) *int {
	var c int
	switch s {
	case StatusPlanned:
		return nil
	case StatusFailed:
		c = codeFailed
	case StatusKilled:
		c = codeKilled
	default:
		c = codeOK
	}
	return &c
}

func newRecord(s Step, res StepResult, d time.Duration, limit int) StepRecord {
	rec := StepRecord{
		Step:        s.Name(),
		Command:     command(s),
		Required:    s.Required(),
		Status:      res.Status,
		ReturnCode:  returnCode(res.Status),
		DurationSec: d.Seconds(),
	}
	var truncOut, truncErr bool
	rec.Stdout, truncOut = tail(res.Output, limit)
	var stderr []string
	for _, w := range res.Warnings {
		stderr = append(stderr, "warning: "+w.Error())
	}
	if res.Err != nil {
		stderr = append(stderr, res.Err.Error())
	}
	rec.Stderr, truncErr = tail(strings.Join(stderr, "\n"), limit)
	rec.Truncated = truncOut || truncErr
	return rec
}

// tail keeps the last limit bytes of s without splitting a rune.
func tail(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	i := len(s) - limit
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:], true
}

// output collects a step's human-readable log.
type output struct {
	b strings.Builder
}

func (o *output) printf(format string, args ...interface{}) {
	fmt.Fprintf(&o.b, format, args...)
	o.b.WriteByte('\n')
}

func (o *output) String() string { return strings.TrimRight(o.b.String(), "\n") }
