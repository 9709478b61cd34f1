// Package types provides the error taxonomy shared by the pipeline components.
// This package exists so resolver, compat, legacy and the orchestrator can agree on
// failure kinds without importing each other.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// FATAL ERRORS
// =============================================================================

// MissingInputError reports that no usable reflectance or index input was found
// after every search strategy (or the season window) was exhausted.
type MissingInputError struct {
	What     string   // e.g. "surface reflectance", "baseline index rasters"
	Tile     string   // tile code, may be empty
	Date     string   // requested YYYYMMDD, may be empty
	Searched []string // strategies or locations that were tried
}

func (e *MissingInputError) Error() string {
	var b strings.Builder
	b.WriteString("missing input: ")
	b.WriteString(e.What)
	if e.Tile != "" {
		fmt.Fprintf(&b, " tile=%s", e.Tile)
	}
	if e.Date != "" {
		fmt.Fprintf(&b, " date=%s", e.Date)
	}
	if len(e.Searched) > 0 {
		fmt.Fprintf(&b, " (searched: %s)", strings.Join(e.Searched, ", "))
	}
	return b.String()
}

// FormatMismatchError reports a band count, grid or projection mismatch.
type FormatMismatchError struct {
	Path   string
	Reason string
}

func (e *FormatMismatchError) Error() string {
	if e.Path == "" {
		return "format mismatch: " + e.Reason
	}
	return fmt.Sprintf("format mismatch in %s: %s", e.Path, e.Reason)
}

// ProvenanceError reports an input that resolved to a disallowed sensor platform.
type ProvenanceError struct {
	Path     string
	Platform string
}

func (e *ProvenanceError) Error() string {
	p := e.Platform
	if p == "" {
		p = "unknown"
	}
	return fmt.Sprintf("provenance rejected %s: platform %s is not allowed", e.Path, p)
}

// StepFailure wraps the error of a required pipeline step.
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// =============================================================================
// WARNINGS
// =============================================================================

// CoverageInsufficientWarning is non-fatal: a presence-ratio mask kept no pixels.
type CoverageInsufficientWarning struct {
	Ratio float64
	Path  string
}

func (w *CoverageInsufficientWarning) Error() string {
	return fmt.Sprintf("coverage insufficient: ratio %.2f kept no pixels (%s)", w.Ratio, w.Path)
}

// IsWarning reports whether err (or anything it wraps) is a non-fatal warning.
func IsWarning(err error) bool {
	var cw *CoverageInsufficientWarning
	return errors.As(err, &cw)
}

// FailedStep returns the step name carried by a StepFailure in err's chain.
func FailedStep(err error) (string, bool) {
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf.Step, true
	}
	return "", false
}
