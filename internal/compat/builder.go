// Package compat builds the standardized intermediate rasters every later step
// reads: one reflectance stack (db8) per resolved date, one vegetation index
// raster (dc4) per available date, and the scene footprint.
package compat

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/provenance"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/resolver"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// Output is one conventional output file.
type Output struct {
	Path    string
	Date    tile.DateTag
	Written bool // false when an existing file was kept
}

// Result summarizes a build.
type Result struct {
	Stacks    []Output
	Indices   []Output
	Footprint Output
	Rejected  []provenance.Detection
	Writes    int
}

// Options configures a Builder.
type Options struct {
	Layout    tile.Layout
	Force     bool
	IndexMode string // config.IndexModeFC or config.IndexModeNDVI
	FC        FCParams
	Discovery Discovery
	SRRoots   []string // NDVI series source; empty limits NDVI to the stacked dates
	SROnlyClr bool

	// Provenance, when set, drops FC inputs from disallowed platforms.
	Provenance *provenance.Validator
}

// Builder writes db8/dc4/footprint rasters idempotently.
type Builder struct {
	opts Options
}

// New creates a Builder.
func New(opts Options) *Builder {
	if opts.IndexMode == "" {
		opts.IndexMode = config.IndexModeFC
	}
	if opts.FC.K == 0 {
		opts.FC.K = DefaultK
	}
	if opts.FC.N == 0 {
		opts.FC.N = DefaultN
	}
	return &Builder{opts: opts}
}

// Build writes a stack per resolution and the index series of the scene.
func (b *Builder) Build(ctx context.Context, inputs []resolver.Resolution) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCompat, "Build")
	defer timer.Stop()

	res := &Result{}
	stacks := map[string]*raster.Raster{}

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, r, err := b.buildStack(in)
		if err != nil {
			return res, err
		}
		if r != nil {
			stacks[in.Date.String()] = r
		}
		res.add(&res.Stacks, out)
	}

	switch b.opts.IndexMode {
	case config.IndexModeNDVI:
		if err := b.buildNDVISeries(ctx, inputs, stacks, res); err != nil {
			return res, err
		}
	default:
		if err := b.buildFCSeries(ctx, res); err != nil {
			return res, err
		}
	}

	if err := b.ensureFootprint(res); err != nil {
		return res, err
	}
	logging.Compat("%s: %d stack(s), %d index raster(s), %d write(s)",
		b.opts.Layout.Scene, len(res.Stacks), len(res.Indices), res.Writes)
	return res, nil
}

func (r *Result) add(list *[]Output, o Output) {
	*list = append(*list, o)
	if o.Written {
		r.Writes++
	}
}

// skip reports whether an existing output can be reused.
func (b *Builder) skip(path string) bool {
	if b.opts.Force || !fsutil.Exists(path) {
		return false
	}
	logging.Compat("Keeping existing %s", filepath.Base(path))
	return true
}

// buildStack returns the in-memory stack only when it was built this call.
func (b *Builder) buildStack(in resolver.Resolution) (Output, *raster.Raster, error) {
	path := b.opts.Layout.StackPath(in.Date)
	out := Output{Path: path, Date: in.Date}
	if b.skip(path) {
		return out, nil, nil
	}
	r, err := StackRaster(in.Source)
	if err != nil {
		return out, nil, err
	}
	if err := raster.Write(path, r); err != nil {
		return out, nil, fmt.Errorf("failed to write stack: %w", err)
	}
	logging.Compat("Built %s from %s (%d bands)", filepath.Base(path), in.Source.Kind(), len(r.Bands))
	out.Written = true
	return out, r, nil
}

func (b *Builder) buildFCSeries(ctx context.Context, res *Result) error {
	inputs, rejected, err := b.opts.Discovery.Discover(ctx, b.opts.Provenance)
	if err != nil {
		return fmt.Errorf("failed to discover FC inputs: %w", err)
	}
	res.Rejected = rejected
	if len(inputs) == 0 {
		logging.CompatWarn("No FC inputs found for %s", b.opts.Layout.Scene)
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := b.opts.Layout.IndexPath(in.Date)
		out := Output{Path: path, Date: in.Date}
		if !b.skip(path) {
			fc, err := raster.Read(in.Path)
			if err != nil {
				return &types.FormatMismatchError{Path: in.Path, Reason: err.Error()}
			}
			if err := raster.Write(path, IndexFromFC(fc, b.opts.FC)); err != nil {
				return fmt.Errorf("failed to write index: %w", err)
			}
			logging.CompatDebug("Built %s from %s", filepath.Base(path), filepath.Base(in.Path))
			out.Written = true
		}
		res.add(&res.Indices, out)
	}
	return nil
}

// buildNDVISeries derives dc4 for every stacked date plus every composite the
// SR roots hold for the tile.
func (b *Builder) buildNDVISeries(ctx context.Context, inputs []resolver.Resolution, stacks map[string]*raster.Raster, res *Result) error {
	series := append([]resolver.Resolution(nil), inputs...)
	if len(b.opts.SRRoots) > 0 {
		series = append(series, resolver.Catalog(resolver.Request{
			Tile:     b.opts.Discovery.Tile,
			Roots:    b.opts.SRRoots,
			OnlyClr:  b.opts.SROnlyClr,
			MaxFiles: b.opts.Discovery.MaxFiles,
		})...)
	}

	done := map[string]bool{}
	for _, in := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := in.Date.String()
		if done[key] {
			continue
		}
		done[key] = true

		path := b.opts.Layout.IndexPath(in.Date)
		out := Output{Path: path, Date: in.Date}
		if !b.skip(path) {
			stack, ok := stacks[key]
			var err error
			if !ok {
				if stack, err = b.loadStack(in); err != nil {
					return err
				}
			}
			idx, err := NDVIIndex(stack, in.Source.Files()[0])
			if err != nil {
				return err
			}
			if err := raster.Write(path, idx); err != nil {
				return fmt.Errorf("failed to write index: %w", err)
			}
			out.Written = true
		}
		res.add(&res.Indices, out)
	}
	return nil
}

// loadStack prefers the db8 already on disk for the date.
func (b *Builder) loadStack(in resolver.Resolution) (*raster.Raster, error) {
	if p := b.opts.Layout.StackPath(in.Date); fsutil.Exists(p) {
		r, err := raster.Read(p)
		if err != nil {
			return nil, &types.FormatMismatchError{Path: p, Reason: err.Error()}
		}
		return r, nil
	}
	return StackRaster(in.Source)
}

func (b *Builder) ensureFootprint(res *Result) error {
	path := b.opts.Layout.FootprintPath()
	res.Footprint = Output{Path: path}
	if b.skip(path) {
		return nil
	}
	var template string
	switch {
	case len(res.Stacks) > 0:
		template = res.Stacks[0].Path
	case len(res.Indices) > 0:
		template = res.Indices[0].Path
	default:
		return nil
	}
	d, err := raster.Open(template)
	if err != nil {
		return fmt.Errorf("failed to open footprint template: %w", err)
	}
	if err := raster.Write(path, Footprint(d.Grid)); err != nil {
		return fmt.Errorf("failed to write footprint: %w", err)
	}
	res.Footprint.Written = true
	res.Writes++
	return nil
}

func baseName(p string) string { return filepath.Base(p) }
