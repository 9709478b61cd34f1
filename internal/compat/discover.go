package compat

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/provenance"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// FCInput is the fractional-cover file chosen for one date.
type FCInput struct {
	Path string
	Date tile.DateTag
}

// Discovery configures where FC inputs come from and how duplicates collapse.
type Discovery struct {
	Tile      tile.Tile
	Root      string // FC root; searched in scene, PPP_RRR and PPP/RRR layouts
	Glob      string // explicit pattern; replaces the root search when set
	OnlyClr   bool
	PreferClr bool
	MaxFiles  int
}

// fcRoots are the trees searched under the FC root.
func (d Discovery) fcRoots() []string {
	if d.Root == "" {
		return nil
	}
	return []string{
		filepath.Join(d.Root, d.Tile.Scene(), "fc"),
		filepath.Join(d.Root, d.Tile.Code()),
		filepath.Join(d.Root, d.Tile.Path, d.Tile.Row),
	}
}

func isFC(name string) bool {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".img") || strings.HasPrefix(lower, ".tmp-") {
		return false
	}
	return strings.Contains(lower, "fc3ms") || strings.Contains(lower, "fcm")
}

func isClr(name string) bool {
	return strings.HasSuffix(strings.TrimSuffix(strings.ToLower(name), ".img"), "_clr")
}

// Candidates lists every FC file for the tile, sorted and without duplicates.
func (d Discovery) Candidates() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] && isFC(filepath.Base(p)) && d.Tile.Matches(filepath.Base(p)) {
			seen[p] = true
			out = append(out, p)
		}
	}

	if d.Glob != "" {
		hits, err := filepath.Glob(d.Glob)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			add(h)
		}
	} else {
		visited := 0
		for _, root := range d.fcRoots() {
			_ = filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
				if err != nil {
					if e != nil && e.IsDir() {
						return fs.SkipDir
					}
					return nil
				}
				if e.IsDir() {
					return nil
				}
				visited++
				if d.MaxFiles > 0 && visited > d.MaxFiles {
					return fs.SkipAll
				}
				add(path)
				return nil
			})
		}
	}
	sort.Strings(out)
	return out, nil
}

// preference orders the FC candidates of one date: lower is better.
func (d Discovery) preference(name string) int {
	lower := strings.TrimSuffix(strings.ToLower(name), ".img")
	clr := isClr(name)
	base := strings.HasSuffix(lower, "_fc3ms")
	switch {
	case clr && d.PreferClr:
		return 0
	case base:
		return 1
	case clr:
		return 2
	default:
		return 3
	}
}

// Select keeps one candidate per date: only masked files when OnlyClr; else
// masked first (PreferClr) or unmasked fc3ms first, ties by path.
func (d Discovery) Select(paths []string) []FCInput {
	groups := map[string][]string{}
	dates := map[string]tile.DateTag{}
	for _, p := range paths {
		name := filepath.Base(p)
		if d.OnlyClr && !isClr(name) {
			continue
		}
		dt, ok := tile.ExtractDate(name)
		if !ok {
			logging.CompatDebug("Skipping undated FC input %s", name)
			continue
		}
		groups[dt.String()] = append(groups[dt.String()], p)
		dates[dt.String()] = dt
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]FCInput, 0, len(keys))
	for _, k := range keys {
		list := groups[k]
		sort.Slice(list, func(i, j int) bool {
			pi, pj := d.preference(filepath.Base(list[i])), d.preference(filepath.Base(list[j]))
			if pi != pj {
				return pi < pj
			}
			return list[i] < list[j]
		})
		out = append(out, FCInput{Path: list[0], Date: dates[k]})
	}
	if len(out) != len(paths) {
		logging.Compat("Deduplicated FC inputs %d -> %d", len(paths), len(out))
	}
	return out
}

// Discover finds, filters by provenance (when v is non-nil) and deduplicates FC inputs.
func (d Discovery) Discover(ctx context.Context, v *provenance.Validator) ([]FCInput, []provenance.Detection, error) {
	paths, err := d.Candidates()
	if err != nil {
		return nil, nil, err
	}
	var rejected []provenance.Detection
	if v != nil {
		paths, rejected, err = v.Filter(ctx, paths)
		if err != nil {
			return nil, nil, err
		}
	}
	return d.Select(paths), rejected, nil
}
