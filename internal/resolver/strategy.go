package resolver

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

const rasterExt = ".img"

// Request is one lookup: the best reflectance input for Tile near Date.
type Request struct {
	Tile     tile.Tile
	Date     tile.DateTag
	Hint     string   // file, directory or glob supplied by the caller; may be empty
	Roots    []string // SR root first, then FC root
	OnlyClr  bool     // accept only masked (_clr) composites
	MaxFiles int      // broad-search visit budget; <= 0 means unbounded
}

// Resolution is a resolved input and its effective date.
type Resolution struct {
	Source   BandSource
	Date     tile.DateTag
	Strategy string
}

// Exact reports whether the effective date equals the requested one.
func (r Resolution) Exact(req Request) bool { return r.Date.Equal(req.Date) }

// Strategy is one search step. Resolve returns false when it found nothing.
type Strategy interface {
	Name() string
	Resolve(req Request) (Resolution, bool)
}

type candidate struct {
	path    string
	date    tile.DateTag
	dated   bool
	rank    int
	distant int
}

// pickNearest chooses the candidate closest to target: fewest days away, then
// the more recent date, then composite preference, then path.
func pickNearest(paths []string, target tile.DateTag, onlyClr bool) (candidate, bool) {
	var cands []candidate
	for _, p := range paths {
		rank, ok := compositeRank(baseName(p), onlyClr)
		if !ok {
			continue
		}
		c := candidate{path: p, rank: rank}
		c.date, c.dated = tile.ExtractDate(baseName(p))
		if c.dated {
			c.distant = tile.DaysBetween(c.date, target)
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return candidate{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dated != b.dated {
			return a.dated
		}
		if a.dated && a.distant != b.distant {
			return a.distant < b.distant
		}
		if a.dated && !a.date.Equal(b.date) {
			return a.date.After(b.date)
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.path < b.path
	})
	best := cands[0]
	if !best.dated {
		// nothing carries a date: keep the request date
		best.date = target
	}
	return best, true
}

func composites(paths []string, onlyClr bool) []string {
	var out []string
	for _, p := range paths {
		if _, ok := compositeRank(baseName(p), onlyClr); ok {
			out = append(out, p)
		}
	}
	return out
}

// exactDate keeps composites whose file name carries date.
func exactDate(paths []string, date tile.DateTag) []string {
	var out []string
	for _, p := range paths {
		if d, ok := tile.ExtractDate(baseName(p)); ok && d.Equal(date) {
			out = append(out, p)
		}
	}
	return out
}

func forTile(t tile.Tile, paths []string) []string {
	var out []string
	for _, p := range paths {
		if t.Matches(baseName(p)) {
			out = append(out, p)
		}
	}
	return out
}

// listDir returns the regular files of dir (non-recursive), sorted.
func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

func baseName(p string) string { return filepath.Base(p) }

func hasMeta(s string) bool { return strings.ContainsAny(s, "*?[") }

// pickComposite runs exact-date then nearest over a pool of files.
func pickComposite(pool []string, req Request, strategy string) (Resolution, bool) {
	comps := forTile(req.Tile, composites(pool, req.OnlyClr))
	if exact := exactDate(comps, req.Date); len(exact) > 0 {
		comps = exact
	}
	c, ok := pickNearest(comps, req.Date, req.OnlyClr)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Source: Composite{Path: c.path}, Date: c.date, Strategy: strategy}, true
}

// Direct uses the hint itself: an existing file, or a glob of files.
type Direct struct{}

func (Direct) Name() string { return "direct" }

func (Direct) Resolve(req Request) (Resolution, bool) {
	if req.Hint == "" {
		return Resolution{}, false
	}
	if info, err := os.Stat(req.Hint); err == nil && !info.IsDir() {
		d, ok := tile.ExtractDate(baseName(req.Hint))
		if !ok {
			d = req.Date
		}
		return Resolution{Source: Composite{Path: req.Hint}, Date: d, Strategy: "direct"}, true
	}
	if !hasMeta(req.Hint) {
		return Resolution{}, false
	}
	hits, err := filepath.Glob(req.Hint)
	if err != nil || len(hits) == 0 {
		return Resolution{}, false
	}
	if res, ok := pickComposite(hits, req, "direct"); ok {
		return res, true
	}
	return bandSetResolution(hits, req, "direct")
}

// LocalDirectory searches the hint directory: exact-date composite, nearest
// composite, then single-band files.
type LocalDirectory struct{}

func (LocalDirectory) Name() string { return "local-directory" }

func (LocalDirectory) Resolve(req Request) (Resolution, bool) {
	if req.Hint == "" {
		return Resolution{}, false
	}
	info, err := os.Stat(req.Hint)
	if err != nil || !info.IsDir() {
		return Resolution{}, false
	}
	files := listDir(req.Hint)
	if res, ok := pickComposite(files, req, "local-directory"); ok {
		return res, true
	}
	return bandSetResolution(forTile(req.Tile, files), req, "local-directory")
}

func bandSetResolution(files []string, req Request, strategy string) (Resolution, bool) {
	set, d, ok := bandSetFrom(files, req.Date)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Source: set, Date: d, Strategy: strategy}, true
}

// MonthDirs are the month folders of date under root, in every supported layout:
// <root>/<scene>/sr/YYYY/YYYYMM, <root>/<PPP_RRR>/sr/..., <root>/<PPP>/<RRR>/sr/...
func MonthDirs(root string, t tile.Tile, d tile.DateTag) []string {
	s := d.String()
	yyyy, yyyymm := s[:4], s[:6]
	return []string{
		filepath.Join(root, t.Scene(), "sr", yyyy, yyyymm),
		filepath.Join(root, t.Code(), "sr", yyyy, yyyymm),
		filepath.Join(root, t.Path, t.Row, "sr", yyyy, yyyymm),
	}
}

// RootSearch looks in the month folders of the requested date under each root.
type RootSearch struct{}

func (RootSearch) Name() string { return "root-search" }

func (RootSearch) Resolve(req Request) (Resolution, bool) {
	var pool []string
	for _, root := range req.Roots {
		for _, dir := range MonthDirs(root, req.Tile, req.Date) {
			pool = append(pool, listDir(dir)...)
		}
	}
	return pickComposite(dedupe(pool), req, "root-search")
}

// BroadSearch walks <root>/<scene>/sr recursively, stopping at the first root
// that yields composites. The walk visits at most MaxFiles files.
type BroadSearch struct{}

func (BroadSearch) Name() string { return "broad-search" }

func (BroadSearch) Resolve(req Request) (Resolution, bool) {
	for _, root := range req.Roots {
		pool := walkComposites(filepath.Join(root, req.Tile.Scene(), "sr"), req.OnlyClr, req.MaxFiles)
		if res, ok := pickComposite(pool, req, "broad-search"); ok {
			return res, true
		}
	}
	return Resolution{}, false
}

var errBudget = errors.New("visit budget exhausted")

func walkComposites(dir string, onlyClr bool, budget int) []string {
	var out []string
	visited := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		visited++
		if budget > 0 && visited > budget {
			return errBudget
		}
		if _, ok := compositeRank(d.Name(), onlyClr); ok {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Catalog lists the best composite per date for req.Tile under every root's
// <root>/<scene>/sr tree, oldest first. The walk honours req.MaxFiles per root.
func Catalog(req Request) []Resolution {
	best := map[string]candidate{}
	for _, root := range req.Roots {
		pool := forTile(req.Tile, walkComposites(filepath.Join(root, req.Tile.Scene(), "sr"), req.OnlyClr, req.MaxFiles))
		for _, p := range pool {
			d, ok := tile.ExtractDate(baseName(p))
			if !ok {
				continue
			}
			rank, _ := compositeRank(baseName(p), req.OnlyClr)
			c := candidate{path: p, date: d, dated: true, rank: rank}
			prev, seen := best[d.String()]
			if !seen || c.rank < prev.rank || (c.rank == prev.rank && c.path < prev.path) {
				best[d.String()] = c
			}
		}
	}
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Resolution, 0, len(keys))
	for _, k := range keys {
		c := best[k]
		out = append(out, Resolution{Source: Composite{Path: c.path}, Date: c.date, Strategy: "catalog"})
	}
	return out
}
