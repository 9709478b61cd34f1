// Package resolver locates the surface-reflectance input for a tile and date.
//
// Resolution runs an ordered list of strategies (direct, local-directory,
// root-search, broad-search). The first strategy that finds something wins;
// when all come back empty the caller gets a *types.MissingInputError.
package resolver

import (
	"sort"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// Band identifies a reflectance band in canonical order.
type Band string

// CanonicalBands is the stacking order of single-band inputs.
var CanonicalBands = []Band{"B2", "B3", "B4", "B5", "B6", "B7"}

// BandSource is either a Composite or a BandSet.
type BandSource interface {
	// Files lists every file the source reads, in stacking order.
	Files() []string
	Kind() string
}

// Composite is one multi-band file whose bands are copied verbatim.
type Composite struct {
	Path string
}

func (c Composite) Files() []string { return []string{c.Path} }
func (c Composite) Kind() string    { return "composite" }

// BandSet is a set of single-band files keyed by band.
type BandSet struct {
	Bands map[Band]string
}

// Files returns the band files in canonical order, skipping absent bands.
func (b BandSet) Files() []string {
	var out []string
	for _, band := range CanonicalBands {
		if p, ok := b.Bands[band]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (b BandSet) Kind() string { return "bandset" }

// Present lists the bands that resolved, in canonical order.
func (b BandSet) Present() []Band {
	var out []Band
	for _, band := range CanonicalBands {
		if _, ok := b.Bands[band]; ok {
			out = append(out, band)
		}
	}
	return out
}

// composite families in preference order
var families = []string{"nbart6m", "srb7", "srb6"}

// compositeRank orders composite names: nbart6m before srb7 before srb6, masked
// (_clr) before unmasked within a family. ok is false for non-composites.
func compositeRank(name string, onlyClr bool) (int, bool) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, rasterExt) {
		return 0, false
	}
	stem := strings.TrimSuffix(lower, rasterExt)
	clr := strings.HasSuffix(stem, "_clr")
	if onlyClr && !clr {
		return 0, false
	}
	for i, f := range families {
		if strings.Contains(stem, f) {
			if clr {
				return i * 2, true
			}
			return i*2 + 1, true
		}
	}
	return 0, false
}

// bandAliases returns the file-name tokens of a band, e.g. B2 → "_b2", "srb2".
func bandAliases(b Band) []string {
	n := strings.TrimPrefix(strings.ToLower(string(b)), "b")
	return []string{"_b" + n, "srb" + n}
}

// matchBand reports which band a single-band file name carries.
func matchBand(name string) (Band, bool) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, rasterExt) {
		return "", false
	}
	if _, composite := compositeRank(lower, false); composite {
		return "", false
	}
	stem := strings.TrimSuffix(lower, rasterExt)
	for _, b := range CanonicalBands {
		for _, a := range bandAliases(b) {
			i := strings.Index(stem, a)
			if i < 0 {
				continue
			}
			// "_b2" must not be the prefix of "_b23"
			if end := i + len(a); end < len(stem) && stem[end] >= '0' && stem[end] <= '9' {
				continue
			}
			return b, true
		}
	}
	return "", false
}

// bandSetFrom groups single-band files by embedded date and keeps the group
// nearest target (exact, then fewest days, then the more recent). Bands never
// mix dates; within the group the lexicographically first file wins per band.
// Undated files are used only when no file carries a date, and then the
// returned date is target.
func bandSetFrom(paths []string, target tile.DateTag) (BandSet, tile.DateTag, bool) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	groups := map[string]*bandGroup{}
	for _, p := range sorted {
		b, ok := matchBand(baseName(p))
		if !ok {
			continue
		}
		d, dated := tile.ExtractDate(baseName(p))
		key := ""
		if dated {
			key = d.String()
		}
		g, ok := groups[key]
		if !ok {
			g = &bandGroup{date: d, dated: dated, bands: map[Band]string{}}
			if dated {
				g.distant = tile.DaysBetween(d, target)
			}
			groups[key] = g
		}
		if _, seen := g.bands[b]; !seen {
			g.bands[b] = p
		}
	}
	if len(groups) == 0 {
		return BandSet{}, tile.DateTag{}, false
	}

	var best *bandGroup
	for _, g := range groups {
		if best == nil || g.nearer(best) {
			best = g
		}
	}
	d := best.date
	if !best.dated {
		d = target
	}
	return BandSet{Bands: best.bands}, d, true
}

type bandGroup struct {
	date    tile.DateTag
	dated   bool
	distant int
	bands   map[Band]string
}

func (g *bandGroup) nearer(o *bandGroup) bool {
	if g.dated != o.dated {
		return g.dated
	}
	if g.distant != o.distant {
		return g.distant < o.distant
	}
	return g.date.After(o.date)
}
