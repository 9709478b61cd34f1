// Package tile identifies grid cells and acquisition dates and owns the file naming
// contract shared with downstream consumers.
package tile

import (
	"fmt"
	"regexp"
	"strings"
)

// Tile is a path/row grid cell, e.g. 094_076.
type Tile struct {
	Path string // zero-padded, 3 digits
	Row  string // zero-padded, 3 digits
}

var (
	codeRe  = regexp.MustCompile(`^(\d{3})_?(\d{3})$`)
	sceneRe = regexp.MustCompile(`^[pP](\d{3})[rR](\d{3})$`)
)

// Parse accepts "094_076", "094076" or a scene code "p094r076".
func Parse(code string) (Tile, error) {
	code = strings.TrimSpace(code)
	if m := codeRe.FindStringSubmatch(code); m != nil {
		return Tile{Path: m[1], Row: m[2]}, nil
	}
	if m := sceneRe.FindStringSubmatch(code); m != nil {
		return Tile{Path: m[1], Row: m[2]}, nil
	}
	return Tile{}, fmt.Errorf("invalid tile code %q (want PPP_RRR)", code)
}

// Code returns the PPP_RRR form.
func (t Tile) Code() string { return t.Path + "_" + t.Row }

// Scene returns the pPPPrRRR form used in file names.
func (t Tile) Scene() string { return "p" + t.Path + "r" + t.Row }

// Tag returns the compact PPPRRR form used to filter mixed-tile directories.
func (t Tile) Tag() string { return t.Path + t.Row }

func (t Tile) String() string { return t.Code() }

// Matches reports whether a file name mentions this tile in any of its forms.
// Names mentioning no tile at all also match.
func (t Tile) Matches(name string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(lower, t.Tag()) || strings.Contains(lower, t.Code()) ||
		strings.Contains(lower, t.Scene()) || strings.Contains(lower, t.Path+"/"+t.Row) {
		return true
	}
	return !anyTileRe.MatchString(lower)
}

var anyTileRe = regexp.MustCompile(`p\d{3}r\d{3}|\d{3}_\d{3}|_\d{6}_`)

var nameTileRes = []*regexp.Regexp{
	regexp.MustCompile(`p(\d{3})r(\d{3})`),
	regexp.MustCompile(`(?:^|\D)(\d{3})_(\d{3})(?:\D|$)`),
	regexp.MustCompile(`_(\d{3})(\d{3})_`),
}

// FromName extracts the tile a file name refers to.
func FromName(name string) (Tile, bool) {
	lower := strings.ToLower(name)
	for _, re := range nameTileRes {
		if m := re.FindStringSubmatch(lower); m != nil {
			return Tile{Path: m[1], Row: m[2]}, true
		}
	}
	return Tile{}, false
}
