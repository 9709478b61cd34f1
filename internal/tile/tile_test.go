package tile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Tile
		wantErr bool
	}{
		{"094_076", Tile{"094", "076"}, false},
		{"094076", Tile{"094", "076"}, false},
		{"p094r076", Tile{"094", "076"}, false},
		{" 104_072 ", Tile{"104", "072"}, false},
		{"94_76", Tile{}, true},
		{"p094-076", Tile{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTileForms(t *testing.T) {
	tl := Tile{"094", "076"}
	assert.Equal(t, "094_076", tl.Code())
	assert.Equal(t, "p094r076", tl.Scene())
	assert.Equal(t, "094076", tl.Tag())
}

func TestTileMatches(t *testing.T) {
	tl := Tile{"094", "076"}
	assert.True(t, tl.Matches("ga_ls9c_ard_094076_20230720_srb7.img"))
	assert.True(t, tl.Matches("lztmre_p094r076_20230720_srb6.img"))
	assert.True(t, tl.Matches("composite_20230720_srb7.img"), "untagged names match any tile")
	assert.False(t, tl.Matches("ga_ls9c_ard_095076_20230720_srb7.img"))
}

func TestExtractDate(t *testing.T) {
	d, ok := ExtractDate("ga_ls_fc_094076_20230720_fc3ms_clr.img")
	require.True(t, ok)
	assert.Equal(t, "20230720", d.String())

	_, ok = ExtractDate("no_date_here.img")
	assert.False(t, ok)

	// 20231399 is not a calendar date; the next match wins
	d, ok = ExtractDate("x_20231399_20240102.img")
	require.True(t, ok)
	assert.Equal(t, "20240102", d.String())
}

func TestNearestPrefersNewerOnTie(t *testing.T) {
	target := NewDate(2023, 7, 20)
	cands := []DateTag{NewDate(2023, 7, 10), NewDate(2023, 7, 30), NewDate(2023, 8, 20)}
	assert.Equal(t, 1, Nearest(target, cands))
	assert.Equal(t, -1, Nearest(target, nil))
}

func TestAddMonthsClampsDay(t *testing.T) {
	assert.Equal(t, "20230228", NewDate(2022, 12, 31).AddMonths(2).String())
	assert.Equal(t, "20221031", NewDate(2023, 1, 31).AddMonths(-3).String())
	assert.Equal(t, "20240229", NewDate(2023, 12, 31).AddMonths(2).String())
}

func TestSeasonWindowContains(t *testing.T) {
	summer := SeasonWindow{Start: MonthDay{7, 1}, End: MonthDay{10, 31}}
	assert.True(t, summer.Contains(NewDate(2020, 7, 1)))
	assert.True(t, summer.Contains(NewDate(2020, 10, 31)))
	assert.False(t, summer.Contains(NewDate(2020, 11, 1)))

	wrap := SeasonWindow{Start: MonthDay{11, 1}, End: MonthDay{2, 28}}
	assert.True(t, wrap.Contains(NewDate(2020, 12, 15)))
	assert.True(t, wrap.Contains(NewDate(2021, 1, 10)))
	assert.False(t, wrap.Contains(NewDate(2021, 6, 1)))
}

func TestDefaultWindow(t *testing.T) {
	w := DefaultWindow(NewDate(2023, 7, 20), NewDate(2024, 8, 31))
	assert.Equal(t, "0520", w.Start.String())
	assert.Equal(t, "1031", w.End.String())
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("1101,0228")
	require.NoError(t, err)
	assert.Equal(t, SeasonWindow{Start: MonthDay{11, 1}, End: MonthDay{2, 28}}, w)

	w, err = ParseWindow("0520-1005")
	require.NoError(t, err)
	assert.Equal(t, "0520-1005", w.String())

	for _, bad := range []string{"", "0520", "1301,0101", "0520,1005,1101"} {
		_, err := ParseWindow(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecimalYear(t *testing.T) {
	assert.InDelta(t, 2020.0, NewDate(2020, 1, 1).DecimalYear(), 1e-9)
	assert.InDelta(t, 2020+181.0/366, NewDate(2020, 6, 30).DecimalYear(), 1e-9)
}

func TestMonthDayDistance(t *testing.T) {
	assert.Equal(t, 0, MonthDay{10, 31}.Distance(MonthDay{10, 31}))
	assert.Equal(t, 32, MonthDay{9, 30}.Distance(MonthDay{10, 31}))
}

func TestLayoutNames(t *testing.T) {
	l := NewLayout("out", Tile{"094", "076"})
	sd, ed := NewDate(2023, 7, 20), NewDate(2024, 8, 31)

	assert.Equal(t, filepath.Join("out", "p094r076", "lztmre_p094r076_20230720_db8mz.img"), l.StackPath(sd))
	assert.Equal(t, filepath.Join("out", "p094r076", "lztmre_p094r076_20230720_dc4mz.img"), l.IndexPath(sd))
	assert.Equal(t, filepath.Join("out", "p094r076", "lztmre_p094r076_d2023072020240831_dllmz.img"), l.ClassPath(sd, ed))
	assert.Equal(t, filepath.Join("out", "p094r076", "lztmre_p094r076_d2023072020240831_dljmz.img"), l.StylePath(sd, ed))
	assert.Equal(t, filepath.Join("out", "p094r076", "shp_d20230720_20240831_merged_min1ha"), l.ThresholdDir(sd, ed, 1.0))
	assert.Equal(t, filepath.Join("out", "p094r076", "shp_d20230720_20240831_merged_min1ha_clean_clip_ratio"), l.ClipRatioDir(sd, ed, 1.0))
	assert.Equal(t, "p094r076_d2023072020240831_thr_34.shp", ThresholdLayerName(l.Scene, sd, ed, 34))
	assert.Equal(t, filepath.Join("out", "p094r076", "fc_coverage", "p094r076_fc_consistent_r095"), l.RatioStem(0.95))
	assert.Equal(t, "p094r076_d2023072020240831_eds_outputs.zip", PackageName(l.Scene, sd, ed))
}

func TestFromName(t *testing.T) {
	tests := map[string]string{
		"ls89sr_p094r076_20230720_nbart6m3.img":  "094_076",
		"ga_ls8c_ard_094076_20230720_srb4.img":   "094_076",
		"ga_ls_fc_094076_20230720_fc3ms_clr.img": "094_076",
		"094_076_20230720.img":                   "094_076",
		"lztmre_p090r084_20230101_dc4mz.img":     "090_084",
		"no_tile_here_20230720.img":              "",
	}
	for name, want := range tests {
		got, ok := FromName(name)
		if want == "" {
			assert.False(t, ok, name)
			continue
		}
		require.True(t, ok, name)
		assert.Equal(t, want, got.Code(), name)
	}
}
