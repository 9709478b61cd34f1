package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

func date(t *testing.T, s string) tile.DateTag {
	t.Helper()
	d, err := tile.ParseDate(s)
	require.NoError(t, err)
	return d
}

func window(t *testing.T, start, end string) tile.SeasonWindow {
	t.Helper()
	s, err := tile.ParseMonthDay(start)
	require.NoError(t, err)
	e, err := tile.ParseMonthDay(end)
	require.NoError(t, err)
	return tile.SeasonWindow{Start: s, End: e}
}

func samples(t *testing.T, dates ...string) []Sample {
	out := make([]Sample, len(dates))
	for i, d := range dates {
		out[i] = Sample{Date: date(t, d), Path: d + ".img"}
	}
	return out
}

func sampleDates(s []Sample) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.Date.String()
	}
	return out
}

func TestSelectBaseline(t *testing.T) {
	tests := []struct {
		name     string
		dates    []string
		start    string
		end      string
		window   [2]string
		lookback int
		want     []string
	}{
		{
			name:     "one per year closest to the window end",
			dates:    []string{"20190801", "20200601", "20200910", "20210715", "20230720", "20230901", "20240801"},
			start:    "20230720",
			end:      "20240805",
			window:   [2]string{"0501", "0930"},
			lookback: 5,
			want:     []string{"20200910", "20210715", "20230720"},
		},
		{
			name:     "window wrapping the year boundary",
			dates:    []string{"20211215", "20220110", "20220601"},
			start:    "20220120",
			end:      "20230115",
			window:   [2]string{"1101", "0228"},
			lookback: 3,
			want:     []string{"20211215", "20220110"},
		},
		{
			name:     "falls back to every in-window sample before start",
			dates:    []string{"20190801", "20200601", "20231201", "20210715"},
			start:    "20230720",
			end:      "20240805",
			window:   [2]string{"0501", "0930"},
			lookback: 1,
			want:     []string{"20190801", "20200601", "20210715"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectBaseline(samples(t, tt.dates...), date(t, tt.start), date(t, tt.end),
				window(t, tt.window[0], tt.window[1]), tt.lookback)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, sampleDates(got)); diff != "" {
				t.Errorf("baseline mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectBaselineTooFew(t *testing.T) {
	_, err := SelectBaseline(samples(t, "20230601", "20231101"), date(t, "20230720"), date(t, "20240805"),
		window(t, "0501", "0930"), 5)
	var missing *types.MissingInputError
	require.True(t, errors.As(err, &missing))
	assert.Contains(t, missing.What, "baseline")
	assert.Equal(t, "20230720", missing.Date)
}

func TestPickSignal(t *testing.T) {
	pool := samples(t, "20230601", "20230710", "20230730", "20231215")
	w := window(t, "0501", "0930")

	got, ok := PickSignal(pool, date(t, "20231215"), w)
	require.True(t, ok)
	assert.Equal(t, "20231215", got.Date.String(), "exact date wins even outside the window")

	got, ok = PickSignal(pool, date(t, "20230720"), w)
	require.True(t, ok)
	assert.Equal(t, "20230730", got.Date.String(), "tie goes to the newer date")

	got, ok = PickSignal(pool, date(t, "20231201"), w)
	require.True(t, ok)
	assert.Equal(t, "20230730", got.Date.String())

	_, ok = PickSignal(pool, date(t, "20230720"), window(t, "1001", "1130"))
	assert.False(t, ok)
}

func TestNormalise(t *testing.T) {
	tests := map[string]struct {
		in   []float32
		want []float32
	}{
		"z scores":      {[]float32{0, 10, 20, 30}, []float32{0, 106, 125, 143}},
		"constant":      {[]float32{5, 5, 0}, []float32{125, 125, 0}},
		"all invalid":   {[]float32{0, -3}, []float32{0, 0}},
		"clipped range": {append(fill(99, 100), 10000), nil},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := Normalise(tt.in)
			if tt.want != nil {
				assert.Equal(t, tt.want, got)
				return
			}
			for _, v := range got {
				assert.GreaterOrEqual(t, v, float32(1))
				assert.LessOrEqual(t, v, float32(255))
			}
			assert.Equal(t, float32(255), got[len(got)-1])
		})
	}
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestComputeBaseline(t *testing.T) {
	dates := []tile.DateTag{date(t, "20210101"), date(t, "20220101")}
	b := ComputeBaseline([][]float32{{100}, {120}}, dates, config.StatisticMean)

	assert.Equal(t, 2, b.N)
	assert.InDelta(t, 110, b.Center[0], 1e-9)
	assert.InDelta(t, 10, b.Std[0], 1e-9)
	assert.InDelta(t, 7.0710678, b.StdErr[0], 1e-6)
	assert.InDelta(t, 20, b.Slope[0], 1e-6)
	assert.InDelta(t, 120, b.Predict(0, dates[1].DecimalYear()), 1e-6)

	single := ComputeBaseline([][]float32{{100}}, dates[:1], config.StatisticMean)
	assert.Zero(t, single.StdErr[0])
	assert.Zero(t, single.Slope[0])
	assert.InDelta(t, 100, single.Intercept[0], 1e-9)
}

func TestComputeBaselineMedian(t *testing.T) {
	dates := []tile.DateTag{date(t, "20200701"), date(t, "20210701"), date(t, "20220701")}
	norm := [][]float32{{100}, {130}, {110}}

	mean := ComputeBaseline(norm, dates, config.StatisticMean)
	med := ComputeBaseline(norm, dates, config.StatisticMedian)
	assert.InDelta(t, 113.333333, mean.Center[0], 1e-5)
	assert.InDelta(t, 110, med.Center[0], 1e-9)
	assert.Equal(t, mean.Std, med.Std, "median only moves the center")
	assert.Equal(t, mean.Slope, med.Slope)
}

type pixel struct {
	center, std      float64
	startN, endN     float32
	startRaw         float32
	refStart, refEnd float32
	zeroBand         bool
}

func classifyPixel(px pixel, o Options) *Products {
	ref := func(v float32) [][]float32 {
		out := make([][]float32, SpectralBands)
		for i := range out {
			out[i] = []float32{v}
		}
		return out
	}
	in := Inputs{
		RefStart:  ref(px.refStart),
		RefEnd:    ref(px.refEnd),
		StartRaw:  []float32{px.startRaw},
		StartNorm: []float32{px.startN},
		EndNorm:   []float32{px.endN},
		Baseline: &Baseline{
			Center:    []float64{px.center},
			Std:       []float64{px.std},
			StdErr:    []float64{5},
			Slope:     []float64{0},
			Intercept: []float64{150},
			N:         4,
		},
		EndYear: 2024.5,
	}
	if px.zeroBand {
		in.RefEnd[0][0] = 0
	}
	return Classify(in, o)
}

func TestClassify(t *testing.T) {
	clearing := pixel{center: 150, std: 10, startN: 150, endN: 100, startRaw: 200, refStart: 1000, refEnd: 3000}
	tests := []struct {
		name  string
		px    func() pixel
		opts  Options
		class float32
	}{
		{
			name:  "strong clearing",
			px:    func() pixel { return clearing },
			class: 39,
		},
		{
			name: "stable pixel",
			px: func() pixel {
				return pixel{center: 150, std: 10, startN: 150, endN: 150, startRaw: 200, refStart: 1000, refEnd: 1000}
			},
			class: ClassNoChange,
		},
		{
			name:  "low start index",
			px:    func() pixel { p := clearing; p.startRaw = 50; return p },
			class: ClassNoChange,
		},
		{
			name:  "start threshold omitted",
			px:    func() pixel { p := clearing; p.startRaw = 50; return p },
			opts:  Options{OmitFPCStartThreshold: true},
			class: 39,
		},
		{
			name: "regrowth",
			px: func() pixel {
				return pixel{center: 55, std: 100, startN: 250, endN: 50, startRaw: 200, refStart: 1000, refEnd: 1000}
			},
			class: ClassRegrowth,
		},
		{
			name:  "zero reflectance",
			px:    func() pixel { p := clearing; p.zeroBand = true; return p },
			class: ClassNull,
		},
		{
			name:  "custom rules",
			px:    func() pixel { return clearing },
			opts:  Options{Rules: []Rule{{Class: 50, Combined: 100}}},
			class: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := classifyPixel(tt.px(), tt.opts)
			assert.Equal(t, tt.class, p.Class[0])
		})
	}
}

func TestClassifyIndices(t *testing.T) {
	p := classifyPixel(pixel{center: 150, std: 10, startN: 150, endN: 100, startRaw: 200, refStart: 1000, refEnd: 3000}, Options{})
	assert.InDelta(t, -5, p.TTest[0], 1e-6)
	assert.InDelta(t, -10, p.STest[0], 1e-6)
	assert.InDelta(t, -7.745, p.Spectral[0], 1e-2)
	assert.Greater(t, p.Combined[0], float32(58.10))

	// stderr below the floor leaves sTest at zero
	in := Inputs{
		RefStart: [][]float32{{1}, {1}, {1}, {1}, {1}, {1}}, RefEnd: [][]float32{{1}, {1}, {1}, {1}, {1}, {1}},
		StartRaw: []float32{200}, StartNorm: []float32{150}, EndNorm: []float32{100},
		Baseline: &Baseline{Center: []float64{150}, Std: []float64{0.1}, StdErr: []float64{0.1}, Slope: []float64{0}, Intercept: []float64{150}},
	}
	q := Classify(in, Options{})
	assert.Zero(t, q.STest[0])
	assert.Zero(t, q.TTest[0])
}

func TestRulesFromConfig(t *testing.T) {
	assert.Equal(t, DefaultRules(), RulesFromConfig(nil))
	s := -1.0
	got := RulesFromConfig([]config.ClassRule{{Class: 40, Combined: 12, STest: &s}})
	require.Len(t, got, 1)
	assert.Equal(t, Rule{Class: 40, Combined: 12, STest: &s}, got[0])
}

func TestClearingProbability(t *testing.T) {
	got := ClearingProbability([]float32{0, -5, 100, 1000})
	assert.Equal(t, []float32{0, 0, 171, 200}, got)
}

func TestStretchNonZero(t *testing.T) {
	assert.Equal(t, []float32{0, 64, 191}, stretchNonZero([]float32{0, 1, 3}, 2))
	assert.Equal(t, []float32{0, 0}, stretchNonZero([]float32{0, 0}, 10))
}

func TestClassPalette(t *testing.T) {
	p := ClassPalette()
	assert.Len(t, p.Colors, 256)
	assert.Equal(t, raster.Color{}, p.Colors[0])
	assert.Equal(t, raster.Color{R: 255, G: 255, B: 0, A: 255}, p.Colors[34])
	assert.Equal(t, raster.Color{R: 180, G: 0, B: 0, A: 255}, p.Colors[39])
	assert.Equal(t, raster.Color{R: 127, G: 127, B: 127, A: 255}, p.Colors[20])
	assert.Equal(t, raster.Color{R: 100, G: 100, B: 100, A: 255}, p.Colors[100])
	assert.Equal(t, "regrowth", p.Names[ClassRegrowth])
	assert.Equal(t, "clearing 37", p.Names[37])
}

var testGrid = raster.Grid{
	Cols:         2,
	Rows:         2,
	GeoTransform: [6]float64{500000, 30, 0, 7000000, 0, -30},
	MapInfo:      "UTM|55|South|WGS-84|units=Meters",
}

func writeRaster(t *testing.T, path string, dt raster.DataType, bands ...[]float32) {
	t.Helper()
	require.NoError(t, raster.Write(path, &raster.Raster{Grid: testGrid, DataType: dt, NoData: raster.NoDataValue(0), Bands: bands}))
}

// scene writes a dc4 series and the start and end db8 stacks.
func scene(t *testing.T) Params {
	t.Helper()
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	series := map[string][]float32{
		"20200715": {150, 140, 160, 150},
		"20210715": {155, 150, 150, 145},
		"20220715": {160, 145, 155, 150},
		"20230720": {165, 150, 150, 155},
		"20240805": {110, 150, 150, 150},
	}
	for d, v := range series {
		writeRaster(t, l.IndexPath(date(t, d)), raster.Uint8, v)
	}
	start, end := date(t, "20230720"), date(t, "20240805")
	var sb, eb [][]float32
	for b := 0; b < SpectralBands; b++ {
		sb = append(sb, []float32{1000, 1000, 1000, 1000})
		eb = append(eb, []float32{3000, 1000, 1000, 1000})
	}
	sb[0][3] = 0
	writeRaster(t, l.StackPath(start), raster.Int16, sb...)
	writeRaster(t, l.StackPath(end), raster.Int16, eb...)
	return Params{
		Layout:   l,
		Start:    start,
		End:      end,
		Window:   tile.DefaultWindow(start, end),
		Lookback: 5,
		RunID:    "run-1",
	}
}

func TestRun(t *testing.T) {
	p := scene(t)
	res, err := Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{"20200715", "20210715", "20220715", "20230720"}, dateStrings(res.BaselineDates))
	assert.Equal(t, "20230720", res.StartIndex.String())
	assert.Equal(t, "20240805", res.EndIndex.String())

	class, err := raster.Read(res.ClassPath)
	require.NoError(t, err)
	assert.Equal(t, raster.Uint8, class.DataType)
	require.Len(t, class.Bands, 1)
	assert.Equal(t, float32(ClassNull), class.Bands[0][3], "zero reflectance is null")
	require.NotNil(t, class.Palette)
	assert.Equal(t, raster.Color{R: 180, G: 0, B: 0, A: 255}, class.Palette.Colors[39])

	var total int
	for _, n := range res.ClassCounts {
		total += n
	}
	assert.Equal(t, testGrid.Size(), total)

	interp, err := raster.Read(res.StylePath)
	require.NoError(t, err)
	assert.Equal(t, InterpretationBands, interp.BandNames)
	assert.Len(t, interp.Bands, 4)

	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	var log RunLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.Equal(t, "run-1", log.RunID)
	assert.Equal(t, "p094r076", log.Scene)
	assert.Equal(t, "mean", log.Statistic)
	assert.Len(t, log.BaselineDates, 4)

	again, err := Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	p.Force = true
	forced, err := Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, forced.Skipped)
}

func TestRunOmitFirst(t *testing.T) {
	p := scene(t)
	p.OmitFirst = true
	res, err := Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"20210715", "20220715", "20230720"}, dateStrings(res.BaselineDates))
}

func TestRunMissingInputs(t *testing.T) {
	t.Run("stack", func(t *testing.T) {
		p := scene(t)
		require.NoError(t, os.Remove(p.Layout.StackPath(p.End)))
		_, err := Run(context.Background(), p)
		var missing *types.MissingInputError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "20240805", missing.Date)
		assert.False(t, fileExists(p.Layout.ClassPath(p.Start, p.End)))
	})
	t.Run("baseline", func(t *testing.T) {
		p := scene(t)
		p.Window = window(t, "1101", "1130")
		_, err := Run(context.Background(), p)
		var missing *types.MissingInputError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "p094r076", missing.Tile)
	})
	t.Run("stack band count", func(t *testing.T) {
		p := scene(t)
		writeRaster(t, p.Layout.StackPath(p.Start), raster.Int16, fill(4, 1), fill(4, 1))
		_, err := Run(context.Background(), p)
		var mismatch *types.FormatMismatchError
		require.True(t, errors.As(err, &mismatch))
	})
}

func TestStyle(t *testing.T) {
	dir := t.TempDir()
	dll, dlj := filepath.Join(dir, "x_dllmz.img"), filepath.Join(dir, "x_dljmz.img")
	writeRaster(t, dll, raster.Uint8, []float32{0, 10, 34, 39})
	writeRaster(t, dlj, raster.Uint8, fill(4, 1), fill(4, 2), fill(4, 3), fill(4, 4))

	require.NoError(t, Style(dll, dlj))

	h, err := raster.ReadHeader(dll)
	require.NoError(t, err)
	require.NotNil(t, h.Palette)
	assert.Equal(t, raster.Color{R: 255, G: 255, B: 0, A: 255}, h.Palette.Colors[34])
	assert.Equal(t, []string{"change_class"}, h.BandNames)

	j, err := raster.Read(dlj)
	require.NoError(t, err)
	assert.Equal(t, InterpretationBands, j.BandNames)
	assert.Equal(t, fill(4, 3), j.Bands[2])
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
