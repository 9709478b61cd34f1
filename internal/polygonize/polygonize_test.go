package polygonize

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

var testGrid = raster.Grid{
	Cols:         4,
	Rows:         3,
	GeoTransform: [6]float64{500000, 30, 0, 7000000, 0, -30},
	MapInfo:      "UTM|55|South|WGS-84|units=Meters",
}

var classes = []float32{
	34, 35, 10, 39,
	36, 37, 10, 39,
	10, 10, 10, 0,
}

func date(t *testing.T, s string) tile.DateTag {
	t.Helper()
	d, err := tile.ParseDate(s)
	require.NoError(t, err)
	return d
}

func setup(t *testing.T) (string, tile.Layout, tile.DateTag, tile.DateTag) {
	t.Helper()
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, end := date(t, "20230720"), date(t, "20240805")
	path := l.ClassPath(start, end)
	require.NoError(t, raster.Write(path, &raster.Raster{
		Grid: testGrid, DataType: raster.Uint8, NoData: raster.NoDataValue(0), Bands: [][]float32{classes},
	}))
	return path, l, start, end
}

func TestThresholds(t *testing.T) {
	assert.Equal(t, DefaultThresholds, Thresholds(DefaultThresholds))
	assert.Equal(t, []int{38, 39}, Thresholds([]int{39, 39, 38}))
	assert.Empty(t, Thresholds(nil))
}

// Intermediate thresholds still get layers when their exact class value is
// absent: class >= T holds for the higher classes.
func TestRunWritesEveryConfiguredThreshold(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, end := date(t, "20230720"), date(t, "20240805")
	path := l.ClassPath(start, end)
	g := raster.Grid{Cols: 2, Rows: 2, GeoTransform: testGrid.GeoTransform, MapInfo: testGrid.MapInfo}
	require.NoError(t, raster.Write(path, &raster.Raster{
		Grid: g, DataType: raster.Uint8, NoData: raster.NoDataValue(0), Bands: [][]float32{{34, 39, 10, 0}},
	}))

	res, err := Run(context.Background(), path, l, start, end, Options{Thresholds: DefaultThresholds})
	require.NoError(t, err)
	require.Len(t, res.Layers, len(DefaultThresholds))

	want := map[int]float64{34: 1800, 35: 900, 36: 900, 37: 900, 38: 900, 39: 900}
	prev := -1.0
	for i, layer := range res.Layers {
		assert.Equal(t, DefaultThresholds[i], layer.Threshold)
		assert.FileExists(t, layer.Path)
		got, err := vector.ReadShapefile(layer.Path)
		require.NoError(t, err)
		assert.InDelta(t, want[layer.Threshold], got.Area(), 1e-6, "threshold %d", layer.Threshold)
		if prev >= 0 {
			assert.LessOrEqual(t, got.Area(), prev+1e-6)
		}
		prev = got.Area()
	}
}

func TestRunWritesEmptyLayers(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, end := date(t, "20230720"), date(t, "20240805")
	path := l.ClassPath(start, end)
	g := raster.Grid{Cols: 2, Rows: 1, GeoTransform: testGrid.GeoTransform, MapInfo: testGrid.MapInfo}
	require.NoError(t, raster.Write(path, &raster.Raster{
		Grid: g, DataType: raster.Uint8, NoData: raster.NoDataValue(0), Bands: [][]float32{{10, 0}},
	}))

	res, err := Run(context.Background(), path, l, start, end, Options{})
	require.NoError(t, err)
	require.Len(t, res.Layers, len(DefaultThresholds))
	for _, layer := range res.Layers {
		assert.Zero(t, layer.Features)
		got, err := vector.ReadShapefile(layer.Path)
		require.NoError(t, err)
		assert.Empty(t, got.Features)
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, []bool{
		false, false, false, true,
		true, true, false, true,
		false, false, false, false,
	}, Mask(classes, 36))
	assert.Equal(t, 2, vector.Count(Mask(classes, 39)))
	assert.Zero(t, vector.Count(Mask([]float32{40, 255}, 34)), "values above the clearing range are ignored")
}

func TestFeaturesMinArea(t *testing.T) {
	tests := []struct {
		name     string
		minHa    float64
		kept     int
		dropped  int
		keptArea float64
	}{
		{"no filter", 0, 2, 0, 2700},
		{"one pixel dropped", 0.1, 1, 1, 1800},
		{"everything dropped", 1, 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feats, dropped := Features(Mask(classes, 37), testGrid, 37, tt.minHa)
			assert.Len(t, feats, tt.kept)
			assert.Equal(t, tt.dropped, dropped)
			var area float64
			for _, f := range feats {
				area += f.Area()
				assert.Equal(t, 37, f.Attrs["thr"])
				assert.InDelta(t, f.Area()/10000, f.Attrs["area_ha"], 1e-9)
			}
			assert.InDelta(t, tt.keptArea, area, 1e-6)
		})
	}
}

// Raising the threshold never grows the kept area.
func TestAreaMonotonicInThreshold(t *testing.T) {
	path, l, start, end := setup(t)
	res, err := Run(context.Background(), path, l, start, end, Options{})
	require.NoError(t, err)
	require.Len(t, res.Layers, 6)

	want := map[int]float64{34: 5400, 35: 4500, 36: 3600, 37: 2700, 38: 1800, 39: 1800}
	prev := -1.0
	for _, layer := range res.Layers {
		got, err := vector.ReadShapefile(layer.Path)
		require.NoError(t, err)
		area := got.Area()
		assert.InDelta(t, want[layer.Threshold], area, 1e-6, "threshold %d", layer.Threshold)
		if prev >= 0 {
			assert.LessOrEqual(t, area, prev+1e-6)
		}
		prev = area
		assert.NotEmpty(t, got.Projection)
	}
	assert.Equal(t, l.ThresholdDir(start, end, 0), res.Dir)
}

func TestRunIdempotent(t *testing.T) {
	path, l, start, end := setup(t)
	first, err := Run(context.Background(), path, l, start, end, Options{MinHa: 0})
	require.NoError(t, err)
	info, err := os.Stat(first.Layers[0].Path)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	again, err := Run(context.Background(), path, l, start, end, Options{MinHa: 0})
	require.NoError(t, err)
	for _, layer := range again.Layers {
		assert.True(t, layer.Skipped)
	}
	after, err := os.Stat(first.Layers[0].Path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())

	forced, err := Run(context.Background(), path, l, start, end, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, forced.Layers[0].Skipped)
	assert.Equal(t, first.Paths(), forced.Paths())
}

func TestRunMissingRaster(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, end := date(t, "20230720"), date(t, "20240805")
	_, err := Run(context.Background(), l.ClassPath(start, end), l, start, end, Options{})
	var missing *types.MissingInputError
	assert.True(t, errors.As(err, &missing))
}
