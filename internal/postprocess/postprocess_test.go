package postprocess

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

var testGrid = raster.Grid{
	Cols:         10,
	Rows:         6,
	GeoTransform: [6]float64{500000, 30, 0, 7000000, 0, -30},
	MapInfo:      "UTM|55|South|WGS-84|units=Meters",
}

// shapes parses rows of '#' and '.' on testGrid into polygons.
func shapes(rows ...string) []*geom.Polygon {
	mask := make([]bool, 0, testGrid.Size())
	for _, r := range rows {
		for _, c := range r {
			mask = append(mask, c == '#')
		}
	}
	return vector.PolygonizeGrid(mask, testGrid)
}

// two 2x4 halves of a 4x4 block, plus a one-pixel-wide strip
func testLayer() *vector.Layer {
	left := shapes(
		"##........",
		"##........",
		"##........",
		"##........",
		"..........",
		"..........",
	)
	right := shapes(
		"..##......",
		"..##......",
		"..##......",
		"..##......",
		"..........",
		"..........",
	)
	strip := shapes(
		"........#.",
		"........#.",
		"........#.",
		"........#.",
		"........#.",
		"........#.",
	)
	l := &vector.Layer{Fields: vector.AreaFields()}
	for _, p := range append(append(left, right...), strip...) {
		l.Features = append(l.Features, vector.AreaFeature(p, 36))
	}
	return l
}

func TestEffectiveWidth(t *testing.T) {
	tests := []struct {
		name string
		rows []string
		want float64
	}{
		{"square", []string{"###.......", "###.......", "###.......", "..........", "..........", ".........."}, 90},
		{"rectangle", []string{"#####.....", "#####.....", "..........", "..........", "..........", ".........."}, 60},
		{"strip", []string{"#.........", "#.........", "#.........", "#.........", "..........", ".........."}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polys := shapes(tt.rows...)
			require.Len(t, polys, 1)
			assert.InDelta(t, tt.want, EffectiveWidth(polys[0]), 1e-6)
		})
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		parts   int
		dropped int
		area    float64
	}{
		{"dissolve then filter", Options{Dissolve: true, SkinnyPixels: 3}, 1, 1, 16 * 900},
		{"filter without dissolve", Options{SkinnyPixels: 3}, 0, 3, 0},
		{"dissolve only", Options{Dissolve: true}, 2, 0, 22 * 900},
		{"narrow floor", Options{SkinnyPixels: 2}, 2, 1, 16 * 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, dropped := Clean(testLayer(), testGrid, 36, tt.opts)
			assert.Len(t, out.Features, tt.parts)
			assert.Equal(t, tt.dropped, dropped)
			assert.InDelta(t, tt.area, out.Area(), 1e-6)
			for _, f := range out.Features {
				assert.Equal(t, 36, f.Attrs["thr"])
				assert.InDelta(t, f.Area(), f.Attrs["area_m2"], 1e-6)
			}
			assert.NotEmpty(t, out.Projection)
		})
	}
}

func TestRun(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, _ := tile.ParseDate("20230720")
	end, _ := tile.ParseDate("20240805")
	classPath := l.ClassPath(start, end)
	require.NoError(t, raster.Write(classPath, raster.New(testGrid, raster.Uint8, 1)))
	in := filepath.Join(l.ThresholdDir(start, end, 1), tile.ThresholdLayerName(l.Scene, start, end, 36))
	require.NoError(t, vector.WriteShapefile(in, testLayer()))

	res, err := Run(context.Background(), classPath, l, start, end, 1, Options{Dissolve: true, SkinnyPixels: 3})
	require.NoError(t, err)
	require.Len(t, res.Layers, 1)
	assert.Equal(t, 36, res.Layers[0].Threshold)
	assert.Equal(t, 1, res.Layers[0].Parts)
	assert.Equal(t, l.CleanDir(start, end, 1), filepath.Dir(res.Layers[0].Path))

	cleaned, err := vector.ReadShapefile(res.Layers[0].Path)
	require.NoError(t, err)
	require.Len(t, cleaned.Features, 1)
	assert.InDelta(t, 16*900, cleaned.Area(), 1e-6)

	again, err := Run(context.Background(), classPath, l, start, end, 1, Options{Dissolve: true, SkinnyPixels: 3})
	require.NoError(t, err)
	assert.True(t, again.Layers[0].Skipped)
	assert.Equal(t, 36, again.Layers[0].Threshold)
}

func TestRunMissingLayers(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	start, _ := tile.ParseDate("20230720")
	end, _ := tile.ParseDate("20240805")
	classPath := l.ClassPath(start, end)
	require.NoError(t, raster.Write(classPath, raster.New(testGrid, raster.Uint8, 1)))
	_, err := Run(context.Background(), classPath, l, start, end, 1, Options{})
	require.Error(t, err)
}
