package coverage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

const pixelArea = 900.0

func grid(x, y float64) raster.Grid {
	return raster.Grid{
		Cols:         4,
		Rows:         3,
		GeoTransform: [6]float64{x, 30, 0, y, 0, -30},
		MapInfo:      "UTM|55|South|WGS-84|units=Meters",
	}
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// series writes one index raster per grid, dated consecutively.
func series(t *testing.T, grids ...raster.Grid) tile.Layout {
	t.Helper()
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	for i, g := range grids {
		d := tile.NewDate(2020+i, 7, 15)
		require.NoError(t, raster.Write(l.IndexPath(d), &raster.Raster{
			Grid: g, DataType: raster.Uint8, NoData: raster.NoDataValue(0), Bands: [][]float32{fill(g.Size(), 120)},
		}))
	}
	return l
}

func TestUnionExtents(t *testing.T) {
	tests := []struct {
		name  string
		exts  []raster.Extent
		parts int
		area  float64
	}{
		{"single", []raster.Extent{{MinX: 0, MinY: 0, MaxX: 10, MaxY: 5}}, 1, 50},
		{"overlapping", []raster.Extent{{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, {MinX: 5, MinY: 5, MaxX: 15, MaxY: 15}}, 1, 175},
		{"disjoint", []raster.Extent{{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, {MinX: 5, MinY: 5, MaxX: 7, MaxY: 6}}, 2, 3},
		{"nested", []raster.Extent{{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, {MinX: 2, MinY: 2, MaxX: 3, MaxY: 3}}, 1, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polys := UnionExtents(tt.exts)
			assert.Len(t, polys, tt.parts)
			assert.InDelta(t, tt.area, sumArea(polys), 1e-9)
		})
	}
}

func TestIntersectExtents(t *testing.T) {
	e, ok := IntersectExtents([]raster.Extent{
		{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
		{MinX: 5, MinY: 2, MaxX: 15, MaxY: 15},
		{MinX: 4, MinY: 3, MaxX: 8, MaxY: 20},
	})
	require.True(t, ok)
	assert.Equal(t, raster.Extent{MinX: 5, MinY: 3, MaxX: 8, MaxY: 10}, e)

	_, ok = IntersectExtents([]raster.Extent{{MaxX: 1, MaxY: 1}, {MinX: 2, MinY: 2, MaxX: 3, MaxY: 3}})
	assert.False(t, ok)
}

func TestValidMask(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	assert.Equal(t, []bool{false, true, false, true}, ValidMask([]float32{0, 5, nan, -1}, nil))
	assert.Equal(t, []bool{true, true, false}, ValidMask([]float32{0, 5, 255}, raster.NoDataValue(255)))
}

func TestRatioKeep(t *testing.T) {
	counts := []int{0, 19, 20, 10}
	assert.Equal(t, []bool{false, true, true, false}, RatioKeep(counts, 20, 0.95))
	assert.Equal(t, []bool{false, false, true, false}, RatioKeep(counts, 20, 1))
	assert.Equal(t, []bool{false, false, false, false}, RatioKeep(counts, 0, 0.5))
}

// strict <= ratio(r) <= union, and r=1 matches strict when every pixel is valid.
func TestAreaOrdering(t *testing.T) {
	l := series(t, grid(500000, 7000000), grid(500030, 6999970))
	res, err := Run(context.Background(), l, Options{Ratios: []float64{1, 0.5}})
	require.NoError(t, err)
	require.Len(t, res.Ratios, 2)
	assert.Empty(t, res.Warnings)

	assert.InDelta(t, 18*pixelArea, res.UnionArea, 1e-6)
	assert.InDelta(t, 6*pixelArea, res.StrictArea, 1e-6)
	full, half := res.Ratios[0], res.Ratios[1]
	assert.InDelta(t, res.StrictArea, full.AreaM2, 1e-6)
	assert.InDelta(t, 12*pixelArea, half.AreaM2, 1e-6)
	assert.LessOrEqual(t, res.StrictArea, full.AreaM2+1e-6)
	assert.LessOrEqual(t, full.AreaM2, half.AreaM2)
	assert.LessOrEqual(t, half.AreaM2, res.UnionArea)

	union, err := vector.ReadShapefile(res.UnionPath)
	require.NoError(t, err)
	assert.InDelta(t, res.UnionArea, union.Area(), 1e-6)
	strict, err := vector.ReadShapefile(res.StrictPath)
	require.NoError(t, err)
	assert.InDelta(t, res.StrictArea, strict.Area(), 1e-6)

	layer, err := vector.ReadShapefile(full.LayerPath)
	require.NoError(t, err)
	assert.InDelta(t, full.AreaM2, layer.Area(), 1e-6)
	assert.Equal(t, l.RatioStem(1)+".shp", full.LayerPath)

	mask, err := raster.Read(full.MaskPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 1, 1, 1,
		0, 1, 1, 1,
	}, mask.Bands[0])

	path, ok := res.RatioMask(0.5)
	assert.True(t, ok)
	assert.Equal(t, half.MaskPath, path)
}

func TestRunInsufficientCoverage(t *testing.T) {
	l := series(t, grid(500000, 7000000), grid(600000, 7000000))
	res, err := Run(context.Background(), l, Options{Ratios: []float64{1}})
	require.NoError(t, err)
	assert.Zero(t, res.StrictArea)
	require.Len(t, res.Warnings, 1)
	assert.True(t, types.IsWarning(res.Warnings[0]))
	var w *types.CoverageInsufficientWarning
	require.True(t, errors.As(res.Warnings[0], &w))
	assert.Equal(t, 1.0, w.Ratio)
	assert.InDelta(t, 24*pixelArea, res.UnionArea, 1e-6)
}

func TestRunPerInputMasks(t *testing.T) {
	l := series(t, grid(500000, 7000000), grid(500030, 6999970))
	res, err := Run(context.Background(), l, Options{SavePerInputMasks: true})
	require.NoError(t, err)
	require.Len(t, res.MaskPaths, 2)
	assert.Empty(t, res.Ratios)

	second, err := raster.Read(res.MaskPaths[1])
	require.NoError(t, err)
	assert.Equal(t, 6, int(sum(second.Bands[0])))
	assert.Contains(t, res.MaskPaths[0], "_valid_mask.img")
}

func sum(v []float32) float32 {
	var s float32
	for _, x := range v {
		s += x
	}
	return s
}

func TestRunIdempotent(t *testing.T) {
	l := series(t, grid(500000, 7000000), grid(500030, 6999970))
	_, err := Run(context.Background(), l, Options{Ratios: []float64{0.9}})
	require.NoError(t, err)
	info, err := os.Stat(l.UnionPath())
	require.NoError(t, err)

	again, err := Run(context.Background(), l, Options{Ratios: []float64{0.9}})
	require.NoError(t, err)
	assert.True(t, again.Ratios[0].Skipped)
	after, err := os.Stat(l.UnionPath())
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())

	forced, err := Run(context.Background(), l, Options{Ratios: []float64{0.9}, Force: true})
	require.NoError(t, err)
	assert.False(t, forced.Ratios[0].Skipped)
}

func TestRunFallbackLayerName(t *testing.T) {
	l := series(t, grid(500000, 7000000))
	require.NoError(t, os.MkdirAll(l.RatioStem(0.95)+".shp", 0755))

	res, err := Run(context.Background(), l, Options{Ratios: []float64{0.95}})
	require.NoError(t, err)
	assert.Equal(t, l.RatioStem(0.95)+"_poly.shp", res.Ratios[0].LayerPath)
	got, ok := RatioLayerPath(l.RatioStem(0.95))
	assert.True(t, ok)
	assert.Contains(t, []string{l.RatioStem(0.95) + ".shp", res.Ratios[0].LayerPath}, got)
}

func TestRunErrors(t *testing.T) {
	l := tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})
	_, err := Run(context.Background(), l, Options{})
	var missing *types.MissingInputError
	assert.True(t, errors.As(err, &missing))

	_, err = Run(context.Background(), l, Options{Ratios: []float64{1.5}})
	assert.ErrorContains(t, err, "invalid presence ratio")
}
