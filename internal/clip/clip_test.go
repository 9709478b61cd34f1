package clip

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/vector"
)

var testGrid = raster.Grid{
	Cols:         6,
	Rows:         4,
	GeoTransform: [6]float64{500000, 30, 0, 7000000, 0, -30},
	MapInfo:      "UTM|55|South|WGS-84|units=Meters",
}

func shapes(rows ...string) []*geom.Polygon {
	mask := make([]bool, 0, testGrid.Size())
	for _, r := range rows {
		for _, c := range r {
			mask = append(mask, c == '#')
		}
	}
	return vector.PolygonizeGrid(mask, testGrid)
}

func cleanLayer() *vector.Layer {
	l := &vector.Layer{Fields: vector.AreaFields(), Projection: vector.ProjectionWKT(testGrid)}
	for _, p := range shapes("####..", "####..", "......", "......") {
		l.Features = append(l.Features, vector.AreaFeature(p, 36))
	}
	return l
}

func strictLayer() *vector.Layer {
	l := &vector.Layer{Fields: []vector.Field{{Name: "id", Kind: vector.FieldInt}}}
	for _, p := range shapes("..####", "..####", "..####", "..####") {
		l.Features = append(l.Features, vector.Feature{Polygons: []*geom.Polygon{p}, Attrs: map[string]interface{}{"id": 1}})
	}
	return l
}

type fixture struct {
	layout     tile.Layout
	start, end tile.DateTag
	classPath  string
}

func setup(t *testing.T) fixture {
	t.Helper()
	f := fixture{layout: tile.NewLayout(t.TempDir(), tile.Tile{Path: "094", Row: "076"})}
	f.start, _ = tile.ParseDate("20230720")
	f.end, _ = tile.ParseDate("20240805")
	f.classPath = f.layout.ClassPath(f.start, f.end)
	require.NoError(t, raster.Write(f.classPath, raster.New(testGrid, raster.Uint8, 1)))
	in := filepath.Join(f.layout.CleanDir(f.start, f.end, 1), tile.ThresholdLayerName(f.layout.Scene, f.start, f.end, 36))
	require.NoError(t, vector.WriteShapefile(in, cleanLayer()))
	return f
}

func TestClipLayer(t *testing.T) {
	mask := vector.Rasterize(strictLayer().Polygons(), testGrid)
	got := ClipLayer(cleanLayer(), mask, testGrid)
	require.Len(t, got.Features, 1)
	f := got.Features[0]
	assert.Equal(t, 36, f.Attrs["thr"])
	assert.InDelta(t, 3600, f.Attrs["area_m2"], 1e-6)
	assert.InDelta(t, 0.36, f.Attrs["area_ha"], 1e-9)
	assert.Equal(t, vector.AreaFields(), got.Fields)

	none := ClipLayer(cleanLayer(), make([]bool, testGrid.Size()), testGrid)
	assert.Empty(t, none.Features)
}

func TestClipLayerAddsAreaFields(t *testing.T) {
	in := &vector.Layer{Fields: []vector.Field{{Name: "class", Kind: vector.FieldInt}}}
	for _, p := range shapes("##....", "......", "......", "......") {
		in.Features = append(in.Features, vector.Feature{Polygons: []*geom.Polygon{p}, Attrs: map[string]interface{}{"class": 38}})
	}
	all := make([]bool, testGrid.Size())
	for i := range all {
		all[i] = true
	}
	got := ClipLayer(in, all, testGrid)
	assert.Len(t, got.Fields, 3)
	require.Len(t, got.Features, 1)
	assert.Equal(t, 38, got.Features[0].Attrs["class"])
	assert.InDelta(t, 1800, got.Features[0].Attrs["area_m2"], 1e-6)
}

func TestRunStrict(t *testing.T) {
	f := setup(t)
	require.NoError(t, vector.WriteShapefile(f.layout.StrictPath(), strictLayer()))

	res, err := Run(context.Background(), f.classPath, f.layout, f.start, f.end, 1,
		Options{Mode: Strict, MaskPath: f.layout.StrictPath(), GeoJSON: true})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, res.Layers, 1)
	assert.Equal(t, f.layout.ClipStrictDir(f.start, f.end, 1), filepath.Dir(res.Layers[0].Path))
	assert.InDelta(t, 0.36, res.Layers[0].AreaHa, 1e-9)

	got, err := vector.ReadShapefile(res.Layers[0].Path)
	require.NoError(t, err)
	assert.InDelta(t, 3600, got.Area(), 1e-6)

	data, err := os.ReadFile(strings.TrimSuffix(res.Layers[0].Path, ".shp") + ".geojson")
	require.NoError(t, err)
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 1)

	again, err := Run(context.Background(), f.classPath, f.layout, f.start, f.end, 1,
		Options{Mode: Strict, MaskPath: f.layout.StrictPath()})
	require.NoError(t, err)
	assert.True(t, again.Layers[0].Skipped)
}

func TestRunRatio(t *testing.T) {
	f := setup(t)
	maskPath := f.layout.RatioStem(0.9) + tile.RasterExt
	require.NoError(t, raster.Write(maskPath, &raster.Raster{
		Grid: testGrid, DataType: raster.Uint8, NoData: raster.NoDataValue(0),
		Bands: [][]float32{{
			1, 0, 0, 0, 0, 0,
			1, 0, 0, 0, 0, 0,
			1, 0, 0, 0, 0, 0,
			1, 0, 0, 0, 0, 0,
		}},
	}))

	res, err := Run(context.Background(), f.classPath, f.layout, f.start, f.end, 1, Options{Mode: Ratio, MaskPath: maskPath})
	require.NoError(t, err)
	require.Len(t, res.Layers, 1)
	assert.Equal(t, f.layout.ClipRatioDir(f.start, f.end, 1), res.Dir)
	assert.InDelta(t, 0.18, res.Layers[0].AreaHa, 1e-9)
}

func TestRunMissingMaskSkips(t *testing.T) {
	f := setup(t)
	res, err := Run(context.Background(), f.classPath, f.layout, f.start, f.end, 1,
		Options{Mode: Ratio, MaskPath: filepath.Join(f.layout.CoverageDir(), "nope.img")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Layers)
	_, err = os.Stat(res.Dir)
	assert.True(t, os.IsNotExist(err))
}
