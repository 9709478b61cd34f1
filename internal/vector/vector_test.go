package vector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
)

func testGrid(cols, rows int) raster.Grid {
	return raster.Grid{
		Cols:         cols,
		Rows:         rows,
		GeoTransform: [6]float64{500000, 30, 0, 7000000, 0, -30},
		MapInfo:      "UTM|55|South|WGS-84|units=Meters",
	}
}

// maskOf parses rows of '#' (set) and '.' (clear).
func maskOf(rows ...string) ([]bool, raster.Grid) {
	g := testGrid(len(rows[0]), len(rows))
	mask := make([]bool, 0, g.Size())
	for _, r := range rows {
		for _, c := range r {
			mask = append(mask, c == '#')
		}
	}
	return mask, g
}

func TestLabel(t *testing.T) {
	tests := []struct {
		name string
		rows []string
		want int
	}{
		{"empty", []string{"...", "..."}, 0},
		{"diagonal pixels stay apart", []string{"#.", ".#"}, 2},
		{"single column", []string{"#", "#", "#"}, 1},
		{"ring", []string{"###", "#.#", "###"}, 1},
		{"two blobs", []string{"##..#", "##..#"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, g := maskOf(tt.rows...)
			_, n := Label(mask, g.Cols, g.Rows)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestPolygonizeSinglePixel(t *testing.T) {
	mask, g := maskOf("...", ".#.", "...")
	polys := PolygonizeGrid(mask, g)
	require.Len(t, polys, 1)
	assert.Equal(t, 1, polys[0].NumLinearRings())
	assert.Len(t, polys[0].LinearRing(0).Coords(), 5)
	assert.InDelta(t, 900.0, Area(polys[0]), 1e-6)
}

func TestPolygonizeMergesCollinearVertices(t *testing.T) {
	mask, g := maskOf("####")
	polys := PolygonizeGrid(mask, g)
	require.Len(t, polys, 1)
	assert.Len(t, polys[0].LinearRing(0).Coords(), 5)
	assert.InDelta(t, 4*900.0, Area(polys[0]), 1e-6)
}

func TestPolygonizeHole(t *testing.T) {
	mask, g := maskOf("###", "#.#", "###")
	polys := PolygonizeGrid(mask, g)
	require.Len(t, polys, 1)
	assert.Equal(t, 2, polys[0].NumLinearRings())
	assert.InDelta(t, 8*900.0, Area(polys[0]), 1e-6)
}

func TestPolygonizeDiagonalPixels(t *testing.T) {
	mask, g := maskOf("#.", ".#")
	polys := PolygonizeGrid(mask, g)
	require.Len(t, polys, 2)
	for _, p := range polys {
		assert.InDelta(t, 900.0, Area(p), 1e-6)
	}
}

func TestRasterizeRoundTrip(t *testing.T) {
	mask, g := maskOf(
		"##...#..",
		"##..###.",
		"....#.#.",
		".#..###.",
		"#.#.....",
		".#..####",
	)
	got := Rasterize(PolygonizeGrid(mask, g), g)
	if diff := cmp.Diff(mask, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Count(mask), Count(got))
}

func TestAnd(t *testing.T) {
	assert.Equal(t, []bool{true, false, false}, And([]bool{true, true, false}, []bool{true, false, true}))
}

func TestShapefileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p094r076_d2023072020240831_thr_34.shp")

	mask, g := maskOf("###.", "#.#.", "###.", "...#")
	layer := &Layer{Fields: AreaFields(), Projection: ProjectionWKT(g)}
	for _, p := range PolygonizeGrid(mask, g) {
		layer.Features = append(layer.Features, AreaFeature(p, 34))
	}
	require.NoError(t, WriteShapefile(path, layer))

	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		assert.FileExists(t, strings.TrimSuffix(path, ".shp")+ext)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover %s", e.Name())
		assert.False(t, strings.HasSuffix(e.Name(), "dbf") && !strings.HasSuffix(e.Name(), ".dbf"), "misnamed %s", e.Name())
	}

	got, err := ReadShapefile(path)
	require.NoError(t, err)
	require.Len(t, got.Features, 2)
	assert.Equal(t, []string{"thr", "area_m2", "area_ha"}, fieldNames(got.Fields))
	assert.Contains(t, got.Projection, "UTM_Zone_55S")

	first := got.Features[0]
	require.Len(t, first.Polygons, 1)
	assert.Equal(t, 2, first.Polygons[0].NumLinearRings())
	assert.Equal(t, 34, first.Attrs["thr"])
	assert.InDelta(t, 7200.0, first.Attrs["area_m2"], 1e-3)
	assert.InDelta(t, 0.72, first.Attrs["area_ha"], 1e-4)
	assert.InDelta(t, 8*900.0+900.0, got.Area(), 1e-6)

	// round trip through the file keeps the pixels
	assert.Equal(t, mask, Rasterize(got.Polygons(), g))

	layers, err := ListLayers(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, layers)
	assert.Len(t, LayerFiles(path), 4)
}

func TestShapefileEmptyLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.shp")
	require.NoError(t, WriteShapefile(path, &Layer{Fields: AreaFields()}))

	got, err := ReadShapefile(path)
	require.NoError(t, err)
	assert.Empty(t, got.Features)
	assert.Empty(t, got.Projection)
}

func TestWriteShapefileRejectsExtension(t *testing.T) {
	assert.Error(t, WriteShapefile(filepath.Join(t.TempDir(), "x.gpkg"), &Layer{}))
}

func fieldNames(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

func TestEncodeGeoJSON(t *testing.T) {
	mask, g := maskOf("#.#")
	polys := PolygonizeGrid(mask, g)
	layer := &Layer{Features: []Feature{
		{Polygons: polys, Attrs: map[string]interface{}{"thr": 35}},
		AreaFeature(polys[0], 36),
	}}
	data, err := EncodeGeoJSON(layer)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"FeatureCollection"`)
	assert.Contains(t, s, `"MultiPolygon"`)
	assert.Contains(t, s, `"Polygon"`)
	assert.Contains(t, s, `"thr":36`)

	path := filepath.Join(t.TempDir(), "out.geojson")
	require.NoError(t, WriteGeoJSON(path, layer))
	assert.FileExists(t, path)
}

func TestMarshalWKT(t *testing.T) {
	p := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}})
	s, err := MarshalWKT([]*geom.Polygon{p})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, "MULTIPOLYGON"), s)
}

func TestProjectionWKT(t *testing.T) {
	g := testGrid(1, 1)
	w := ProjectionWKT(g)
	assert.Contains(t, w, `PARAMETER["Central_Meridian",147.0]`)
	assert.Contains(t, w, `PARAMETER["False_Northing",10000000.0]`)
	assert.Contains(t, w, `SPHEROID["WGS_1984",6378137.0,298.257223563]`)

	g.Projection = "LOCAL_CS[\"x\"]"
	assert.Equal(t, g.Projection, ProjectionWKT(g))

	assert.Empty(t, ProjectionWKT(raster.Grid{MapInfo: "Geographic Lat/Lon|WGS-84"}))
}
