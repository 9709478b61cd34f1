package vector

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
)

// FieldKind is the attribute type of a layer field.
type FieldKind int

const (
	FieldInt FieldKind = iota
	FieldFloat
	FieldString
)

// Field is one attribute column.
type Field struct {
	Name string
	Kind FieldKind
}

// Standard fields carried by every polygon layer the pipeline writes.
var (
	FieldThreshold = Field{Name: "thr", Kind: FieldInt}
	FieldAreaM2    = Field{Name: "area_m2", Kind: FieldFloat}
	FieldAreaHa    = Field{Name: "area_ha", Kind: FieldFloat}
)

// AreaFields is the thr/area_m2/area_ha schema.
func AreaFields() []Field { return []Field{FieldThreshold, FieldAreaM2, FieldAreaHa} }

// Feature is one record: a (possibly multi-part) polygon plus attributes.
type Feature struct {
	Polygons []*geom.Polygon
	Attrs    map[string]interface{}
}

// Area is the total area of all parts.
func (f Feature) Area() float64 {
	var a float64
	for _, p := range f.Polygons {
		a += Area(p)
	}
	return a
}

// Area is the unsigned area of a polygon: shell minus holes, whatever the
// winding. geom.Polygon.Area is signed by orientation.
func Area(p *geom.Polygon) float64 {
	var a float64
	for i := 0; i < p.NumLinearRings(); i++ {
		r := math.Abs(ringArea(p.LinearRing(i).Coords()))
		if i == 0 {
			a += r
		} else {
			a -= r
		}
	}
	return a
}

// Layer is an in-memory polygon layer.
type Layer struct {
	Fields     []Field
	Features   []Feature
	Projection string // WKT written to the .prj sidecar when set
}

// Polygons flattens every part of every feature.
func (l *Layer) Polygons() []*geom.Polygon {
	var out []*geom.Polygon
	for _, f := range l.Features {
		out = append(out, f.Polygons...)
	}
	return out
}

// Area is the summed area of all features.
func (l *Layer) Area() float64 {
	var a float64
	for _, f := range l.Features {
		a += f.Area()
	}
	return a
}

// AreaFeature builds a single-part feature with thr/area_m2/area_ha attributes.
func AreaFeature(p *geom.Polygon, thr int) Feature {
	a := Area(p)
	return Feature{
		Polygons: []*geom.Polygon{p},
		Attrs: map[string]interface{}{
			FieldThreshold.Name: thr,
			FieldAreaM2.Name:    a,
			FieldAreaHa.Name:    a / 10000,
		},
	}
}

var sidecars = []string{".prj", ".dbf", ".shx"}

// WriteShapefile writes layer to path (.shp plus .shx/.dbf/.prj). Every file is
// staged under a temp name; sidecars are committed before the .shp so a visible
// .shp is always complete.
func WriteShapefile(path string, layer *Layer) error {
	if !strings.EqualFold(filepath.Ext(path), ".shp") {
		return fmt.Errorf("shapefile path must end in .shp: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := fsutil.TempSibling(path)
	stem, tmpStem := strings.TrimSuffix(path, filepath.Ext(path)), strings.TrimSuffix(tmp, filepath.Ext(tmp))
	var staged []string
	for _, ext := range append([]string{".shp", "dbf"}, sidecars...) {
		staged = append(staged, tmpStem+ext)
	}

	if err := writeShp(tmpStem+".shp", layer); err != nil {
		fsutil.Discard(staged...)
		return err
	}
	// go-shp v0.1.1 names the table <stem>dbf
	if fsutil.Exists(tmpStem + "dbf") {
		if err := os.Rename(tmpStem+"dbf", tmpStem+".dbf"); err != nil {
			fsutil.Discard(staged...)
			return fmt.Errorf("failed to stage attribute table: %w", err)
		}
	}
	if layer.Projection != "" {
		if err := os.WriteFile(tmpStem+".prj", []byte(layer.Projection), 0644); err != nil {
			fsutil.Discard(staged...)
			return fmt.Errorf("failed to write projection: %w", err)
		}
	}

	var pairs [][2]string
	for _, ext := range sidecars {
		if fsutil.Exists(tmpStem + ext) {
			pairs = append(pairs, [2]string{tmpStem + ext, stem + ext})
		}
	}
	pairs = append(pairs, [2]string{tmp, path})
	if err := fsutil.Commit(pairs...); err != nil {
		fsutil.Discard(staged...)
		return err
	}
	return nil
}

func writeShp(path string, layer *Layer) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("failed to create shapefile: %w", err)
	}
	defer w.Close()

	fields := make([]shp.Field, len(layer.Fields))
	for i, f := range layer.Fields {
		switch f.Kind {
		case FieldInt:
			fields[i] = shp.NumberField(f.Name, 10)
		case FieldFloat:
			fields[i] = shp.FloatField(f.Name, 24, 4)
		default:
			fields[i] = shp.StringField(f.Name, 80)
		}
	}
	if err := w.SetFields(fields); err != nil {
		return fmt.Errorf("failed to set shapefile fields: %w", err)
	}

	for _, feat := range layer.Features {
		var parts [][]shp.Point
		for _, p := range feat.Polygons {
			for i := 0; i < p.NumLinearRings(); i++ {
				// shapefile rings: shells clockwise, holes counter-clockwise
				parts = append(parts, shpRing(p.LinearRing(i).Coords(), i == 0))
			}
		}
		if len(parts) == 0 {
			continue
		}
		poly := shp.Polygon(*shp.NewPolyLine(parts))
		row := int(w.Write(&poly))
		for k, f := range layer.Fields {
			if err := w.WriteAttribute(row, k, attrValue(f, feat.Attrs[f.Name])); err != nil {
				return fmt.Errorf("failed to write attribute %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func shpRing(coords []geom.Coord, shell bool) []shp.Point {
	pts := make([]shp.Point, len(coords))
	for i, c := range coords {
		pts[i] = shp.Point{X: c[0], Y: c[1]}
	}
	if cw := ringArea(coords) < 0; cw != shell {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts
}

// ringArea is the signed shoelace area; counter-clockwise is positive.
func ringArea(coords []geom.Coord) float64 {
	var s float64
	for i := 0; i+1 < len(coords); i++ {
		s += coords[i][0]*coords[i+1][1] - coords[i+1][0]*coords[i][1]
	}
	return s / 2
}

func attrValue(f Field, v interface{}) interface{} {
	switch f.Kind {
	case FieldInt:
		switch n := v.(type) {
		case int:
			return n
		case int32:
			return int(n)
		case int64:
			return int(n)
		case float64:
			return int(math.Round(n))
		}
		return 0
	case FieldFloat:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
		return 0.0
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
}

// ReadShapefile loads a polygon layer. Rings are grouped into polygons by
// orientation: each clockwise ring starts a polygon and counter-clockwise rings
// become holes of the shell that contains them.
func ReadShapefile(path string) (*Layer, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile %s: %w", path, err)
	}
	defer r.Close()

	layer := &Layer{}
	if prj, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"); err == nil {
		layer.Projection = string(prj)
	}
	shpFields := r.Fields()
	for _, f := range shpFields {
		kind := FieldString
		switch f.Fieldtype {
		case 'N':
			kind = FieldInt
			if f.Precision > 0 {
				kind = FieldFloat
			}
		case 'F':
			kind = FieldFloat
		}
		layer.Fields = append(layer.Fields, Field{Name: f.String(), Kind: kind})
	}

	for r.Next() {
		n, s := r.Shape()
		poly, ok := s.(*shp.Polygon)
		if !ok {
			return nil, fmt.Errorf("%s: shape %d is %T, want polygon", path, n, s)
		}
		polys, err := assemble(poly)
		if err != nil {
			return nil, fmt.Errorf("%s: shape %d: %w", path, n, err)
		}
		attrs := make(map[string]interface{}, len(layer.Fields))
		for k, f := range layer.Fields {
			attrs[f.Name] = parseAttr(f.Kind, r.ReadAttribute(n, k))
		}
		layer.Features = append(layer.Features, Feature{Polygons: polys, Attrs: attrs})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return layer, nil
}

func parseAttr(kind FieldKind, raw string) interface{} {
	raw = strings.TrimSpace(raw)
	switch kind {
	case FieldInt:
		n, _ := strconv.Atoi(raw)
		return n
	case FieldFloat:
		f, _ := strconv.ParseFloat(raw, 64)
		return f
	}
	return raw
}

func assemble(p *shp.Polygon) ([]*geom.Polygon, error) {
	var shells, holes [][]geom.Coord
	for i := range p.Parts {
		start := int(p.Parts[i])
		end := len(p.Points)
		if i+1 < len(p.Parts) {
			end = int(p.Parts[i+1])
		}
		ring := make([]geom.Coord, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, geom.Coord{pt.X, pt.Y})
		}
		if len(ring) < 4 {
			continue
		}
		if ringArea(ring) < 0 {
			shells = append(shells, ring)
		} else {
			holes = append(holes, ring)
		}
	}
	if len(shells) == 0 {
		// wrongly wound file: treat every ring as a shell
		shells, holes = holes, nil
	}

	rings := make([][][]geom.Coord, len(shells))
	for i, s := range shells {
		rings[i] = [][]geom.Coord{s}
	}
	for _, h := range holes {
		owner := -1
		for i, s := range shells {
			if pointInRing(h[0], s) {
				// innermost containing shell wins
				if owner < 0 || math.Abs(ringArea(s)) < math.Abs(ringArea(shells[owner])) {
					owner = i
				}
			}
		}
		if owner >= 0 {
			rings[owner] = append(rings[owner], h)
		}
	}

	out := make([]*geom.Polygon, 0, len(rings))
	for _, rs := range rings {
		poly, err := geom.NewPolygon(geom.XY).SetCoords(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, poly)
	}
	return out, nil
}

// pointInRing is the even-odd test. Points on the boundary may go either way.
func pointInRing(pt geom.Coord, ring []geom.Coord) bool {
	x, y := pt[0], pt[1]
	in := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// ListLayers returns the .shp files of a directory in name order.
func ListLayers(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.EqualFold(filepath.Ext(name), ".shp") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// LayerFiles returns the shapefile and its existing sidecars.
func LayerFiles(path string) []string {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	out := []string{path}
	for _, ext := range sidecars {
		if fsutil.Exists(stem + ext) {
			out = append(out, stem+ext)
		}
	}
	return out
}
