package vector

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
)

// MultiPolygon folds parts into one geometry.
func MultiPolygon(parts []*geom.Polygon) (*geom.MultiPolygon, error) {
	mp := geom.NewMultiPolygon(geom.XY)
	for _, p := range parts {
		if err := mp.Push(p); err != nil {
			return nil, err
		}
	}
	return mp, nil
}

// MarshalWKT renders parts as a MULTIPOLYGON.
func MarshalWKT(parts []*geom.Polygon) (string, error) {
	mp, err := MultiPolygon(parts)
	if err != nil {
		return "", err
	}
	return wkt.Marshal(mp)
}

// EncodeGeoJSON renders a layer as a FeatureCollection in the layer's own CRS.
func EncodeGeoJSON(layer *Layer) ([]byte, error) {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(layer.Features))}
	for i, f := range layer.Features {
		var g geom.T
		if len(f.Polygons) == 1 {
			g = f.Polygons[0]
		} else {
			mp, err := MultiPolygon(f.Polygons)
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			g = mp
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         strconv.Itoa(i),
			Geometry:   g,
			Properties: f.Attrs,
		})
	}
	return json.Marshal(fc)
}

// WriteGeoJSON atomically writes a layer as GeoJSON.
func WriteGeoJSON(path string, layer *Layer) error {
	data, err := EncodeGeoJSON(layer)
	if err != nil {
		return fmt.Errorf("failed to encode geojson: %w", err)
	}
	return fsutil.WriteFile(path, data, 0644)
}
