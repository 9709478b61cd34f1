package vector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
)

type datum struct {
	gcs, name, spheroid string
	a, invf             float64
}

var datums = map[string]datum{
	"WGS-84": {"GCS_WGS_1984", "D_WGS_1984", "WGS_1984", 6378137.0, 298.257223563},
	"GDA94":  {"GCS_GDA_1994", "D_GDA_1994", "GRS_1980", 6378137.0, 298.257222101},
}

// ProjectionWKT returns the ESRI WKT for a grid's coordinate system: the stored
// projection string when present, else one derived from ENVI UTM map info.
// Unknown systems yield "".
func ProjectionWKT(g raster.Grid) string {
	if g.Projection != "" {
		return g.Projection
	}
	parts := strings.Split(g.MapInfo, "|")
	if len(parts) < 4 || !strings.EqualFold(parts[0], "UTM") {
		return ""
	}
	zone, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || zone < 1 || zone > 60 {
		return ""
	}
	south := strings.EqualFold(strings.TrimSpace(parts[2]), "South")
	d, ok := datums[strings.TrimSpace(parts[3])]
	if !ok {
		return ""
	}

	hemi, northing := "N", 0.0
	if south {
		hemi, northing = "S", 10000000.0
	}
	name := strings.TrimPrefix(d.gcs, "GCS_") + "_UTM_Zone_" + strconv.Itoa(zone) + hemi
	cm := float64(zone*6 - 183)
	return fmt.Sprintf(`PROJCS["%s",GEOGCS["%s",DATUM["%s",SPHEROID["%s",%s,%s]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],`+
		`PROJECTION["Transverse_Mercator"],PARAMETER["False_Easting",500000.0],PARAMETER["False_Northing",%s],`+
		`PARAMETER["Central_Meridian",%s],PARAMETER["Scale_Factor",0.9996],PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`,
		name, d.gcs, d.name, d.spheroid, ff(d.a), ff(d.invf), ff(northing), ff(cm))
}

func ff(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
