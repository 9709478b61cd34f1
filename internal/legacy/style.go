package legacy

import (
	"fmt"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/raster"
)

// InterpretationBands names the dlj bands in order.
var InterpretationBands = []string{"spectral_index", "s_test", "combined_index", "clearing_probability"}

var clearingColors = map[int]raster.Color{
	34: {R: 255, G: 255, B: 0, A: 255},
	35: {R: 255, G: 200, B: 0, A: 255},
	36: {R: 255, G: 150, B: 0, A: 255},
	37: {R: 255, G: 100, B: 0, A: 255},
	38: {R: 255, G: 0, B: 0, A: 255},
	39: {R: 180, G: 0, B: 0, A: 255},
}

// ClassPalette is the class lookup of the change raster: transparent nodata,
// a grey ramp for other values, and yellow to dark red for clearing classes.
func ClassPalette() *raster.Palette {
	p := &raster.Palette{Colors: map[int]raster.Color{}, Names: map[int]string{}}
	p.Colors[0] = raster.Color{}
	for i := 1; i < 256; i++ {
		v := uint8(255 * i / 40)
		if i >= 40 {
			v = uint8(i)
		}
		if i < 34 || i >= 40 {
			p.Colors[i] = raster.Color{R: v, G: v, B: v, A: 255}
		}
	}
	for k, c := range clearingColors {
		p.Colors[k] = c
	}
	p.Names[ClassNull] = "no data"
	p.Names[ClassRegrowth] = "regrowth"
	p.Names[ClassNoChange] = "no clearing"
	for k := 34; k <= 39; k++ {
		p.Names[k] = fmt.Sprintf("clearing %d", k)
	}
	return p
}

// Style re-attaches the class palette to the dll header and band names to the
// dlj header. Pixel data is left untouched.
func Style(dllPath, dljPath string) error {
	dll, err := raster.ReadHeader(dllPath)
	if err != nil {
		return fmt.Errorf("failed to read class raster header: %w", err)
	}
	dll.Palette = ClassPalette()
	dll.BandNames = []string{"change_class"}
	if err := raster.WriteHeader(dllPath, dll); err != nil {
		return fmt.Errorf("failed to style %s: %w", dllPath, err)
	}

	dlj, err := raster.ReadHeader(dljPath)
	if err != nil {
		return fmt.Errorf("failed to read interpretation header: %w", err)
	}
	names := make([]string, dlj.Bands)
	for i := range names {
		if i < len(InterpretationBands) {
			names[i] = InterpretationBands[i]
		} else {
			names[i] = fmt.Sprintf("band_%d", i+1)
		}
	}
	dlj.BandNames = names
	if err := raster.WriteHeader(dljPath, dlj); err != nil {
		return fmt.Errorf("failed to style %s: %w", dljPath, err)
	}
	logging.Legacy("Styled %s and %s", dllPath, dljPath)
	return nil
}
