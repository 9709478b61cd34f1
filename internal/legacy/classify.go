package legacy

import (
	"math"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
)

// Class values of the change raster.
const (
	ClassNull     = 0
	ClassRegrowth = 3
	ClassNoChange = 10
)

// Rule assigns Class where combined > Combined and, when set, sTest < STest
// and spectral < Spectral. Rules apply in order; later rules override.
type Rule struct {
	Class    int
	Combined float64
	STest    *float64
	Spectral *float64
}

func lt(v float64) *float64 { return &v }

// DefaultRules is the 34..39 clearing table.
func DefaultRules() []Rule {
	return []Rule{
		{Class: 34, Combined: 21.80},
		{Class: 35, Combined: 27.71, STest: lt(-0.27), Spectral: lt(-0.86)},
		{Class: 36, Combined: 33.40, STest: lt(-0.60), Spectral: lt(-1.19)},
		{Class: 37, Combined: 39.54, STest: lt(-1.01), Spectral: lt(-1.50)},
		{Class: 38, Combined: 47.05, STest: lt(-1.55), Spectral: lt(-1.84)},
		{Class: 39, Combined: 58.10, STest: lt(-2.34), Spectral: lt(-2.27)},
	}
}

// RulesFromConfig converts configured rules, falling back to DefaultRules.
func RulesFromConfig(in []config.ClassRule) []Rule {
	if len(in) == 0 {
		return DefaultRules()
	}
	out := make([]Rule, len(in))
	for i, r := range in {
		out[i] = Rule{Class: r.Class, Combined: r.Combined, STest: r.STest, Spectral: r.Spectral}
	}
	return out
}

func (r Rule) matches(combined, sTest, spectral float64) bool {
	if !(combined > r.Combined) {
		return false
	}
	if r.STest != nil && !(sTest < *r.STest) {
		return false
	}
	if r.Spectral != nil && !(spectral < *r.Spectral) {
		return false
	}
	return true
}

// spectral index weights for start bands B3, B4, B6, B7 then end bands
var (
	startWeights = [4]float64{0.77801094, 1.7713253, 2.0714311, 2.5403550}
	endWeights   = [4]float64{-0.2996241, -0.5447928, -2.2842536, -4.0177752}
	spectralBand = [4]int{1, 2, 4, 5}
)

// SpectralBands is the fewest reflectance bands the spectral index reads.
const SpectralBands = 6

// combined index weights
const (
	wSpectral = -11.972499
	wFpcDiff  = -0.40357223
	wTTest    = -5.2609715
	wSTest    = -4.3794265
)

// class thresholds outside the rule table
const (
	minStdErr          = 0.2
	regrowthTTest      = -1.70
	regrowthDiffStdErr = 740
	startFPCThreshold  = 108
)

// Inputs are the aligned per-pixel inputs of one classification.
type Inputs struct {
	RefStart, RefEnd [][]float32 // reflectance stacks, band-major
	StartRaw         []float32   // raw start index
	StartNorm        []float32
	EndNorm          []float32
	Baseline         *Baseline
	EndYear          float64 // decimal year of the end date
}

// Options toggles optional rules.
type Options struct {
	Rules                 []Rule
	OmitFPCStartThreshold bool
}

// Products are the classification rasters before encoding.
type Products struct {
	Class    []float32
	Spectral []float32
	STest    []float32
	TTest    []float32
	Combined []float32
}

// Classify derives the change indices and classes pixel by pixel.
func Classify(in Inputs, o Options) *Products {
	rules := o.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	size := len(in.EndNorm)
	p := &Products{
		Class:    make([]float32, size),
		Spectral: make([]float32, size),
		STest:    make([]float32, size),
		TTest:    make([]float32, size),
		Combined: make([]float32, size),
	}
	b := in.Baseline

	for i := 0; i < size; i++ {
		endN := float64(in.EndNorm[i])
		fpcDiff := endN - float64(in.StartNorm[i])
		fpcDiffStdErr := -fpcDiff * b.StdErr[i]

		var sTest, tTest float64
		if b.StdErr[i] >= minStdErr {
			sTest = (endN - b.Predict(i, in.EndYear)) / b.StdErr[i]
		}
		if b.Std[i] >= minStdErr {
			tTest = (endN - b.Center[i]) / b.Std[i]
		}

		var spectral float64
		for k, band := range spectralBand {
			spectral += startWeights[k]*math.Log1p(float64(in.RefStart[band][i])) +
				endWeights[k]*math.Log1p(float64(in.RefEnd[band][i]))
		}
		combined := wSpectral*spectral + wFpcDiff*fpcDiff + wTTest*tTest + wSTest*sTest

		class := ClassNoChange
		for _, r := range rules {
			if r.matches(combined, sTest, spectral) {
				class = r.Class
			}
		}
		if tTest > regrowthTTest && fpcDiffStdErr > regrowthDiffStdErr {
			class = ClassRegrowth
		}
		if !o.OmitFPCStartThreshold && in.StartRaw[i] < startFPCThreshold {
			class = ClassNoChange
		}
		if anyZero(in.RefStart, i) || anyZero(in.RefEnd, i) {
			class = ClassNull
		}

		p.Class[i] = float32(class)
		p.Spectral[i] = float32(spectral)
		p.STest[i] = float32(sTest)
		p.TTest[i] = float32(tTest)
		p.Combined[i] = float32(combined)
	}
	return p
}

func anyZero(bands [][]float32, i int) bool {
	for _, b := range bands {
		if b[i] == 0 {
			return true
		}
	}
	return false
}

// Interpretation returns the four dlj bands: stretched spectral index,
// stretched sTest, stretched combined index and clearing probability.
func (p *Products) Interpretation() [][]float32 {
	return [][]float32{
		stretchNonZero(p.Spectral, 2),
		stretchNonZero(p.STest, 10),
		stretchNonZero(p.Combined, 10),
		ClearingProbability(p.Combined),
	}
}

// stretchNonZero maps mean ± k·std of the non-zero values onto 1..255,
// truncating; zero (and NaN) input stays 0.
func stretchNonZero(v []float32, k float64) []float32 {
	var sum, sumSq float64
	n := 0
	for _, x := range v {
		if x != 0 && !isNaN(x) {
			sum += float64(x)
			n++
		}
	}
	mean, std := 0.0, 1.0
	if n > 0 {
		mean = sum / float64(n)
		for _, x := range v {
			if x != 0 && !isNaN(x) {
				d := float64(x) - mean
				sumSq += d * d
			}
		}
		if s := math.Sqrt(sumSq / float64(n)); s > 0 {
			std = s
		}
	}
	out := make([]float32, len(v))
	for i, x := range v {
		if x == 0 || isNaN(x) {
			continue
		}
		s := 1 + (float64(x)-mean+std*k)*254/(std*2*k)
		out[i] = float32(math.Floor(clamp(s, 1, 255)))
	}
	return out
}

// ClearingProbability is round(200·(1−exp(−(0.01227·c)^3.18975))) for c > 0, else 0.
func ClearingProbability(combined []float32) []float32 {
	out := make([]float32, len(combined))
	for i, c := range combined {
		if !(c > 0) {
			continue
		}
		v := 200 * (1 - math.Exp(-math.Pow(0.01227*float64(c), 3.18975)))
		out[i] = float32(math.Round(v))
	}
	return out
}

func isNaN(v float32) bool { return v != v }
