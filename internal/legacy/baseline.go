// Package legacy implements the seasonal-baseline change classifier: it
// normalizes a multi-year index series, compares the end-date signal with the
// baseline and the reflectance change, and assigns clearing classes.
package legacy

import (
	"math"
	"sort"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// Sample is one index raster of the series.
type Sample struct {
	Date tile.DateTag
	Path string
}

// SelectBaseline picks the baseline rasters: in the season window, on or
// before start, with year in [endYear-lookback+1, endYear], one per year (the
// one closest to the window end month-day). Fewer than two falls back to every
// in-window sample on or before start.
func SelectBaseline(samples []Sample, start, end tile.DateTag, w tile.SeasonWindow, lookback int) ([]Sample, error) {
	eligible := func(s Sample) bool {
		return !s.Date.After(start) && w.Contains(s.Date)
	}

	byYear := map[int][]Sample{}
	for _, s := range samples {
		y := s.Date.Year()
		if y < end.Year()-lookback+1 || y > end.Year() || !eligible(s) {
			continue
		}
		byYear[y] = append(byYear[y], s)
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	var out []Sample
	for _, y := range years {
		list := byYear[y]
		sort.SliceStable(list, func(i, j int) bool {
			di, dj := list[i].Date.MonthDay().Distance(w.End), list[j].Date.MonthDay().Distance(w.End)
			if di != dj {
				return di < dj
			}
			return list[i].Date.Before(list[j].Date)
		})
		out = append(out, list[0])
	}
	if len(out) >= 2 {
		return out, nil
	}

	out = out[:0]
	for _, s := range samples {
		if eligible(s) {
			out = append(out, s)
		}
	}
	sortSamples(out)
	if len(out) < 2 {
		return nil, &types.MissingInputError{
			What:     "baseline index rasters (need 2)",
			Date:     start.String(),
			Searched: []string{"window=" + w.String()},
		}
	}
	return out, nil
}

// PickSignal returns the sample dated target, else the in-window sample
// nearest to it (ties to the newer date).
func PickSignal(samples []Sample, target tile.DateTag, w tile.SeasonWindow) (Sample, bool) {
	var pool []tile.DateTag
	var idx []int
	for i, s := range samples {
		if s.Date.Equal(target) {
			return s, true
		}
		if w.Contains(s.Date) {
			pool = append(pool, s.Date)
			idx = append(idx, i)
		}
	}
	if len(pool) == 0 {
		return Sample{}, false
	}
	return samples[idx[tile.Nearest(target, pool)]], true
}

func sortSamples(s []Sample) {
	sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
}

// Normalise rescales valid (>0) pixels to 125 + 15·z, clipped to 1..255 and
// truncated; nodata stays 0.
func Normalise(raw []float32) []float32 {
	var sum, sumSq float64
	n := 0
	for _, v := range raw {
		if v > 0 {
			sum += float64(v)
			n++
		}
	}
	out := make([]float32, len(raw))
	if n == 0 {
		return out
	}
	mean := sum / float64(n)
	for _, v := range raw {
		if v > 0 {
			d := float64(v) - mean
			sumSq += d * d
		}
	}
	std := math.Sqrt(sumSq / float64(n))
	if std == 0 {
		std = 1
	}
	for i, v := range raw {
		if v <= 0 {
			continue
		}
		z := 125 + 15*(float64(v)-mean)/std
		out[i] = float32(math.Floor(clamp(z, 1, 255)))
	}
	return out
}

// Baseline holds per-pixel statistics of the normalized series.
type Baseline struct {
	Center    []float64 // mean, or median under the median policy
	Std       []float64 // population standard deviation
	StdErr    []float64 // Std/sqrt(n), 0 when n == 1
	Slope     []float64 // per decimal year
	Intercept []float64
	N         int
}

// Predict evaluates the trend line at decimal year t for pixel i.
func (b *Baseline) Predict(i int, t float64) float64 {
	return b.Intercept[i] + b.Slope[i]*t
}

// ComputeBaseline reduces normalized rasters (all the same length) dated by
// dates. The trend is a least-squares line over decimal years.
func ComputeBaseline(norm [][]float32, dates []tile.DateTag, statistic string) *Baseline {
	n := len(norm)
	size := len(norm[0])
	b := &Baseline{
		Center:    make([]float64, size),
		Std:       make([]float64, size),
		StdErr:    make([]float64, size),
		Slope:     make([]float64, size),
		Intercept: make([]float64, size),
		N:         n,
	}

	t := make([]float64, n)
	var tMean float64
	for k, d := range dates {
		t[k] = d.DecimalYear()
		tMean += t[k]
	}
	tMean /= float64(n)
	var denom float64
	for _, v := range t {
		denom += (v - tMean) * (v - tMean)
	}

	vals := make([]float64, n)
	for i := 0; i < size; i++ {
		var mean float64
		for k := 0; k < n; k++ {
			vals[k] = float64(norm[k][i])
			mean += vals[k]
		}
		mean /= float64(n)

		var ss, cov float64
		for k := 0; k < n; k++ {
			d := vals[k] - mean
			ss += d * d
			cov += (t[k] - tMean) * d
		}
		std := math.Sqrt(ss / float64(n))
		b.Std[i] = std
		if n > 1 {
			b.StdErr[i] = std / math.Sqrt(float64(n))
		}
		if n > 1 && denom != 0 {
			b.Slope[i] = cov / denom
		}
		b.Intercept[i] = mean - b.Slope[i]*tMean

		if statistic == config.StatisticMedian {
			b.Center[i] = median(vals)
		} else {
			b.Center[i] = mean
		}
	}
	return b
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
