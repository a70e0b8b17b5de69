// Package stats computes cross-year daily discharge statistics.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

// DefaultPercentiles are the bands drawn behind the current water year.
var DefaultPercentiles = []float64{10, 25, 50, 75, 90}

// Engine computes per-day-of-water-year statistics across every water year in a table.
type Engine struct {
	Percentiles []float64
}

// NewEngine returns an engine for the given percentiles, or DefaultPercentiles when none are given.
func NewEngine(percentiles []float64) *Engine {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}
	ps := append([]float64(nil), percentiles...)
	return &Engine{Percentiles: ps}
}

// Compute groups records by day of water year and summarizes each day.
// Days with no samples are omitted. Values are sorted before any arithmetic
// so repeated calls on the same table are bit-identical.
func (e *Engine) Compute(table models.AlignedTable) models.StatisticSeries {
	out := models.StatisticSeries{StationID: table.StationID}

	values := make(map[int][]float64)
	years := make(map[int]map[int]bool)
	for _, r := range table.Records {
		values[r.DayOfWaterYear] = append(values[r.DayOfWaterYear], r.Value)
		if years[r.DayOfWaterYear] == nil {
			years[r.DayOfWaterYear] = make(map[int]bool)
		}
		years[r.DayOfWaterYear][r.WaterYear] = true
	}

	days := make([]int, 0, len(values))
	for d := range values {
		days = append(days, d)
	}
	sort.Ints(days)

	percentiles := e.Percentiles
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}

	for _, d := range days {
		xs := values[d]
		sort.Float64s(xs)

		ds := models.DayStats{
			Day:         d,
			Mean:        stat.Mean(xs, nil),
			Median:      Percentile(xs, 50),
			P10:         Percentile(xs, 10),
			P25:         Percentile(xs, 25),
			P75:         Percentile(xs, 75),
			P90:         Percentile(xs, 90),
			SampleCount: len(years[d]),
		}
		ds.Percentiles = make([]models.Quantile, 0, len(percentiles))
		for _, p := range percentiles {
			ds.Percentiles = append(ds.Percentiles, models.Quantile{Percentile: p, Value: Percentile(xs, p)})
		}
		out.Days = append(out.Days, ds)
	}

	return out
}

// Percentile returns the p-th percentile (0..100) of sorted using linear
// interpolation between closest ranks: rank h = (n-1)*p/100.
// It returns NaN for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	h := float64(n-1) * p / 100
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}
