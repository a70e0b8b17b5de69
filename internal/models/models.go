package models

import (
	"database/sql"
	"sort"
	"time"
)

// Quality is the USGS approval status of a single reading.
type Quality string

const (
	QualityApproved    Quality = "approved"
	QualityProvisional Quality = "provisional"
	QualityEstimated   Quality = "estimated"
)

// Valid reports whether q is one of the known approval codes.
func (q Quality) Valid() bool {
	switch q {
	case QualityApproved, QualityProvisional, QualityEstimated:
		return true
	}
	return false
}

// Source distinguishes the low-frequency historical feed from the real-time feed.
type Source string

const (
	SourceDaily   Source = "daily"   // USGS daily values, one mean per day
	SourceInstant Source = "instant" // USGS instantaneous values, typically 15-minute
)

// Observation is one discharge reading in cubic feet per second.
// At is always timezone-naive UTC; a zero At marks a reading whose timestamp
// could not be parsed upstream.
type Observation struct {
	At      time.Time
	Value   sql.NullFloat64
	Quality Quality
}

// RawSeries is a chronological run of observations for one station.
type RawSeries struct {
	StationID    string
	Source       Source
	Observations []Observation
}

// Len returns the number of observations, tolerating a nil series.
func (s *RawSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Observations)
}

// Normalize strips timezone information, orders observations chronologically
// and keeps the last observation for any repeated timestamp.
func (s *RawSeries) Normalize() {
	if s == nil || len(s.Observations) == 0 {
		return
	}

	for i := range s.Observations {
		if !s.Observations[i].At.IsZero() {
			s.Observations[i].At = NaiveUTC(s.Observations[i].At)
		}
	}

	sort.SliceStable(s.Observations, func(i, j int) bool {
		return s.Observations[i].At.Before(s.Observations[j].At)
	})

	out := s.Observations[:0]
	for _, obs := range s.Observations {
		n := len(out)
		if n > 0 && !obs.At.IsZero() && out[n-1].At.Equal(obs.At) {
			out[n-1] = obs
			continue
		}
		out = append(out, obs)
	}
	s.Observations = out
}

type WaterYearRecord struct {
	WaterYear      int
	DayOfWaterYear int
	Date           time.Time
	Value          float64
	Quality        Quality
	Source         Source
}

// AlignedTable holds water-year records sorted by (WaterYear, DayOfWaterYear).
// Dropped counts readings excluded during alignment as missing or malformed.
type AlignedTable struct {
	StationID string
	Records   []WaterYearRecord
	Dropped   int
}

// Len returns the number of records.
func (t AlignedTable) Len() int {
	return len(t.Records)
}

// WaterYears returns the distinct water years present, ascending.
func (t AlignedTable) WaterYears() []int {
	seen := make(map[int]bool)
	var years []int
	for _, r := range t.Records {
		if !seen[r.WaterYear] {
			seen[r.WaterYear] = true
			years = append(years, r.WaterYear)
		}
	}
	sort.Ints(years)
	return years
}

// Quantile is a single requested percentile value.
type Quantile struct {
	Percentile float64
	Value      float64
}

type DayStats struct {
	Day         int
	Mean        float64
	Median      float64
	P10         float64
	P25         float64
	P75         float64
	P90         float64
	Percentiles []Quantile
	SampleCount int
}

// StatisticSeries is ordered by Day and only contains days with at least one sample.
type StatisticSeries struct {
	StationID string
	Days      []DayStats
}

// Lookup returns the statistics for a day of water year.
func (s StatisticSeries) Lookup(day int) (DayStats, bool) {
	i := sort.Search(len(s.Days), func(i int) bool { return s.Days[i].Day >= day })
	if i < len(s.Days) && s.Days[i].Day == day {
		return s.Days[i], true
	}
	return DayStats{}, false
}

// NaiveUTC converts t to UTC and drops any location information.
func NaiveUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
}

// DateOf returns the calendar date of t as midnight UTC, keeping t's wall-clock date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
