// Package wateryear maps calendar dates onto hydrological water-year coordinates.
//
// A water year is labelled by the calendar year in which it ends. With the
// standard October start, 1999-11-01 falls in water year 2000 and is day 32.
package wateryear

import "time"

// Calendar converts dates to water-year coordinates for a fixed start month.
type Calendar struct {
	start time.Month
}

// Default is the USGS convention: water years begin on October 1.
var Default = New(time.October)

// New returns a calendar whose water years begin on the first of start.
// An out-of-range month falls back to October.
func New(start time.Month) Calendar {
	if start < time.January || start > time.December {
		start = time.October
	}
	return Calendar{start: start}
}

// StartMonth returns the month on which each water year begins.
func (c Calendar) StartMonth() time.Month {
	if c.start == 0 {
		return time.October
	}
	return c.start
}

// WaterYear returns the water year containing d.
func (c Calendar) WaterYear(d time.Time) int {
	start := c.StartMonth()
	if start != time.January && d.Month() >= start {
		return d.Year() + 1
	}
	return d.Year()
}

// Start returns the first day of water year wy as midnight UTC.
func (c Calendar) Start(wy int) time.Time {
	start := c.StartMonth()
	if start == time.January {
		return time.Date(wy, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(wy-1, start, 1, 0, 0, 0, 0, time.UTC)
}

// DayOfWaterYear returns the 1-based day offset of d within its water year, in 1..366.
// Only the calendar date of d is used; the time of day is ignored.
func (c Calendar) DayOfWaterYear(d time.Time) int {
	y, m, day := d.Date()
	date := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	return int(date.Sub(c.Start(c.WaterYear(d)))/(24*time.Hour)) + 1
}

// Date returns the calendar date for a day of water year. It is the inverse of
// DayOfWaterYear for days that exist in wy.
func (c Calendar) Date(wy, day int) time.Time {
	return c.Start(wy).AddDate(0, 0, day-1)
}

// Ticks describes axis tick positions for a day-of-water-year axis.
type Ticks struct {
	Values []int
	Short  []string
	Long   []string
}

// Month lengths use 29 days for February so every day of a leap year gets a slot.
// Tick placement is approximate in non-leap years after February; data values
// are unaffected.
var monthDays = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// AxisTicks returns a tick at the first day of each month, starting with the
// water-year start month, up to and including maxDay.
func (c Calendar) AxisTicks(maxDay int) Ticks {
	var t Ticks
	day := 1
	m := c.StartMonth()
	for i := 0; i < 12 && day <= maxDay; i++ {
		t.Values = append(t.Values, day)
		t.Short = append(t.Short, m.String()[:3])
		t.Long = append(t.Long, m.String())
		day += monthDays[m-1]
		m = m%12 + 1
	}
	return t
}
