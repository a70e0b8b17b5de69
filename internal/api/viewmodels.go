package api

import (
	"time"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/query"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/wateryear"
)

// SeriesResponse is the chart payload for one station. DataAbsent is set
// when the station has no readings in range, which is a valid empty chart
// rather than an error.
type SeriesResponse struct {
	StationID  string         `json:"station_id"`
	Start      string         `json:"start"`
	End        string         `json:"end"`
	WaterYear  int            `json:"water_year"`
	DataAbsent bool           `json:"data_absent"`
	Dropped    int            `json:"dropped"`
	Records    []RecordView   `json:"records"`
	Stats      []DayStatsView `json:"stats"`
	Ticks      TicksView      `json:"ticks"`
}

type RecordView struct {
	WaterYear int     `json:"water_year"`
	Day       int     `json:"day"`
	Date      string  `json:"date"`
	Value     float64 `json:"value"`
	Quality   string  `json:"quality,omitempty"`
	Source    string  `json:"source"`
}

type QuantileView struct {
	Percentile float64 `json:"p"`
	Value      float64 `json:"value"`
}

type DayStatsView struct {
	Day         int            `json:"day"`
	Mean        float64        `json:"mean"`
	Median      float64        `json:"median"`
	P10         float64        `json:"p10"`
	P25         float64        `json:"p25"`
	P75         float64        `json:"p75"`
	P90         float64        `json:"p90"`
	Percentiles []QuantileView `json:"percentiles,omitempty"`
	SampleCount int            `json:"sample_count"`
}

type TicksView struct {
	Values []int    `json:"values"`
	Short  []string `json:"short"`
	Long   []string `json:"long"`
}

type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthStatus struct {
	Status       string                     `json:"status"`
	Fetches      []store.FetchHealthSummary `json:"fetches"`
	RecentErrors []FetchErrorView           `json:"recent_errors,omitempty"`
}

type FetchErrorView struct {
	StationID string    `json:"station_id"`
	Series    string    `json:"series"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error"`
}

func newSeriesResponse(stationID string, start, end time.Time, res *query.Result, cal wateryear.Calendar) SeriesResponse {
	resp := SeriesResponse{
		StationID:  stationID,
		Start:      start.Format(store.DateLayout),
		End:        end.Format(store.DateLayout),
		WaterYear:  res.WaterYear,
		DataAbsent: res.DataAbsent(),
		Dropped:    res.Table.Dropped,
		Records:    make([]RecordView, 0, res.Table.Len()),
		Stats:      make([]DayStatsView, 0, len(res.Stats.Days)),
	}

	for _, r := range res.Table.Records {
		resp.Records = append(resp.Records, RecordView{
			WaterYear: r.WaterYear,
			Day:       r.DayOfWaterYear,
			Date:      r.Date.Format(store.DateLayout),
			Value:     r.Value,
			Quality:   string(r.Quality),
			Source:    string(r.Source),
		})
	}

	maxDay := 0
	for _, d := range res.Stats.Days {
		resp.Stats = append(resp.Stats, dayStatsView(d))
		maxDay = max(maxDay, d.Day)
	}
	for _, r := range res.Table.Records {
		maxDay = max(maxDay, r.DayOfWaterYear)
	}
	if maxDay == 0 {
		maxDay = 366
	}

	ticks := cal.AxisTicks(maxDay)
	resp.Ticks = TicksView{Values: ticks.Values, Short: ticks.Short, Long: ticks.Long}
	return resp
}

func dayStatsView(d models.DayStats) DayStatsView {
	v := DayStatsView{
		Day:         d.Day,
		Mean:        d.Mean,
		Median:      d.Median,
		P10:         d.P10,
		P25:         d.P25,
		P75:         d.P75,
		P90:         d.P90,
		SampleCount: d.SampleCount,
	}
	for _, q := range d.Percentiles {
		v.Percentiles = append(v.Percentiles, QuantileView{Percentile: q.Percentile, Value: q.Value})
	}
	return v
}
