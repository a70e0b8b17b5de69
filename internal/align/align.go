// Package align re-expresses raw discharge series in water-year coordinates.
package align

import (
	"math"
	"sort"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/wateryear"
)

// Align converts raw into an AlignedTable sorted by (water year, day of water year).
//
// Missing values, non-finite values and readings without a parseable timestamp
// are excluded and counted in Dropped. When several readings land on the same
// day the last one in input order wins; for a normalized series that is the
// latest reading, so sub-daily input collapses to one value per day.
func Align(cal wateryear.Calendar, raw *models.RawSeries) models.AlignedTable {
	table := models.AlignedTable{}
	if raw == nil {
		return table
	}
	table.StationID = raw.StationID

	type slot struct {
		wy, day int
	}
	index := make(map[slot]int, len(raw.Observations))
	records := make([]models.WaterYearRecord, 0, len(raw.Observations))

	for _, obs := range raw.Observations {
		if !usable(obs) {
			table.Dropped++
			continue
		}

		rec := models.WaterYearRecord{
			WaterYear:      cal.WaterYear(obs.At),
			DayOfWaterYear: cal.DayOfWaterYear(obs.At),
			Date:           models.DateOf(obs.At),
			Value:          obs.Value.Float64,
			Quality:        obs.Quality,
			Source:         raw.Source,
		}

		key := slot{rec.WaterYear, rec.DayOfWaterYear}
		if i, ok := index[key]; ok {
			records[i] = rec
			continue
		}
		index[key] = len(records)
		records = append(records, rec)
	}

	Sort(records)
	table.Records = records
	return table
}

// Sort orders records by water year then day of water year, preserving the
// relative order of equal keys.
func Sort(records []models.WaterYearRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].WaterYear != records[j].WaterYear {
			return records[i].WaterYear < records[j].WaterYear
		}
		return records[i].DayOfWaterYear < records[j].DayOfWaterYear
	})
}

func usable(obs models.Observation) bool {
	if obs.At.IsZero() || !obs.Value.Valid {
		return false
	}
	return !math.IsNaN(obs.Value.Float64) && !math.IsInf(obs.Value.Float64, 0)
}
