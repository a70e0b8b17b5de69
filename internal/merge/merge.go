// Package merge combines historical and real-time aligned series for presentation.
package merge

import (
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/align"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

// Merge overlays recent records for currentWY onto historical.
//
// Any historical record in currentWY whose day also appears in the recent data
// is replaced outright by the recent record; values are never averaged. Recent
// records outside currentWY are ignored. With nothing to overlay the historical
// table is returned unchanged.
func Merge(historical, recent models.AlignedTable, currentWY int) models.AlignedTable {
	var overlay []models.WaterYearRecord
	days := make(map[int]bool)
	for _, r := range recent.Records {
		if r.WaterYear != currentWY {
			continue
		}
		overlay = append(overlay, r)
		days[r.DayOfWaterYear] = true
	}
	if len(overlay) == 0 {
		return historical
	}

	out := models.AlignedTable{
		StationID: historical.StationID,
		Dropped:   historical.Dropped + recent.Dropped,
		Records:   make([]models.WaterYearRecord, 0, len(historical.Records)+len(overlay)),
	}
	if out.StationID == "" {
		out.StationID = recent.StationID
	}

	for _, r := range historical.Records {
		if r.WaterYear == currentWY && days[r.DayOfWaterYear] {
			continue
		}
		out.Records = append(out.Records, r)
	}
	out.Records = append(out.Records, overlay...)

	align.Sort(out.Records)
	return out
}
