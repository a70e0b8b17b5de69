package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
)

// Local serves observations already loaded into the observations table by an
// external ingestion job.
type Local struct {
	store  *store.Store
	series models.Source
}

func NewLocal(s *store.Store, series models.Source) *Local {
	return &Local{store: s, series: series}
}

// Fetch returns readings from the start of start's day through the end of
// end's day.
func (l *Local) Fetch(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, error) {
	from := models.DateOf(start)
	to := models.DateOf(end).AddDate(0, 0, 1)

	obs, err := l.store.GetObservations(ctx, stationID, l.series, from, to)
	if err != nil {
		return nil, fmt.Errorf("read observations for %s: %w", stationID, err)
	}

	series := &models.RawSeries{StationID: stationID, Source: l.series, Observations: obs}
	series.Normalize()
	return series, nil
}
