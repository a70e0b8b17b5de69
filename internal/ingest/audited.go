package ingest

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
)

type Fetcher interface {
	Fetch(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, error)
}

// RunRecorder persists fetch audit rows. *store.Store implements it.
type RunRecorder interface {
	StartFetchRun(ctx context.Context, source, series, stationID string, start, end time.Time) (*store.FetchRun, error)
	CompleteFetchRun(ctx context.Context, run *store.FetchRun) error
}

// Audited records every call to the wrapped fetcher in fetch_runs. Audit
// failures are logged and never change the fetch result.
type Audited struct {
	next   Fetcher
	runs   RunRecorder
	source string
	series models.Source
	log    *zap.SugaredLogger
}

func NewAudited(next Fetcher, runs RunRecorder, source string, series models.Source, logger *zap.SugaredLogger) *Audited {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Audited{
		next:   next,
		runs:   runs,
		source: source,
		series: series,
		log:    logger.Named("audit"),
	}
}

func (a *Audited) Fetch(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, error) {
	// The audit row is written even if the fetch context has already expired.
	auditCtx := context.WithoutCancel(ctx)

	run, err := a.runs.StartFetchRun(auditCtx, a.source, string(a.series), stationID, start, end)
	if err != nil {
		a.log.Warnw("start fetch run", "station", stationID, "error", err)
	}

	series, fetchErr := a.next.Fetch(ctx, stationID, start, end)

	if run != nil {
		run.Success = fetchErr == nil
		if fetchErr != nil {
			run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
		}
		if series != nil {
			flagged := 0
			for i := range series.Observations {
				if len(ValidateObservation(&series.Observations[i])) > 0 {
					flagged++
				}
			}
			run.RecordsFetched = sql.NullInt64{Int64: int64(series.Len()), Valid: true}
			run.RecordsFlagged = sql.NullInt64{Int64: int64(flagged), Valid: true}
		}
		if err := a.runs.CompleteFetchRun(auditCtx, run); err != nil {
			a.log.Warnw("complete fetch run", "station", stationID, "run", run.ID, "error", err)
		}
	}

	return series, fetchErr
}
