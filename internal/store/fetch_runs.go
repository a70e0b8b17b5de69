package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// FetchRun represents a single upstream fetch for auditing.
type FetchRun struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Source         string // "usgs", "sqlite"
	Series         string // "daily", "instant"
	StationID      string
	StartDate      string
	EndDate        string
	RecordsFetched sql.NullInt64
	RecordsFlagged sql.NullInt64 // Readings with quality flags (missing, negative, bad timestamp)
	Success        bool
	ErrorMessage   sql.NullString
}

// StartFetchRun creates a new fetch run record and returns it.
func (s *Store) StartFetchRun(ctx context.Context, source, series, stationID string, start, end time.Time) (*FetchRun, error) {
	run := &FetchRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Source:    source,
		Series:    series,
		StationID: stationID,
		StartDate: start.Format(DateLayout),
		EndDate:   end.Format(DateLayout),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_runs (id, started_at, source, series, station_id, start_date, end_date, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
	`, run.ID, run.StartedAt, run.Source, run.Series, run.StationID, run.StartDate, run.EndDate)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteFetchRun updates the fetch run with results.
func (s *Store) CompleteFetchRun(ctx context.Context, run *FetchRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE fetch_runs SET
			finished_at = ?,
			records_fetched = ?,
			records_flagged = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsFetched, run.RecordsFlagged, run.Success, run.ErrorMessage, run.ID)
	return err
}

// FetchHealthSummary represents a daily fetch health summary.
type FetchHealthSummary struct {
	Date         string
	Source       string
	Series       string
	TotalRuns    int
	SuccessRuns  int
	FailedRuns   int
	TotalRecords int64
	TotalFlagged int64
}

// GetFetchHealth returns fetch health summaries for the last N days.
func (s *Store) GetFetchHealth(ctx context.Context, days int) ([]FetchHealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			source,
			series,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_fetched), 0) as total_records,
			COALESCE(SUM(records_flagged), 0) as total_flagged
		FROM fetch_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, source, series
		ORDER BY date DESC, source, series
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchHealthSummary
	for rows.Next() {
		var h FetchHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.Series, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalRecords, &h.TotalFlagged); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentFetchErrors returns recent failed fetch runs.
func (s *Store) GetRecentFetchErrors(ctx context.Context, limit int) ([]FetchRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, source, series, station_id, start_date, end_date,
			   records_fetched, records_flagged, success, error_message
		FROM fetch_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchRun
	for rows.Next() {
		var r FetchRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Series,
			&r.StationID, &r.StartDate, &r.EndDate, &r.RecordsFetched, &r.RecordsFlagged,
			&r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
