package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

// DateLayout is the ISO-8601 date format used in cache keys.
const DateLayout = "2006-01-02"

type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func New(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, log: logger.Named("store")}
}

// CacheKey identifies one cached series window.
type CacheKey struct {
	StationID string
	Series    models.Source
	Start     time.Time
	End       time.Time
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s..%s", k.StationID, k.Series, k.Start.Format(DateLayout), k.End.Format(DateLayout))
}

// CacheRow is a stored series blob and the time it was last written.
type CacheRow struct {
	Key              CacheKey
	Payload          []byte
	ObservationCount int
	LastWritten      time.Time
}

// PutSeriesBlob stores payload under key, replacing any previous value.
func (s *Store) PutSeriesBlob(ctx context.Context, key CacheKey, payload []byte, count int, writtenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO series_cache (station_id, series, start_date, end_date, payload, observation_count, last_written)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, series, start_date, end_date) DO UPDATE SET
			payload = excluded.payload,
			observation_count = excluded.observation_count,
			last_written = excluded.last_written
	`, key.StationID, string(key.Series), key.Start.Format(DateLayout), key.End.Format(DateLayout), payload, count, writtenAt.UTC())
	return err
}

// GetSeriesBlob returns the row stored under key, or nil if there is none.
// Staleness is the caller's decision.
func (s *Store) GetSeriesBlob(ctx context.Context, key CacheKey) (*CacheRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, observation_count, last_written
		FROM series_cache
		WHERE station_id = ? AND series = ? AND start_date = ? AND end_date = ?
	`, key.StationID, string(key.Series), key.Start.Format(DateLayout), key.End.Format(DateLayout))

	r := CacheRow{Key: key}
	err := row.Scan(&r.Payload, &r.ObservationCount, &r.LastWritten)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.LastWritten = r.LastWritten.UTC()
	return &r, nil
}

// DeleteSeriesBlobs removes every cached window for a station.
func (s *Store) DeleteSeriesBlobs(ctx context.Context, stationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM series_cache WHERE station_id = ?`, stationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSeriesBlobs returns the number of cached windows for a station, stale or not.
func (s *Store) CountSeriesBlobs(ctx context.Context, stationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM series_cache WHERE station_id = ?`, stationID).Scan(&n)
	return n, err
}

// InsertObservations writes readings for a station in one transaction.
// A repeated timestamp replaces the earlier reading.
func (s *Store) InsertObservations(ctx context.Context, stationID string, series models.Source, observations []models.Observation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (station_id, series, observed_at, discharge, quality)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id, series, observed_at) DO UPDATE SET
			discharge = excluded.discharge,
			quality = excluded.quality
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, obs := range observations {
		if obs.At.IsZero() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, stationID, string(series), models.NaiveUTC(obs.At), obs.Value, string(obs.Quality)); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert observation %s: %w", obs.At.Format(time.RFC3339), err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetObservations returns readings with start <= observed_at < end in chronological order.
func (s *Store) GetObservations(ctx context.Context, stationID string, series models.Source, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observed_at, discharge, quality
		FROM observations
		WHERE station_id = ? AND series = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`, stationID, string(series), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var obs models.Observation
		var quality sql.NullString
		if err := rows.Scan(&obs.At, &obs.Value, &quality); err != nil {
			return nil, err
		}
		obs.At = models.NaiveUTC(obs.At)
		obs.Quality = models.Quality(quality.String)
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}
