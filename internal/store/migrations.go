package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL,
    series TEXT NOT NULL DEFAULT 'daily',
    observed_at DATETIME NOT NULL,
    discharge REAL,
    quality TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(station_id, series, observed_at)
);

CREATE TABLE IF NOT EXISTS series_cache (
    station_id TEXT NOT NULL,
    series TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    payload BLOB NOT NULL,
    observation_count INTEGER NOT NULL DEFAULT 0,
    last_written DATETIME NOT NULL,
    PRIMARY KEY (station_id, series, start_date, end_date)
);

CREATE INDEX IF NOT EXISTS idx_obs_station_time ON observations(station_id, series, observed_at);
`,
	},
	{
		Version:     2,
		Description: "Add fetch_runs table for upstream fetch auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS fetch_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    series TEXT NOT NULL,
    station_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    records_fetched INTEGER,
    records_flagged INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_fetch_runs_started ON fetch_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_fetch_runs_station ON fetch_runs(station_id, started_at);
`,
	},
}

// Migrate brings the schema up to the latest version. Each pending
// migration runs in its own transaction together with its bookkeeping row.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		s.log.Infow("applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	return nil
}

// MigrationVersion returns the highest applied version, 0 for a fresh database.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
