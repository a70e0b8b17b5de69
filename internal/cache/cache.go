// Package cache keeps fetched observation series on disk with a time-to-live.
package cache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/metrics"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
)

// Backend is the blob storage the cache sits on. *store.Store implements it.
type Backend interface {
	GetSeriesBlob(ctx context.Context, key store.CacheKey) (*store.CacheRow, error)
	PutSeriesBlob(ctx context.Context, key store.CacheKey, payload []byte, count int, writtenAt time.Time) error
	DeleteSeriesBlobs(ctx context.Context, stationID string) (int64, error)
}

// SeriesCache stores one kind of series (daily or instant) keyed by station
// and requested date range. Storage problems never surface to callers: a
// failed read is a miss and a failed write is logged and dropped.
type SeriesCache struct {
	backend Backend
	series  models.Source
	ttl     time.Duration
	clock   clockwork.Clock
	log     *zap.SugaredLogger
}

func New(backend Backend, series models.Source, ttl time.Duration, clock clockwork.Clock, logger *zap.SugaredLogger) *SeriesCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SeriesCache{
		backend: backend,
		series:  series,
		ttl:     ttl,
		clock:   clock,
		log:     logger.Named("cache").With("series", string(series)),
	}
}

func (c *SeriesCache) key(stationID string, start, end time.Time) store.CacheKey {
	return store.CacheKey{
		StationID: stationID,
		Series:    c.series,
		Start:     models.DateOf(start),
		End:       models.DateOf(end),
	}
}

// Get returns the cached series for the exact range, or false when there is
// no entry, the entry is older than the TTL, or it cannot be read.
func (c *SeriesCache) Get(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, bool) {
	key := c.key(stationID, start, end)

	row, err := c.backend.GetSeriesBlob(ctx, key)
	if err != nil {
		c.log.Warnw("cache read failed", "key", key.String(), "error", err)
		c.count("error")
		return nil, false
	}
	if row == nil {
		c.count("miss")
		return nil, false
	}

	age := c.clock.Since(row.LastWritten)
	if age > c.ttl {
		c.log.Debugw("cache entry stale", "key", key.String(), "age", age, "ttl", c.ttl)
		c.count("stale")
		return nil, false
	}

	series, err := decodeSeries(row.Payload)
	if err != nil {
		c.log.Warnw("cache payload unreadable", "key", key.String(), "error", err)
		c.count("error")
		return nil, false
	}
	if series.StationID == "" {
		series.StationID = stationID
	}

	c.count("hit")
	return series, true
}

// Put replaces the entry for the range with series and stamps it with the
// current time.
func (c *SeriesCache) Put(ctx context.Context, stationID string, start, end time.Time, series *models.RawSeries) {
	if series == nil {
		series = &models.RawSeries{StationID: stationID, Source: c.series}
	}
	key := c.key(stationID, start, end)

	payload, err := encodeSeries(series)
	if err != nil {
		c.log.Warnw("cache encode failed", "key", key.String(), "error", err)
		metrics.CacheWritesTotal.WithLabelValues(string(c.series), "error").Inc()
		return
	}

	if err := c.backend.PutSeriesBlob(ctx, key, payload, series.Len(), c.clock.Now().UTC()); err != nil {
		c.log.Warnw("cache write failed", "key", key.String(), "error", err)
		metrics.CacheWritesTotal.WithLabelValues(string(c.series), "error").Inc()
		return
	}
	metrics.CacheWritesTotal.WithLabelValues(string(c.series), "ok").Inc()
}

// Invalidate removes every cached range for the station, across all series.
func (c *SeriesCache) Invalidate(ctx context.Context, stationID string) error {
	n, err := c.backend.DeleteSeriesBlobs(ctx, stationID)
	if err != nil {
		return err
	}
	c.log.Infow("cache invalidated", "station", stationID, "entries", n)
	return nil
}

func (c *SeriesCache) count(result string) {
	metrics.CacheLookupsTotal.WithLabelValues(string(c.series), result).Inc()
}
