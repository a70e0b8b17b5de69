// Package query is the single entry point the presentation layer uses to read
// a station's water-year aligned series and its statistics.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/align"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/merge"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/metrics"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/stats"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/wateryear"
)

var (
	// ErrUpstreamFetch matches any *FetchError.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	// ErrInvalidRequest is returned for an empty station id or a start date after the end date.
	ErrInvalidRequest = errors.New("invalid request")
)

// FetchError reports that observations could not be fetched after every
// allowed attempt.
type FetchError struct {
	StationID string
	Series    models.Source
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: gave up after %d attempts: %v", e.Series, e.StationID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrUpstreamFetch }

// Fetcher retrieves raw observations for an inclusive date range. An empty
// series means no data; an error wrapped with backoff.Permanent is not retried.
// Fetchers should honour ctx; a call still running at the attempt deadline is
// abandoned.
type Fetcher interface {
	Fetch(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, error)
}

// SeriesCache never reports storage failures; they show up as misses.
type SeriesCache interface {
	Get(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, bool)
	Put(ctx context.Context, stationID string, start, end time.Time, series *models.RawSeries)
	Invalidate(ctx context.Context, stationID string) error
}

type Settings struct {
	FetchAttempts      int
	BackoffBase        time.Duration
	FetchTimeout       time.Duration
	RecentLookbackDays int
}

func DefaultSettings() Settings {
	return Settings{
		FetchAttempts:      3,
		BackoffBase:        500 * time.Millisecond,
		FetchTimeout:       30 * time.Second,
		RecentLookbackDays: 7,
	}
}

type Deps struct {
	HistoryCache   SeriesCache
	RecentCache    SeriesCache
	HistoryFetcher Fetcher
	RecentFetcher  Fetcher
	Calendar       wateryear.Calendar
	Stats          *stats.Engine
	Clock          clockwork.Clock
	Logger         *zap.SugaredLogger
}

type Service struct {
	history        SeriesCache
	recent         SeriesCache
	historyFetcher Fetcher
	recentFetcher  Fetcher
	cal            wateryear.Calendar
	stats          *stats.Engine
	clock          clockwork.Clock
	log            *zap.SugaredLogger
	settings       Settings
}

func New(deps Deps, settings Settings) *Service {
	def := DefaultSettings()
	if settings.FetchAttempts < 1 {
		settings.FetchAttempts = def.FetchAttempts
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = def.BackoffBase
	}
	if settings.FetchTimeout <= 0 {
		settings.FetchTimeout = def.FetchTimeout
	}
	if settings.RecentLookbackDays < 0 {
		settings.RecentLookbackDays = def.RecentLookbackDays
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewEngine(nil)
	}
	if deps.Calendar == (wateryear.Calendar{}) {
		deps.Calendar = wateryear.Default
	}
	if deps.RecentFetcher == nil {
		deps.RecentFetcher = deps.HistoryFetcher
	}

	return &Service{
		history:        deps.HistoryCache,
		recent:         deps.RecentCache,
		historyFetcher: deps.HistoryFetcher,
		recentFetcher:  deps.RecentFetcher,
		cal:            deps.Calendar,
		stats:          deps.Stats,
		clock:          deps.Clock,
		log:            deps.Logger.Named("query"),
		settings:       settings,
	}
}

// Result is what the presentation layer renders. WaterYear is the water year
// containing today, which the recent window was merged into.
type Result struct {
	Table     models.AlignedTable
	Stats     models.StatisticSeries
	WaterYear int
}

// DataAbsent reports whether the station had no usable readings in range.
func (r *Result) DataAbsent() bool {
	return r == nil || r.Table.Len() == 0
}

// GetStationSeries returns the aligned series for [start, end] with per-day
// statistics. With includeRecent the last few days of real-time readings
// replace the matching days of the current water year.
func (s *Service) GetStationSeries(ctx context.Context, stationID string, start, end time.Time, includeRecent bool) (result *Result, err error) {
	if stationID == "" {
		return nil, fmt.Errorf("%w: empty station id", ErrInvalidRequest)
	}
	start, end = models.DateOf(start), models.DateOf(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: start %s after end %s", ErrInvalidRequest, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	began := s.clock.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.QueryDuration.WithLabelValues(outcome).Observe(s.clock.Since(began).Seconds())
	}()

	raw, err := s.load(ctx, s.history, s.historyFetcher, models.SourceDaily, stationID, start, end)
	if err != nil {
		return nil, err
	}
	table := align.Align(s.cal, raw)
	table.StationID = stationID
	metrics.ReadingsDropped.WithLabelValues(string(models.SourceDaily)).Add(float64(table.Dropped))

	// Readings are naive UTC, so "today" must be the UTC date too.
	today := models.DateOf(models.NaiveUTC(s.clock.Now()))
	currentWY := s.cal.WaterYear(today)

	if includeRecent {
		from := today.AddDate(0, 0, -s.settings.RecentLookbackDays)
		recentRaw, err := s.load(ctx, s.recent, s.recentFetcher, models.SourceInstant, stationID, from, today)
		if err != nil {
			return nil, err
		}
		recentTable := align.Align(s.cal, recentRaw)
		recentTable.StationID = stationID
		metrics.ReadingsDropped.WithLabelValues(string(models.SourceInstant)).Add(float64(recentTable.Dropped))

		table = merge.Merge(table, recentTable, currentWY)
	}

	statistics := s.stats.Compute(table)
	statistics.StationID = stationID

	s.log.Debugw("station series ready",
		"station", stationID,
		"records", table.Len(),
		"dropped", table.Dropped,
		"days", len(statistics.Days),
	)

	return &Result{Table: table, Stats: statistics, WaterYear: currentWY}, nil
}

// InvalidateStation drops every cached range for the station so the next
// query refetches.
func (s *Service) InvalidateStation(ctx context.Context, stationID string) error {
	if stationID == "" {
		return fmt.Errorf("%w: empty station id", ErrInvalidRequest)
	}
	var errs []error
	if s.history != nil {
		errs = append(errs, s.history.Invalidate(ctx, stationID))
	}
	if s.recent != nil && s.recent != s.history {
		errs = append(errs, s.recent.Invalidate(ctx, stationID))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalidate %s: %w", stationID, err)
	}
	return nil
}

// load serves from cache when fresh, otherwise fetches with retries and
// writes the result through.
func (s *Service) load(ctx context.Context, cache SeriesCache, fetcher Fetcher, series models.Source, stationID string, start, end time.Time) (*models.RawSeries, error) {
	if cache != nil {
		if raw, ok := cache.Get(ctx, stationID, start, end); ok {
			return raw, nil
		}
	}

	raw, err := s.fetch(ctx, fetcher, series, stationID, start, end)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.Put(ctx, stationID, start, end, raw)
	}
	return raw, nil
}

type fetchResult struct {
	raw *models.RawSeries
	err error
}

// fetchWithDeadline returns when ctx is done even if the fetcher ignores it.
// The abandoned call finishes in the background and its result is dropped.
func fetchWithDeadline(ctx context.Context, fetcher Fetcher, stationID string, start, end time.Time) (*models.RawSeries, error) {
	done := make(chan fetchResult, 1)
	go func() {
		raw, err := fetcher.Fetch(ctx, stationID, start, end)
		done <- fetchResult{raw, err}
	}()

	select {
	case res := <-done:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", stationID, ctx.Err())
	}
}

func (s *Service) fetch(ctx context.Context, fetcher Fetcher, series models.Source, stationID string, start, end time.Time) (*models.RawSeries, error) {
	if fetcher == nil {
		return nil, &FetchError{StationID: stationID, Series: series, Err: errors.New("no fetcher configured")}
	}

	attempts := 0
	operation := func() (*models.RawSeries, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
		defer cancel()

		raw, err := fetchWithDeadline(attemptCtx, fetcher, stationID, start, end)
		if err != nil {
			metrics.FetchAttemptsTotal.WithLabelValues(string(series), "error").Inc()
			return nil, err
		}
		metrics.FetchAttemptsTotal.WithLabelValues(string(series), "ok").Inc()
		if raw == nil {
			raw = &models.RawSeries{}
		}
		raw.StationID = stationID
		raw.Source = series
		raw.Normalize()
		return raw, nil
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.settings.BackoffBase),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.settings.FetchAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		s.log.Warnw("fetch attempt failed",
			"station", stationID,
			"series", string(series),
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	raw, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		s.log.Errorw("fetch failed", "station", stationID, "series", string(series), "attempts", attempts, "error", err)
		return nil, &FetchError{StationID: stationID, Series: series, Attempts: attempts, Err: err}
	}
	return raw, nil
}
