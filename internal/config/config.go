// Package config holds the runtime settings, parsed from flags and
// environment by kong.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/ingest"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/query"
)

const (
	SourceUSGS   = "usgs"
	SourceSQLite = "sqlite"

	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

type Settings struct {
	DBPath string `name:"db" default:"data/streamflow.db" env:"STREAMFLOW_DB" help:"Path to SQLite database."`
	Debug  bool   `default:"false" env:"STREAMFLOW_DEBUG" help:"Enable development logging."`

	Source      string        `default:"usgs" enum:"usgs,sqlite" env:"STREAMFLOW_SOURCE" help:"Observation source (usgs or sqlite)."`
	USGSBaseURL string        `name:"usgs-base-url" default:"${usgs_base_url}" env:"STREAMFLOW_USGS_BASE_URL" help:"NWIS water services base URL."`
	HTTPTimeout time.Duration `name:"http-timeout" default:"30s" env:"STREAMFLOW_HTTP_TIMEOUT" help:"HTTP client timeout for upstream calls."`
	USGSRate    float64       `name:"usgs-rate" default:"5" env:"STREAMFLOW_USGS_RATE" help:"Maximum NWIS requests per second (0 disables the limit)."`

	CacheBackend  string        `name:"cache-backend" default:"sqlite" enum:"sqlite,redis" env:"STREAMFLOW_CACHE_BACKEND" help:"Where cached series are kept (sqlite or redis)."`
	RedisAddr     string        `name:"redis-addr" default:"localhost:6379" env:"STREAMFLOW_REDIS_ADDR" help:"Redis address for the redis cache backend."`
	RedisPassword string        `name:"redis-password" env:"STREAMFLOW_REDIS_PASSWORD" help:"Redis password."`
	RedisDB       int           `name:"redis-db" default:"0" env:"STREAMFLOW_REDIS_DB" help:"Redis database number."`
	RedisExpiry   time.Duration `name:"redis-expiry" default:"168h" env:"STREAMFLOW_REDIS_EXPIRY" help:"Expiry set on every Redis cache key (0 keeps keys forever)."`

	HistoryTTL         time.Duration `name:"history-ttl" default:"72h" env:"STREAMFLOW_HISTORY_TTL" help:"Age after which cached historical series are refetched."`
	RecentTTL          time.Duration `name:"recent-ttl" default:"15m" env:"STREAMFLOW_RECENT_TTL" help:"Age after which the cached real-time window is refetched."`
	RecentLookbackDays int           `name:"recent-lookback-days" default:"7" env:"STREAMFLOW_RECENT_LOOKBACK_DAYS" help:"Days of real-time readings merged into the current water year."`

	FetchAttempts int           `name:"fetch-attempts" default:"3" env:"STREAMFLOW_FETCH_ATTEMPTS" help:"Upstream fetch attempts before giving up."`
	BackoffBase   time.Duration `name:"backoff-base" default:"500ms" env:"STREAMFLOW_BACKOFF_BASE" help:"Initial retry backoff."`
	FetchTimeout  time.Duration `name:"fetch-timeout" default:"30s" env:"STREAMFLOW_FETCH_TIMEOUT" help:"Timeout for a single fetch attempt."`

	Percentiles    []float64 `default:"10,25,50,75,90" sep:"," env:"STREAMFLOW_PERCENTILES" help:"Percentiles computed for each day of the water year."`
	WaterYearStart int       `name:"water-year-start" default:"10" env:"STREAMFLOW_WATER_YEAR_START" help:"Month the water year starts in (1-12)."`
}

// Vars are the interpolation variables kong needs for Settings defaults.
func Vars() map[string]string {
	return map[string]string{"usgs_base_url": ingest.DefaultBaseURL}
}

// Default returns the settings kong would produce with no flags or
// environment set.
func Default() Settings {
	q := query.DefaultSettings()
	return Settings{
		DBPath:             "data/streamflow.db",
		Source:             SourceUSGS,
		USGSBaseURL:        ingest.DefaultBaseURL,
		HTTPTimeout:        30 * time.Second,
		USGSRate:           5,
		CacheBackend:       CacheSQLite,
		RedisAddr:          "localhost:6379",
		RedisExpiry:        168 * time.Hour,
		HistoryTTL:         72 * time.Hour,
		RecentTTL:          15 * time.Minute,
		RecentLookbackDays: q.RecentLookbackDays,
		FetchAttempts:      q.FetchAttempts,
		BackoffBase:        q.BackoffBase,
		FetchTimeout:       q.FetchTimeout,
		Percentiles:        []float64{10, 25, 50, 75, 90},
		WaterYearStart:     int(time.October),
	}
}

// Validate is called by kong after parsing.
func (s *Settings) Validate() error {
	var errs []error

	switch strings.ToLower(s.Source) {
	case SourceUSGS, SourceSQLite:
	default:
		errs = append(errs, fmt.Errorf("source must be %q or %q, got %q", SourceUSGS, SourceSQLite, s.Source))
	}
	if s.Source == SourceUSGS && s.USGSBaseURL == "" {
		errs = append(errs, errors.New("usgs-base-url is required for the usgs source"))
	}
	if s.USGSRate < 0 {
		errs = append(errs, fmt.Errorf("usgs-rate must not be negative, got %g", s.USGSRate))
	}
	switch s.CacheBackend {
	case CacheSQLite:
	case CacheRedis:
		if s.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache-backend must be %q or %q, got %q", CacheSQLite, CacheRedis, s.CacheBackend))
	}
	if s.RedisExpiry < 0 {
		errs = append(errs, fmt.Errorf("redis-expiry must not be negative, got %s", s.RedisExpiry))
	}
	if s.HistoryTTL <= 0 {
		errs = append(errs, fmt.Errorf("history-ttl must be positive, got %s", s.HistoryTTL))
	}
	if s.RecentTTL <= 0 {
		errs = append(errs, fmt.Errorf("recent-ttl must be positive, got %s", s.RecentTTL))
	}
	if s.RecentLookbackDays < 0 {
		errs = append(errs, fmt.Errorf("recent-lookback-days must not be negative, got %d", s.RecentLookbackDays))
	}
	if s.FetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch-attempts must be at least 1, got %d", s.FetchAttempts))
	}
	if s.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff-base must be positive, got %s", s.BackoffBase))
	}
	if s.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch-timeout must be positive, got %s", s.FetchTimeout))
	}
	for _, p := range s.Percentiles {
		if p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("percentile %g outside 0-100", p))
		}
	}
	if s.WaterYearStart < 1 || s.WaterYearStart > 12 {
		errs = append(errs, fmt.Errorf("water-year-start must be 1-12, got %d", s.WaterYearStart))
	}

	return errors.Join(errs...)
}

// Query returns the retry and window settings for the query service.
func (s Settings) Query() query.Settings {
	return query.Settings{
		FetchAttempts:      s.FetchAttempts,
		BackoffBase:        s.BackoffBase,
		FetchTimeout:       s.FetchTimeout,
		RecentLookbackDays: s.RecentLookbackDays,
	}
}

func (s Settings) StartMonth() time.Month {
	return time.Month(s.WaterYearStart)
}
