package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/api"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/cache"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/config"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/httputil"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/ingest"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/logging"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/query"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/stats"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/wateryear"
)

type CLI struct {
	config.Settings

	Serve      ServeCmd      `cmd:"" help:"Run the HTTP API."`
	Query      QueryCmd      `cmd:"" help:"Print a station's aligned series and statistics as JSON."`
	Invalidate InvalidateCmd `cmd:"" help:"Drop every cached range for a station."`
	Backfill   BackfillCmd   `cmd:"" help:"Copy daily values from USGS into the local observations table."`
}

type ServeCmd struct {
	Addr string `default:":8080" env:"STREAMFLOW_ADDR" help:"Listen address."`
}

type QueryCmd struct {
	Station string `arg:"" help:"USGS site number."`
	Start   string `help:"First date (YYYY-MM-DD)." required:""`
	End     string `help:"Last date (YYYY-MM-DD)." required:""`
	Recent  bool   `default:"true" negatable:"" help:"Merge real-time readings into the current water year."`
}

type InvalidateCmd struct {
	Station string `arg:"" help:"USGS site number."`
}

type BackfillCmd struct {
	Station string `arg:"" help:"USGS site number."`
	Start   string `help:"First date (YYYY-MM-DD)." required:""`
	End     string `help:"Last date (YYYY-MM-DD)." required:""`
}

// app holds the wired components shared by every command.
type app struct {
	settings config.Settings
	log      *zap.SugaredLogger
	db       *sql.DB
	redis    *store.RedisBlobs
	store    *store.Store
	limiter  *rate.Limiter
	cal      wateryear.Calendar
	clock    clockwork.Clock
	service  *query.Service
}

func newApp(settings config.Settings) (*app, error) {
	logger, err := logging.New(settings.Debug)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(settings.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", settings.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, logger)
	if err := st.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database migrated")

	clock := clockwork.NewRealClock()
	cal := wateryear.New(settings.StartMonth())

	var backend cache.Backend = st
	var redisBlobs *store.RedisBlobs
	if settings.CacheBackend == config.CacheRedis {
		redisBlobs, err = store.NewRedisBlobs(context.Background(), store.RedisOptions{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
			Expiry:   settings.RedisExpiry,
		}, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		backend = redisBlobs
		logger.Infow("using redis cache", "addr", settings.RedisAddr)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if settings.USGSRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(settings.USGSRate), max(1, int(settings.USGSRate)))
	}

	var historyFetcher, recentFetcher ingest.Fetcher
	switch settings.Source {
	case config.SourceSQLite:
		historyFetcher = ingest.NewLocal(st, models.SourceDaily)
		recentFetcher = ingest.NewLocal(st, models.SourceInstant)
	default:
		client := httputil.NewClient(settings.HTTPTimeout)
		historyFetcher = ingest.NewUSGS(settings.USGSBaseURL, models.SourceDaily, client, logger).WithLimiter(limiter)
		recentFetcher = ingest.NewUSGS(settings.USGSBaseURL, models.SourceInstant, client, logger).WithLimiter(limiter)
	}

	service := query.New(query.Deps{
		HistoryCache:   cache.New(backend, models.SourceDaily, settings.HistoryTTL, clock, logger),
		RecentCache:    cache.New(backend, models.SourceInstant, settings.RecentTTL, clock, logger),
		HistoryFetcher: ingest.NewAudited(historyFetcher, st, settings.Source, models.SourceDaily, logger),
		RecentFetcher:  ingest.NewAudited(recentFetcher, st, settings.Source, models.SourceInstant, logger),
		Calendar:       cal,
		Stats:          stats.NewEngine(settings.Percentiles),
		Clock:          clock,
		Logger:         logger,
	}, settings.Query())

	return &app{
		settings: settings,
		log:      logger,
		db:       db,
		redis:    redisBlobs,
		store:    st,
		limiter:  limiter,
		cal:      cal,
		clock:    clock,
		service:  service,
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
	a.log.Sync()
}

func (c *ServeCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(a.service, a.store, a.cal, a.clock, c.Addr, a.log)
	return server.Run(ctx)
}

func (c *QueryCmd) Run(a *app) error {
	start, end, err := parseRange(c.Start, c.End)
	if err != nil {
		return err
	}

	res, err := a.service.GetStationSeries(context.Background(), c.Station, start, end, c.Recent)
	if err != nil {
		return err
	}

	out := struct {
		StationID  string                 `json:"station_id"`
		WaterYear  int                    `json:"water_year"`
		DataAbsent bool                   `json:"data_absent"`
		Table      models.AlignedTable    `json:"table"`
		Stats      models.StatisticSeries `json:"stats"`
	}{c.Station, res.WaterYear, res.DataAbsent(), res.Table, res.Stats}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *InvalidateCmd) Run(a *app) error {
	if err := a.service.InvalidateStation(context.Background(), c.Station); err != nil {
		return err
	}
	a.log.Infow("cache invalidated", "station", c.Station)
	return nil
}

func (c *BackfillCmd) Run(a *app) error {
	start, end, err := parseRange(c.Start, c.End)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := httputil.NewClient(a.settings.HTTPTimeout)
	usgs := ingest.NewAudited(
		ingest.NewUSGS(a.settings.USGSBaseURL, models.SourceDaily, client, a.log).WithLimiter(a.limiter),
		a.store, config.SourceUSGS, models.SourceDaily, a.log,
	)

	series, err := usgs.Fetch(ctx, c.Station, start, end)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.Station, err)
	}
	n, err := a.store.InsertObservations(ctx, c.Station, models.SourceDaily, series.Observations)
	if err != nil {
		return fmt.Errorf("store %s: %w", c.Station, err)
	}
	a.log.Infow("backfill complete", "station", c.Station, "observations", n)
	return nil
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := time.Parse(store.DateLayout, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startStr, err)
	}
	end, err := time.Parse(store.DateLayout, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endStr, err)
	}
	return start, end, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("streamflow"),
		kong.Description("USGS streamflow water-year series service."),
		kong.UsageOnError(),
		kong.Vars(config.Vars()),
	)

	a, err := newApp(cli.Settings)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(a)
	if err != nil {
		a.log.Errorw("command failed", "command", kctx.Command(), "error", err)
	}
	a.Close()
	kctx.FatalIfErrorf(err)
}
