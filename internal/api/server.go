package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/query"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/wateryear"
)

// SeriesQuerier is the query service as seen by the HTTP layer.
type SeriesQuerier interface {
	GetStationSeries(ctx context.Context, stationID string, start, end time.Time, includeRecent bool) (*query.Result, error)
	InvalidateStation(ctx context.Context, stationID string) error
}

// HealthSource reports upstream fetch health. *store.Store implements it.
type HealthSource interface {
	GetFetchHealth(ctx context.Context, days int) ([]store.FetchHealthSummary, error)
	GetRecentFetchErrors(ctx context.Context, limit int) ([]store.FetchRun, error)
}

type Server struct {
	queries SeriesQuerier
	health  HealthSource
	cal     wateryear.Calendar
	clock   clockwork.Clock
	addr    string
	log     *zap.SugaredLogger

	// DefaultYears is how many complete water years a request without a
	// start date covers.
	DefaultYears int
}

func NewServer(queries SeriesQuerier, health HealthSource, cal wateryear.Calendar, clock clockwork.Clock, addr string, logger *zap.SugaredLogger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		queries:      queries,
		health:       health,
		cal:          cal,
		clock:        clock,
		addr:         addr,
		log:          logger.Named("api"),
		DefaultYears: 10,
	}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/stations/{station}/series", s.handleSeries).Methods(http.MethodGet)
	router.HandleFunc("/api/stations/{station}/cache", s.handleInvalidate).Methods(http.MethodDelete)
	router.HandleFunc("/api/calendar/ticks", s.handleTicks).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Use(s.logRequests)
	return router
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Infow("listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(began).Milliseconds(),
			"size", rec.size,
		)
	})
}

// writeResponse encodes data as JSON, or as MessagePack when the request
// asks for format=msgpack. Field names follow the json tags either way.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, status int, data any) {
	var err error
	if r.URL.Query().Get("format") == "msgpack" {
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		err = enc.Encode(data)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		err = json.NewEncoder(w).Encode(data)
	}
	if err != nil {
		s.log.Warnw("write response", "path", r.URL.Path, "error", err)
	}
}
