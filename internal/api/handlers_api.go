package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/query"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
)

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(mux.Vars(r)["station"])
	q := r.URL.Query()

	today := models.DateOf(models.NaiveUTC(s.clock.Now()))

	end, err := parseDate(q.Get("end"), today)
	if err != nil {
		s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: err.Error()})
		return
	}
	defaultStart := s.cal.Start(s.cal.WaterYear(end) - s.DefaultYears)
	start, err := parseDate(q.Get("start"), defaultStart)
	if err != nil {
		s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: err.Error()})
		return
	}

	includeRecent := true
	if v := q.Get("recent"); v != "" {
		includeRecent, err = strconv.ParseBool(v)
		if err != nil {
			s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: "recent must be true or false"})
			return
		}
	}

	res, err := s.queries.GetStationSeries(r.Context(), stationID, start, end, includeRecent)
	switch {
	case errors.Is(err, query.ErrInvalidRequest):
		s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: err.Error()})
		return
	case errors.Is(err, query.ErrUpstreamFetch):
		s.log.Warnw("series unavailable", "station", stationID, "error", err)
		s.writeResponse(w, r, http.StatusServiceUnavailable, ErrorResponse{Status: "data unavailable", Error: err.Error()})
		return
	case err != nil:
		s.log.Errorw("series query failed", "station", stationID, "error", err)
		s.writeResponse(w, r, http.StatusInternalServerError, ErrorResponse{Status: "error"})
		return
	}

	s.writeResponse(w, r, http.StatusOK, newSeriesResponse(stationID, start, end, res, s.cal))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(mux.Vars(r)["station"])

	err := s.queries.InvalidateStation(r.Context(), stationID)
	switch {
	case errors.Is(err, query.ErrInvalidRequest):
		s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: err.Error()})
		return
	case err != nil:
		s.log.Errorw("invalidate failed", "station", stationID, "error", err)
		s.writeResponse(w, r, http.StatusInternalServerError, ErrorResponse{Status: "error", Error: err.Error()})
		return
	}

	s.log.Infow("cache invalidated", "station", stationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	maxDay := 366
	if v := r.URL.Query().Get("max_day"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			s.writeResponse(w, r, http.StatusBadRequest, ErrorResponse{Status: "bad request", Error: "max_day must be 1-366"})
			return
		}
		maxDay = n
	}
	t := s.cal.AxisTicks(maxDay)
	s.writeResponse(w, r, http.StatusOK, TicksView{Values: t.Values, Short: t.Short, Long: t.Long})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeResponse(w, r, http.StatusOK, HealthStatus{Status: "ok"})
		return
	}

	summaries, err := s.health.GetFetchHealth(r.Context(), 1)
	if err != nil {
		s.writeResponse(w, r, http.StatusInternalServerError, ErrorResponse{Status: "error", Error: err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", Fetches: summaries}
	if health.Fetches == nil {
		health.Fetches = []store.FetchHealthSummary{}
	}
	for _, h := range summaries {
		if h.FailedRuns > 0 && h.SuccessRuns == 0 {
			health.Status = "degraded"
		}
	}

	if health.Status != "ok" {
		runs, err := s.health.GetRecentFetchErrors(r.Context(), 5)
		if err != nil {
			s.log.Warnw("health: recent fetch errors", "error", err)
		}
		for _, run := range runs {
			health.RecentErrors = append(health.RecentErrors, FetchErrorView{
				StationID: run.StationID,
				Series:    run.Series,
				StartedAt: run.StartedAt,
				Error:     run.ErrorMessage.String,
			})
		}
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeResponse(w, r, status, health)
}

func parseDate(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse(store.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", v)
	}
	return t, nil
}
