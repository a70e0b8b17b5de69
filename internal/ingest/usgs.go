package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/htmlutil"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/metrics"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

const (
	DefaultBaseURL = "https://waterservices.usgs.gov/nwis"

	// ParameterDischarge is the NWIS parameter code for discharge in cubic feet per second.
	ParameterDischarge = "00060"
	// StatisticMean selects the daily mean from the daily values service.
	StatisticMean = "00003"
)

// USGS fetches discharge from the NWIS water services. It makes one request
// per Fetch; retrying is left to the caller. Errors that retrying cannot fix
// are wrapped with backoff.Permanent.
type USGS struct {
	baseURL string
	series  models.Source
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewUSGS returns a client for the daily values service (SourceDaily) or the
// instantaneous values service (SourceInstant).
func NewUSGS(baseURL string, series models.Source, client *http.Client, logger *zap.SugaredLogger) *USGS {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &USGS{
		baseURL: strings.TrimRight(baseURL, "/"),
		series:  series,
		client:  client,
		log:     logger.Named("usgs").With("series", string(series)),
	}
}

// WithLimiter makes every request wait on l first. Clients for the daily and
// instantaneous services should share one limiter since they hit the same host.
func (u *USGS) WithLimiter(l *rate.Limiter) *USGS {
	u.limiter = l
	return u
}

func (u *USGS) endpoint(stationID string, start, end time.Time) string {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("sites", stationID)
	q.Set("parameterCd", ParameterDischarge)
	q.Set("startDT", start.Format("2006-01-02"))
	q.Set("endDT", end.Format("2006-01-02"))
	q.Set("siteStatus", "all")

	service := "iv"
	if u.series == models.SourceDaily {
		service = "dv"
		q.Set("statCd", StatisticMean)
	}
	return fmt.Sprintf("%s/%s/?%s", u.baseURL, service, q.Encode())
}

// Fetch returns discharge readings for the inclusive date range. A station
// with no data for the range yields an empty series, not an error.
func (u *USGS) Fetch(ctx context.Context, stationID string, start, end time.Time) (*models.RawSeries, error) {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch %s: rate limit: %w", stationID, err)
		}
	}

	reqURL := u.endpoint(stationID, start, end)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	began := time.Now()
	resp, err := u.client.Do(req)
	metrics.UpstreamLatency.WithLabelValues(string(u.series)).Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues(string(u.series), "error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", stationID, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallsTotal.WithLabelValues(string(u.series), strconv.Itoa(resp.StatusCode)).Inc()

	empty := &models.RawSeries{StationID: stationID, Source: u.series}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		u.log.Debugw("no data for station", "station", stationID)
		return empty, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch %s: status %d", stationID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", stationID, resp.StatusCode, htmlutil.Summary(string(b), 200)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	series, err := ParseNWIS(body, stationID, u.series)
	if err != nil {
		return nil, err
	}
	u.log.Debugw("fetched", "station", stationID, "observations", series.Len())
	return series, nil
}

// ParseNWIS extracts discharge readings from an NWIS JSON response. The
// returned series is normalized.
func ParseNWIS(body []byte, stationID string, series models.Source) (*models.RawSeries, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse %s: malformed JSON response", stationID)
	}
	doc := gjson.ParseBytes(body)

	out := &models.RawSeries{StationID: stationID, Source: series}

	ts := doc.Get("value.timeSeries.0")
	if !ts.Exists() {
		return out, nil
	}

	noData, hasNoData := "", false
	if nd := ts.Get("variable.noDataValue"); nd.Exists() && nd.Type != gjson.Null {
		noData, hasNoData = nd.Raw, true
	}

	ts.Get("values.0.value").ForEach(func(_, v gjson.Result) bool {
		obs := models.Observation{
			At:      parseNWISTime(v.Get("dateTime").String()),
			Quality: qualityFromCodes(v.Get("qualifiers")),
		}

		raw := v.Get("value")
		if f, ok := parseDischarge(raw); ok && !(hasNoData && isNoData(raw, noData)) {
			obs.Value = sql.NullFloat64{Float64: f, Valid: true}
		}

		out.Observations = append(out.Observations, obs)
		return true
	})

	out.Normalize()
	return out, nil
}

func parseDischarge(raw gjson.Result) (float64, bool) {
	switch raw.Type {
	case gjson.Number:
		return raw.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func isNoData(raw gjson.Result, noData string) bool {
	nd, err := strconv.ParseFloat(strings.Trim(noData, `"`), 64)
	if err != nil {
		return false
	}
	f, ok := parseDischarge(raw)
	return ok && f == nd
}

var nwisLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseNWISTime returns naive UTC, or the zero time if s cannot be parsed.
// Timestamps carrying an offset are converted to UTC; bare timestamps are
// taken to already be UTC.
func parseNWISTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range nwisLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.NaiveUTC(t)
		}
	}
	return time.Time{}
}

func qualityFromCodes(codes gjson.Result) models.Quality {
	q := models.QualityApproved
	for _, c := range codes.Array() {
		switch c.String() {
		case "e", "E":
			return models.QualityEstimated
		case "P":
			q = models.QualityProvisional
		}
	}
	return q
}
