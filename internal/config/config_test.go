package config

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	Settings
}

func parse(t *testing.T, args ...string) (*cli, error) {
	t.Helper()
	var c cli
	parser, err := kong.New(&c, kong.Vars(Vars()), kong.Exit(func(int) {}))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	return &c, err
}

func TestDefaultsMatchKong(t *testing.T) {
	c, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, Default(), c.Settings)
	def := Default()
	assert.NoError(t, def.Validate())
}

func TestParseFlags(t *testing.T) {
	c, err := parse(t,
		"--source=sqlite",
		"--history-ttl=24h",
		"--recent-ttl=5m",
		"--fetch-attempts=5",
		"--percentiles=5,50,95",
		"--water-year-start=1",
	)
	require.NoError(t, err)
	assert.Equal(t, SourceSQLite, c.Source)
	assert.Equal(t, 24*time.Hour, c.HistoryTTL)
	assert.Equal(t, 5*time.Minute, c.RecentTTL)
	assert.Equal(t, []float64{5, 50, 95}, c.Percentiles)
	assert.Equal(t, time.January, c.StartMonth())

	q := c.Query()
	assert.Equal(t, 5, q.FetchAttempts)
	assert.Equal(t, 7, q.RecentLookbackDays)
}

func TestParseEnv(t *testing.T) {
	t.Setenv("STREAMFLOW_RECENT_LOOKBACK_DAYS", "3")
	t.Setenv("STREAMFLOW_BACKOFF_BASE", "2s")

	c, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, 3, c.RecentLookbackDays)
	assert.Equal(t, 2*time.Second, c.BackoffBase)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := parse(t, "--water-year-start=13")
	assert.Error(t, err)

	_, err = parse(t, "--source=ftp")
	assert.Error(t, err)

	_, err = parse(t, "--cache-backend=memcached")
	assert.Error(t, err)
}

func TestParseRedisBackend(t *testing.T) {
	t.Setenv("STREAMFLOW_REDIS_PASSWORD", "hunter2")

	c, err := parse(t, "--cache-backend=redis", "--redis-addr=cache:6380", "--redis-db=2", "--usgs-rate=0")
	require.NoError(t, err)
	assert.Equal(t, CacheRedis, c.CacheBackend)
	assert.Equal(t, "cache:6380", c.RedisAddr)
	assert.Equal(t, "hunter2", c.RedisPassword)
	assert.Equal(t, 2, c.RedisDB)
	assert.Equal(t, 168*time.Hour, c.RedisExpiry)
	assert.Zero(t, c.USGSRate)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"zero history ttl", func(s *Settings) { s.HistoryTTL = 0 }},
		{"negative recent ttl", func(s *Settings) { s.RecentTTL = -time.Minute }},
		{"negative lookback", func(s *Settings) { s.RecentLookbackDays = -1 }},
		{"no attempts", func(s *Settings) { s.FetchAttempts = 0 }},
		{"zero backoff", func(s *Settings) { s.BackoffBase = 0 }},
		{"zero fetch timeout", func(s *Settings) { s.FetchTimeout = 0 }},
		{"percentile over 100", func(s *Settings) { s.Percentiles = []float64{50, 101} }},
		{"month zero", func(s *Settings) { s.WaterYearStart = 0 }},
		{"unknown source", func(s *Settings) { s.Source = "ftp" }},
		{"usgs without url", func(s *Settings) { s.USGSBaseURL = "" }},
		{"negative usgs rate", func(s *Settings) { s.USGSRate = -1 }},
		{"unknown cache backend", func(s *Settings) { s.CacheBackend = "memcached" }},
		{"redis without addr", func(s *Settings) { s.CacheBackend = CacheRedis; s.RedisAddr = "" }},
		{"negative redis expiry", func(s *Settings) { s.RedisExpiry = -time.Hour }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.modify(&s)
			assert.Error(t, s.Validate())
		})
	}
}
