package cache

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/store"
)

var (
	rangeStart = time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd   = time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC)
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, zap.NewNop().Sugar())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func value(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func sampleSeries() *models.RawSeries {
	return &models.RawSeries{
		StationID: "TEST01",
		Source:    models.SourceDaily,
		Observations: []models.Observation{
			{At: time.Date(1910, 10, 1, 0, 0, 0, 0, time.UTC), Value: value(42.5), Quality: models.QualityApproved},
			{At: time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC), Value: value(100), Quality: models.QualityApproved},
			{At: time.Date(2020, 10, 2, 0, 0, 0, 0, time.UTC), Quality: models.QualityProvisional},
			{At: time.Date(2021, 2, 28, 12, 15, 0, 0, time.UTC), Value: value(0), Quality: models.QualityEstimated},
			{At: time.Time{}, Value: value(7)},
		},
	}
}

func TestSeriesCache_RoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	c := New(setupTestStore(t), models.SourceDaily, 72*time.Hour, clock, nil)
	ctx := context.Background()

	want := sampleSeries()
	c.Put(ctx, "TEST01", rangeStart, rangeEnd, want)

	got, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	require.True(t, ok)
	require.Len(t, got.Observations, len(want.Observations))
	assert.Equal(t, want.StationID, got.StationID)
	assert.Equal(t, want.Source, got.Source)

	for i := range want.Observations {
		w, g := want.Observations[i], got.Observations[i]
		assert.True(t, w.At.Equal(g.At), "observation %d: at %v, want %v", i, g.At, w.At)
		assert.Equal(t, time.UTC, g.At.Location(), "observation %d: location", i)
		assert.Equal(t, w.Value, g.Value, "observation %d: value", i)
		assert.Equal(t, w.Quality, g.Quality, "observation %d: quality", i)
	}
	assert.Equal(t, 1910, got.Observations[0].At.Year())
	assert.True(t, got.Observations[4].At.IsZero())
}

func TestSeriesCache_PutIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	s := setupTestStore(t)
	c := New(s, models.SourceDaily, time.Hour, clock, nil)
	ctx := context.Background()

	c.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())
	first, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	require.True(t, ok)

	c.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())
	second, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	require.True(t, ok)

	assert.Equal(t, first, second)
	n, err := s.CountSeriesBlobs(ctx, "TEST01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSeriesCache_StaleEntryIsMiss(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	s := setupTestStore(t)
	c := New(s, models.SourceDaily, 72*time.Hour, clock, nil)
	ctx := context.Background()

	c.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())

	clock.Advance(72 * time.Hour)
	_, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.True(t, ok, "entry exactly at TTL is still fresh")

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok, "entry older than TTL must miss")

	n, err := s.CountSeriesBlobs(ctx, "TEST01")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale row is left in place")
}

func TestSeriesCache_KeyIsExactRange(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	c := New(setupTestStore(t), models.SourceDaily, time.Hour, clock, nil)
	ctx := context.Background()

	c.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())

	_, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd.AddDate(0, 0, -1))
	assert.False(t, ok, "narrower range is a different key")

	_, ok = c.Get(ctx, "TEST02", rangeStart, rangeEnd)
	assert.False(t, ok)

	_, ok = c.Get(ctx, "TEST01", rangeStart.Add(6*time.Hour), rangeEnd.Add(23*time.Hour))
	assert.True(t, ok, "time of day does not affect the key")
}

func TestSeriesCache_SeriesAreSeparate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	s := setupTestStore(t)
	daily := New(s, models.SourceDaily, time.Hour, clock, nil)
	instant := New(s, models.SourceInstant, time.Hour, clock, nil)
	ctx := context.Background()

	daily.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())
	_, ok := instant.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok)
}

func TestSeriesCache_Invalidate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	s := setupTestStore(t)
	daily := New(s, models.SourceDaily, time.Hour, clock, nil)
	instant := New(s, models.SourceInstant, time.Hour, clock, nil)
	ctx := context.Background()

	daily.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries())
	instant.Put(ctx, "TEST01", rangeEnd, rangeEnd, sampleSeries())
	daily.Put(ctx, "TEST02", rangeStart, rangeEnd, sampleSeries())

	require.NoError(t, daily.Invalidate(ctx, "TEST01"))

	_, ok := daily.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok)
	_, ok = instant.Get(ctx, "TEST01", rangeEnd, rangeEnd)
	assert.False(t, ok, "invalidate clears every series for the station")
	_, ok = daily.Get(ctx, "TEST02", rangeStart, rangeEnd)
	assert.True(t, ok)
}

func TestSeriesCache_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := store.NewRedisBlobs(context.Background(), store.RedisOptions{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	daily := New(backend, models.SourceDaily, 72*time.Hour, clock, nil)
	instant := New(backend, models.SourceInstant, 15*time.Minute, clock, nil)
	ctx := context.Background()

	want := sampleSeries()
	daily.Put(ctx, "TEST01", rangeStart, rangeEnd, want)
	instant.Put(ctx, "TEST01", rangeEnd, rangeEnd, want)

	got, ok := daily.Get(ctx, "TEST01", rangeStart, rangeEnd)
	require.True(t, ok)
	require.Len(t, got.Observations, len(want.Observations))
	for i := range want.Observations {
		assert.True(t, want.Observations[i].At.Equal(got.Observations[i].At), "observation %d", i)
		assert.Equal(t, want.Observations[i].Value, got.Observations[i].Value, "observation %d", i)
	}

	clock.Advance(time.Hour)
	_, ok = instant.Get(ctx, "TEST01", rangeEnd, rangeEnd)
	assert.False(t, ok, "staleness comes from the stored write time")
	_, ok = daily.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.True(t, ok)

	require.NoError(t, daily.Invalidate(ctx, "TEST01"))
	_, ok = daily.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok)
	assert.Empty(t, mr.Keys())
}

func TestSeriesCache_EmptySeries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	c := New(setupTestStore(t), models.SourceDaily, time.Hour, clock, nil)
	ctx := context.Background()

	c.Put(ctx, "TEST01", rangeStart, rangeEnd, &models.RawSeries{StationID: "TEST01", Source: models.SourceDaily})
	got, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	require.True(t, ok)
	assert.Equal(t, 0, got.Len())
}

type failingBackend struct {
	puts int
}

var errDiskGone = errors.New("disk gone")

func (f *failingBackend) GetSeriesBlob(context.Context, store.CacheKey) (*store.CacheRow, error) {
	return nil, errDiskGone
}

func (f *failingBackend) PutSeriesBlob(context.Context, store.CacheKey, []byte, int, time.Time) error {
	f.puts++
	return errDiskGone
}

func (f *failingBackend) DeleteSeriesBlobs(context.Context, string) (int64, error) {
	return 0, errDiskGone
}

func TestSeriesCache_BackendFailureIsMiss(t *testing.T) {
	backend := &failingBackend{}
	c := New(backend, models.SourceDaily, time.Hour, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	assert.NotPanics(t, func() { c.Put(ctx, "TEST01", rangeStart, rangeEnd, sampleSeries()) })
	assert.Equal(t, 1, backend.puts)

	got, ok := c.Get(ctx, "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok)
	assert.Nil(t, got)

	assert.ErrorIs(t, c.Invalidate(ctx, "TEST01"), errDiskGone)
}

type corruptBackend struct {
	written time.Time
}

func (b corruptBackend) GetSeriesBlob(_ context.Context, key store.CacheKey) (*store.CacheRow, error) {
	return &store.CacheRow{Key: key, Payload: []byte{0xc1, 0x00, 0xff}, LastWritten: b.written}, nil
}

func (corruptBackend) PutSeriesBlob(context.Context, store.CacheKey, []byte, int, time.Time) error {
	return nil
}

func (corruptBackend) DeleteSeriesBlobs(context.Context, string) (int64, error) { return 0, nil }

func TestSeriesCache_CorruptPayloadIsMiss(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c := New(corruptBackend{written: now}, models.SourceDaily, time.Hour, clockwork.NewFakeClockAt(now), nil)

	_, ok := c.Get(context.Background(), "TEST01", rangeStart, rangeEnd)
	assert.False(t, ok)
}

func TestDecodeSeries_RejectsOtherVersion(t *testing.T) {
	b, err := encodeSeries(sampleSeries())
	require.NoError(t, err)
	_, err = decodeSeries(b)
	require.NoError(t, err)

	var w wireSeries
	w.Version = codecVersion + 1
	payload, err := msgpack.Marshal(&w)
	require.NoError(t, err)
	_, err = decodeSeries(payload)
	assert.Error(t, err)
}
