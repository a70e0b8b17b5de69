package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db, zap.NewNop().Sugar())
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testKey(station string) CacheKey {
	return CacheKey{
		StationID: station,
		Series:    models.SourceDaily,
		Start:     time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion(context.Background())
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestSeriesBlob_PutGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := testKey("TEST01")

	row, err := store.GetSeriesBlob(ctx, key)
	if err != nil {
		t.Fatalf("GetSeriesBlob: %v", err)
	}
	if row != nil {
		t.Fatalf("expected no row before put, got %+v", row)
	}

	written := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := store.PutSeriesBlob(ctx, key, []byte{1, 2, 3}, 3, written); err != nil {
		t.Fatalf("PutSeriesBlob: %v", err)
	}

	row, err = store.GetSeriesBlob(ctx, key)
	if err != nil {
		t.Fatalf("GetSeriesBlob: %v", err)
	}
	if row == nil {
		t.Fatal("GetSeriesBlob returned nil after put")
	}
	if string(row.Payload) != string([]byte{1, 2, 3}) {
		t.Errorf("Payload = %v, want [1 2 3]", row.Payload)
	}
	if row.ObservationCount != 3 {
		t.Errorf("ObservationCount = %d, want 3", row.ObservationCount)
	}
	if !row.LastWritten.Equal(written) {
		t.Errorf("LastWritten = %v, want %v", row.LastWritten, written)
	}
}

func TestSeriesBlob_PutReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := testKey("TEST01")

	first := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := store.PutSeriesBlob(ctx, key, []byte("old"), 1, first); err != nil {
		t.Fatalf("PutSeriesBlob: %v", err)
	}
	second := first.Add(time.Hour)
	if err := store.PutSeriesBlob(ctx, key, []byte("new"), 2, second); err != nil {
		t.Fatalf("PutSeriesBlob: %v", err)
	}

	n, err := store.CountSeriesBlobs(ctx, "TEST01")
	if err != nil {
		t.Fatalf("CountSeriesBlobs: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	row, err := store.GetSeriesBlob(ctx, key)
	if err != nil {
		t.Fatalf("GetSeriesBlob: %v", err)
	}
	if string(row.Payload) != "new" {
		t.Errorf("Payload = %q, want new", row.Payload)
	}
	if !row.LastWritten.Equal(second) {
		t.Errorf("LastWritten = %v, want %v", row.LastWritten, second)
	}
}

func TestSeriesBlob_KeyedByWindowAndSeries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	a := testKey("TEST01")
	b := a
	b.End = a.End.AddDate(0, 0, 1)
	c := a
	c.Series = models.SourceInstant

	for _, k := range []CacheKey{a, b, c} {
		if err := store.PutSeriesBlob(ctx, k, []byte(k.String()), 0, now); err != nil {
			t.Fatalf("PutSeriesBlob(%s): %v", k, err)
		}
	}
	for _, k := range []CacheKey{a, b, c} {
		row, err := store.GetSeriesBlob(ctx, k)
		if err != nil {
			t.Fatalf("GetSeriesBlob(%s): %v", k, err)
		}
		if string(row.Payload) != k.String() {
			t.Errorf("Payload for %s = %q", k, row.Payload)
		}
	}
}

func TestDeleteSeriesBlobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	if err := store.PutSeriesBlob(ctx, testKey("TEST01"), []byte("a"), 0, now); err != nil {
		t.Fatalf("PutSeriesBlob: %v", err)
	}
	if err := store.PutSeriesBlob(ctx, testKey("TEST02"), []byte("b"), 0, now); err != nil {
		t.Fatalf("PutSeriesBlob: %v", err)
	}

	deleted, err := store.DeleteSeriesBlobs(ctx, "TEST01")
	if err != nil {
		t.Fatalf("DeleteSeriesBlobs: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if row, _ := store.GetSeriesBlob(ctx, testKey("TEST01")); row != nil {
		t.Error("TEST01 row still present after delete")
	}
	if row, _ := store.GetSeriesBlob(ctx, testKey("TEST02")); row == nil {
		t.Error("TEST02 row removed by TEST01 delete")
	}
}

func TestObservations_InsertAndQuery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC)
	obs := []models.Observation{
		{At: base, Value: sql.NullFloat64{Float64: 100, Valid: true}, Quality: models.QualityApproved},
		{At: base.AddDate(0, 0, 1), Value: sql.NullFloat64{}, Quality: models.QualityProvisional},
		{At: base.AddDate(0, 0, 2), Value: sql.NullFloat64{Float64: 120, Valid: true}, Quality: models.QualityEstimated},
		{At: time.Time{}, Value: sql.NullFloat64{Float64: 1, Valid: true}},
	}

	n, err := store.InsertObservations(ctx, "TEST01", models.SourceDaily, obs)
	if err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3 (zero timestamp skipped)", n)
	}

	got, err := store.GetObservations(ctx, "TEST01", models.SourceDaily, base, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (end exclusive)", len(got))
	}
	if !got[0].At.Equal(base) || got[0].At.Location() != time.UTC {
		t.Errorf("At = %v, want %v UTC", got[0].At, base)
	}
	if !got[0].Value.Valid || got[0].Value.Float64 != 100 {
		t.Errorf("Value = %+v, want 100", got[0].Value)
	}
	if got[1].Value.Valid {
		t.Errorf("missing value came back as %v", got[1].Value.Float64)
	}
	if got[1].Quality != models.QualityProvisional {
		t.Errorf("Quality = %q, want provisional", got[1].Quality)
	}

	other, err := store.GetObservations(ctx, "TEST01", models.SourceInstant, base, base.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("GetObservations instant: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("instant series len = %d, want 0", len(other))
	}
}

func TestObservations_UpsertReplacesValue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 14, 12, 15, 0, 0, time.UTC)

	first := []models.Observation{{At: at, Value: sql.NullFloat64{Float64: 10, Valid: true}, Quality: models.QualityProvisional}}
	second := []models.Observation{{At: at, Value: sql.NullFloat64{Float64: 11, Valid: true}, Quality: models.QualityApproved}}

	if _, err := store.InsertObservations(ctx, "TEST01", models.SourceInstant, first); err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}
	if _, err := store.InsertObservations(ctx, "TEST01", models.SourceInstant, second); err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}

	got, err := store.GetObservations(ctx, "TEST01", models.SourceInstant, at, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Value.Float64 != 11 || got[0].Quality != models.QualityApproved {
		t.Errorf("got %+v, want 11 approved", got[0])
	}
}

func TestFetchRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC)

	ok, err := store.StartFetchRun(ctx, "usgs", "daily", "TEST01", start, end)
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	if ok.ID == "" {
		t.Fatal("fetch run has no ID")
	}
	ok.Success = true
	ok.RecordsFetched = sql.NullInt64{Int64: 1095, Valid: true}
	ok.RecordsFlagged = sql.NullInt64{Int64: 2, Valid: true}
	if err := store.CompleteFetchRun(ctx, ok); err != nil {
		t.Fatalf("CompleteFetchRun: %v", err)
	}

	failed, err := store.StartFetchRun(ctx, "usgs", "instant", "TEST01", end, end)
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	if failed.ID == ok.ID {
		t.Fatal("fetch run IDs collide")
	}
	failed.ErrorMessage = sql.NullString{String: "status 503", Valid: true}
	if err := store.CompleteFetchRun(ctx, failed); err != nil {
		t.Fatalf("CompleteFetchRun: %v", err)
	}

	errs, err := store.GetRecentFetchErrors(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentFetchErrors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	if errs[0].ID != failed.ID || errs[0].ErrorMessage.String != "status 503" {
		t.Errorf("unexpected error run %+v", errs[0])
	}
	if errs[0].StartDate != "2023-09-30" {
		t.Errorf("StartDate = %q, want 2023-09-30", errs[0].StartDate)
	}

	health, err := store.GetFetchHealth(ctx, 7)
	if err != nil {
		t.Fatalf("GetFetchHealth: %v", err)
	}
	var total, success, records int64
	for _, h := range health {
		total += int64(h.TotalRuns)
		success += int64(h.SuccessRuns)
		records += h.TotalRecords
	}
	if total != 2 || success != 1 || records != 1095 {
		t.Errorf("health totals = %d runs, %d ok, %d records; want 2, 1, 1095", total, success, records)
	}
}

func TestCompleteFetchRun_Nil(t *testing.T) {
	store := setupTestStore(t)
	if err := store.CompleteFetchRun(context.Background(), nil); err != nil {
		t.Errorf("CompleteFetchRun(nil) = %v", err)
	}
}
