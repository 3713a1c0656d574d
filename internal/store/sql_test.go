package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "predictions.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(city string) *models.PredictionRecord {
	return &models.PredictionRecord{
		City:                   city,
		LiveWeather:            json.RawMessage(`{"cod":"200","list":[{"main":{"temp":19.5,"feels_like":18,"humidity":60},"wind":{"speed":10},"pop":0.1}],"city":{"name":"London"}}`),
		MLPredictionText:       "No, it will likely stay dry. Our model shows only a 10% probability.",
		APIForecastTemp:        19.5,
		APIForecastAmountMM:    0,
		IntensityTag:           "No Rain",
		ImpactIndex:            "No Impact",
		APIFeelsLike:           18,
		APIHumidity:            60,
		APIWindSpeed:           10,
		APIPop:                 0.1,
		ActivityRecommendation: "Looks like a great day for a picnic!",
	}
}

// TestDriverFor verifies URL scheme selection between PostgreSQL and SQLite.
func TestDriverFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://u:p@localhost:5432/rain?sslmode=disable", driverPostgres},
		{"postgresql://localhost/rain", driverPostgres},
		{"POSTGRES://localhost/rain", driverPostgres},
		{"predictions.db", driverSQLite},
		{"file:predictions.db?cache=shared", driverSQLite},
		{"/var/lib/rain/predictions.db", driverSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, dsn := driverFor(tt.url)
			if got != tt.want {
				t.Errorf("driverFor(%q) = %q, want %q", tt.url, got, tt.want)
			}
			if dsn != tt.url {
				t.Errorf("dsn = %q, want input unchanged", dsn)
			}
		})
	}
}

// TestOpen_EmptyURL verifies an empty database URL is rejected.
func TestOpen_EmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("Open() error = nil, want error for empty url")
	}
}

// TestSQLStore_AppendAssignsIDAndTimestamp verifies Append fills ID and a UTC
// timestamp and that IDs increase.
func TestSQLStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleRecord("London")
	if err := s.Append(ctx, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second := sampleRecord("Paris")
	if err := s.Append(ctx, second); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if first.ID <= 0 || second.ID <= first.ID {
		t.Errorf("IDs = %d, %d; want positive and increasing", first.ID, second.ID)
	}
	if first.Timestamp.IsZero() || first.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want non-zero UTC", first.Timestamp)
	}
}

// TestSQLStore_ListAll_NewestFirst verifies ordering by timestamp descending,
// with id breaking ties for records written in the same instant.
func TestSQLStore_ListAll_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 11, 12, 21, 0, 0, 0, time.UTC)

	stamps := []time.Time{base, base.Add(time.Hour), base.Add(time.Hour), base.Add(-time.Hour)}
	cities := []string{"A", "B", "C", "D"}
	for i, ts := range stamps {
		ts := ts
		s.now = func() time.Time { return ts }
		if err := s.Append(ctx, sampleRecord(cities[i])); err != nil {
			t.Fatalf("Append(%s) error = %v", cities[i], err)
		}
	}

	got, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	var order []string
	for _, r := range got {
		order = append(order, r.City)
	}
	want := []string{"C", "B", "A", "D"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("ListAll() order = %v, want %v", order, want)
	}
	if !got[0].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, base.Add(time.Hour))
	}
}

// TestSQLStore_ListAll_Empty verifies an empty table yields an empty, non-nil slice.
func TestSQLStore_ListAll_Empty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ListAll() = %#v, want empty slice", got)
	}
}

// TestSQLStore_RoundTrip verifies every field survives a write and read, with
// live_weather deep-equal to the payload that was stored.
func TestSQLStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("London")
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := s.ListAll(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("ListAll() = %d records, err = %v", len(got), err)
	}

	var want, have interface{}
	if err := json.Unmarshal(rec.LiveWeather, &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(got[0].LiveWeather, &have); err != nil {
		t.Fatalf("stored live_weather is not JSON: %v", err)
	}
	if !reflect.DeepEqual(want, have) {
		t.Errorf("live_weather = %s, want %s", got[0].LiveWeather, rec.LiveWeather)
	}

	g := got[0]
	if g.ID != rec.ID || g.City != rec.City || g.MLPredictionText != rec.MLPredictionText ||
		g.APIForecastTemp != rec.APIForecastTemp || g.IntensityTag != rec.IntensityTag ||
		g.ImpactIndex != rec.ImpactIndex || g.APIFeelsLike != rec.APIFeelsLike ||
		g.APIHumidity != rec.APIHumidity || g.APIWindSpeed != rec.APIWindSpeed ||
		g.APIPop != rec.APIPop || g.ActivityRecommendation != rec.ActivityRecommendation {
		t.Errorf("ListAll()[0] = %+v, want %+v", g, *rec)
	}
	if !g.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", g.Timestamp, rec.Timestamp)
	}
}

// TestSQLStore_UnparseableLiveWeather verifies a corrupt stored payload is
// replaced with the fixed error object instead of failing the listing.
func TestSQLStore_UnparseableLiveWeather(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("London")
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE predictions SET live_weather = ? WHERE id = ?`, "{not json", rec.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	got, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if string(got[0].LiveWeather) != UnparseableWeather {
		t.Errorf("live_weather = %s, want %s", got[0].LiveWeather, UnparseableWeather)
	}
}

// TestSQLStore_AppendInvalid verifies records without a city are rejected and nothing is written.
func TestSQLStore_AppendInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, sampleRecord("  "))
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Append() error = %v, want ErrInvalidRecord", err)
	}
	if err := s.Append(ctx, nil); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Append(nil) error = %v, want ErrInvalidRecord", err)
	}
	got, _ := s.ListAll(ctx)
	if len(got) != 0 {
		t.Errorf("ListAll() = %d records, want 0", len(got))
	}
}

// TestSQLStore_AppendCanceledContext verifies a failed insert leaves no row behind.
func TestSQLStore_AppendCanceledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := sampleRecord("London")
	if err := s.Append(ctx, rec); err == nil {
		t.Fatal("Append() error = nil, want context error")
	}
	if rec.ID != 0 {
		t.Errorf("ID = %d, want 0 after failed append", rec.ID)
	}
	got, err := s.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListAll() = %d records, want 0", len(got))
	}
}

// TestSQLStore_ReopenKeepsData verifies the schema bootstrap is idempotent.
func TestSQLStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Append(ctx, sampleRecord("London")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = s.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s2.Close()
	if err := s2.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	got, err := s2.ListAll(ctx)
	if err != nil || len(got) != 1 {
		t.Errorf("ListAll() = %d records, err = %v; want 1", len(got), err)
	}
}
