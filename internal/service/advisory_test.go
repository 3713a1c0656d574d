package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kjstillabower/rain-advisory-service/internal/advisory"
	"github.com/kjstillabower/rain-advisory-service/internal/client"
	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/validation"
)

type fakeSource struct {
	forecasts map[string]models.Forecast
	errs      map[string]error
	nearby    []string
	nearbyErr error
	fetches   atomic.Int32
}

func (f *fakeSource) GetForecast(ctx context.Context, city string) (models.Forecast, error) {
	f.fetches.Add(1)
	key := client.NormalizeCity(city)
	if err, ok := f.errs[key]; ok {
		return models.Forecast{}, err
	}
	if fc, ok := f.forecasts[key]; ok {
		return fc, nil
	}
	return models.Forecast{}, client.ErrLocationNotFound
}

func (f *fakeSource) FindNearby(ctx context.Context, coord models.Coord, count int) ([]string, error) {
	return f.nearby, f.nearbyErr
}

type memStore struct {
	mu        sync.Mutex
	records   []models.PredictionRecord
	appendErr error
}

func (m *memStore) Append(ctx context.Context, rec *models.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, *rec)
	return nil
}

func (m *memStore) ListAll(ctx context.Context) ([]models.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PredictionRecord, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func forecastFor(city string, feelsLike, wind, rainMM, pop float64) models.Forecast {
	b := models.ForecastBlock{
		Main: &models.BlockMain{Temp: feelsLike + 1, FeelsLike: feelsLike, Humidity: 60},
		Wind: &models.BlockWind{Speed: wind},
		Pop:  pop,
	}
	if rainMM > 0 {
		b.Rain = &models.BlockRain{ThreeHour: rainMM}
	}
	return models.Forecast{
		City:   city,
		Coord:  &models.Coord{Lat: 51.51, Lon: -0.13},
		Blocks: []models.ForecastBlock{b},
		Raw:    json.RawMessage(`{"city":{"name":"` + city + `"}}`),
	}
}

func decodedForecast(t *testing.T, city, blockJSON string) models.Forecast {
	t.Helper()
	var b models.ForecastBlock
	if err := json.Unmarshal([]byte(blockJSON), &b); err != nil {
		t.Fatalf("decode block %s: %v", blockJSON, err)
	}
	return models.Forecast{City: city, Blocks: []models.ForecastBlock{b}, Raw: json.RawMessage(blockJSON)}
}

// TestAdvisoryService_Predict_LondonPicnic verifies the anchor record for a dry,
// mild London forecast and that exactly one record is stored.
func TestAdvisoryService_Predict_LondonPicnic(t *testing.T) {
	src := &fakeSource{forecasts: map[string]models.Forecast{
		"london": forecastFor("London", 18, 10, 0, 0.1),
	}}
	st := &memStore{}
	svc := NewAdvisoryService(src, st, nil, RankingOptions{})

	got, err := svc.Predict(context.Background(), PredictRequest{City: "London", Activity: "picnic"})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if got.ID != 1 {
		t.Errorf("ID = %d, want 1", got.ID)
	}
	if got.City != "London" {
		t.Errorf("City = %q, want London", got.City)
	}
	if got.IntensityTag != "No Rain" || got.ImpactIndex != "No Impact" {
		t.Errorf("classification = (%q, %q), want (No Rain, No Impact)", got.IntensityTag, got.ImpactIndex)
	}
	if got.ActivityRecommendation != "Looks like a great day for a picnic!" {
		t.Errorf("ActivityRecommendation = %q", got.ActivityRecommendation)
	}
	if got.MLPredictionText != advisory.RainOutlook(0.1) {
		t.Errorf("MLPredictionText = %q, want %q", got.MLPredictionText, advisory.RainOutlook(0.1))
	}
	if got.APIFeelsLike != 18 || got.APIWindSpeed != 10 || got.APIForecastAmountMM != 0 || got.APIPop != 0.1 {
		t.Errorf("derived fields = %+v", got.PredictionRecord)
	}
	if string(got.LiveWeather) != `{"city":{"name":"London"}}` {
		t.Errorf("LiveWeather = %s, want raw upstream payload", got.LiveWeather)
	}
	if len(got.LocationRanking) != 1 {
		t.Fatalf("LocationRanking len = %d, want 1", len(got.LocationRanking))
	}
	want := models.LocationRanking{City: "London", Score: 2, Recommendation: "Looks like a great day for a picnic!", Status: models.StatusAnalyzed}
	if got.LocationRanking[0] != want {
		t.Errorf("LocationRanking[0] = %+v, want %+v", got.LocationRanking[0], want)
	}
	if len(st.records) != 1 {
		t.Errorf("stored records = %d, want 1", len(st.records))
	}
}

// TestAdvisoryService_Predict_InvalidInput verifies that validation failures make
// no outbound call and store nothing.
func TestAdvisoryService_Predict_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		req     PredictRequest
		wantErr error
	}{
		{name: "missing city", req: PredictRequest{City: ""}, wantErr: validation.ErrCityEmpty},
		{name: "whitespace city", req: PredictRequest{City: "   "}, wantErr: validation.ErrCityEmpty},
		{name: "invalid chars", req: PredictRequest{City: "London<script>"}, wantErr: validation.ErrCityInvalidChars},
		{name: "bad compare entry", req: PredictRequest{City: "London", CompareLocations: []string{"Paris", "%%%"}}, wantErr: validation.ErrCityInvalidChars},
		{name: "too many compare", req: PredictRequest{City: "London", CompareLocations: []string{"A1", "B1", "C1"}}, wantErr: validation.ErrTooManyCities},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{}
			st := &memStore{}
			svc := NewAdvisoryService(src, st, nil, RankingOptions{MaxCompareLocations: 2})

			_, err := svc.Predict(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Predict() error = %v, want ErrInvalidInput", err)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Predict() error = %v, want %v", err, tc.wantErr)
			}
			if n := src.fetches.Load(); n != 0 {
				t.Errorf("outbound fetches = %d, want 0", n)
			}
			if len(st.records) != 0 {
				t.Errorf("stored records = %d, want 0", len(st.records))
			}
		})
	}
}

// TestAdvisoryService_Predict_AnchorFailures verifies that anchor errors are
// returned unchanged in kind and nothing is stored.
func TestAdvisoryService_Predict_AnchorFailures(t *testing.T) {
	upstream := &client.StatusError{StatusCode: 503, Message: "down", Err: client.ErrUpstreamFailure}
	malformed := models.Forecast{City: "London", Blocks: []models.ForecastBlock{{Pop: 0.2}}}
	noFeelsLike := decodedForecast(t, "London", `{"main":{"temp":20,"humidity":50},"wind":{"speed":3},"pop":0.1}`)
	noTemp := decodedForecast(t, "London", `{"main":{"feels_like":19,"humidity":50},"wind":{"speed":3},"pop":0.1}`)

	tests := []struct {
		name    string
		src     *fakeSource
		wantErr error
	}{
		{name: "not found", src: &fakeSource{}, wantErr: client.ErrLocationNotFound},
		{name: "empty forecast", src: &fakeSource{forecasts: map[string]models.Forecast{"london": {City: "London"}}}, wantErr: client.ErrLocationNotFound},
		{name: "upstream status", src: &fakeSource{errs: map[string]error{"london": upstream}}, wantErr: client.ErrUpstreamFailure},
		{name: "malformed block", src: &fakeSource{forecasts: map[string]models.Forecast{"london": malformed}}, wantErr: ErrMalformedForecast},
		{name: "missing feels_like", src: &fakeSource{forecasts: map[string]models.Forecast{"london": noFeelsLike}}, wantErr: ErrMalformedForecast},
		{name: "missing temp", src: &fakeSource{forecasts: map[string]models.Forecast{"london": noTemp}}, wantErr: ErrMalformedForecast},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := &memStore{}
			svc := NewAdvisoryService(tc.src, st, nil, RankingOptions{NearbyEnabled: true})

			_, err := svc.Predict(context.Background(), PredictRequest{City: "London", Activity: "run"})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Predict() error = %v, want %v", err, tc.wantErr)
			}
			if len(st.records) != 0 {
				t.Errorf("stored records = %d, want 0", len(st.records))
			}
		})
	}
}

// TestAdvisoryService_Predict_Ranking verifies candidate order, case-insensitive
// dedup, isolated candidate failures and stable descending sort.
func TestAdvisoryService_Predict_Ranking(t *testing.T) {
	src := &fakeSource{
		forecasts: map[string]models.Forecast{
			"london": forecastFor("London", 18, 10, 0, 0.1),
			"paris":  forecastFor("Paris", 18, 10, 4, 0.9),
			"madrid": forecastFor("Madrid", 20, 5, 0, 0),
		},
		errs:   map[string]error{"berlin": errors.New("connection refused")},
		nearby: []string{"London", "PARIS", "Madrid"},
	}
	st := &memStore{}
	svc := NewAdvisoryService(src, st, nil, RankingOptions{NearbyEnabled: true, MaxConcurrency: 2})

	got, err := svc.Predict(context.Background(), PredictRequest{
		City:             "London",
		Activity:         "picnic",
		CompareLocations: []string{"Paris", "london", "Berlin"},
	})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	want := []models.LocationRanking{
		{City: "London", Score: 2, Recommendation: "Looks like a great day for a picnic!", Status: models.StatusAnalyzed},
		{City: "Madrid", Score: 2, Recommendation: "Looks like a great day for a picnic!", Status: models.StatusAnalyzed},
		{City: "Paris", Score: 0, Recommendation: "Bad for a picnic (Rain)", Status: models.StatusAnalyzed},
		{City: "Berlin", Score: 0, Recommendation: "No data found", Status: models.StatusNoData},
	}
	if len(got.LocationRanking) != len(want) {
		t.Fatalf("LocationRanking = %+v, want %d entries", got.LocationRanking, len(want))
	}
	for i := range want {
		if got.LocationRanking[i] != want[i] {
			t.Errorf("LocationRanking[%d] = %+v, want %+v", i, got.LocationRanking[i], want[i])
		}
	}
	if len(st.records) != 1 || st.records[0].City != "London" {
		t.Errorf("stored records = %+v, want one London record", st.records)
	}
}

// TestAdvisoryService_Predict_IncompleteCandidate verifies a candidate whose
// block lacks a scored field ranks as analyzed with the error result.
func TestAdvisoryService_Predict_IncompleteCandidate(t *testing.T) {
	src := &fakeSource{forecasts: map[string]models.Forecast{
		"london": forecastFor("London", 18, 10, 0, 0.1),
		"oslo":   decodedForecast(t, "Oslo", `{"main":{"temp":5,"feels_like":3,"humidity":70},"wind":{},"pop":0}`),
	}}
	svc := NewAdvisoryService(src, &memStore{}, nil, RankingOptions{})

	got, err := svc.Predict(context.Background(), PredictRequest{City: "London", Activity: "picnic", CompareLocations: []string{"Oslo"}})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	want := models.LocationRanking{City: "Oslo", Score: 0, Recommendation: advisory.ErrorText, Status: models.StatusAnalyzed}
	if len(got.LocationRanking) != 2 || got.LocationRanking[1] != want {
		t.Errorf("LocationRanking = %+v, want Oslo last as %+v", got.LocationRanking, want)
	}
}

// TestAdvisoryService_Predict_NearbyOptional verifies that nearby discovery can be
// disabled and that its failure does not fail the request.
func TestAdvisoryService_Predict_NearbyOptional(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		src     *fakeSource
	}{
		{
			name:    "disabled",
			enabled: false,
			src: &fakeSource{
				forecasts: map[string]models.Forecast{"london": forecastFor("London", 18, 10, 0, 0)},
				nearby:    []string{"Madrid"},
			},
		},
		{
			name:    "lookup fails",
			enabled: true,
			src: &fakeSource{
				forecasts: map[string]models.Forecast{"london": forecastFor("London", 18, 10, 0, 0)},
				nearbyErr: errors.New("find endpoint down"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewAdvisoryService(tc.src, &memStore{}, nil, RankingOptions{NearbyEnabled: tc.enabled})
			got, err := svc.Predict(context.Background(), PredictRequest{City: "London", Activity: "run"})
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if len(got.LocationRanking) != 1 || got.LocationRanking[0].City != "London" {
				t.Errorf("LocationRanking = %+v, want only London", got.LocationRanking)
			}
		})
	}
}

// TestAdvisoryService_Predict_NoActivity verifies the fallback recommendation for
// an empty or unknown activity.
func TestAdvisoryService_Predict_NoActivity(t *testing.T) {
	src := &fakeSource{forecasts: map[string]models.Forecast{"london": forecastFor("London", 18, 10, 0, 0)}}
	svc := NewAdvisoryService(src, &memStore{}, nil, RankingOptions{})

	for _, activity := range []string{"", "juggling"} {
		got, err := svc.Predict(context.Background(), PredictRequest{City: "London", Activity: activity})
		if err != nil {
			t.Fatalf("Predict(%q) error = %v", activity, err)
		}
		if got.ActivityRecommendation != advisory.NoActivityText {
			t.Errorf("Predict(%q) recommendation = %q, want %q", activity, got.ActivityRecommendation, advisory.NoActivityText)
		}
		if got.LocationRanking[0].Score != 0 {
			t.Errorf("Predict(%q) score = %d, want 0", activity, got.LocationRanking[0].Score)
		}
	}
}

// TestAdvisoryService_Predict_StoreFailure verifies that a store error fails the request.
func TestAdvisoryService_Predict_StoreFailure(t *testing.T) {
	src := &fakeSource{forecasts: map[string]models.Forecast{"london": forecastFor("London", 18, 10, 0, 0)}}
	storeErr := errors.New("disk full")
	svc := NewAdvisoryService(src, &memStore{appendErr: storeErr}, nil, RankingOptions{})

	_, err := svc.Predict(context.Background(), PredictRequest{City: "London"})
	if !errors.Is(err, storeErr) {
		t.Fatalf("Predict() error = %v, want %v", err, storeErr)
	}
}

// TestAdvisoryService_List verifies that List returns stored records newest first.
func TestAdvisoryService_List(t *testing.T) {
	src := &fakeSource{forecasts: map[string]models.Forecast{
		"london": forecastFor("London", 18, 10, 0, 0),
		"paris":  forecastFor("Paris", 18, 10, 0, 0),
	}}
	svc := NewAdvisoryService(src, &memStore{}, nil, RankingOptions{})

	for _, city := range []string{"London", "Paris"} {
		if _, err := svc.Predict(context.Background(), PredictRequest{City: city}); err != nil {
			t.Fatalf("Predict(%s) error = %v", city, err)
		}
	}
	got, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].City != "Paris" || got[1].City != "London" {
		t.Errorf("List() = %+v, want [Paris London]", got)
	}
}

// TestRank_StableDescending verifies that ties keep discovery order and that
// unavailable candidates rank with score 0.
func TestRank_StableDescending(t *testing.T) {
	in := []models.CandidateOutcome{
		{City: "A", Score: 1, Recommendation: "a"},
		{City: "B", Err: errors.New("gone")},
		{City: "C", Score: 2, Recommendation: "c"},
		{City: "D", Score: 1, Recommendation: "d"},
		{City: "E", Score: 0, Recommendation: "e"},
	}
	got := rank(in)
	wantOrder := []string{"C", "A", "D", "B", "E"}
	for i, city := range wantOrder {
		if got[i].City != city {
			t.Errorf("rank()[%d].City = %q, want %q", i, got[i].City, city)
		}
	}
	if got[3].Status != models.StatusNoData || got[3].Score != 0 {
		t.Errorf("unavailable entry = %+v", got[3])
	}
}
