package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-advisory-service/internal/advisory"
	"github.com/kjstillabower/rain-advisory-service/internal/client"
	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
	"github.com/kjstillabower/rain-advisory-service/internal/store"
	"github.com/kjstillabower/rain-advisory-service/internal/validation"
)

var (
	// ErrInvalidInput wraps every request validation failure. Nothing is fetched
	// or stored when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedForecast is returned when the anchor city's first forecast
	// block lacks fields needed to build a record.
	ErrMalformedForecast = errors.New("malformed forecast block")
)

// ForecastSource is what the advisory service needs from the forecast layer.
type ForecastSource interface {
	GetForecast(ctx context.Context, city string) (models.Forecast, error)
	FindNearby(ctx context.Context, coord models.Coord, count int) ([]string, error)
}

// RankingOptions bounds candidate discovery and evaluation.
type RankingOptions struct {
	NearbyEnabled       bool
	NearbyCount         int
	MaxConcurrency      int
	MaxCompareLocations int
	CityMaxLength       int
}

// PredictRequest is the input to Predict.
type PredictRequest struct {
	City             string
	Activity         string
	CompareLocations []string
}

// AdvisoryService builds, ranks and persists activity advisories.
type AdvisoryService struct {
	forecasts ForecastSource
	store     store.Store
	predictor advisory.Predictor
	opts      RankingOptions
}

// NewAdvisoryService returns an AdvisoryService. A nil predictor defaults to
// advisory.PopPredictor; non-positive options fall back to defaults.
func NewAdvisoryService(forecasts ForecastSource, st store.Store, predictor advisory.Predictor, opts RankingOptions) *AdvisoryService {
	if predictor == nil {
		predictor = advisory.PopPredictor{}
	}
	if opts.NearbyCount <= 0 {
		opts.NearbyCount = 6
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.CityMaxLength <= 0 {
		opts.CityMaxLength = 100
	}
	return &AdvisoryService{
		forecasts: forecasts,
		store:     st,
		predictor: predictor,
		opts:      opts,
	}
}

// Predict validates the request, fetches the anchor forecast, ranks the anchor
// against comparison and nearby cities, and persists one record for the anchor.
// Any failure on the anchor path is returned and nothing is stored; candidate
// failures only demote that candidate to "No data found".
func (s *AdvisoryService) Predict(ctx context.Context, req PredictRequest) (models.PredictionResponse, error) {
	city, err := validation.ValidateCity(req.City, 1, s.opts.CityMaxLength)
	if err != nil {
		return models.PredictionResponse{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	compare, err := validation.ValidateCityList(req.CompareLocations, s.opts.MaxCompareLocations, 1, s.opts.CityMaxLength)
	if err != nil {
		return models.PredictionResponse{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	activity := advisory.ParseActivity(req.Activity)
	logger := observability.LoggerFromContext(ctx)

	anchor, err := s.forecasts.GetForecast(ctx, city)
	if err != nil {
		return models.PredictionResponse{}, err
	}
	block, ok := anchor.First()
	if !ok {
		return models.PredictionResponse{}, fmt.Errorf("forecast for %s: %w", city, client.ErrLocationNotFound)
	}
	if !block.Complete() || !block.HasTemp() {
		return models.PredictionResponse{}, fmt.Errorf("forecast for %s: %w", city, ErrMalformedForecast)
	}

	recommendation, score := advisory.Score(activity, block)
	anchorOutcome := models.CandidateOutcome{City: city, Recommendation: recommendation, Score: score}

	candidates := s.candidates(ctx, city, anchor, compare)
	outcomes := s.evaluate(ctx, activity, candidates)
	ranking := rank(append([]models.CandidateOutcome{anchorOutcome}, outcomes...))

	intensity, impact := advisory.ClassifyRainfall(block.RainMM())
	rec := models.PredictionRecord{
		City:                   city,
		LiveWeather:            anchor.Raw,
		MLPredictionText:       s.predictor.Predict(block),
		APIForecastTemp:        block.Main.Temp,
		APIForecastAmountMM:    block.RainMM(),
		IntensityTag:           intensity,
		ImpactIndex:            impact,
		APIFeelsLike:           block.Main.FeelsLike,
		APIHumidity:            block.Main.Humidity,
		APIWindSpeed:           block.Wind.Speed,
		APIPop:                 block.Pop,
		ActivityRecommendation: recommendation,
	}
	if err := s.store.Append(ctx, &rec); err != nil {
		return models.PredictionResponse{}, fmt.Errorf("store prediction for %s: %w", city, err)
	}

	observability.PredictionsTotal.WithLabelValues(string(activity)).Inc()
	logger.Info("prediction stored",
		zap.Int64("id", rec.ID),
		zap.String("city", city),
		zap.String("activity", string(activity)),
		zap.Int("candidates", len(ranking)),
	)
	return models.PredictionResponse{PredictionRecord: rec, LocationRanking: ranking}, nil
}

// List returns every stored prediction, newest first.
func (s *AdvisoryService) List(ctx context.Context) ([]models.PredictionRecord, error) {
	return s.store.ListAll(ctx)
}

// candidates returns the comparison cities followed by nearby cities, without
// the anchor and without case-insensitive duplicates.
func (s *AdvisoryService) candidates(ctx context.Context, anchorCity string, anchor models.Forecast, compare []string) []string {
	seen := map[string]struct{}{
		client.NormalizeCity(anchorCity):  {},
		client.NormalizeCity(anchor.City): {},
	}
	var out []string
	add := func(names []string) {
		for _, name := range names {
			key := client.NormalizeCity(name)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, name)
		}
	}
	add(compare)

	if s.opts.NearbyEnabled && anchor.Coord != nil {
		nearby, err := s.forecasts.FindNearby(ctx, *anchor.Coord, s.opts.NearbyCount)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("nearby lookup failed",
				zap.String("city", anchorCity),
				zap.String("error_category", string(client.CategorizeError(err))),
				zap.Error(err),
			)
		} else {
			add(nearby)
		}
	}
	return out
}

// evaluate scores every candidate concurrently. Results keep the order of
// cities; a failed fetch is recorded in the outcome, never returned.
func (s *AdvisoryService) evaluate(ctx context.Context, activity advisory.Activity, cities []string) []models.CandidateOutcome {
	outcomes := make([]models.CandidateOutcome, len(cities))
	sem := make(chan struct{}, s.opts.MaxConcurrency)
	var wg sync.WaitGroup
	for i, city := range cities {
		wg.Add(1)
		go func(i int, city string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = models.CandidateOutcome{City: city, Err: ctx.Err()}
				return
			}
			outcomes[i] = s.evaluateOne(ctx, activity, city)
		}(i, city)
	}
	wg.Wait()
	return outcomes
}

func (s *AdvisoryService) evaluateOne(ctx context.Context, activity advisory.Activity, city string) models.CandidateOutcome {
	forecast, err := s.forecasts.GetForecast(ctx, city)
	if err != nil {
		observability.LoggerFromContext(ctx).Debug("candidate unavailable",
			zap.String("city", city),
			zap.String("error_category", string(client.CategorizeError(err))),
		)
		return models.CandidateOutcome{City: city, Err: err}
	}
	block, ok := forecast.First()
	if !ok {
		return models.CandidateOutcome{City: city, Err: client.ErrLocationNotFound}
	}
	text, score := advisory.Score(activity, block)
	return models.CandidateOutcome{City: city, Recommendation: text, Score: score}
}

// rank renders outcomes and sorts them by score, highest first. Ties keep
// discovery order, so the anchor wins ties.
func rank(outcomes []models.CandidateOutcome) []models.LocationRanking {
	ranking := make([]models.LocationRanking, len(outcomes))
	unavailable := 0
	for i, o := range outcomes {
		ranking[i] = o.Ranking()
		if !o.Available() {
			unavailable++
		}
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Score > ranking[j].Score
	})
	observability.RankingCandidates.Observe(float64(len(ranking)))
	observability.RankingUnavailableTotal.Add(float64(unavailable))
	return ranking
}
