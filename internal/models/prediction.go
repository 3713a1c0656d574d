package models

import (
	"encoding/json"
	"time"
)

// PredictionRecord is a persisted advisory for an anchor city. Records are
// append-only: the store assigns ID and Timestamp on insert and never updates them.
type PredictionRecord struct {
	ID                     int64           `json:"id"`
	City                   string          `json:"city"`
	LiveWeather            json.RawMessage `json:"live_weather"`
	MLPredictionText       string          `json:"ml_prediction_text"`
	APIForecastTemp        float64         `json:"api_forecast_temp"`
	APIForecastAmountMM    float64         `json:"api_forecast_amount_mm"`
	IntensityTag           string          `json:"intensity_tag"`
	ImpactIndex            string          `json:"impact_index"`
	APIFeelsLike           float64         `json:"api_feels_like"`
	APIHumidity            float64         `json:"api_humidity"`
	APIWindSpeed           float64         `json:"api_wind_speed"`
	APIPop                 float64         `json:"api_pop"`
	ActivityRecommendation string          `json:"activity_recommendation"`
	Timestamp              time.Time       `json:"timestamp"`
}

// CandidateStatus is the ranking status shown for a candidate city.
type CandidateStatus string

const (
	StatusAnalyzed CandidateStatus = "Analyzed"
	StatusNoData   CandidateStatus = "No data found"
)

// LocationRanking is one row of the response-only candidate ranking.
type LocationRanking struct {
	City           string          `json:"city"`
	Score          int             `json:"score"`
	Recommendation string          `json:"recommendation"`
	Status         CandidateStatus `json:"status"`
}

// CandidateOutcome is the result of evaluating one candidate city. Err is set
// when the city could not be analyzed; Score and Recommendation are then unused.
type CandidateOutcome struct {
	City           string
	Recommendation string
	Score          int
	Err            error
}

// Available reports whether the candidate was analyzed.
func (o CandidateOutcome) Available() bool {
	return o.Err == nil
}

// Ranking renders the outcome in its response shape. Unavailable candidates
// rank with score 0.
func (o CandidateOutcome) Ranking() LocationRanking {
	if !o.Available() {
		return LocationRanking{
			City:           o.City,
			Score:          0,
			Recommendation: string(StatusNoData),
			Status:         StatusNoData,
		}
	}
	return LocationRanking{
		City:           o.City,
		Score:          o.Score,
		Recommendation: o.Recommendation,
		Status:         StatusAnalyzed,
	}
}

// PredictionResponse is the /predict success body: the stored record plus the
// candidate ranking.
type PredictionResponse struct {
	PredictionRecord
	LocationRanking []LocationRanking `json:"location_ranking"`
}
