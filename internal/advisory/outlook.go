package advisory

import (
	"fmt"
	"math"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
)

// Predictor produces the rain outlook text stored as ml_prediction_text.
type Predictor interface {
	Predict(block models.ForecastBlock) string
}

// PopPredictor derives the outlook from the block's probability of precipitation.
type PopPredictor struct{}

// Predict implements Predictor.
func (PopPredictor) Predict(block models.ForecastBlock) string {
	return RainOutlook(block.Pop)
}

// RainOutlook renders a probability of precipitation (0-1) as outlook text.
// The percentage is truncated, not rounded.
func RainOutlook(pop float64) string {
	if math.IsNaN(pop) || pop < 0 {
		pop = 0
	}
	pct := int(pop * 100)
	switch {
	case pct > 50:
		return fmt.Sprintf("Yes, it will likely rain. Our model shows a %d%% probability.", pct)
	case pct > 10:
		return fmt.Sprintf("A slight chance of rain. Our model shows a %d%% probability.", pct)
	default:
		return fmt.Sprintf("No, it will likely stay dry. Our model shows only a %d%% probability.", pct)
	}
}
