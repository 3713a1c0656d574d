package advisory

import "math"

// Rainfall intensity labels.
const (
	IntensityNone     = "No Rain"
	IntensityLight    = "Light Rain"
	IntensityModerate = "Moderate Rain"
	IntensityHeavy    = "Heavy Rain"
)

// Rainfall impact labels.
const (
	ImpactNone   = "No Impact"
	ImpactLow    = "Low Impact"
	ImpactMedium = "Medium Impact"
	ImpactHigh   = "High Impact"
)

// Band upper bounds in mm over 3 hours.
const (
	lightRainMaxMM    = 2.5
	moderateRainMaxMM = 10.0
)

// ClassifyRainfall maps a 3-hour rainfall volume to (intensity, impact).
// Non-positive and NaN volumes are no rain.
func ClassifyRainfall(mm float64) (intensity, impact string) {
	switch {
	case math.IsNaN(mm) || mm <= 0:
		return IntensityNone, ImpactNone
	case mm <= lightRainMaxMM:
		return IntensityLight, ImpactLow
	case mm <= moderateRainMaxMM:
		return IntensityModerate, ImpactMedium
	default:
		return IntensityHeavy, ImpactHigh
	}
}
