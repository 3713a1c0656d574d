// Package store persists prediction records in a relational database.
// Records are append-only; the store assigns id and timestamp on insert.
package store

import (
	"context"
	"errors"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
)

// Store is the persistence contract used by the advisory service and /health.
type Store interface {
	// Append inserts rec and sets rec.ID and rec.Timestamp. Nothing is
	// written when it returns an error.
	Append(ctx context.Context, rec *models.PredictionRecord) error
	// ListAll returns every record, newest first.
	ListAll(ctx context.Context) ([]models.PredictionRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrInvalidRecord is returned by Append for a record missing required fields.
var ErrInvalidRecord = errors.New("invalid prediction record")

// UnparseableWeather replaces a stored live_weather value that is not valid JSON.
const UnparseableWeather = `{"error":"Could not parse stored weather data."}`
