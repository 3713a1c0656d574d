package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// timestampLayout is fixed-width UTC so that text ordering equals time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store on PostgreSQL (lib/pq) or SQLite (modernc.org/sqlite).
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// predictionRow mirrors the predictions table.
type predictionRow struct {
	ID                     int64   `db:"id"`
	City                   string  `db:"city"`
	LiveWeather            string  `db:"live_weather"`
	MLPredictionText       string  `db:"ml_prediction_text"`
	APIForecastTemp        float64 `db:"api_forecast_temp"`
	APIForecastAmountMM    float64 `db:"api_forecast_amount_mm"`
	IntensityTag           string  `db:"intensity_tag"`
	ImpactIndex            string  `db:"impact_index"`
	APIFeelsLike           float64 `db:"api_feels_like"`
	APIHumidity            float64 `db:"api_humidity"`
	APIWindSpeed           float64 `db:"api_wind_speed"`
	APIPop                 float64 `db:"api_pop"`
	ActivityRecommendation string  `db:"activity_recommendation"`
	CreatedAt              string  `db:"created_at"`
}

// driverFor picks the driver for a database URL. postgres:// and postgresql://
// URLs go to lib/pq; anything else is a SQLite file path or file: URI.
func driverFor(url string) (driver, dsn string) {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return driverPostgres, url
	}
	return driverSQLite, url
}

// Open connects to url, verifies the connection, and creates the predictions
// table if it does not exist.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("open store: database url is empty")
	}
	driver, dsn := driverFor(url)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == driverSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent /predict.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s store: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) bootstrap(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == driverPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	schema := `CREATE TABLE IF NOT EXISTS predictions (
	` + idColumn + `,
	city TEXT NOT NULL,
	live_weather TEXT NOT NULL,
	ml_prediction_text TEXT NOT NULL,
	api_forecast_temp DOUBLE PRECISION NOT NULL DEFAULT 0,
	api_forecast_amount_mm DOUBLE PRECISION NOT NULL DEFAULT 0,
	intensity_tag TEXT NOT NULL,
	impact_index TEXT NOT NULL,
	api_feels_like DOUBLE PRECISION NOT NULL DEFAULT 0,
	api_humidity DOUBLE PRECISION NOT NULL DEFAULT 0,
	api_wind_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
	api_pop DOUBLE PRECISION NOT NULL DEFAULT 0,
	activity_recommendation TEXT NOT NULL,
	created_at TEXT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap predictions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions (created_at)`); err != nil {
		return fmt.Errorf("bootstrap predictions index: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, rec *models.PredictionRecord) (err error) {
	defer func() { recordOp("append", err) }()

	if rec == nil || strings.TrimSpace(rec.City) == "" {
		return fmt.Errorf("%w: city is required", ErrInvalidRecord)
	}
	liveWeather := "null"
	if len(rec.LiveWeather) > 0 {
		liveWeather = string(rec.LiveWeather)
	}
	ts := s.now().UTC().Truncate(time.Microsecond)

	query := s.db.Rebind(`INSERT INTO predictions (
	city, live_weather, ml_prediction_text, api_forecast_temp, api_forecast_amount_mm,
	intensity_tag, impact_index, api_feels_like, api_humidity, api_wind_speed, api_pop,
	activity_recommendation, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowxContext(ctx, query,
		rec.City, liveWeather, rec.MLPredictionText, rec.APIForecastTemp, rec.APIForecastAmountMM,
		rec.IntensityTag, rec.ImpactIndex, rec.APIFeelsLike, rec.APIHumidity, rec.APIWindSpeed, rec.APIPop,
		rec.ActivityRecommendation, ts.Format(timestampLayout),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit prediction: %w", err)
	}

	rec.ID = id
	rec.Timestamp = ts
	return nil
}

func (s *SQLStore) ListAll(ctx context.Context) (_ []models.PredictionRecord, err error) {
	defer func() { recordOp("list", err) }()

	var rows []predictionRow
	err = s.db.SelectContext(ctx, &rows, `SELECT
	id, city, live_weather, ml_prediction_text, api_forecast_temp, api_forecast_amount_mm,
	intensity_tag, impact_index, api_feels_like, api_humidity, api_wind_speed, api_pop,
	activity_recommendation, created_at
FROM predictions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}

	out := make([]models.PredictionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r predictionRow) record() (models.PredictionRecord, error) {
	ts, err := time.Parse(timestampLayout, r.CreatedAt)
	if err != nil {
		return models.PredictionRecord{}, fmt.Errorf("prediction %d: parse created_at %q: %w", r.ID, r.CreatedAt, err)
	}
	live := json.RawMessage(r.LiveWeather)
	if !json.Valid(live) {
		live = json.RawMessage(UnparseableWeather)
	}
	return models.PredictionRecord{
		ID:                     r.ID,
		City:                   r.City,
		LiveWeather:            live,
		MLPredictionText:       r.MLPredictionText,
		APIForecastTemp:        r.APIForecastTemp,
		APIForecastAmountMM:    r.APIForecastAmountMM,
		IntensityTag:           r.IntensityTag,
		ImpactIndex:            r.ImpactIndex,
		APIFeelsLike:           r.APIFeelsLike,
		APIHumidity:            r.APIHumidity,
		APIWindSpeed:           r.APIWindSpeed,
		APIPop:                 r.APIPop,
		ActivityRecommendation: r.ActivityRecommendation,
		Timestamp:              ts,
	}, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func recordOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	observability.StoreOperationsTotal.WithLabelValues(op, result).Inc()
}
