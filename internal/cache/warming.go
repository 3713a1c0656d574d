package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
)

// ForecastFetcher is implemented by the service layer to fetch (and cache) a
// city's forecast. It keeps this package free of a dependency on service.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, city string) (models.Forecast, error)
}

// CacheWarmer prefetches forecasts for a fixed list of cities.
type CacheWarmer struct {
	fetcher ForecastFetcher
	logger  *zap.Logger
}

func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every city concurrently through the fetcher, which populates
// the cache. Failures are joined into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming forecast cache", zap.Int("cities", len(cities)))

	var wg sync.WaitGroup
	errs := make([]error, len(cities))
	for i, city := range cities {
		wg.Add(1)
		go func(i int, city string) {
			defer wg.Done()
			if _, err := w.fetcher.GetForecast(ctx, city); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
			}
		}(i, city)
	}
	wg.Wait()

	err := errors.Join(errs...)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Bool("failed", err != nil),
		zap.Float64("duration_seconds", duration),
	)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, cities []string, interval time.Duration) error {
	if err := w.Warm(ctx, cities); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cities); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
