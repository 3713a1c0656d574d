package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-advisory-service/internal/cache"
	"github.com/kjstillabower/rain-advisory-service/internal/client"
	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
)

// ForecastService serves forecasts cache-aside in front of the upstream client.
// Concurrent misses for the same city share one upstream call when coalescing is on.
type ForecastService struct {
	client          client.ForecastClient
	cache           cache.Cache
	ttl             time.Duration
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer
}

// NewForecastService wires the client and cache. A zero coalesceTimeout
// disables request coalescing; a nil cache disables caching.
func NewForecastService(c client.ForecastClient, fc cache.Cache, ttl, coalesceTimeout time.Duration) *ForecastService {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &ForecastService{
		client:          c,
		cache:           fc,
		ttl:             ttl,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// GetForecast returns the forecast for city from cache, or fetches and caches it.
// Cache failures are logged and treated as misses.
func (s *ForecastService) GetForecast(ctx context.Context, city string) (models.Forecast, error) {
	key := client.NormalizeCity(city)
	logger := observability.LoggerFromContext(ctx)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			logger.Warn("cache get failed", zap.String("city", key), zap.Error(err))
		case ok:
			observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
			logger.Debug("cache hit", zap.String("city", key))
			return cached, nil
		}
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	if n := s.stampedeTracker.RecordMiss(key); n > 1 {
		logger.Debug("concurrent cache misses", zap.String("city", key), zap.Int("misses", n))
	}
	defer s.stampedeTracker.Resolve(key)

	var (
		data models.Forecast
		err  error
	)
	if s.coalescer != nil {
		var shared bool
		data, shared, err = s.coalescer.GetOrDo(ctx, key, func(fctx context.Context) (models.Forecast, error) {
			return s.fetchAndStore(fctx, key, city)
		})
		if shared {
			observability.CoalescedFetchesTotal.Inc()
		}
	} else {
		data, err = s.fetchAndStore(ctx, key, city)
	}
	if err != nil {
		return models.Forecast{}, fmt.Errorf("fetch forecast for %s: %w", key, err)
	}
	return data, nil
}

func (s *ForecastService) fetchAndStore(ctx context.Context, key, city string) (models.Forecast, error) {
	data, err := s.client.FetchForecast(ctx, city)
	if err != nil {
		return models.Forecast{}, err
	}
	if s.cache != nil {
		if setErr := s.cache.Set(ctx, key, data, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			observability.LoggerFromContext(ctx).Warn("cache set failed", zap.String("city", key), zap.Error(setErr))
		}
	}
	return data, nil
}

// FindNearby passes through to the client; nearby lists are not cached.
func (s *ForecastService) FindNearby(ctx context.Context, coord models.Coord, count int) ([]string, error) {
	return s.client.FindNearby(ctx, coord, count)
}
