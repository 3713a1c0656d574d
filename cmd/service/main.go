package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-advisory-service/internal/advisory"
	"github.com/kjstillabower/rain-advisory-service/internal/cache"
	"github.com/kjstillabower/rain-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/rain-advisory-service/internal/client"
	"github.com/kjstillabower/rain-advisory-service/internal/config"
	httphandler "github.com/kjstillabower/rain-advisory-service/internal/http"
	"github.com/kjstillabower/rain-advisory-service/internal/lifecycle"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
	"github.com/kjstillabower/rain-advisory-service/internal/service"
	"github.com/kjstillabower/rain-advisory-service/internal/store"
)

// forecastCache is a cache backend with a health probe and a close hook.
type forecastCache interface {
	cache.Cache
	cache.Pinger
}

type nopCloser struct{ *cache.InMemoryCache }

func (nopCloser) Close() error { return nil }

// newCache builds the configured cache backend. The returned close func is never nil.
func newCache(cfg *config.Config) (forecastCache, func() error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		return mc, mc.Close
	case "redis":
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.RedisTimeout,
		})
		return rc, rc.Close
	default:
		c := nopCloser{cache.NewInMemoryCache()}
		return c, c.Close
	}
}

// newForecastClient builds the upstream client with the optional breaker and
// outbound limiter.
func newForecastClient(cfg *config.Config, logger *zap.Logger) (*client.OpenWeatherClient, error) {
	c, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, client.Options{
		ForecastURL:    cfg.ForecastURL,
		FindURL:        cfg.FindURL,
		Timeout:        cfg.WeatherAPITimeout,
		ForecastCount:  cfg.ForecastCount,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "weather_api",
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		c.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues("weather_api").Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	if cfg.WeatherAPIRPS > 0 {
		burst := cfg.WeatherAPIBurst
		if burst <= 0 {
			burst = 1
		}
		c.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.WeatherAPIRPS), burst))
		logger.Info("outbound rate limit enabled", zap.Float64("rps", cfg.WeatherAPIRPS), zap.Int("burst", burst))
	}
	return c, nil
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	lifecycle.MarkStarting(cfg.ReadyDelay)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	predictions, err := store.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}

	weatherClient, err := newForecastClient(cfg, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if err := weatherClient.ValidateAPIKey(startCtx); err != nil {
		logger.Warn("weather API key check failed", zap.Error(err))
	}

	fcache, closeCache := newCache(cfg)
	if err := fcache.Ping(startCtx); err != nil {
		logger.Warn("cache unreachable at startup", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	forecasts := service.NewForecastService(weatherClient, fcache, cfg.CacheTTL, cfg.CoalesceTimeout)
	advisoryService := service.NewAdvisoryService(forecasts, predictions, advisory.PopPredictor{}, service.RankingOptions{
		NearbyEnabled:       cfg.NearbyEnabled,
		NearbyCount:         cfg.NearbyCount,
		MaxConcurrency:      cfg.RankingConcurrency,
		MaxCompareLocations: cfg.MaxCompareLocations,
		CityMaxLength:       cfg.CityMaxLength,
	})

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StorePing:            predictions.Ping,
		CachePing:            fcache.Ping,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(advisoryService, healthConfig, logger, limiter)
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewCacheWarmer(forecasts, logger)
		if err := warmer.Warm(startCtx, cfg.WarmCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(warmCtx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := httphandler.NewRouter(handler, logger, httphandler.RouterOptions{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("store_driver", predictions.Driver()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	stopWarming()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := closeCache(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := predictions.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

