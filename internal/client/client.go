package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
)

// ForecastClient is the upstream forecast API as seen by the services.
type ForecastClient interface {
	FetchForecast(ctx context.Context, city string) (models.Forecast, error)
	FindNearby(ctx context.Context, coord models.Coord, count int) ([]string, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// StatusError carries a non-2xx upstream status so the HTTP layer can pass it
// through. Err is the sentinel the status maps to.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: HTTP %d: %s", e.Err, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v: HTTP %d", e.Err, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

const (
	endpointForecast = "forecast"
	endpointFind     = "find"
)

// Options configures an OpenWeatherClient. Zero values fall back to defaults.
type Options struct {
	ForecastURL    string
	FindURL        string
	Timeout        time.Duration
	ForecastCount  int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (o *Options) applyDefaults() {
	if o.ForecastURL == "" {
		o.ForecastURL = "https://api.openweathermap.org/data/2.5/forecast"
	}
	if o.FindURL == "" {
		o.FindURL = "https://api.openweathermap.org/data/2.5/find"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ForecastCount <= 0 {
		o.ForecastCount = 1
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
}

type OpenWeatherClient struct {
	apiKey  string
	opts    Options
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewOpenWeatherClient(apiKey string, opts Options) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	opts.applyDefaults()

	return &OpenWeatherClient{
		apiKey: apiKey,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}, nil
}

// SetCircuitBreaker guards upstream calls with cb. Only failures that say
// something about upstream health count against it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetRateLimiter makes every upstream call wait for a token from l.
func (c *OpenWeatherClient) SetRateLimiter(l *rate.Limiter) {
	c.limiter = l
}

type forecastResponse struct {
	List []json.RawMessage `json:"list"`
	City struct {
		Name  string        `json:"name"`
		Coord *models.Coord `json:"coord"`
	} `json:"city"`
}

type findResponse struct {
	List []struct {
		Name string `json:"name"`
	} `json:"list"`
}

type upstreamError struct {
	Message string `json:"message"`
}

// FetchForecast returns the forecast for city. An empty block list is reported
// as ErrLocationNotFound.
func (c *OpenWeatherClient) FetchForecast(ctx context.Context, city string) (models.Forecast, error) {
	params := url.Values{}
	params.Set("q", city)
	params.Set("cnt", strconv.Itoa(c.opts.ForecastCount))

	body, err := c.getWithRetry(ctx, endpointForecast, c.opts.ForecastURL, params)
	if err != nil {
		return models.Forecast{}, err
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Forecast{}, fmt.Errorf("parse forecast response: %w", err)
	}
	if len(resp.List) == 0 {
		return models.Forecast{}, fmt.Errorf("%w: empty forecast list for %q", ErrLocationNotFound, city)
	}

	name := resp.City.Name
	if name == "" {
		name = city
	}
	return models.Forecast{
		City:   name,
		Coord:  resp.City.Coord,
		Blocks: decodeBlocks(resp.List),
		Raw:    json.RawMessage(body),
	}, nil
}

// decodeBlocks decodes each block on its own. A block with a mistyped field
// decodes as an empty block, which is never Complete, instead of failing the
// whole response.
func decodeBlocks(raw []json.RawMessage) []models.ForecastBlock {
	blocks := make([]models.ForecastBlock, len(raw))
	for i, r := range raw {
		var b models.ForecastBlock
		if err := json.Unmarshal(r, &b); err != nil {
			b = models.ForecastBlock{}
		}
		blocks[i] = b
	}
	return blocks
}

// FindNearby returns up to count city names around coord, in upstream order.
func (c *OpenWeatherClient) FindNearby(ctx context.Context, coord models.Coord, count int) ([]string, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coord.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coord.Lon, 'f', -1, 64))
	params.Set("cnt", strconv.Itoa(count))

	body, err := c.getWithRetry(ctx, endpointFind, c.opts.FindURL, params)
	if err != nil {
		return nil, err
	}

	var resp findResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse find response: %w", err)
	}
	names := make([]string, 0, len(resp.List))
	for _, item := range resp.List {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	return names, nil
}

func (c *OpenWeatherClient) getWithRetry(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.guardedGet(ctx, endpoint, rawURL, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			return nil, err
		}
	}

	if c.opts.RetryAttempts > 1 {
		return nil, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return nil, lastErr
}

func (c *OpenWeatherClient) guardedGet(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream rate limiter: %w", err)
		}
	}
	if c.breaker == nil {
		return c.get(ctx, endpoint, rawURL, params)
	}

	var body []byte
	var callErr error
	err := c.breaker.Call(func() error {
		body, callErr = c.get(ctx, endpoint, rawURL, params)
		if countsAgainstBreaker(callErr) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	return body, callErr
}

func (c *OpenWeatherClient) get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := baseURL.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	baseURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var ue upstreamError
	_ = json.Unmarshal(body, &ue)

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: upstream rejected credentials", ErrInvalidAPIKey)
	case http.StatusNotFound:
		if ue.Message != "" {
			return fmt.Errorf("%w: %s", ErrLocationNotFound, ue.Message)
		}
		return ErrLocationNotFound
	case http.StatusTooManyRequests:
		return &StatusError{StatusCode: statusCode, Message: ue.Message, Err: ErrRateLimited}
	}
	return &StatusError{StatusCode: statusCode, Message: ue.Message, Err: ErrUpstreamFailure}
}

// isRetryable reports whether another attempt could succeed. Nothing is
// retried once the caller's context is done.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return errors.Is(err, ErrRateLimited) || se.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// countsAgainstBreaker excludes outcomes that say nothing about upstream health.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocationNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, ErrInvalidAPIKey)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.opts.RetryMaxDelay) {
		delay = float64(c.opts.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a one-block forecast request for a well-known city and
// reports ErrInvalidAPIKey on 401.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	params.Set("cnt", "1")
	req, err := c.buildRequest(ctx, c.opts.ForecastURL, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// NormalizeCity is the cache and dedup key for a city name.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
