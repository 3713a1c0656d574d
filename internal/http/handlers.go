package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-advisory-service/internal/client"
	"github.com/kjstillabower/rain-advisory-service/internal/lifecycle"
	"github.com/kjstillabower/rain-advisory-service/internal/models"
	"github.com/kjstillabower/rain-advisory-service/internal/observability"
	"github.com/kjstillabower/rain-advisory-service/internal/service"
	"github.com/kjstillabower/rain-advisory-service/internal/traffic"
	"github.com/kjstillabower/rain-advisory-service/internal/validation"
)

const maxPredictBodyBytes = 1 << 20

// HealthConfig holds thresholds and dependency checks for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// StorePing is required for a healthy status when set.
	StorePing func(ctx context.Context) error
	// CachePing reports cache reachability; a failing cache is reported but not fatal.
	CachePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	advisoryService  *service.AdvisoryService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	advisoryService *service.AdvisoryService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		advisoryService: advisoryService,
		healthConfig:    healthConfig,
		logger:          logger,
		rateLimiter:     rateLimiter,
	}
}

// cityList accepts compare_locations as either a comma-separated string or an
// array of strings.
type cityList []string

func (c *cityList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = validation.SplitCityList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.New("compare_locations must be a string or an array of strings")
	}
	*c = list
	return nil
}

type predictRequest struct {
	City             string   `json:"city"`
	Activity         string   `json:"activity"`
	CompareLocations cityList `json:"compare_locations"`
}

// PostPredict handles POST /predict.
func (h *Handler) PostPredict(w http.ResponseWriter, r *http.Request) {
	var body predictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPredictBodyBytes))
	if err := dec.Decode(&body); err != nil {
		observability.LoggerFromContext(r.Context()).Debug("invalid predict body", zap.Error(err))
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object")
		traffic.RecordSuccess()
		return
	}

	result, err := h.advisoryService.Predict(r.Context(), service.PredictRequest{
		City:             body.City,
		Activity:         body.Activity,
		CompareLocations: body.CompareLocations,
	})
	if err != nil {
		writePredictError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusCreated, result)
}

// GetAll handles GET /all.
func (h *Handler) GetAll(w http.ResponseWriter, r *http.Request) {
	records, err := h.advisoryService.List(r.Context())
	if err != nil {
		traffic.RecordError()
		observability.LoggerFromContext(r.Context()).Error("list predictions failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to load predictions")
		return
	}
	if records == nil {
		records = []models.PredictionRecord{}
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, records)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.reason == "error_rate_breach" {
		checks["weatherApi"] = "unhealthy"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.healthConfig != nil {
		if h.healthConfig.StorePing != nil {
			checks["store"] = pingStatus(r.Context(), h.healthConfig.StorePing)
		}
		if h.healthConfig.CachePing != nil {
			checks["cache"] = pingStatus(r.Context(), h.healthConfig.CachePing)
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func pingStatus(ctx context.Context, ping func(context.Context) error) string {
	if ping(ctx) == nil {
		return "healthy"
	}
	return "unhealthy"
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > store unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}
		}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		s := traffic.Snapshot(h.healthConfig.DegradedWindow)
		if s.Successes+s.Errors > 0 && s.ErrorPct() >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writePredictError maps a Predict error to a status and a safe message.
// Upstream status codes pass through; everything unexpected is a generic 500.
func writePredictError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	var se *client.StatusError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		traffic.RecordSuccess()
		msg := strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": ")
		logger.Debug("invalid predict request", zap.String("reason", msg))
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", msg)
	case errors.Is(err, client.ErrLocationNotFound):
		traffic.RecordSuccess()
		logger.Debug("city not found", zap.Error(err))
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "City not found or no forecast available")
	case errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode <= 599:
		traffic.RecordError()
		logger.Warn("upstream error", zap.Int("upstream_status", se.StatusCode), zap.Error(err))
		code := "UPSTREAM_ERROR"
		if se.StatusCode == http.StatusTooManyRequests {
			code = "RATE_LIMITED"
		}
		writeError(w, r, se.StatusCode, code, "Weather service returned status "+strconv.Itoa(se.StatusCode))
	default:
		traffic.RecordError()
		logger.Error("prediction failed",
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}

// GetTestStatus handles GET /test. Returns the traffic counters used by /health.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"action":  "reset",
			"message": "All simulated state cleared",
		})
	case "shutdown":
		lifecycle.SetShuttingDown(true)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"action":  "shutdown",
			"message": "Shutting-down flag set",
		})
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func decodeCount(r *http.Request, fallback int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return fallback
	}
	return body.Count
}

// postTestLoad records count simulated requests through the rate limiter, if any.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 10)
	var accepted, denied int
	for i := 0; i < count; i++ {
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			denied++
			continue
		}
		traffic.RecordSuccess()
		accepted++
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    h.computeHealthStatus(r.Context()).status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError records count simulated errors.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 1)
	for i := 0; i < count; i++ {
		traffic.RecordError()
	}
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, total := traffic.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(count) + " errors",
		"state":          h.computeHealthStatus(r.Context()).status,
		"error_rate_pct": pct,
	})
}
