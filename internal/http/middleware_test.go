package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-advisory-service/internal/observability"
	"github.com/kjstillabower/rain-advisory-service/internal/traffic"
)

// TestCorrelationIDMiddleware_GeneratesAndPropagates verifies that a missing ID
// is generated, an incoming ID is reused, and both reach the context and logger.
func TestCorrelationIDMiddleware_GeneratesAndPropagates(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		observability.LoggerFromContext(r.Context()).Info("inside")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	generated := w.Header().Get("X-Correlation-ID")
	if generated == "" || generated != seen {
		t.Errorf("generated ID header %q, context %q", generated, seen)
	}

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-ID"); got != "abc-123" || seen != "abc-123" {
		t.Errorf("reused ID header %q, context %q, want abc-123", got, seen)
	}

	entries := logs.FilterMessage("inside").All()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	if got := entries[1].ContextMap()["correlation_id"]; got != "abc-123" {
		t.Errorf("logged correlation_id = %v, want abc-123", got)
	}
}

// TestMetricsMiddleware_RouteTemplate verifies that metrics use the route template.
func TestMetricsMiddleware_RouteTemplate(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/test/{action}", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test/load", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
	if route != "/test/{action}" {
		t.Errorf("route = %q, want /test/{action}", route)
	}
	if got := getRoute(httptest.NewRequest("GET", "/nowhere", nil)); got != "unmatched" {
		t.Errorf("getRoute(unrouted) = %q, want unmatched", got)
	}
}

// TestMetricsMiddleware_TracksInFlight verifies the in-flight count during a request.
func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	var during int64
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if during < 1 {
		t.Errorf("in-flight during request = %d, want >= 1", during)
	}
	if got := InFlightCount(); got != 0 {
		t.Errorf("in-flight after request = %d, want 0", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 201: "2xx", 404: "4xx", 503: "5xx"} {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

// TestTimeoutMiddleware_CancelsContextAfterTimeout verifies the deadline reaches handlers.
func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	var ctxErr error
	h := TimeoutMiddleware(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			ctxErr = r.Context().Err()
		case <-time.After(time.Second):
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if ctxErr != context.DeadlineExceeded {
		t.Errorf("context error = %v, want DeadlineExceeded", ctxErr)
	}
}

// TestRateLimitMiddleware_Returns429WhenExceeded verifies the 429 body and that
// denials are recorded for /health.
func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(rate.NewLimiter(rate.Limit(1), 1)))
	router.HandleFunc("/all", func(w http.ResponseWriter, r *http.Request) {})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/all", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("GET", "/all", nil))

	if first.Code != http.StatusOK {
		t.Errorf("first status = %d, want 200", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	var body errorBody
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" || body.Error.RequestID == "" {
		t.Errorf("error body = %+v", body.Error)
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("denials = %d, want 1", got)
	}
}

// TestRateLimitMiddleware_NilLimiterPassesThrough verifies the disabled limiter.
func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
}

// TestNewRouter_HealthNotRateLimited verifies that /health and /metrics bypass
// the limiter while /all is limited.
func TestNewRouter_HealthNotRateLimited(t *testing.T) {
	env := newTestEnv(t, nil, rate.NewLimiter(rate.Limit(0.001), 1), nil)

	if w := env.do(t, "GET", "/all", ""); w.Code != http.StatusOK {
		t.Fatalf("first /all status = %d, want 200", w.Code)
	}
	if w := env.do(t, "GET", "/all", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second /all status = %d, want 429", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := env.do(t, "GET", "/health", ""); w.Code != http.StatusOK {
			t.Errorf("/health status = %d, want 200", w.Code)
		}
	}
	if w := env.do(t, "GET", "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
}
