package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/rain-advisory-service/internal/observability"
)

// RouterOptions controls middleware and optional routes.
type RouterOptions struct {
	RequestTimeout time.Duration
	TestingMode    bool
}

// NewRouter registers every route on a gorilla/mux router. /predict and /all
// are rate limited and bounded by the request timeout; /health and /metrics are not.
func NewRouter(h *Handler, logger *zap.Logger, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(h.rateLimiter))
	if opts.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	api.HandleFunc("/predict", h.PostPredict).Methods(http.MethodPost)
	api.HandleFunc("/all", h.GetAll).Methods(http.MethodGet)

	if opts.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}
