package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/observability"
)

// NewRouter mounts the gateway routes. The data endpoints are served both at
// the root and under /api so dashboards built against either layout work.
func NewRouter(h *Handler, logger *zap.Logger, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	withTimeout := func(f http.HandlerFunc) http.Handler {
		if requestTimeout <= 0 {
			return f
		}
		return TimeoutMiddleware(requestTimeout)(f)
	}
	weather, geocode := withTimeout(h.GetWeather), withTimeout(h.GetGeocode)
	for _, prefix := range []string{"", "/api"} {
		router.Handle(prefix+"/weather", weather).Methods(http.MethodGet)
		router.Handle(prefix+"/geocode", geocode).Methods(http.MethodGet)
	}
	return router
}
