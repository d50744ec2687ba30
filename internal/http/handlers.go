package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/client"
	"github.com/kjstillabower/weatherdash/internal/lifecycle"
	"github.com/kjstillabower/weatherdash/internal/observability"
	"github.com/kjstillabower/weatherdash/internal/ratelimit"
	"github.com/kjstillabower/weatherdash/internal/service"
	"github.com/kjstillabower/weatherdash/internal/traffic"
	"github.com/kjstillabower/weatherdash/internal/validation"
)

// Error codes of the gateway envelope.
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternalError = "INTERNAL_ERROR"
	CodeUpstreamError = "UPSTREAM_ERROR"
)

// RateLimiter is the inbound per-client gate.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string, window time.Duration, maxRequests int) bool
}

// Limits holds per-request policy.
type Limits struct {
	RateWindow      time.Duration
	RateMax         int
	SearchMinLength int
	SearchMaxLength int
}

// HealthConfig holds the inputs of the health handler.
type HealthConfig struct {
	ErrorWindow time.Duration
	ErrorPct    int
	// CachePing, when set, checks payload cache reachability (memcached).
	CachePing func() error
	// RateStorePing, when set, checks the shared rate-limit store (redis).
	RateStorePing func(ctx context.Context) error
}

// Handler serves the gateway endpoints.
type Handler struct {
	svc       *service.GatewayService
	limiter   RateLimiter
	limits    Limits
	traffic   *traffic.Tracker
	lifecycle *lifecycle.State
	health    HealthConfig
	logger    *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler. tracker and state may be nil; zero limits
// take the gateway defaults.
func NewHandler(
	svc *service.GatewayService,
	limiter RateLimiter,
	limits Limits,
	health HealthConfig,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	logger *zap.Logger,
) *Handler {
	if tracker == nil {
		tracker = traffic.NewTracker(nil)
	}
	if state == nil {
		state = &lifecycle.State{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.RateWindow <= 0 {
		limits.RateWindow = ratelimit.DefaultWindow
	}
	if limits.RateMax <= 0 {
		limits.RateMax = ratelimit.DefaultMaxRequests
	}
	if limits.SearchMinLength <= 0 {
		limits.SearchMinLength = 2
	}
	if limits.SearchMaxLength <= 0 {
		limits.SearchMaxLength = 100
	}
	return &Handler{
		svc:       svc,
		limiter:   limiter,
		limits:    limits,
		traffic:   tracker,
		lifecycle: state,
		health:    health,
		logger:    logger,
	}
}

// GetWeather handles GET /weather?lat=&lon=&type=current|forecast.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, h.logger, "api/weather")
	params := r.URL.Query()
	typ := string(validation.TypeCurrent)
	if params.Has("type") {
		typ = params.Get("type")
	}
	logger.Info("request received",
		zap.String("lat", params.Get("lat")),
		zap.String("lon", params.Get("lon")),
		zap.String("type", typ))

	q, err := validation.ParseWeatherQuery(params.Get("lat"), params.Get("lon"), typ)
	if err != nil {
		h.writeInputError(w, logger, err)
		return
	}
	if !h.allow(w, r, logger, "weather", "Too many requests. Please wait a moment.") {
		return
	}
	if !h.svc.HasCredentials() {
		logger.Error("missing upstream API key", zap.String("env", "OPENWEATHERMAP_API_KEY"))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Weather service is not configured")
		return
	}

	var body []byte
	if q.Type == validation.TypeForecast {
		body, err = h.svc.Forecast(r.Context(), q.Lat, q.Lon)
	} else {
		body, err = h.svc.CurrentWeather(r.Context(), q.Lat, q.Lon)
	}
	if err != nil {
		msg := "Weather service is temporarily unavailable"
		var se *client.StatusError
		if errors.As(err, &se) {
			msg = "Weather data is temporarily unavailable"
		}
		h.writeUpstreamError(w, logger, err, msg)
		return
	}
	h.traffic.RecordSuccess()
	writePayload(w, body)
}

// GetGeocode handles GET /geocode?q=.
func (h *Handler) GetGeocode(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, h.logger, "api/geocode")
	raw := r.URL.Query().Get("q")
	logger.Info("request received", zap.String("query", strings.TrimSpace(raw)))

	query, err := validation.ValidateSearchQuery(raw, h.limits.SearchMinLength, h.limits.SearchMaxLength)
	if err != nil {
		h.writeInputError(w, logger, err)
		return
	}
	if !h.allow(w, r, logger, "geocode", "Too many searches. Please wait a moment.") {
		return
	}
	if !h.svc.HasCredentials() {
		logger.Error("missing upstream API key", zap.String("env", "OPENWEATHERMAP_API_KEY"))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Geocoding service is not configured")
		return
	}

	body, err := h.svc.Geocode(r.Context(), query)
	if err != nil {
		h.writeUpstreamError(w, logger, err, "Search is temporarily unavailable")
		return
	}
	h.traffic.RecordSuccess()
	writePayload(w, body)
}

// allow applies the inbound rate limit. Both endpoints share one bucket per client.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, logger *zap.Logger, endpoint, message string) bool {
	if h.limiter == nil {
		return true
	}
	id := ClientID(r)
	if h.limiter.Allow(r.Context(), id, h.limits.RateWindow, h.limits.RateMax) {
		return true
	}
	logger.Warn("rate limited", zap.String("client_id", id))
	h.traffic.RecordDenied()
	observability.RateLimitDeniedTotal.WithLabelValues(endpoint).Inc()
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, message)
	return false
}

func (h *Handler) writeInputError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var inputErr *validation.InputError
	if !errors.As(err, &inputErr) {
		logger.Error("validation failed unexpectedly", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}
	logger.Warn("invalid input", zap.String("reason", inputErr.Kind.Error()))
	writeError(w, http.StatusBadRequest, CodeInvalidInput, inputErr.Message)
}

// writeUpstreamError logs the failure in full and answers with a generic message.
// The upstream body is never written to the caller.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, err error, message string) {
	h.traffic.RecordError()
	logger.Error("upstream request failed",
		zap.Error(err),
		zap.String("category", string(client.CategorizeError(err))))
	writeError(w, http.StatusBadGateway, CodeUpstreamError, message)
}

// ClientID identifies the caller for rate limiting: the first X-Forwarded-For
// entry, else X-Real-IP, else "unknown". Callers without either header share
// one bucket.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return "unknown"
}

func requestLogger(r *http.Request, fallback *zap.Logger, tag string) *zap.Logger {
	return observability.LoggerFrom(r.Context(), fallback).With(zap.String("context", tag))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

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

	checks := map[string]string{
		"credentials": "configured",
		"weatherApi":  "healthy",
	}
	if !h.svc.HasCredentials() {
		checks["credentials"] = "missing"
	}
	if result.reason == "error_rate_breach" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.health.CachePing != nil {
		checks["cache"] = pingStatus(h.health.CachePing())
	}
	if h.health.RateStorePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		checks["rateLimitStore"] = pingStatus(h.health.RateStorePing(ctx))
		cancel()
	}

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weatherdash-gateway",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, missing credential,
// upstream error rate. Anything else is healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.lifecycle.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !h.svc.HasCredentials() {
		return healthResult{"degraded", http.StatusServiceUnavailable, "missing_api_key"}
	}
	if h.health.ErrorWindow > 0 && h.health.ErrorPct > 0 {
		if pct, ok := h.traffic.ErrorPercent(h.health.ErrorWindow); ok && pct >= float64(h.health.ErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func pingStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writePayload writes an upstream body verbatim.
func writePayload(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// errorEnvelope is the body of every gateway failure.
type errorEnvelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	observability.GatewayErrorsTotal.WithLabelValues(code).Inc()
	writeJSON(w, status, errorEnvelope{Error: true, Message: message, Code: code})
}
