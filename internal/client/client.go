// Package client talks to the upstream weather and geocoding provider.
// Payloads are returned verbatim so the gateway can pass them through untouched.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weatherdash/internal/observability"
)

// Resource names an upstream endpoint. Used as a metric label and cache key prefix.
type Resource string

const (
	ResourceWeather  Resource = "weather"
	ResourceForecast Resource = "forecast"
	ResourceGeocode  Resource = "geocode"
)

// Upstream is the provider surface the gateway needs.
type Upstream interface {
	CurrentWeather(ctx context.Context, lat, lon float64) ([]byte, error)
	Forecast(ctx context.Context, lat, lon float64) ([]byte, error)
	Geocode(ctx context.Context, query string, limit int) ([]byte, error)
	HasAPIKey() bool
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrMissingAPIKey   = errors.New("API key not configured")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit open")
)

// StatusError is a non-success upstream response. Body is kept for server-side
// logs only and must never reach a gateway caller.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream HTTP %d", e.Code)
}

// Unwrap maps the status to its sentinel so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUpstreamFailure
	}
}

// Config configures an OpenWeatherClient.
type Config struct {
	APIKey       string
	WeatherURL   string // e.g. https://api.openweathermap.org/data/2.5
	GeocodingURL string // e.g. https://api.openweathermap.org/geo/1.0
	Timeout      time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Outbound token bucket shared by all resources. Zero RPS disables it.
	OutboundRPS   int
	OutboundBurst int

	// Consecutive failures that open a resource's breaker. Zero disables breaking.
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
	BreakerInterval    time.Duration
}

// maxBodyBytes bounds how much of an upstream payload is read.
const maxBodyBytes = 4 << 20

// maxLoggedBody bounds how much of an error body is logged.
const maxLoggedBody = 512

type OpenWeatherClient struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	breakers map[Resource]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewOpenWeatherClient builds a client. An empty API key is allowed; every call
// then fails with ErrMissingAPIKey.
func NewOpenWeatherClient(cfg Config, logger *zap.Logger) (*OpenWeatherClient, error) {
	if _, err := url.Parse(cfg.WeatherURL); err != nil {
		return nil, fmt.Errorf("invalid weather URL: %w", err)
	}
	if _, err := url.Parse(cfg.GeocodingURL); err != nil {
		return nil, fmt.Errorf("invalid geocoding URL: %w", err)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &OpenWeatherClient{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[Resource]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
	if cfg.OutboundRPS > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = cfg.OutboundRPS
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRPS), burst)
	}
	if cfg.BreakerMaxFailures > 0 {
		for _, res := range []Resource{ResourceWeather, ResourceForecast, ResourceGeocode} {
			c.breakers[res] = c.newBreaker(res)
			observability.CircuitBreakerState.WithLabelValues(string(res)).Set(0)
		}
	}
	return c, nil
}

func (c *OpenWeatherClient) newBreaker(res Resource) *gobreaker.CircuitBreaker {
	maxFailures := uint32(c.cfg.BreakerMaxFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(res),
		MaxRequests: 1,
		Interval:    c.cfg.BreakerInterval,
		Timeout:     c.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn("circuit breaker state change",
				zap.String("resource", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// HasAPIKey reports whether a credential is configured.
func (c *OpenWeatherClient) HasAPIKey() bool {
	return c.cfg.APIKey != ""
}

// CurrentWeather fetches {base}/weather for the coordinates in metric units.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, lat, lon float64) ([]byte, error) {
	return c.get(ctx, ResourceWeather, c.cfg.WeatherURL+"/weather", coordParams(lat, lon))
}

// Forecast fetches the 5 day / 3 hour forecast for the coordinates in metric units.
func (c *OpenWeatherClient) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	return c.get(ctx, ResourceForecast, c.cfg.WeatherURL+"/forecast", coordParams(lat, lon))
}

// Geocode resolves a free-text city query to at most limit matches.
func (c *OpenWeatherClient) Geocode(ctx context.Context, query string, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, ResourceGeocode, c.cfg.GeocodingURL+"/direct", params)
}

func coordParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("units", "metric")
	return params
}

func (c *OpenWeatherClient) get(ctx context.Context, res Resource, endpoint string, params url.Values) ([]byte, error) {
	if !c.HasAPIKey() {
		return nil, ErrMissingAPIKey
	}
	params.Set("appid", c.cfg.APIKey)
	target := endpoint + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(string(res)).Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.attempt(ctx, res, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

// attempt performs one call through the outbound limiter and the resource breaker.
// Only transient failures (network, 429, 5xx) count against the breaker.
func (c *OpenWeatherClient) attempt(ctx context.Context, res Resource, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("outbound limiter: %w", err)
		}
	}

	var statusErr *StatusError
	call := func() (interface{}, error) {
		body, err := c.callAPI(ctx, res, target)
		if errors.As(err, &statusErr) && !transientStatus(statusErr.Code) {
			return nil, nil
		}
		return body, err
	}

	var result interface{}
	var err error
	if breaker := c.breakers[res]; breaker != nil {
		result, err = breaker.Execute(call)
	} else {
		result, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.UpstreamCallsTotal.WithLabelValues(string(res), "circuit_open").Inc()
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, res)
		}
		return nil, err
	}
	if statusErr != nil {
		return nil, statusErr
	}
	body, _ := result.([]byte)
	return body, nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, res Resource, target string) ([]byte, error) {
	start := time.Now()
	logger := observability.LoggerFrom(ctx, c.logger)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(string(res), "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(string(res), "error").Inc()
		observability.UpstreamDuration.WithLabelValues(string(res), "error").Observe(duration)
		logger.Error("upstream request failed", zap.String("resource", string(res)), zap.Error(err))

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(string(res), status).Inc()
	observability.UpstreamDuration.WithLabelValues(string(res), status).Observe(duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("upstream returned non-success status",
			zap.String("resource", string(res)),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), maxLoggedBody)),
		)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if readErr != nil {
		return nil, fmt.Errorf("read response body: %w", readErr)
	}

	logger.Info("upstream request succeeded",
		zap.String("resource", string(res)),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}

func (c *OpenWeatherClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return transientStatus(statusErr.Code)
	}
	// Network failures and per-attempt timeouts.
	return !errors.Is(err, ErrMissingAPIKey)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if c.cfg.RetryMaxDelay > 0 && delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
