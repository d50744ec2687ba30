// Package geo resolves the device position for the dashboard.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/models"
)

// Defaults for position lookups.
const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxAge  = 5 * time.Minute
	DefaultURL     = "http://ip-api.com/json/"
)

// DefaultCoordinates is the fallback position (New York City) used when no
// saved city or geolocation is available.
var DefaultCoordinates = models.Coordinates{Lat: 40.7128, Lon: -74.006}

var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("geolocation position unavailable")
	ErrTimeout             = errors.New("geolocation timed out")
	ErrUnsupported         = errors.New("geolocation unsupported")
)

// Message returns the user-facing text for a lookup failure.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Location access was denied"
	case errors.Is(err, ErrPositionUnavailable):
		return "Location information is unavailable"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Location request timed out"
	case errors.Is(err, ErrUnsupported):
		return "Geolocation is not supported"
	default:
		return "An unknown error occurred"
	}
}

// Locator resolves the current position.
type Locator interface {
	Locate(ctx context.Context) (models.Coordinates, error)
}

// Static always answers the same position, or Err when set.
type Static struct {
	Coords models.Coordinates
	Err    error
}

// Locate implements Locator.
func (s Static) Locate(ctx context.Context) (models.Coordinates, error) {
	if s.Err != nil {
		return models.Coordinates{}, s.Err
	}
	return s.Coords, nil
}

// IPLocator approximates the position from the caller's public IP using an
// ip-api.com compatible JSON endpoint. A successful answer is reused for MaxAge.
type IPLocator struct {
	url     string
	timeout time.Duration
	maxAge  time.Duration
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	cached   models.Coordinates
	cachedAt time.Time
}

// NewIPLocator returns an IPLocator. Zero durations take the package defaults.
func NewIPLocator(url string, timeout, maxAge time.Duration, logger *zap.Logger) *IPLocator {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPLocator{
		url:     url,
		timeout: timeout,
		maxAge:  maxAge,
		client:  &http.Client{},
		logger:  logger,
		now:     time.Now,
	}
}

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Locate implements Locator.
func (l *IPLocator) Locate(ctx context.Context) (models.Coordinates, error) {
	l.mu.Lock()
	if !l.cachedAt.IsZero() && l.now().Sub(l.cachedAt) < l.maxAge {
		c := l.cached
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	coords, err := l.lookup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		l.logger.Warn("geolocation failed", zap.String("message", Message(err)), zap.Error(err))
		return models.Coordinates{}, err
	}

	l.mu.Lock()
	l.cached, l.cachedAt = coords, l.now()
	l.mu.Unlock()
	l.logger.Info("geolocation resolved", zap.Float64("lat", coords.Lat), zap.Float64("lon", coords.Lon))
	return coords, nil
}

func (l *IPLocator) lookup(ctx context.Context) (models.Coordinates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.Coordinates{}, fmt.Errorf("%w: HTTP %d", ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return models.Coordinates{}, fmt.Errorf("%w: HTTP %d", ErrPositionUnavailable, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: decode: %v", ErrPositionUnavailable, err)
	}
	if body.Status != "" && body.Status != "success" {
		return models.Coordinates{}, fmt.Errorf("%w: %s", ErrPositionUnavailable, body.Message)
	}
	if body.Lat < -90 || body.Lat > 90 || body.Lon < -180 || body.Lon > 180 {
		return models.Coordinates{}, fmt.Errorf("%w: coordinates out of range", ErrPositionUnavailable)
	}
	return models.Coordinates{Lat: body.Lat, Lon: body.Lon}, nil
}
