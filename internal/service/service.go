// Package service is the gateway's fetch layer: cache-aside over the upstream
// client with in-flight coalescing per key.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/cache"
	"github.com/kjstillabower/weatherdash/internal/client"
	"github.com/kjstillabower/weatherdash/internal/observability"
)

// GatewayService fetches upstream payloads. Payload bytes are passed through
// verbatim, both from the provider and from the cache.
type GatewayService struct {
	upstream     client.Upstream
	cache        cache.Cache // nil disables caching
	ttl          time.Duration
	coalescer    *requestCoalescer
	geocodeLimit int
}

// Options configures a GatewayService.
type Options struct {
	CacheTTL        time.Duration
	CoalesceTimeout time.Duration // zero disables coalescing
	GeocodeLimit    int
}

// NewGatewayService wires the upstream client and an optional cache.
func NewGatewayService(upstream client.Upstream, c cache.Cache, opts Options) *GatewayService {
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	limit := opts.GeocodeLimit
	if limit <= 0 {
		limit = 5
	}
	return &GatewayService{
		upstream:     upstream,
		cache:        c,
		ttl:          opts.CacheTTL,
		coalescer:    coalescer,
		geocodeLimit: limit,
	}
}

// HasCredentials reports whether the upstream credential is configured.
func (s *GatewayService) HasCredentials() bool {
	return s.upstream.HasAPIKey()
}

// CurrentWeather returns the provider's current-conditions payload.
func (s *GatewayService) CurrentWeather(ctx context.Context, lat, lon float64) ([]byte, error) {
	return s.fetch(ctx, client.ResourceWeather, CoordinateKey(client.ResourceWeather, lat, lon), func(ctx context.Context) ([]byte, error) {
		return s.upstream.CurrentWeather(ctx, lat, lon)
	})
}

// Forecast returns the provider's 3-hourly forecast payload.
func (s *GatewayService) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	return s.fetch(ctx, client.ResourceForecast, CoordinateKey(client.ResourceForecast, lat, lon), func(ctx context.Context) ([]byte, error) {
		return s.upstream.Forecast(ctx, lat, lon)
	})
}

// Geocode returns the provider's match array for an already-sanitised query.
func (s *GatewayService) Geocode(ctx context.Context, query string) ([]byte, error) {
	return s.fetch(ctx, client.ResourceGeocode, QueryKey(query), func(ctx context.Context) ([]byte, error) {
		return s.upstream.Geocode(ctx, query, s.geocodeLimit)
	})
}

func (s *GatewayService) fetch(ctx context.Context, res client.Resource, key string, do func(context.Context) ([]byte, error)) ([]byte, error) {
	logger := observability.LoggerFrom(ctx, nil)
	start := time.Now()

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		case ok:
			observability.CacheHitsTotal.WithLabelValues(string(res)).Inc()
			logger.Debug("served from cache", zap.String("key", key), zap.Duration("duration", time.Since(start)))
			return cached, nil
		default:
			observability.CacheMissesTotal.WithLabelValues(string(res)).Inc()
		}
	}

	var body []byte
	var err error
	if s.coalescer != nil {
		var shared bool
		body, shared, err = s.coalescer.GetOrDo(ctx, key, do)
		if shared {
			observability.CoalescedRequestsTotal.WithLabelValues(string(res)).Inc()
		}
	} else {
		body, err = do(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", res, err)
	}

	if s.cache != nil {
		if setErr := s.cache.Set(ctx, key, body, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	logger.Debug("served from upstream", zap.String("key", key), zap.Duration("duration", time.Since(start)))
	return body, nil
}

// CoordinateKey is the cache key for a coordinate resource. Coordinates are
// rounded to 4 decimals (about 11 m) so trivially different requests share an entry.
func CoordinateKey(res client.Resource, lat, lon float64) string {
	return fmt.Sprintf("%s:%.4f,%.4f", res, lat, lon)
}

// QueryKey is the cache key for a geocoding query.
func QueryKey(query string) string {
	return string(client.ResourceGeocode) + ":" + strings.ToLower(strings.TrimSpace(query))
}
