package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/cache"
	"github.com/kjstillabower/weatherdash/internal/client"
	"github.com/kjstillabower/weatherdash/internal/config"
	httphandler "github.com/kjstillabower/weatherdash/internal/http"
	"github.com/kjstillabower/weatherdash/internal/lifecycle"
	"github.com/kjstillabower/weatherdash/internal/observability"
	"github.com/kjstillabower/weatherdash/internal/ratelimit"
	"github.com/kjstillabower/weatherdash/internal/service"
	"github.com/kjstillabower/weatherdash/internal/traffic"
)

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
	if cfg.WeatherAPIKey == "" {
		logger.Warn("upstream API key not configured; data endpoints will answer INTERNAL_ERROR",
			zap.String("env", config.APIKeyEnv))
	}

	upstream, err := client.NewOpenWeatherClient(clientConfig(cfg), logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	payloadCache, memcached, err := buildCache(cfg)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	limits, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}
	logger.Info("rate limiter",
		zap.String("backend", cfg.RateLimitBackend),
		zap.Duration("window", cfg.RateLimitWindow),
		zap.Int("max_requests", cfg.RateLimitMax))

	svc := service.NewGatewayService(upstream, payloadCache, service.Options{
		CacheTTL:        cfg.CacheTTL,
		CoalesceTimeout: cfg.RequestTimeout,
		GeocodeLimit:    cfg.GeocodeLimit,
	})

	health := httphandler.HealthConfig{
		ErrorWindow:   cfg.HealthWindow,
		ErrorPct:      cfg.HealthErrorPct,
		RateStorePing: limits.ping,
	}
	if memcached != nil {
		health.CachePing = memcached.Ping
	}
	state := &lifecycle.State{}
	handler := httphandler.NewHandler(svc, limits.limiter, httphandler.Limits{
		RateWindow:      cfg.RateLimitWindow,
		RateMax:         cfg.RateLimitMax,
		SearchMinLength: cfg.SearchMinLength,
		SearchMaxLength: cfg.SearchMaxLength,
	}, health, traffic.NewTracker(nil), state, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      httphandler.NewRouter(handler, logger, cfg.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	limits.close(logger)
	if memcached != nil {
		if err := memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := observability.Flush(logger); err != nil {
		fmt.Fprintf(os.Stderr, "log flush: %v\n", err)
	}
	logger.Info("shutdown complete")
}

func clientConfig(cfg *config.Config) client.Config {
	return client.Config{
		APIKey:             cfg.WeatherAPIKey,
		WeatherURL:         cfg.WeatherAPIURL,
		GeocodingURL:       cfg.GeocodingAPIURL,
		Timeout:            cfg.UpstreamTimeout,
		RetryAttempts:      cfg.RetryAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		OutboundRPS:        cfg.OutboundRPS,
		OutboundBurst:      cfg.OutboundBurst,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		BreakerInterval:    cfg.BreakerInterval,
	}
}

// buildCache returns the payload cache for the configured backend. The
// memcached handle is returned separately for health checks and shutdown.
func buildCache(cfg *config.Config) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "none":
		return nil, nil, nil
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		return mc, mc, nil
	default:
		return cache.NewInMemoryCache(), nil, nil
	}
}

// limiterStack is the inbound limiter plus whatever its store needs at
// health-check and shutdown time.
type limiterStack struct {
	limiter *ratelimit.Limiter
	ping    func(context.Context) error
	close   func(*zap.Logger)
}

func buildLimiter(cfg *config.Config, logger *zap.Logger) (*limiterStack, error) {
	if cfg.RateLimitBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := ratelimit.NewRedisStore(rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return &limiterStack{
			limiter: ratelimit.New(store, ratelimit.WithLogger(logger)),
			ping:    store.Ping,
			close: func(l *zap.Logger) {
				if err := rdb.Close(); err != nil {
					l.Error("redis close", zap.Error(err))
				}
			},
		}, nil
	}

	store := ratelimit.NewMemoryStore()
	sweeper := ratelimit.NewSweeper(store, cfg.RateLimitWindow, cfg.SweepInterval, logger)
	if err := sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start sweeper: %w", err)
	}
	observability.RegisterRateLimitGauges(store.Len)
	return &limiterStack{
		limiter: ratelimit.New(store, ratelimit.WithLogger(logger)),
		close:   func(*zap.Logger) { sweeper.Stop() },
	}, nil
}
