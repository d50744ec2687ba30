package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv is the environment variable holding the upstream provider credential.
const APIKeyEnv = "OPENWEATHERMAP_API_KEY"

// Config holds gateway and dashboard configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey   string
	WeatherAPIURL   string
	GeocodingAPIURL string
	UpstreamTimeout time.Duration

	RequestTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	OutboundRPS    int
	OutboundBurst  int

	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
	BreakerInterval    time.Duration

	RateLimitWindow  time.Duration
	RateLimitMax     int
	RateLimitBackend string // "memory" or "redis"
	RedisAddr        string
	SweepInterval    time.Duration

	CacheBackend          string // "none", "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	GeocodeLimit    int
	SearchMinLength int
	SearchMaxLength int

	HealthWindow   time.Duration
	HealthErrorPct int

	ShutdownTimeout time.Duration

	Dashboard DashboardConfig
}

// DashboardConfig configures the terminal client.
type DashboardConfig struct {
	GatewayURL         string
	StoragePath        string
	GeolocationURL     string
	GeolocationTimeout time.Duration
	GeolocationMaxAge  time.Duration
	DebounceDelay      time.Duration
	RequestTimeout     time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		WeatherURL   string `yaml:"weather_url"`
		GeocodingURL string `yaml:"geocoding_url"`
		Timeout      string `yaml:"timeout"`
		GeocodeLimit int    `yaml:"geocode_limit"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Reliability struct {
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryBaseDelay     string `yaml:"retry_base_delay"`
		RetryMaxDelay      string `yaml:"retry_max_delay"`
		OutboundRPS        int    `yaml:"outbound_rps"`
		OutboundBurst      int    `yaml:"outbound_burst"`
		BreakerMaxFailures int    `yaml:"breaker_max_failures"`
		BreakerOpenTimeout string `yaml:"breaker_open_timeout"`
		BreakerInterval    string `yaml:"breaker_interval"`
	} `yaml:"reliability"`

	RateLimit struct {
		Window        string `yaml:"window"`
		MaxRequests   int    `yaml:"max_requests"`
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redis_addr"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"rate_limit"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Search struct {
		MinLength int `yaml:"min_length"`
		MaxLength int `yaml:"max_length"`
	} `yaml:"search"`

	Health struct {
		Window   string `yaml:"window"`
		ErrorPct int    `yaml:"error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Dashboard struct {
		GatewayURL         string `yaml:"gateway_url"`
		StoragePath        string `yaml:"storage_path"`
		GeolocationURL     string `yaml:"geolocation_url"`
		GeolocationTimeout string `yaml:"geolocation_timeout"`
		GeolocationMaxAge  string `yaml:"geolocation_max_age"`
		DebounceDelay      string `yaml:"debounce_delay"`
		RequestTimeout     string `yaml:"request_timeout"`
	} `yaml:"dashboard"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if any), then config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml
// relative to the working directory. Both YAML files are optional. Env overrides file values.
// A missing API key is not an error: the gateway reports it per request.
func Load() (*Config, error) {
	// .env is optional; a missing file is the common case.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	var fc fileConfig
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv(APIKeyEnv))
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}

	cfg.WeatherAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.Upstream.WeatherURL, "https://api.openweathermap.org/data/2.5"), "/")
	cfg.GeocodingAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("GEOCODING_API_URL"), fc.Upstream.GeocodingURL, "https://api.openweathermap.org/geo/1.0"), "/")
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 5*time.Second)
	cfg.GeocodeLimit = positiveOr(fc.Upstream.GeocodeLimit, 5)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.OutboundRPS = positiveOr(fc.Reliability.OutboundRPS, 50)
	cfg.OutboundBurst = positiveOr(fc.Reliability.OutboundBurst, 100)
	cfg.BreakerMaxFailures = positiveOr(fc.Reliability.BreakerMaxFailures, 5)
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)
	cfg.BreakerInterval = parseDuration(fc.Reliability.BreakerInterval, 60*time.Second)

	cfg.RateLimitWindow = parseDuration(fc.RateLimit.Window, 60*time.Second)
	cfg.RateLimitMax = positiveOr(envInt("RATE_LIMIT_MAX"), positiveOr(fc.RateLimit.MaxRequests, 60))
	cfg.RateLimitBackend = strings.ToLower(firstNonEmpty(os.Getenv("RATE_LIMIT_BACKEND"), fc.RateLimit.Backend, "memory"))
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.RateLimit.RedisAddr, "localhost:6379")
	cfg.SweepInterval = parseDuration(fc.RateLimit.SweepInterval, cfg.RateLimitWindow)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.SearchMinLength = positiveOr(fc.Search.MinLength, 2)
	cfg.SearchMaxLength = positiveOr(fc.Search.MaxLength, 100)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.HealthErrorPct = positiveOr(fc.Health.ErrorPct, 50)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 15*time.Second)

	d := fc.Dashboard
	cfg.Dashboard = DashboardConfig{
		GatewayURL:         strings.TrimRight(firstNonEmpty(os.Getenv("GATEWAY_URL"), d.GatewayURL, "http://localhost:"+cfg.ServerPort), "/"),
		StoragePath:        firstNonEmpty(os.Getenv("DASHBOARD_STORAGE"), d.StoragePath, "weatherdash.db"),
		GeolocationURL:     firstNonEmpty(d.GeolocationURL, "http://ip-api.com/json/"),
		GeolocationTimeout: parseDuration(d.GeolocationTimeout, 10*time.Second),
		GeolocationMaxAge:  parseDuration(d.GeolocationMaxAge, 5*time.Minute),
		DebounceDelay:      parseDuration(d.DebounceDelay, 300*time.Millisecond),
		RequestTimeout:     parseDuration(d.RequestTimeout, 15*time.Second),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func envInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return n
}

// validate performs post-load validation. RequestTimeout is raised above
// UpstreamTimeout when needed so a handler never cancels its own upstream call early.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", cfg.RateLimitBackend)
	}
	if cfg.SearchMinLength > cfg.SearchMaxLength {
		return fmt.Errorf("search.min_length (%d) exceeds search.max_length (%d)", cfg.SearchMinLength, cfg.SearchMaxLength)
	}
	if cfg.HealthErrorPct > 100 {
		return fmt.Errorf("health.error_pct must be at most 100, got %d", cfg.HealthErrorPct)
	}
	return nil
}
