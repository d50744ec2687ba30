package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weatherdash/internal/cache"
	"github.com/kjstillabower/weatherdash/internal/client"
)

type mockUpstream struct {
	body   []byte
	err    error
	hasKey bool
	delay  time.Duration

	calls     int32
	lastQuery string
	lastLimit int
	mu        sync.Mutex
}

func (m *mockUpstream) do() ([]byte, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.body, m.err
}

func (m *mockUpstream) CurrentWeather(ctx context.Context, lat, lon float64) ([]byte, error) {
	return m.do()
}

func (m *mockUpstream) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	return m.do()
}

func (m *mockUpstream) Geocode(ctx context.Context, query string, limit int) ([]byte, error) {
	m.mu.Lock()
	m.lastQuery, m.lastLimit = query, limit
	m.mu.Unlock()
	return m.do()
}

func (m *mockUpstream) HasAPIKey() bool { return m.hasKey }

type mockCache struct {
	data   map[string][]byte
	getErr error
	setErr error
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func TestCoordinateKey(t *testing.T) {
	tests := []struct {
		res      client.Resource
		lat, lon float64
		want     string
	}{
		{client.ResourceWeather, 51.5074, -0.1278, "weather:51.5074,-0.1278"},
		{client.ResourceForecast, 51.50741234, -0.12779999, "forecast:51.5074,-0.1278"},
		{client.ResourceWeather, 0, 0, "weather:0.0000,0.0000"},
	}
	for _, tt := range tests {
		if got := CoordinateKey(tt.res, tt.lat, tt.lon); got != tt.want {
			t.Errorf("CoordinateKey(%v, %v, %v) = %q, want %q", tt.res, tt.lat, tt.lon, got, tt.want)
		}
	}
}

func TestQueryKey(t *testing.T) {
	if got := QueryKey("  New York "); got != "geocode:new york" {
		t.Errorf("QueryKey() = %q", got)
	}
}

func TestGatewayService_CacheHit(t *testing.T) {
	up := &mockUpstream{hasKey: true}
	mc := &mockCache{data: map[string][]byte{"weather:1.0000,2.0000": []byte(`{"cached":true}`)}}
	svc := NewGatewayService(up, mc, Options{CacheTTL: time.Minute})

	got, err := svc.CurrentWeather(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if string(got) != `{"cached":true}` {
		t.Errorf("CurrentWeather() = %s, want cached payload", got)
	}
	if atomic.LoadInt32(&up.calls) != 0 {
		t.Error("upstream called on cache hit")
	}
}

func TestGatewayService_CacheMissPopulatesCache(t *testing.T) {
	up := &mockUpstream{hasKey: true, body: []byte(`{"list":[]}`)}
	mc := &mockCache{}
	svc := NewGatewayService(up, mc, Options{CacheTTL: time.Minute})

	got, err := svc.Forecast(context.Background(), 40.7128, -74.006)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if string(got) != `{"list":[]}` {
		t.Errorf("Forecast() = %s", got)
	}
	if string(mc.data["forecast:40.7128,-74.0060"]) != `{"list":[]}` {
		t.Errorf("cache not populated: %v", mc.data)
	}
}

func TestGatewayService_UpstreamFailureNotCached(t *testing.T) {
	upErr := &client.StatusError{Code: 500, Body: "boom"}
	up := &mockUpstream{hasKey: true, err: upErr}
	mc := &mockCache{}
	svc := NewGatewayService(up, mc, Options{CacheTTL: time.Minute})

	_, err := svc.CurrentWeather(context.Background(), 1, 2)
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Fatalf("error = %v, want wrapped ErrUpstreamFailure", err)
	}
	if len(mc.data) != 0 {
		t.Error("failed fetch was cached")
	}
}

func TestGatewayService_CacheErrorsDegradeToMiss(t *testing.T) {
	up := &mockUpstream{hasKey: true, body: []byte(`[]`)}
	mc := &mockCache{getErr: errors.New("cache get: connection refused"), setErr: errors.New("cache set: timeout")}
	svc := NewGatewayService(up, mc, Options{CacheTTL: time.Minute})

	got, err := svc.Geocode(context.Background(), "Paris")
	if err != nil {
		t.Fatalf("Geocode() error = %v, want upstream result despite cache errors", err)
	}
	if string(got) != `[]` {
		t.Errorf("Geocode() = %s", got)
	}
}

func TestGatewayService_NoCache(t *testing.T) {
	up := &mockUpstream{hasKey: true, body: []byte(`{}`)}
	svc := NewGatewayService(up, nil, Options{})

	for i := 0; i < 2; i++ {
		if _, err := svc.CurrentWeather(context.Background(), 1, 2); err != nil {
			t.Fatalf("CurrentWeather() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&up.calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2 without a cache", got)
	}
}

func TestGatewayService_GeocodeUsesLimit(t *testing.T) {
	up := &mockUpstream{hasKey: true, body: []byte(`[]`)}
	svc := NewGatewayService(up, cache.NewInMemoryCache(), Options{CacheTTL: time.Minute, GeocodeLimit: 5})

	if _, err := svc.Geocode(context.Background(), "London"); err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	if up.lastQuery != "London" || up.lastLimit != 5 {
		t.Errorf("upstream got query %q limit %d", up.lastQuery, up.lastLimit)
	}

	// Case-insensitive cache key.
	if _, err := svc.Geocode(context.Background(), "LONDON"); err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	if got := atomic.LoadInt32(&up.calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestGatewayService_CoalescesConcurrentMisses(t *testing.T) {
	up := &mockUpstream{hasKey: true, body: []byte(`{}`), delay: 50 * time.Millisecond}
	svc := NewGatewayService(up, nil, Options{CoalesceTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Forecast(context.Background(), 1, 2); err != nil {
				t.Errorf("Forecast() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&up.calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestGatewayService_HasCredentials(t *testing.T) {
	if NewGatewayService(&mockUpstream{}, nil, Options{}).HasCredentials() {
		t.Error("HasCredentials() = true without key")
	}
	if !NewGatewayService(&mockUpstream{hasKey: true}, nil, Options{}).HasCredentials() {
		t.Error("HasCredentials() = false with key")
	}
}
