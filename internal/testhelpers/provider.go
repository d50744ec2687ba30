// Package testhelpers builds hermetic gateway stacks for tests: a fake
// OpenWeatherMap provider on httptest and the client and service wired to it.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/cache"
	"github.com/kjstillabower/weatherdash/internal/client"
	"github.com/kjstillabower/weatherdash/internal/service"
)

// TestAPIKey is the credential the fake provider accepts.
const TestAPIKey = "test-key"

// Canned payloads served by FakeProvider.
const (
	CurrentWeatherJSON = `{"weather":[{"id":800,"main":"Clear","description":"clear sky","icon":"01d"}],` +
		`"main":{"temp":21.5,"feels_like":21,"temp_min":19,"temp_max":23,"humidity":40,"pressure":1015},` +
		`"wind":{"speed":3.2,"deg":180},"dt":1772366400,"name":"New York","sys":{"country":"US"},` +
		`"coord":{"lat":40.7128,"lon":-74.006}}`
	GeocodeJSON = `[{"name":"London","lat":51.5073,"lon":-0.1277,"country":"GB","state":"England"},` +
		`{"name":"London","lat":42.9832,"lon":-81.2453,"country":"CA","state":"Ontario"}]`
)

// ForecastJSON returns a forecast payload with samples every 3 hours from start.
func ForecastJSON(start time.Time, samples int) string {
	type cond struct {
		ID   int    `json:"id"`
		Main string `json:"main"`
		Icon string `json:"icon"`
	}
	type item struct {
		Dt      int64          `json:"dt"`
		Main    map[string]any `json:"main"`
		Weather []cond         `json:"weather"`
	}
	list := make([]item, 0, samples)
	for i := 0; i < samples; i++ {
		ts := start.Add(time.Duration(i) * 3 * time.Hour)
		c := cond{800, "Clear", "01d"}
		if i%3 == 1 {
			c = cond{500, "Rain", "10d"}
		}
		list = append(list, item{
			Dt:      ts.Unix(),
			Main:    map[string]any{"temp": 10 + float64(i%8), "temp_min": 8 + float64(i%8), "temp_max": 12 + float64(i%8), "humidity": 50 + i%10},
			Weather: []cond{c},
		})
	}
	b, _ := json.Marshal(map[string]any{"list": list})
	return string(b)
}

// FakeProvider emulates the upstream weather and geocoding resources.
type FakeProvider struct {
	Server *httptest.Server

	mu         sync.Mutex
	status     int
	body       string
	forecast   string
	lastParams map[string]string

	calls atomic.Int32
}

// NewFakeProvider starts a provider that answers successfully until Fail is called.
func NewFakeProvider(t *testing.T) *FakeProvider {
	t.Helper()
	p := &FakeProvider{forecast: ForecastJSON(time.Now().UTC().Truncate(24*time.Hour), 40)}
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", p.serve(func() string { return CurrentWeatherJSON }))
	mux.HandleFunc("/data/2.5/forecast", p.serve(func() string {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.forecast
	}))
	mux.HandleFunc("/geo/1.0/direct", p.serve(func() string { return GeocodeJSON }))
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *FakeProvider) serve(payload func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		params := make(map[string]string)
		for k := range r.URL.Query() {
			params[k] = r.URL.Query().Get(k)
		}
		p.mu.Lock()
		p.lastParams = params
		status, body := p.status, p.body
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if params["appid"] != TestAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"cod":401,"message":"Invalid API key"}`))
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(payload()))
	}
}

// Fail makes every later request answer status with body.
func (p *FakeProvider) Fail(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.body = status, body
}

// SetForecast replaces the forecast payload.
func (p *FakeProvider) SetForecast(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forecast = body
}

// Calls returns how many requests reached the provider.
func (p *FakeProvider) Calls() int {
	return int(p.calls.Load())
}

// LastParams returns the query parameters of the latest request.
func (p *FakeProvider) LastParams() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParams
}

// ClientConfig points a client at the fake provider with fast retries and no breaker.
func (p *FakeProvider) ClientConfig(apiKey string) client.Config {
	return client.Config{
		APIKey:         apiKey,
		WeatherURL:     p.Server.URL + "/data/2.5",
		GeocodingURL:   p.Server.URL + "/geo/1.0",
		Timeout:        2 * time.Second,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}
}

// NewService wires a client and GatewayService to the fake provider. A nil
// cache disables caching.
func (p *FakeProvider) NewService(t *testing.T, apiKey string, c cache.Cache) *service.GatewayService {
	t.Helper()
	upstream, err := client.NewOpenWeatherClient(p.ClientConfig(apiKey), zap.NewNop())
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return service.NewGatewayService(upstream, c, service.Options{
		CacheTTL:        time.Minute,
		CoalesceTimeout: 2 * time.Second,
		GeocodeLimit:    5,
	})
}
