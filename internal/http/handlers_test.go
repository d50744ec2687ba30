package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weatherdash/internal/cache"
	"github.com/kjstillabower/weatherdash/internal/lifecycle"
	"github.com/kjstillabower/weatherdash/internal/ratelimit"
	"github.com/kjstillabower/weatherdash/internal/service"
	"github.com/kjstillabower/weatherdash/internal/testhelpers"
	"github.com/kjstillabower/weatherdash/internal/traffic"
)

// stubUpstream answers every resource with the same body or error.
type stubUpstream struct {
	body   []byte
	err    error
	hasKey bool
	calls  atomic.Int32
}

func (s *stubUpstream) do() ([]byte, error) {
	s.calls.Add(1)
	return s.body, s.err
}

func (s *stubUpstream) CurrentWeather(ctx context.Context, lat, lon float64) ([]byte, error) {
	return s.do()
}

func (s *stubUpstream) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	return s.do()
}

func (s *stubUpstream) Geocode(ctx context.Context, query string, limit int) ([]byte, error) {
	return s.do()
}

func (s *stubUpstream) HasAPIKey() bool { return s.hasKey }

func newStubHandler(up *stubUpstream, limiter RateLimiter) *Handler {
	svc := service.NewGatewayService(up, nil, service.Options{})
	return NewHandler(svc, limiter, Limits{}, HealthConfig{}, nil, nil, zap.NewNop())
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, w.Body.String())
	}
	if !env.Error {
		t.Errorf("envelope error = false, want true")
	}
	return env
}

func get(h http.HandlerFunc, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandler_GetWeather_PassesPayloadThrough(t *testing.T) {
	provider := testhelpers.NewFakeProvider(t)
	svc := provider.NewService(t, testhelpers.TestAPIKey, nil)
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, nil, zap.NewNop())

	w := get(h.GetWeather, "/weather?lat=40.7128&lon=-74.006", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != testhelpers.CurrentWeatherJSON {
		t.Errorf("body = %s, want upstream payload verbatim", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	params := provider.LastParams()
	if params["units"] != "metric" || params["lat"] != "40.7128" || params["lon"] != "-74.006" {
		t.Errorf("upstream params = %v", params)
	}
}

func TestHandler_GetWeather_ForecastType(t *testing.T) {
	provider := testhelpers.NewFakeProvider(t)
	forecast := testhelpers.ForecastJSON(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 8)
	provider.SetForecast(forecast)
	svc := provider.NewService(t, testhelpers.TestAPIKey, nil)
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, nil, zap.NewNop())

	w := get(h.GetWeather, "/weather?lat=1&lon=2&type=forecast", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != forecast {
		t.Errorf("body = %s, want forecast payload", w.Body.String())
	}
}

func TestHandler_GetWeather_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		message string
	}{
		{"missing lat", "/weather?lon=2", "Valid lat and lon parameters are required"},
		{"missing both", "/weather", "Valid lat and lon parameters are required"},
		{"non-numeric", "/weather?lat=abc&lon=2", "Valid lat and lon parameters are required"},
		{"lat 91", "/weather?lat=91&lon=0", "Coordinates out of valid range"},
		{"lon -181", "/weather?lat=0&lon=-181", "Coordinates out of valid range"},
		{"bad type", "/weather?lat=0&lon=0&type=hourly", `Type must be "current" or "forecast"`},
		{"empty type", "/weather?lat=0&lon=0&type=", `Type must be "current" or "forecast"`},
		{"range before type", "/weather?lat=95&lon=0&type=hourly", "Coordinates out of valid range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &stubUpstream{hasKey: true, body: []byte(`{}`)}
			w := get(newStubHandler(up, nil).GetWeather, tt.target, nil)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			env := decodeEnvelope(t, w)
			if env.Code != CodeInvalidInput || env.Message != tt.message {
				t.Errorf("envelope = %+v, want %s %q", env, CodeInvalidInput, tt.message)
			}
			if up.calls.Load() != 0 {
				t.Error("upstream called for invalid input")
			}
		})
	}
}

func TestHandler_GetWeather_MissingCredential(t *testing.T) {
	up := &stubUpstream{}
	w := get(newStubHandler(up, nil).GetWeather, "/weather?lat=10&lon=10", nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Code != CodeInternalError || env.Message != "Weather service is not configured" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHandler_GetWeather_ValidationPrecedesCredentialCheck(t *testing.T) {
	w := get(newStubHandler(&stubUpstream{}, nil).GetWeather, "/weather?lat=91&lon=0", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 before the credential check", w.Code)
	}
}

func TestHandler_GetWeather_UpstreamStatusNotLeaked(t *testing.T) {
	provider := testhelpers.NewFakeProvider(t)
	provider.Fail(http.StatusInternalServerError, `{"message":"secret stack trace"}`)
	svc := provider.NewService(t, testhelpers.TestAPIKey, nil)

	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, nil, zap.New(core))

	w := get(h.GetWeather, "/weather?lat=10&lon=10", nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("upstream body leaked: %s", w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env.Code != CodeUpstreamError || env.Message != "Weather data is temporarily unavailable" {
		t.Errorf("envelope = %+v", env)
	}

	failures := logs.FilterMessage("upstream request failed").All()
	if len(failures) != 1 || failures[0].Level != zapcore.ErrorLevel {
		t.Fatalf("want one ERROR upstream failure log, got %d", len(failures))
	}
	if got := failures[0].ContextMap()["context"]; got != "api/weather" {
		t.Errorf("log context = %v, want api/weather", got)
	}
}

func TestHandler_GetWeather_NetworkFailureMessage(t *testing.T) {
	up := &stubUpstream{hasKey: true, err: errors.New("dial tcp: connection refused")}
	w := get(newStubHandler(up, nil).GetWeather, "/weather?lat=10&lon=10", nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Message != "Weather service is temporarily unavailable" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	up := &stubUpstream{hasKey: true, body: []byte(`[]`)}
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	svc := service.NewGatewayService(up, nil, service.Options{})
	h := NewHandler(svc, limiter, Limits{RateWindow: time.Minute, RateMax: 2}, HealthConfig{}, nil, nil, zap.NewNop())
	client := map[string]string{"X-Forwarded-For": "203.0.113.7"}

	for i := 0; i < 2; i++ {
		if w := get(h.GetWeather, "/weather?lat=1&lon=1", client); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}

	w := get(h.GetWeather, "/weather?lat=1&lon=1", client)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Code != CodeRateLimited || env.Message != "Too many requests. Please wait a moment." {
		t.Errorf("envelope = %+v", env)
	}

	// Both endpoints draw on the same bucket.
	w = get(h.GetGeocode, "/geocode?q=Paris", client)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("geocode status = %d, want 429", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Message != "Too many searches. Please wait a moment." {
		t.Errorf("geocode message = %q", env.Message)
	}

	// Another client is unaffected.
	if w := get(h.GetWeather, "/weather?lat=1&lon=1", map[string]string{"X-Real-IP": "198.51.100.1"}); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
	if up.calls.Load() != 3 {
		t.Errorf("upstream calls = %d, want 3", up.calls.Load())
	}
}

func TestHandler_RateLimit_InvalidInputDoesNotConsumeQuota(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	svc := service.NewGatewayService(&stubUpstream{hasKey: true, body: []byte(`{}`)}, nil, service.Options{})
	h := NewHandler(svc, limiter, Limits{RateWindow: time.Minute, RateMax: 1}, HealthConfig{}, nil, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		get(h.GetWeather, "/weather?lat=999&lon=0", nil)
	}
	if w := get(h.GetWeather, "/weather?lat=1&lon=1", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandler_GetGeocode(t *testing.T) {
	provider := testhelpers.NewFakeProvider(t)
	svc := provider.NewService(t, testhelpers.TestAPIKey, cache.NewInMemoryCache())
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, nil, zap.NewNop())

	w := get(h.GetGeocode, "/geocode?q=%20London%20", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if w.Body.String() != testhelpers.GeocodeJSON {
		t.Errorf("body = %s", w.Body.String())
	}
	params := provider.LastParams()
	if params["q"] != "London" || params["limit"] != "5" {
		t.Errorf("upstream params = %v", params)
	}
}

func TestHandler_GetGeocode_SanitizesMarkup(t *testing.T) {
	provider := testhelpers.NewFakeProvider(t)
	svc := provider.NewService(t, testhelpers.TestAPIKey, nil)
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, nil, zap.NewNop())

	w := get(h.GetGeocode, "/geocode?q="+"%3Cb%3EParis%3C%2Fb%3E", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if q := provider.LastParams()["q"]; q != "Paris" {
		t.Errorf("upstream q = %q, want Paris", q)
	}
}

func TestHandler_GetGeocode_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		message string
	}{
		{"missing", "", "Search query must be at least 2 characters"},
		{"one char", "a", "Search query must be at least 2 characters"},
		{"whitespace padded", "%20a%20", "Search query must be at least 2 characters"},
		{"too long", strings.Repeat("x", 101), "Search query must be under 100 characters"},
		{"only markup", "%3Cscript%3E%3C%2Fscript%3E", "Invalid search query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &stubUpstream{hasKey: true, body: []byte(`[]`)}
			w := get(newStubHandler(up, nil).GetGeocode, "/geocode?q="+tt.query, nil)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if env := decodeEnvelope(t, w); env.Code != CodeInvalidInput || env.Message != tt.message {
				t.Errorf("envelope = %+v, want %q", env, tt.message)
			}
		})
	}
}

func TestHandler_GetGeocode_Failures(t *testing.T) {
	w := get(newStubHandler(&stubUpstream{}, nil).GetGeocode, "/geocode?q=Paris", nil)
	if env := decodeEnvelope(t, w); w.Code != http.StatusInternalServerError || env.Message != "Geocoding service is not configured" {
		t.Errorf("missing key: status %d envelope %+v", w.Code, env)
	}

	up := &stubUpstream{hasKey: true, err: errors.New("connection reset")}
	w = get(newStubHandler(up, nil).GetGeocode, "/geocode?q=Paris", nil)
	if env := decodeEnvelope(t, w); w.Code != http.StatusBadGateway || env.Message != "Search is temporarily unavailable" {
		t.Errorf("upstream failure: status %d envelope %+v", w.Code, env)
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1"}, "203.0.113.7"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.1"}, "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.1"}, "198.51.100.1"},
		{"empty forwarded entry", map[string]string{"X-Forwarded-For": " ,10.0.0.1", "X-Real-IP": "198.51.100.1"}, "198.51.100.1"},
		{"none", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientID(req); got != tt.want {
				t.Errorf("ClientID() = %q, want %q", got, tt.want)
			}
		})
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func getHealth(t *testing.T, h *Handler) (int, healthBody) {
	t.Helper()
	w := get(h.GetHealth, "/health", nil)
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	svc := service.NewGatewayService(&stubUpstream{hasKey: true}, nil, service.Options{})
	h := NewHandler(svc, nil, Limits{}, HealthConfig{
		CachePing:     func() error { return nil },
		RateStorePing: func(ctx context.Context) error { return errors.New("redis down") },
	}, nil, nil, zap.NewNop())

	code, body := getHealth(t, h)
	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("health = %d %s, want 200 healthy", code, body.Status)
	}
	if body.Checks["credentials"] != "configured" || body.Checks["cache"] != "healthy" || body.Checks["rateLimitStore"] != "unhealthy" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestHandler_GetHealth_MissingCredential(t *testing.T) {
	code, body := getHealth(t, newStubHandler(&stubUpstream{}, nil))
	if code != http.StatusServiceUnavailable || body.Status != "degraded" {
		t.Errorf("health = %d %s, want 503 degraded", code, body.Status)
	}
	if body.Checks["credentials"] != "missing" {
		t.Errorf("credentials check = %q", body.Checks["credentials"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	state := &lifecycle.State{}
	svc := service.NewGatewayService(&stubUpstream{hasKey: true}, nil, service.Options{})
	h := NewHandler(svc, nil, Limits{}, HealthConfig{}, nil, state, zap.NewNop())
	state.BeginShutdown()

	code, body := getHealth(t, h)
	if code != http.StatusServiceUnavailable || body.Status != "shutting-down" {
		t.Errorf("health = %d %s, want 503 shutting-down", code, body.Status)
	}
}

func TestHandler_GetHealth_ErrorRate(t *testing.T) {
	tracker := traffic.NewTracker(nil)
	svc := service.NewGatewayService(&stubUpstream{hasKey: true}, nil, service.Options{})
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(svc, nil, Limits{}, HealthConfig{ErrorWindow: time.Minute, ErrorPct: 50}, tracker, nil, zap.New(core))

	tracker.RecordSuccess()
	tracker.RecordSuccess()
	tracker.RecordError()
	if _, body := getHealth(t, h); body.Status != "healthy" {
		t.Fatalf("status = %s at 33%% errors, want healthy", body.Status)
	}

	tracker.RecordError()
	code, body := getHealth(t, h)
	if code != http.StatusServiceUnavailable || body.Status != "degraded" || body.Checks["weatherApi"] != "unhealthy" {
		t.Errorf("health = %d %s %v, want 503 degraded", code, body.Status, body.Checks)
	}

	transitions := logs.FilterMessage("health status transition").All()
	if len(transitions) != 1 {
		t.Fatalf("transitions logged = %d, want 1", len(transitions))
	}
	fields := transitions[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestHandler_UpstreamOutcomesFeedTracker(t *testing.T) {
	tracker := traffic.NewTracker(nil)
	ok := service.NewGatewayService(&stubUpstream{hasKey: true, body: []byte(`{}`)}, nil, service.Options{})
	bad := service.NewGatewayService(&stubUpstream{hasKey: true, err: errors.New("boom")}, nil, service.Options{})

	get(NewHandler(ok, nil, Limits{}, HealthConfig{}, tracker, nil, nil).GetWeather, "/weather?lat=1&lon=1", nil)
	get(NewHandler(bad, nil, Limits{}, HealthConfig{}, tracker, nil, nil).GetWeather, "/weather?lat=1&lon=1", nil)

	if errs, total := tracker.ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errs, total)
	}
}
