package dashboard

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gatewayhttp "github.com/kjstillabower/weatherdash/internal/http"
	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/state"
	"github.com/kjstillabower/weatherdash/internal/testhelpers"
	"github.com/kjstillabower/weatherdash/internal/theme"
)

// scriptedAPI answers from fixed values and runs hook inside CurrentWeather.
type scriptedAPI struct {
	current  *models.CurrentWeather
	forecast *models.ForecastResponse
	err      error
	hook     func()
}

func (s *scriptedAPI) CurrentWeather(ctx context.Context, coords models.Coordinates) (*models.CurrentWeather, error) {
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.current, nil
}

func (s *scriptedAPI) Forecast(ctx context.Context, coords models.Coordinates) (*models.ForecastResponse, error) {
	return s.forecast, nil
}

func (s *scriptedAPI) Geocode(ctx context.Context, query string) ([]models.GeocodingResult, error) {
	return nil, nil
}

func TestLoader_LoadThroughGateway(t *testing.T) {
	provider, api := newGateway(t, testhelpers.TestAPIKey, gatewayhttp.Limits{})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	provider.SetForecast(testhelpers.ForecastJSON(start, 40))

	store := state.New(nil, nil)
	store.SetCurrentCity(context.Background(), models.City{Name: "New York", Lat: 40.7128, Lon: -74.006, Country: "US"})

	l := NewLoader(api, store, nil)
	l.now = func() time.Time { return start.Add(time.Hour) }

	v, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if v.Current.Name != "New York" || v.Theme != theme.ClearDay {
		t.Errorf("current = %q theme = %q", v.Current.Name, v.Theme)
	}
	if len(v.Daily) != 5 || v.Daily[0].Date != "Today" || v.Daily[0].DateISO != "2026-03-01" {
		t.Errorf("daily = %+v", v.Daily)
	}
	if len(v.Hourly) != 40 {
		t.Errorf("hourly points = %d, want one per sample", len(v.Hourly))
	}
	if v.City == nil || v.City.Name != "New York" || v.Generation != 1 {
		t.Errorf("view location = %+v gen %d", v.City, v.Generation)
	}
	if l.Latest() != v {
		t.Error("Latest() does not return the published view")
	}
}

func TestLoader_NoLocation(t *testing.T) {
	l := NewLoader(&scriptedAPI{}, state.New(nil, nil), nil)
	if _, err := l.Load(context.Background()); !errors.Is(err, ErrNoLocation) {
		t.Errorf("Load() error = %v, want ErrNoLocation", err)
	}
}

func TestLoader_DiscardsStaleResult(t *testing.T) {
	store := state.New(nil, nil)
	store.SetCoords(models.Coordinates{Lat: 1, Lon: 1})
	api := &scriptedAPI{
		current:  &models.CurrentWeather{Name: "Somewhere"},
		forecast: &models.ForecastResponse{},
		hook:     func() { store.SetCoords(models.Coordinates{Lat: 2, Lon: 2}) },
	}
	l := NewLoader(api, store, nil)

	if _, err := l.Load(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("Load() error = %v, want ErrStale", err)
	}
	if l.Latest() != nil {
		t.Error("stale result was published")
	}

	api.hook = nil
	v, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if v.Coords != (models.Coordinates{Lat: 2, Lon: 2}) {
		t.Errorf("coords = %+v", v.Coords)
	}
}

func TestLoader_NewerViewNotOverwritten(t *testing.T) {
	store := state.New(nil, nil)
	store.SetCoords(models.Coordinates{Lat: 1, Lon: 1})
	api := &scriptedAPI{current: &models.CurrentWeather{Name: "Somewhere"}, forecast: &models.ForecastResponse{}}
	l := NewLoader(api, store, nil)

	// The coordinates move and a second load publishes after the first load
	// passed its post-fetch check but before it publishes.
	var nested bool
	l.now = func() time.Time {
		if !nested {
			nested = true
			store.SetCoords(models.Coordinates{Lat: 2, Lon: 2})
			if _, err := l.Load(context.Background()); err != nil {
				t.Errorf("newer Load() error = %v", err)
			}
		}
		return time.Now()
	}

	if _, err := l.Load(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("older Load() error = %v, want ErrStale", err)
	}
	latest := l.Latest()
	if latest == nil || latest.Generation != store.Generation() {
		t.Fatalf("Latest() = %+v, want generation %d", latest, store.Generation())
	}
	if latest.Coords != (models.Coordinates{Lat: 2, Lon: 2}) {
		t.Errorf("Latest().Coords = %+v", latest.Coords)
	}
}

func TestLoader_FetchErrorKeepsAPIError(t *testing.T) {
	store := state.New(nil, nil)
	store.SetCoords(models.Coordinates{Lat: 1, Lon: 1})
	upstream := &APIError{Status: 502, Code: gatewayhttp.CodeUpstreamError, Message: "Weather data is temporarily unavailable"}
	l := NewLoader(&scriptedAPI{err: upstream, forecast: &models.ForecastResponse{}}, store, nil)

	_, err := l.Load(context.Background())
	if !IsRetryable(err) {
		t.Errorf("Load() error = %v, want retryable APIError", err)
	}
}

func TestRender(t *testing.T) {
	v := &View{
		Coords: models.Coordinates{Lat: 51.5073, Lon: -0.1277},
		City:   &models.City{Name: "London", Country: "GB", State: "England"},
		Unit:   models.UnitImperial,
		Current: &models.CurrentWeather{
			Weather: []models.Condition{{ID: 500, Main: "Rain", Description: "light rain"}},
			Main:    models.ForecastMain{Temp: 10, FeelsLike: 8, Humidity: 80},
			Wind:    models.Wind{Speed: 5},
		},
		Daily:    []models.DailyForecast{{Date: "Today", TempMin: 5, TempMax: 12, ConditionMain: "Rain", Humidity: 75}},
		Hourly:   []models.HourlyPoint{{Label: "Sun 3 PM", Temp: 11}},
		Theme:    theme.Rain,
		LoadedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	if err := Render(&buf, v); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"London, England, GB", "[rain]", "50°F light rain", "feels like 46°", "wind 11 mph", "54°", "Sun 3 PM", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
