package dashboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/forecast"
	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/state"
	"github.com/kjstillabower/weatherdash/internal/theme"
)

var (
	// ErrStale means the location changed while a load was in flight and its
	// result was discarded.
	ErrStale = errors.New("dashboard: location changed during load")
	// ErrNoLocation means the store has no coordinates to load.
	ErrNoLocation = errors.New("dashboard: no location selected")
)

// WeatherAPI is the subset of the gateway the loader and search need.
type WeatherAPI interface {
	CurrentWeather(ctx context.Context, coords models.Coordinates) (*models.CurrentWeather, error)
	Forecast(ctx context.Context, coords models.Coordinates) (*models.ForecastResponse, error)
	Geocode(ctx context.Context, query string) ([]models.GeocodingResult, error)
}

// View is everything one dashboard screen shows.
type View struct {
	Coords     models.Coordinates
	City       *models.City
	Unit       models.Unit
	Current    *models.CurrentWeather
	Daily      []models.DailyForecast
	Hourly     []models.HourlyPoint
	Theme      theme.Key
	Generation uint64
	LoadedAt   time.Time
}

// Loader fetches and reduces weather for the store's current coordinates.
type Loader struct {
	api    WeatherAPI
	store  *state.Store
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	latest *View
}

// NewLoader returns a Loader reading coordinates from store.
func NewLoader(api WeatherAPI, store *state.Store, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		api:    api,
		store:  store,
		logger: logger.With(zap.String("context", "loader")),
		now:    time.Now,
	}
}

// Load fetches current conditions and the forecast in parallel, aggregates the
// forecast into days and hourly points, and publishes the View. If the store's
// coordinates moved while the requests were in flight, or a newer View was
// published meanwhile, the result is dropped and ErrStale returned.
func (l *Loader) Load(ctx context.Context) (*View, error) {
	snap := l.store.Snapshot()
	if snap.Coords == nil {
		return nil, ErrNoLocation
	}
	coords := *snap.Coords

	var (
		wg         sync.WaitGroup
		current    *models.CurrentWeather
		fc         *models.ForecastResponse
		currentErr error
		fcErr      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		current, currentErr = l.api.CurrentWeather(ctx, coords)
	}()
	go func() {
		defer wg.Done()
		fc, fcErr = l.api.Forecast(ctx, coords)
	}()
	wg.Wait()

	if l.store.Generation() != snap.Generation {
		l.logger.Debug("discarding stale load", zap.Uint64("generation", snap.Generation))
		return nil, ErrStale
	}
	if currentErr != nil {
		l.logger.Error("failed to fetch current weather", zap.Error(currentErr))
		return nil, fmt.Errorf("current weather: %w", currentErr)
	}
	if fcErr != nil {
		l.logger.Error("failed to fetch forecast", zap.Error(fcErr))
		return nil, fmt.Errorf("forecast: %w", fcErr)
	}

	now := l.now()
	v := &View{
		Coords:     coords,
		City:       snap.CurrentCity,
		Unit:       snap.Unit,
		Current:    current,
		Daily:      forecast.AggregateToDays(fc.List, now),
		Hourly:     slices.Collect(forecast.HourlyPoints(fc.List)),
		Theme:      theme.Clouds,
		Generation: snap.Generation,
		LoadedAt:   now,
	}
	if len(current.Weather) > 0 {
		v.Theme = theme.FromCondition(current.Weather[0].ID, current.Weather[0].Icon)
	}

	l.mu.Lock()
	if l.store.Generation() != snap.Generation || (l.latest != nil && l.latest.Generation > v.Generation) {
		l.mu.Unlock()
		l.logger.Debug("discarding stale load", zap.Uint64("generation", snap.Generation))
		return nil, ErrStale
	}
	l.latest = v
	l.mu.Unlock()
	l.logger.Info("weather loaded",
		zap.String("city", current.Name),
		zap.Float64("temp", current.Main.Temp),
		zap.Int("days", len(v.Daily)),
	)
	return v, nil
}

// Latest returns the last published View, or nil.
func (l *Loader) Latest() *View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}
