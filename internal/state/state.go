// Package state is the dashboard's single source of truth for location,
// units, theme and recent-city history. A Store is built once at the root of
// the program and passed to whatever reads or mutates it.
package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/geo"
	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/storage"
	"github.com/kjstillabower/weatherdash/internal/theme"
)

// MaxRecentCities bounds the recent-city list.
const MaxRecentCities = 5

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Coords       *models.Coordinates
	CurrentCity  *models.City
	Unit         models.Unit
	Theme        theme.Preference
	RecentCities []models.City
	GeoLoading   bool
	GeoError     string
	Generation   uint64
}

// Store holds dashboard state and mirrors unit, theme, recent cities and the
// last selected city to a KV. Storage failures are logged and never returned;
// the in-memory value stays authoritative.
type Store struct {
	kv         storage.KV
	logger     *zap.Logger
	geoTimeout time.Duration

	// persistMu orders persisting mutations so the KV sees them in the same
	// order as memory. It is taken before mu and held across the write.
	persistMu sync.Mutex

	mu          sync.Mutex
	coords      *models.Coordinates
	city        *models.City
	unit        models.Unit
	theme       theme.Preference
	recent      []models.City
	geoLoading  bool
	geoErr      string
	gen         uint64
	subscribers []chan struct{}

	wg sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithGeolocationTimeout bounds the lookup Start runs in the background.
// Non-positive values keep geo.DefaultTimeout.
func WithGeolocationTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.geoTimeout = d
		}
	}
}

// New returns a Store with defaults: metric, system theme, no location.
func New(kv storage.KV, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:         kv,
		logger:     logger.With(zap.String("context", "state")),
		geoTimeout: geo.DefaultTimeout,
		unit:       models.UnitMetric,
		theme:      theme.PreferenceSystem,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start restores persisted state and then asks locator for the device
// position in the background. A restored city is adopted immediately; the
// geolocation answer is adopted only if no city has been selected by the time
// it arrives. A nil locator marks geolocation unsupported.
func (s *Store) Start(ctx context.Context, locator geo.Locator) {
	var unit models.Unit
	if s.load(ctx, storage.KeyUnit, &unit) {
		s.mu.Lock()
		s.unit = normalizeUnit(unit)
		s.mu.Unlock()
	}
	var pref theme.Preference
	if s.load(ctx, storage.KeyTheme, &pref) {
		s.mu.Lock()
		s.theme = theme.ParsePreference(string(pref))
		s.mu.Unlock()
	}
	var recent []models.City
	if s.load(ctx, storage.KeyRecentCities, &recent) {
		s.mu.Lock()
		s.recent = dedupe(recent)
		s.mu.Unlock()
	}
	var last *models.City
	if s.load(ctx, storage.KeyLastCity, &last) && last != nil {
		s.mu.Lock()
		s.adoptCityLocked(*last)
		s.mu.Unlock()
		s.logger.Info("restored last city", zap.String("city", last.Name))
	}
	s.notify()

	if locator == nil {
		s.mu.Lock()
		s.geoErr = geo.Message(geo.ErrUnsupported)
		s.mu.Unlock()
		s.notify()
		return
	}

	s.mu.Lock()
	s.geoLoading = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		lctx, cancel := context.WithTimeout(ctx, s.geoTimeout)
		defer cancel()
		coords, err := locator.Locate(lctx)
		s.mu.Lock()
		s.geoLoading = false
		switch {
		case err != nil:
			s.geoErr = geo.Message(err)
			s.logger.Warn("geolocation error", zap.String("message", s.geoErr), zap.Error(err))
		case s.city == nil:
			s.setCoordsLocked(coords)
			s.logger.Info("using geolocation coordinates", zap.Float64("lat", coords.Lat), zap.Float64("lon", coords.Lon))
		default:
			s.logger.Debug("geolocation ignored; city already selected")
		}
		s.mu.Unlock()
		s.notify()
	}()
}

// Wait blocks until the background geolocation started by Start finishes.
func (s *Store) Wait() {
	s.wg.Wait()
}

// SetCurrentCity selects city, moves the coordinates to it and persists it as
// the last city.
func (s *Store) SetCurrentCity(ctx context.Context, city models.City) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.adoptCityLocked(city)
	s.mu.Unlock()
	s.save(ctx, storage.KeyLastCity, city)
	s.logger.Info("city selected", zap.String("city", city.Name))
	s.notify()
}

// AddRecentCity puts city at the front of the recent list, dropping any entry
// with the same rounded coordinates and anything beyond MaxRecentCities.
func (s *Store) AddRecentCity(ctx context.Context, city models.City) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	updated := make([]models.City, 0, MaxRecentCities)
	updated = append(updated, city)
	for _, c := range s.recent {
		if !models.SameCity(c, city) {
			updated = append(updated, c)
		}
	}
	if len(updated) > MaxRecentCities {
		updated = updated[:MaxRecentCities]
	}
	s.recent = updated
	snapshot := cloneCities(updated)
	s.mu.Unlock()
	s.save(ctx, storage.KeyRecentCities, snapshot)
	s.notify()
}

// RemoveRecentCity drops every recent entry whose rounded coordinates match.
func (s *Store) RemoveRecentCity(ctx context.Context, lat, lon float64) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	updated := make([]models.City, 0, len(s.recent))
	for _, c := range s.recent {
		if !models.SamePlace(c.Lat, c.Lon, lat, lon) {
			updated = append(updated, c)
		}
	}
	s.recent = updated
	snapshot := cloneCities(updated)
	s.mu.Unlock()
	s.save(ctx, storage.KeyRecentCities, snapshot)
	s.notify()
}

// ClearRecentCities empties the recent list.
func (s *Store) ClearRecentCities(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.recent = nil
	s.mu.Unlock()
	s.save(ctx, storage.KeyRecentCities, []models.City{})
	s.logger.Info("recent cities cleared")
	s.notify()
}

// SetUnit replaces the unit preference.
func (s *Store) SetUnit(ctx context.Context, unit models.Unit) {
	unit = normalizeUnit(unit)
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.unit = unit
	s.mu.Unlock()
	s.save(ctx, storage.KeyUnit, unit)
	s.logger.Info("unit changed", zap.String("unit", string(unit)))
	s.notify()
}

// SetTheme replaces the light/dark preference.
func (s *Store) SetTheme(ctx context.Context, pref theme.Preference) {
	pref = theme.ParsePreference(string(pref))
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.theme = pref
	s.mu.Unlock()
	s.save(ctx, storage.KeyTheme, pref)
	s.notify()
}

// SetCoords moves to raw coordinates without selecting a city. Nothing is persisted.
func (s *Store) SetCoords(coords models.Coordinates) {
	s.mu.Lock()
	s.setCoordsLocked(coords)
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Unit:         s.unit,
		Theme:        s.theme,
		RecentCities: cloneCities(s.recent),
		GeoLoading:   s.geoLoading,
		GeoError:     s.geoErr,
		Generation:   s.gen,
	}
	if s.coords != nil {
		c := *s.coords
		snap.Coords = &c
	}
	if s.city != nil {
		c := *s.city
		snap.CurrentCity = &c
	}
	return snap
}

// GeoStatus reports whether a geolocation lookup is in flight and the message
// of the last failure, if any.
func (s *Store) GeoStatus() (loading bool, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geoLoading, s.geoErr
}

// Generation increments every time the coordinates change. A fetch started
// under one generation must discard its result if the generation has moved.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Subscribe returns a channel that receives a value after every change. Sends
// never block: a slow subscriber sees one pending signal for many changes.
// cancel unsubscribes and closes the channel.
func (s *Store) Subscribe() (ch <-chan struct{}, cancel func()) {
	c := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, c)
	s.mu.Unlock()
	var once sync.Once
	return c, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subscribers {
				if sub == c {
					s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
					break
				}
			}
			close(c)
		})
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.subscribers {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (s *Store) adoptCityLocked(city models.City) {
	c := city
	s.city = &c
	s.setCoordsLocked(city.Coordinates())
}

func (s *Store) setCoordsLocked(coords models.Coordinates) {
	if s.coords != nil && *s.coords == coords {
		return
	}
	c := coords
	s.coords = &c
	s.gen++
}

// load decodes key into dst. It reports false for a missing key or on any
// failure, which is logged.
func (s *Store) load(ctx context.Context, key string, dst any) bool {
	if s.kv == nil {
		return false
	}
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read storage key", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("failed to decode storage key", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Store) save(ctx context.Context, key string, v any) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode storage key", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		s.logger.Warn("failed to write storage key", zap.String("key", key), zap.Error(err))
	}
}

func normalizeUnit(u models.Unit) models.Unit {
	if u == models.UnitImperial {
		return u
	}
	return models.UnitMetric
}

// dedupe keeps the first of any entries sharing rounded coordinates and
// enforces MaxRecentCities on data restored from storage.
func dedupe(cities []models.City) []models.City {
	out := make([]models.City, 0, len(cities))
	for _, c := range cities {
		dup := false
		for _, kept := range out {
			if models.SameCity(kept, c) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
		if len(out) == MaxRecentCities {
			break
		}
	}
	return out
}

func cloneCities(in []models.City) []models.City {
	out := make([]models.City, len(in))
	copy(out, in)
	return out
}
