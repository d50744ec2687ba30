package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/config"
	"github.com/kjstillabower/weatherdash/internal/dashboard"
	"github.com/kjstillabower/weatherdash/internal/debounce"
	"github.com/kjstillabower/weatherdash/internal/geo"
	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/observability"
	"github.com/kjstillabower/weatherdash/internal/state"
	"github.com/kjstillabower/weatherdash/internal/storage"
	"github.com/kjstillabower/weatherdash/internal/theme"
	"github.com/kjstillabower/weatherdash/internal/units"
)

type options struct {
	search      string
	selectIdx   int
	forgetIdx   int
	unit        string
	theme       string
	listRecent  bool
	clearRecent bool
	noGeo       bool
	watch       time.Duration
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.search, "search", "", "search for a city and select the first match")
	fs.IntVar(&o.selectIdx, "select", 0, "select the Nth recent city (1-based)")
	fs.IntVar(&o.forgetIdx, "forget", 0, "remove the Nth recent city (1-based)")
	fs.StringVar(&o.unit, "unit", "", "set the unit: metric or imperial")
	fs.StringVar(&o.theme, "theme", "", "set the theme: light, dark or system")
	fs.BoolVar(&o.listRecent, "recent", false, "list recent cities and exit")
	fs.BoolVar(&o.clearRecent, "clear-recent", false, "clear recent cities")
	fs.BoolVar(&o.noGeo, "no-geo", false, "skip IP geolocation")
	fs.DurationVar(&o.watch, "watch", 0, "reload every interval until interrupted")
	err := fs.Parse(args)
	return o, err
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := storage.OpenSQLite(ctx, cfg.Dashboard.StoragePath)
	if err != nil {
		logger.Fatal("storage", zap.String("path", cfg.Dashboard.StoragePath), zap.Error(err))
	}
	defer kv.Close()

	var locator geo.Locator
	if !opts.noGeo {
		locator = geo.NewIPLocator(cfg.Dashboard.GeolocationURL, cfg.Dashboard.GeolocationTimeout,
			cfg.Dashboard.GeolocationMaxAge, logger)
	}
	api := dashboard.NewAPIClient(cfg.Dashboard.GatewayURL,
		&http.Client{Timeout: cfg.Dashboard.RequestTimeout}, logger)

	if err := run(ctx, opts, cfg.Dashboard, kv, locator, api, os.Stdout, logger); err != nil {
		logger.Error("dashboard failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		_ = observability.Flush(logger)
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	opts options,
	cfg config.DashboardConfig,
	kv storage.KV,
	locator geo.Locator,
	api dashboard.WeatherAPI,
	out io.Writer,
	logger *zap.Logger,
) error {
	store := state.New(kv, logger, state.WithGeolocationTimeout(cfg.GeolocationTimeout))
	store.Start(ctx, locator)

	if opts.unit != "" {
		store.SetUnit(ctx, units.ParseUnit(opts.unit))
	}
	if opts.theme != "" {
		store.SetTheme(ctx, theme.ParsePreference(opts.theme))
	}
	if opts.clearRecent {
		store.ClearRecentCities(ctx)
	}
	if opts.forgetIdx > 0 {
		recent := store.Snapshot().RecentCities
		if opts.forgetIdx > len(recent) {
			return fmt.Errorf("no recent city #%d (have %d)", opts.forgetIdx, len(recent))
		}
		c := recent[opts.forgetIdx-1]
		store.RemoveRecentCity(ctx, c.Lat, c.Lon)
	}
	if opts.listRecent {
		return listRecent(out, store.Snapshot().RecentCities)
	}

	switch {
	case opts.search != "":
		city, err := searchCity(ctx, api, opts.search, cfg.DebounceDelay, logger)
		if err != nil {
			return err
		}
		store.SetCurrentCity(ctx, city)
		store.AddRecentCity(ctx, city)
	case opts.selectIdx > 0:
		recent := store.Snapshot().RecentCities
		if opts.selectIdx > len(recent) {
			return fmt.Errorf("no recent city #%d (have %d)", opts.selectIdx, len(recent))
		}
		city := recent[opts.selectIdx-1]
		store.SetCurrentCity(ctx, city)
		store.AddRecentCity(ctx, city)
	}

	store.Wait()
	snap := store.Snapshot()
	if snap.Coords == nil {
		msg := "showing the default location"
		if snap.GeoError != "" {
			msg = snap.GeoError + "; " + msg
		}
		fmt.Fprintln(out, msg)
		store.SetCoords(geo.DefaultCoordinates)
	}

	loader := dashboard.NewLoader(api, store, logger)
	if err := loadAndRender(ctx, loader, out); err != nil {
		return err
	}
	if opts.watch <= 0 {
		return nil
	}

	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(opts.watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changes:
		}
		if err := loadAndRender(ctx, loader, out); err != nil && ctx.Err() == nil {
			logger.Warn("reload failed", zap.Error(err))
		}
	}
}

func loadAndRender(ctx context.Context, loader *dashboard.Loader, out io.Writer) error {
	v, err := loader.Load(ctx)
	if errors.Is(err, dashboard.ErrStale) {
		v, err = loader.Load(ctx)
	}
	if err != nil {
		if dashboard.IsRetryable(err) {
			return fmt.Errorf("%w (try again shortly)", err)
		}
		return err
	}
	return dashboard.Render(out, v)
}

// searchCity runs query through the debounced search and returns the first match.
func searchCity(ctx context.Context, api dashboard.Geocoder, query string, delay time.Duration, logger *zap.Logger) (models.City, error) {
	if utf8.RuneCountInString(strings.TrimSpace(query)) < dashboard.MinQueryLength {
		return models.City{}, fmt.Errorf("search query must be at least %d characters", dashboard.MinQueryLength)
	}
	done := make(chan dashboard.SearchState, 1)
	s := dashboard.NewSearch(ctx, api, delay, func(st dashboard.SearchState) {
		if st.Loading || st.Query == "" {
			return
		}
		select {
		case done <- st:
		default:
		}
	}, logger)
	defer s.Close()

	s.SetQuery(query)
	wait := delay
	if wait <= 0 {
		wait = debounce.DefaultDelay
	}
	select {
	case st := <-done:
		if len(st.Results) == 0 {
			if st.Message == "" {
				st.Message = dashboard.NoResultsMessage
			}
			return models.City{}, errors.New(st.Message)
		}
		return st.Results[0].City(), nil
	case <-time.After(wait + dashboard.DefaultRequestTimeout):
		return models.City{}, errors.New(dashboard.SearchFailedMessage)
	case <-ctx.Done():
		return models.City{}, ctx.Err()
	}
}

func listRecent(out io.Writer, recent []models.City) error {
	if len(recent) == 0 {
		_, err := fmt.Fprintln(out, "no recent cities")
		return err
	}
	for i, c := range recent {
		label := c.Name
		if c.State != "" {
			label += ", " + c.State
		}
		if _, err := fmt.Fprintf(out, "%d. %s, %s (%s, %s)\n", i+1, label, c.Country,
			strconv.FormatFloat(c.Lat, 'f', 2, 64), strconv.FormatFloat(c.Lon, 'f', 2, 64)); err != nil {
			return err
		}
	}
	return nil
}
