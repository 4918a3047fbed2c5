package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kelvins/geocoder"

	"github.com/i474232898/freezer/internal/weather"
)

// DefaultTimeout bounds a single location request when the caller passes
// a non-positive timeout.
const DefaultTimeout = 15 * time.Second

// ErrNotConfigured is the cause reported when no location source exists.
var ErrNotConfigured = errors.New("no location source configured")

// Static always reports the same coordinates.
type Static struct {
	coords weather.Coordinates
}

func NewStatic(coords weather.Coordinates) (*Static, error) {
	if err := coords.Validate(); err != nil {
		return nil, err
	}
	return &Static{coords: coords}, nil
}

func (s *Static) CurrentLocation(ctx context.Context, _ time.Duration) (weather.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return weather.Coordinates{}, &weather.LocationUnavailableError{Err: err}
	}
	return s.coords, nil
}

// Unavailable is used when neither coordinates nor a place are configured.
type Unavailable struct{}

func (Unavailable) CurrentLocation(context.Context, time.Duration) (weather.Coordinates, error) {
	return weather.Coordinates{}, &weather.LocationUnavailableError{Err: ErrNotConfigured}
}

// LookupFunc resolves an address to a location.
type LookupFunc func(geocoder.Address) (geocoder.Location, error)

// the geocoder package keeps its API key in a global
var geocoderMu sync.Mutex

func googleLookup(apiKey string) LookupFunc {
	return func(addr geocoder.Address) (geocoder.Location, error) {
		geocoderMu.Lock()
		defer geocoderMu.Unlock()
		geocoder.ApiKey = apiKey
		return geocoder.Geocoding(addr)
	}
}

// Geocoded resolves a configured city and country once through the Google
// Geocoding API and then serves the memoized result.
type Geocoded struct {
	city    string
	country string
	lookup  LookupFunc
	logger  *slog.Logger

	mu       sync.Mutex
	resolved *weather.Coordinates
}

type GeocodedOption func(*Geocoded)

// WithLookup replaces the Google Geocoding call.
func WithLookup(fn LookupFunc) GeocodedOption {
	return func(g *Geocoded) { g.lookup = fn }
}

func WithLogger(l *slog.Logger) GeocodedOption {
	return func(g *Geocoded) { g.logger = l }
}

func NewGeocoded(city, country, apiKey string, opts ...GeocodedOption) (*Geocoded, error) {
	city = strings.TrimSpace(city)
	country = strings.TrimSpace(country)
	if city == "" {
		return nil, &weather.InvalidInputError{Field: "city", Reason: "must not be empty"}
	}

	g := &Geocoded{
		city:    city,
		country: country,
		logger:  slog.Default(),
	}
	if apiKey != "" {
		g.lookup = googleLookup(apiKey)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lookup == nil {
		return nil, fmt.Errorf("geocoding %s requires an API key", city)
	}
	return g, nil
}

type lookupResult struct {
	loc geocoder.Location
	err error
}

// CurrentLocation returns the memoized coordinates, resolving them first if
// needed. A failed or timed out lookup is not memoized.
func (g *Geocoded) CurrentLocation(ctx context.Context, timeout time.Duration) (weather.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resolved != nil {
		return *g.resolved, nil
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// geocoder has no context support; the goroutine may outlive the call
	done := make(chan lookupResult, 1)
	addr := geocoder.Address{City: g.city, Country: g.country}
	go func() {
		loc, err := g.lookup(addr)
		done <- lookupResult{loc: loc, err: err}
	}()

	var res lookupResult
	select {
	case <-ctx.Done():
		return weather.Coordinates{}, &weather.LocationUnavailableError{Err: ctx.Err()}
	case res = <-done:
	}
	if res.err != nil {
		return weather.Coordinates{}, &weather.LocationUnavailableError{
			Err: fmt.Errorf("geocode %s, %s: %w", g.city, g.country, res.err),
		}
	}

	coords := weather.Coordinates{Latitude: res.loc.Latitude, Longitude: res.loc.Longitude}
	if err := coords.Validate(); err != nil {
		return weather.Coordinates{}, &weather.LocationUnavailableError{Err: err}
	}

	g.logger.Info("resolved location", "city", g.city, "country", g.country, "coords", coords.String())
	g.resolved = &coords
	return coords, nil
}
