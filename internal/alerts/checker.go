package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/freezer/internal/metrics"
	"github.com/i474232898/freezer/internal/weather"
)

const locationTimeout = 15 * time.Second

var ErrUnknownKind = errors.New("unknown alert kind")

// ForecastSource is what the checker needs from the repository.
type ForecastSource interface {
	GetForecast(ctx context.Context, coords weather.Coordinates) (weather.Forecast, error)
	LastCoordinates() (weather.Coordinates, bool)
}

// Settings are the runtime alert toggles.
type Settings struct {
	FreezeEnabled   bool `json:"freezeEnabled"`
	UmbrellaEnabled bool `json:"umbrellaEnabled"`
}

// Checker evaluates the freeze and umbrella checks for the last known
// coordinates and hands any resulting alert to its notifier.
type Checker struct {
	source    ForecastSource
	locations weather.LocationProvider
	notifier  Notifier

	freeze   atomic.Bool
	umbrella atomic.Bool

	now     func() time.Time
	zone    *time.Location
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithZone sets the zone the overnight and morning windows are computed in.
func WithZone(loc *time.Location) Option {
	return func(c *Checker) { c.zone = loc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

func NewChecker(source ForecastSource, locations weather.LocationProvider, notifier Notifier, settings Settings, opts ...Option) *Checker {
	c := &Checker{
		source:    source,
		locations: locations,
		notifier:  notifier,
		now:       time.Now,
		zone:      time.Local,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}
	c.SetSettings(settings)
	return c
}

func (c *Checker) Settings() Settings {
	return Settings{
		FreezeEnabled:   c.freeze.Load(),
		UmbrellaEnabled: c.umbrella.Load(),
	}
}

func (c *Checker) SetSettings(s Settings) {
	c.freeze.Store(s.FreezeEnabled)
	c.umbrella.Store(s.UmbrellaEnabled)
}

func (c *Checker) enabled(kind Kind) bool {
	switch kind {
	case KindFreeze:
		return c.freeze.Load()
	case KindUmbrella:
		return c.umbrella.Load()
	}
	return false
}

// Scheduled returns a job for kind that honours the runtime toggle and
// treats missing coordinates as nothing to do.
func (c *Checker) Scheduled(kind Kind) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !c.enabled(kind) {
			c.logger.Debug("alert check disabled, skipping", "kind", kind)
			return nil
		}
		_, err := c.Check(ctx, kind)
		var locErr *weather.LocationUnavailableError
		if errors.As(err, &locErr) {
			c.logger.Info("alert check skipped; no coordinates", "kind", kind, "error", err)
			return nil
		}
		return err
	}
}

// Check runs kind now, regardless of the toggle. It returns the alert that
// was sent, or nil when conditions did not call for one.
func (c *Checker) Check(ctx context.Context, kind Kind) (*Alert, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	coords, err := c.coordinates(ctx)
	if err != nil {
		return nil, err
	}

	forecast, err := c.source.GetForecast(ctx, coords)
	if err != nil {
		return nil, fmt.Errorf("%s check: %w", kind, err)
	}

	now := c.now().In(c.zone)
	var alert *Alert
	switch kind {
	case KindFreeze:
		if p, ok := FreezeCheck(forecast, now); ok {
			alert = c.newAlert(kind, forecast, p)
			alert.Title = "Freezing temperatures overnight"
			alert.Message = fmt.Sprintf("Low of %.1f°C in %s. Protect plants and pipes.", p.TemperatureC, placeName(forecast))
		} else {
			c.logger.Debug("no freezing temperatures expected", "coords", coords.String())
		}
	case KindUmbrella:
		if p, ok := UmbrellaCheck(forecast, now); ok {
			alert = c.newAlert(kind, forecast, p)
			alert.Title = "Don't forget your umbrella"
			alert.Message = fmt.Sprintf("Rain expected around %s in %s.", p.Time.In(c.zone).Format("3PM"), placeName(forecast))
		} else {
			c.logger.Debug("no morning rain expected", "coords", coords.String())
		}
	}
	if alert == nil {
		return nil, nil
	}

	if err := c.notifier.Notify(ctx, *alert); err != nil {
		return alert, fmt.Errorf("deliver %s alert: %w", kind, err)
	}
	if c.metrics != nil {
		c.metrics.AlertsSentTotal.WithLabelValues(string(kind)).Inc()
	}
	return alert, nil
}

func (c *Checker) newAlert(kind Kind, f weather.Forecast, p weather.ForecastPoint) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Location:  f.Location,
		Place:     f.Place,
		At:        p.Time,
		CreatedAt: c.now().UTC(),
	}
}

func (c *Checker) coordinates(ctx context.Context) (weather.Coordinates, error) {
	if coords, ok := c.source.LastCoordinates(); ok {
		return coords, nil
	}
	if c.locations == nil {
		return weather.Coordinates{}, &weather.LocationUnavailableError{}
	}
	return c.locations.CurrentLocation(ctx, locationTimeout)
}

func placeName(f weather.Forecast) string {
	if f.Place != "" {
		return f.Place
	}
	return f.Location.String()
}
