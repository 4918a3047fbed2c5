package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/freezer/internal/alerts"
	"github.com/i474232898/freezer/internal/weather"
)

var validate = validator.New()

const defaultForecastHours = 24

// WeatherService is the repository surface the handlers use.
type WeatherService interface {
	GetWeather(ctx context.Context, coords weather.Coordinates, allowStale bool) (weather.WeatherSnapshot, error)
	GetForecast(ctx context.Context, coords weather.Coordinates) (weather.Forecast, error)
	TTL() time.Duration
}

// AlertService is the alert checker surface the handlers use.
type AlertService interface {
	Settings() alerts.Settings
	SetSettings(alerts.Settings)
	Check(ctx context.Context, kind alerts.Kind) (*alerts.Alert, error)
}

type Deps struct {
	Weather         WeatherService
	Locations       weather.LocationProvider
	Alerts          AlertService
	LocationTimeout time.Duration
	Now             func() time.Time
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locations == nil {
		d.Locations = unavailableLocation{}
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "freezer",
		})
	})

	v1 := app.Group("/api/v1")

	v1.Get("/weather/current", func(c *fiber.Ctx) error {
		var q coordsQuery
		if err := bindQuery(c, &q); err != nil {
			return err
		}

		snap, err := d.Weather.GetWeather(c.UserContext(), q.coordinates(), q.AllowStale)
		if err != nil {
			return err
		}
		return c.JSON(d.weatherBody(snap))
	})

	v1.Get("/weather/here", func(c *fiber.Ctx) error {
		var q struct {
			AllowStale bool `query:"allowStale"`
		}
		if err := c.QueryParser(&q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		coords, err := d.Locations.CurrentLocation(c.UserContext(), d.LocationTimeout)
		if err != nil {
			return err
		}
		snap, err := d.Weather.GetWeather(c.UserContext(), coords, q.AllowStale)
		if err != nil {
			return err
		}
		return c.JSON(d.weatherBody(snap))
	})

	v1.Get("/weather/forecast", func(c *fiber.Ctx) error {
		var q forecastQuery
		if err := bindQuery(c, &q); err != nil {
			return err
		}
		if q.Hours == 0 {
			q.Hours = defaultForecastHours
		}

		f, err := d.Weather.GetForecast(c.UserContext(), q.coordinates())
		if err != nil {
			return err
		}
		return c.JSON(f.Limit(time.Duration(q.Hours) * time.Hour))
	})

	v1.Get("/alerts", func(c *fiber.Ctx) error {
		return c.JSON(d.Alerts.Settings())
	})

	v1.Put("/alerts", func(c *fiber.Ctx) error {
		var body struct {
			FreezeEnabled   *bool `json:"freezeEnabled"`
			UmbrellaEnabled *bool `json:"umbrellaEnabled"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid alert settings body")
		}

		s := d.Alerts.Settings()
		if body.FreezeEnabled != nil {
			s.FreezeEnabled = *body.FreezeEnabled
		}
		if body.UmbrellaEnabled != nil {
			s.UmbrellaEnabled = *body.UmbrellaEnabled
		}
		d.Alerts.SetSettings(s)
		return c.JSON(s)
	})

	v1.Post("/alerts/check/:kind", func(c *fiber.Ctx) error {
		kind, ok := alerts.ParseKind(c.Params("kind"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown alert kind "+strconv.Quote(c.Params("kind")))
		}

		alert, err := d.Alerts.Check(c.UserContext(), kind)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"kind":    kind,
			"alerted": alert != nil,
			"alert":   alert,
		})
	})
}

type weatherResponse struct {
	Snapshot   weather.WeatherSnapshot `json:"snapshot"`
	AgeSeconds int64                   `json:"ageSeconds"`
	Stale      bool                    `json:"stale"`
}

func (d Deps) weatherBody(snap weather.WeatherSnapshot) weatherResponse {
	now := d.Now()
	age := now.Sub(snap.FetchedAt)
	if age < 0 {
		age = 0
	}
	return weatherResponse{
		Snapshot:   snap,
		AgeSeconds: int64(age / time.Second),
		Stale:      !now.Before(snap.FetchedAt.Add(d.Weather.TTL())),
	}
}

// coordsQuery holds query parameters identifying a location.
type coordsQuery struct {
	Lat        *float64 `query:"lat" validate:"required,gte=-90,lte=90"`
	Lon        *float64 `query:"lon" validate:"required,gte=-180,lte=180"`
	AllowStale bool     `query:"allowStale"`
}

func (q coordsQuery) coordinates() weather.Coordinates {
	return weather.Coordinates{Latitude: *q.Lat, Longitude: *q.Lon}
}

// forecastQuery holds query parameters for the forecast endpoint.
type forecastQuery struct {
	Lat   *float64 `query:"lat" validate:"required,gte=-90,lte=90"`
	Lon   *float64 `query:"lon" validate:"required,gte=-180,lte=180"`
	Hours int      `query:"hours" validate:"omitempty,min=1,max=120"`
}

func (q forecastQuery) coordinates() weather.Coordinates {
	return weather.Coordinates{Latitude: *q.Lat, Longitude: *q.Lon}
}

func bindQuery(c *fiber.Ctx, out any) error {
	if err := c.QueryParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

type unavailableLocation struct{}

func (unavailableLocation) CurrentLocation(context.Context, time.Duration) (weather.Coordinates, error) {
	return weather.Coordinates{}, &weather.LocationUnavailableError{}
}

// ErrorHandler converts handler failures into JSON error bodies.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var (
		fe      *fiber.Error
		invalid *weather.InvalidInputError
		noLoc   *weather.LocationUnavailableError
		noData  *weather.WeatherUnavailableError
		limited *weather.RateLimitError
	)
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.As(err, &invalid):
		code = fiber.StatusBadRequest
	case errors.As(err, &noLoc):
		code = fiber.StatusServiceUnavailable
	case errors.As(err, &noData):
		code = fiber.StatusServiceUnavailable
		if errors.As(err, &limited) {
			code = fiber.StatusTooManyRequests
			if limited.RetryAfter > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(limited.RetryAfter/time.Second)))
			}
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
