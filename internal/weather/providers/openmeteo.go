package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/freezer/internal/weather"
)

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

// OpenMeteoClient implements weather.Client for Open-Meteo. It needs no API key.
type OpenMeteoClient struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenMeteoClient(cfg HTTPClientConfig) *OpenMeteoClient {
	return &OpenMeteoClient{
		name:    "openmeteo",
		baseURL: cfg.baseURL(openMeteoBaseURL),
		httpCfg: cfg,
		circuit: newCircuitBreaker("openmeteo"),
	}
}

func (p *OpenMeteoClient) Name() string {
	return p.name
}

func (p *OpenMeteoClient) endpoint(coords weather.Coordinates, extra url.Values) string {
	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", coords.Latitude))
	values.Set("longitude", fmt.Sprintf("%f", coords.Longitude))
	values.Set("wind_speed_unit", "ms")
	values.Set("timezone", "UTC")
	for k, v := range extra {
		values[k] = v
	}
	return fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
}

func (p *OpenMeteoClient) Fetch(ctx context.Context, coords weather.Coordinates) (weather.WeatherSnapshot, error) {
	if err := coords.Validate(); err != nil {
		return weather.WeatherSnapshot{}, err
	}

	u := p.endpoint(coords, url.Values{
		"current": {"temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,precipitation,weather_code"},
	})
	body, err := doRequest(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return getRequest(ctx, u)
	})
	if err != nil {
		return weather.WeatherSnapshot{}, err
	}

	var payload struct {
		Current *struct {
			Time                string  `json:"time"`
			Temperature         float64 `json:"temperature_2m"`
			ApparentTemperature float64 `json:"apparent_temperature"`
			Humidity            float64 `json:"relative_humidity_2m"`
			WindSpeed           float64 `json:"wind_speed_10m"`
			Precipitation       float64 `json:"precipitation"`
			WeatherCode         int     `json:"weather_code"`
		} `json:"current"`
	}

	if err := decodeJSON(body, &payload); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if payload.Current == nil {
		return weather.WeatherSnapshot{}, &weather.DecodeError{Err: fmt.Errorf("response has no current block")}
	}

	now := time.Now().UTC()
	observed, err := parseOpenMeteoTime(payload.Current.Time)
	if err != nil {
		observed = now
	}

	// Open-Meteo current data has no text description; the code is enough.
	return weather.WeatherSnapshot{
		Location:     coords,
		ObservedAt:   observed,
		TemperatureC: payload.Current.Temperature,
		FeelsLikeC:   payload.Current.ApparentTemperature,
		HumidityPct:  payload.Current.Humidity,
		WindSpeedMS:  payload.Current.WindSpeed,
		PrecipMm:     payload.Current.Precipitation,
		Condition:    mapOpenMeteoCondition(payload.Current.WeatherCode),
		Provider:     p.name,
		FetchedAt:    now,
	}, nil
}

// FetchForecast returns the hourly forecast for the next three days.
func (p *OpenMeteoClient) FetchForecast(ctx context.Context, coords weather.Coordinates) (weather.Forecast, error) {
	if err := coords.Validate(); err != nil {
		return weather.Forecast{}, err
	}

	u := p.endpoint(coords, url.Values{
		"hourly":        {"temperature_2m,rain,precipitation_probability,weather_code"},
		"forecast_days": {"3"},
	})
	body, err := doRequest(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return getRequest(ctx, u)
	})
	if err != nil {
		return weather.Forecast{}, err
	}

	var payload struct {
		Hourly *struct {
			Time        []string  `json:"time"`
			Temperature []float64 `json:"temperature_2m"`
			Rain        []float64 `json:"rain"`
			PrecipProb  []float64 `json:"precipitation_probability"`
			WeatherCode []int     `json:"weather_code"`
		} `json:"hourly"`
	}

	if err := decodeJSON(body, &payload); err != nil {
		return weather.Forecast{}, err
	}
	h := payload.Hourly
	if h == nil {
		return weather.Forecast{}, &weather.DecodeError{Err: fmt.Errorf("response has no hourly block")}
	}
	n := len(h.Time)
	if len(h.Temperature) != n || len(h.Rain) != n || len(h.PrecipProb) != n || len(h.WeatherCode) != n {
		return weather.Forecast{}, &weather.DecodeError{Err: fmt.Errorf("hourly series have mismatched lengths")}
	}

	points := make([]weather.ForecastPoint, 0, n)
	for i := 0; i < n; i++ {
		ts, err := parseOpenMeteoTime(h.Time[i])
		if err != nil {
			return weather.Forecast{}, &weather.DecodeError{Err: err}
		}
		points = append(points, weather.ForecastPoint{
			Time:              ts,
			TemperatureC:      h.Temperature[i],
			PrecipMm:          h.Rain[i],
			PrecipProbability: h.PrecipProb[i] / 100,
			Condition:         mapOpenMeteoCondition(h.WeatherCode[i]),
		})
	}

	return weather.Forecast{
		Location:  coords,
		Provider:  p.name,
		FetchedAt: time.Now().UTC(),
		Points:    points,
	}, nil
}

// parseOpenMeteoTime accepts the service's zone-less ISO8601 minutes format
// (always UTC since we ask for timezone=UTC) and plain RFC3339.
func parseOpenMeteoTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
}

func mapOpenMeteoCondition(code int) weather.Condition {
	// WMO weather interpretation codes.
	switch {
	case code == 0:
		return weather.ConditionClear
	case code >= 1 && code <= 3:
		return weather.ConditionCloudy
	case code == 45 || code == 48:
		return weather.ConditionMist
	case (code >= 51 && code <= 67) || (code >= 80 && code <= 82):
		return weather.ConditionRain
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return weather.ConditionSnow
	case code >= 95:
		return weather.ConditionStorm
	default:
		return weather.ConditionUnknown
	}
}
