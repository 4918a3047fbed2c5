package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/freezer/internal/weather"
)

const openWeatherBaseURL = "https://api.openweathermap.org/data/2.5"

// OpenWeatherClient talks to OpenWeatherMap's current weather and 5 day /
// 3 hour forecast endpoints.
type OpenWeatherClient struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherClient(cfg HTTPClientConfig, apiKey string) *OpenWeatherClient {
	return &OpenWeatherClient{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: strings.TrimRight(cfg.baseURL(openWeatherBaseURL), "/"),
		httpCfg: cfg,
		circuit: newCircuitBreaker("openweather"),
	}
}

func (p *OpenWeatherClient) Name() string {
	return p.name
}

type owmCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

func (p *OpenWeatherClient) endpoint(path string, coords weather.Coordinates) string {
	values := url.Values{}
	values.Set("lat", fmt.Sprintf("%f", coords.Latitude))
	values.Set("lon", fmt.Sprintf("%f", coords.Longitude))
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")
	return fmt.Sprintf("%s/%s?%s", p.baseURL, path, values.Encode())
}

func (p *OpenWeatherClient) Fetch(ctx context.Context, coords weather.Coordinates) (weather.WeatherSnapshot, error) {
	if err := coords.Validate(); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if p.apiKey == "" {
		return weather.WeatherSnapshot{}, ErrMissingAPIKey
	}

	body, err := doRequest(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return getRequest(ctx, p.endpoint("weather", coords))
	})
	if err != nil {
		return weather.WeatherSnapshot{}, err
	}

	var payload struct {
		Dt   int64  `json:"dt"`
		Name string `json:"name"`
		Main *struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  float64 `json:"humidity"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Rain struct {
			OneH   float64 `json:"1h"`
			ThreeH float64 `json:"3h"`
		} `json:"rain"`
		Weather []owmCondition `json:"weather"`
	}

	if err := decodeJSON(body, &payload); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if payload.Main == nil {
		return weather.WeatherSnapshot{}, &weather.DecodeError{Err: fmt.Errorf("response has no main block")}
	}

	now := time.Now().UTC()
	observed := now
	if payload.Dt > 0 {
		observed = time.Unix(payload.Dt, 0).UTC()
	}

	precip := payload.Rain.OneH
	if precip == 0 {
		precip = payload.Rain.ThreeH
	}

	cond, desc := mapOpenWeatherCondition(payload.Weather)

	return weather.WeatherSnapshot{
		Location:     coords,
		Place:        payload.Name,
		ObservedAt:   observed,
		TemperatureC: payload.Main.Temp,
		FeelsLikeC:   payload.Main.FeelsLike,
		HumidityPct:  payload.Main.Humidity,
		WindSpeedMS:  payload.Wind.Speed,
		PrecipMm:     precip,
		Condition:    cond,
		Description:  desc,
		Provider:     p.name,
		FetchedAt:    now,
	}, nil
}

// FetchForecast returns the 3-hourly forecast for the next five days.
func (p *OpenWeatherClient) FetchForecast(ctx context.Context, coords weather.Coordinates) (weather.Forecast, error) {
	if err := coords.Validate(); err != nil {
		return weather.Forecast{}, err
	}
	if p.apiKey == "" {
		return weather.Forecast{}, ErrMissingAPIKey
	}

	body, err := doRequest(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return getRequest(ctx, p.endpoint("forecast", coords))
	})
	if err != nil {
		return weather.Forecast{}, err
	}

	var payload struct {
		List []struct {
			Dt   int64 `json:"dt"`
			Main struct {
				Temp float64 `json:"temp"`
			} `json:"main"`
			Weather []owmCondition `json:"weather"`
			Rain    struct {
				ThreeH float64 `json:"3h"`
			} `json:"rain"`
			Pop float64 `json:"pop"`
		} `json:"list"`
		City struct {
			Name    string `json:"name"`
			Country string `json:"country"`
		} `json:"city"`
	}

	if err := decodeJSON(body, &payload); err != nil {
		return weather.Forecast{}, err
	}
	if payload.List == nil {
		return weather.Forecast{}, &weather.DecodeError{Err: fmt.Errorf("response has no forecast list")}
	}

	points := make([]weather.ForecastPoint, 0, len(payload.List))
	for _, item := range payload.List {
		cond, desc := mapOpenWeatherCondition(item.Weather)
		points = append(points, weather.ForecastPoint{
			Time:              time.Unix(item.Dt, 0).UTC(),
			TemperatureC:      item.Main.Temp,
			PrecipMm:          item.Rain.ThreeH,
			PrecipProbability: item.Pop,
			Condition:         cond,
			Description:       desc,
		})
	}

	place := payload.City.Name
	if payload.City.Country != "" {
		place = fmt.Sprintf("%s, %s", payload.City.Name, payload.City.Country)
	}

	return weather.Forecast{
		Location:  coords,
		Place:     place,
		Provider:  p.name,
		FetchedAt: time.Now().UTC(),
		Points:    points,
	}, nil
}

func mapOpenWeatherCondition(items []owmCondition) (weather.Condition, string) {
	if len(items) == 0 {
		return weather.ConditionUnknown, ""
	}
	desc := items[0].Description
	switch items[0].Main {
	case "Clear":
		return weather.ConditionClear, desc
	case "Clouds":
		return weather.ConditionCloudy, desc
	case "Rain", "Drizzle":
		return weather.ConditionRain, desc
	case "Snow":
		return weather.ConditionSnow, desc
	case "Thunderstorm":
		return weather.ConditionStorm, desc
	case "Mist", "Fog", "Haze", "Smoke":
		return weather.ConditionMist, desc
	default:
		return weather.ConditionUnknown, desc
	}
}
