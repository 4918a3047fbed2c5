package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/freezer/internal/common"
	"github.com/i474232898/freezer/internal/weather"
)

const weatherAPIBaseURL = "https://api.weatherapi.com/v1/current.json"

// WeatherAPIClient implements weather.Client for WeatherAPI.com. Only
// current conditions are supported.
type WeatherAPIClient struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIClient(cfg HTTPClientConfig, apiKey string) *WeatherAPIClient {
	return &WeatherAPIClient{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: cfg.baseURL(weatherAPIBaseURL),
		httpCfg: cfg,
		circuit: newCircuitBreaker("weatherapi"),
	}
}

func (p *WeatherAPIClient) Name() string {
	return p.name
}

func (p *WeatherAPIClient) Fetch(ctx context.Context, coords weather.Coordinates) (weather.WeatherSnapshot, error) {
	if err := coords.Validate(); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if p.apiKey == "" {
		return weather.WeatherSnapshot{}, ErrMissingAPIKey
	}

	values := url.Values{}
	values.Set("key", p.apiKey)
	// WeatherAPI uses "q" for location; it accepts "lat,lon".
	values.Set("q", fmt.Sprintf("%f,%f", coords.Latitude, coords.Longitude))
	u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

	body, err := doRequest(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return getRequest(ctx, u)
	})
	if err != nil {
		return weather.WeatherSnapshot{}, err
	}

	var payload struct {
		Location struct {
			Name    string `json:"name"`
			Country string `json:"country"`
		} `json:"location"`
		Current *struct {
			LastUpdatedEpoch int64   `json:"last_updated_epoch"`
			TempC            float64 `json:"temp_c"`
			FeelsLikeC       float64 `json:"feelslike_c"`
			Humidity         float64 `json:"humidity"`
			WindKph          float64 `json:"wind_kph"`
			PrecipMm         float64 `json:"precip_mm"`
			Condition        struct {
				Text string `json:"text"`
			} `json:"condition"`
		} `json:"current"`
	}

	if err := decodeJSON(body, &payload); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if payload.Current == nil {
		return weather.WeatherSnapshot{}, &weather.DecodeError{Err: fmt.Errorf("response has no current block")}
	}

	now := time.Now().UTC()
	observed := now
	if payload.Current.LastUpdatedEpoch > 0 {
		observed = time.Unix(payload.Current.LastUpdatedEpoch, 0).UTC()
	}

	place := payload.Location.Name
	if payload.Location.Country != "" {
		place = fmt.Sprintf("%s, %s", payload.Location.Name, payload.Location.Country)
	}

	return weather.WeatherSnapshot{
		Location:     coords,
		Place:        place,
		ObservedAt:   observed,
		TemperatureC: payload.Current.TempC,
		FeelsLikeC:   payload.Current.FeelsLikeC,
		HumidityPct:  payload.Current.Humidity,
		// kph to m/s
		WindSpeedMS: payload.Current.WindKph / 3.6,
		PrecipMm:    payload.Current.PrecipMm,
		Condition:   mapWeatherAPICondition(payload.Current.Condition.Text),
		Description: payload.Current.Condition.Text,
		Provider:    p.name,
		FetchedAt:   now,
	}, nil
}

func mapWeatherAPICondition(text string) weather.Condition {
	switch {
	case text == "":
		return weather.ConditionUnknown
	case common.HasAny(text, "thunder", "storm"):
		return weather.ConditionStorm
	case common.HasAny(text, "snow", "sleet", "blizzard", "ice pellets"):
		return weather.ConditionSnow
	case common.HasAny(text, "rain", "shower", "drizzle"):
		return weather.ConditionRain
	case common.HasAny(text, "mist", "fog"):
		return weather.ConditionMist
	case common.HasAny(text, "cloud", "overcast"):
		return weather.ConditionCloudy
	case common.HasAny(text, "sunny", "clear"):
		return weather.ConditionClear
	default:
		return weather.ConditionUnknown
	}
}
