package weather

import (
	"context"
	"time"
)

// Client abstracts the remote weather service (OpenWeatherMap, Open-Meteo,
// WeatherAPI.com). Implementations do not retry and do not cache.
type Client interface {
	Name() string
	Fetch(ctx context.Context, coords Coordinates) (WeatherSnapshot, error)
}

// ForecastClient is implemented by clients that can also serve forecasts.
type ForecastClient interface {
	FetchForecast(ctx context.Context, coords Coordinates) (Forecast, error)
}

// Cache is the contract the response cache must satisfy.
type Cache interface {
	Get(key string) (CacheEntry, bool)
	Put(key string, snapshot WeatherSnapshot, ttl time.Duration)
}

// LocationProvider yields the device's current coordinates.
type LocationProvider interface {
	CurrentLocation(ctx context.Context, timeout time.Duration) (Coordinates, error)
}
