package weather

import (
	"fmt"
	"math"
	"time"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
	ConditionMist    Condition = "mist"
)

// Coordinates is a point on the globe in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate reports an InvalidInputError when the coordinates are out of range.
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return &InvalidInputError{Field: "lat", Reason: fmt.Sprintf("latitude %v outside [-90, 90]", c.Latitude)}
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return &InvalidInputError{Field: "lon", Reason: fmt.Sprintf("longitude %v outside [-180, 180]", c.Longitude)}
	}
	return nil
}

// Key returns the cache key for the coordinates, rounded to two decimal
// places (roughly 1km).
func (c Coordinates) Key() string {
	return fmt.Sprintf("%.2f,%.2f", round2(c.Latitude), round2(c.Longitude))
}

func (c Coordinates) String() string {
	return fmt.Sprintf("(%.4f, %.4f)", c.Latitude, c.Longitude)
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	// avoid "-0.00" keys
	if r == 0 {
		return 0
	}
	return r
}

// WeatherSnapshot is the normalized current weather at a location.
// Timestamps are always UTC.
type WeatherSnapshot struct {
	Location     Coordinates `json:"location"`
	Place        string      `json:"place,omitempty"`
	ObservedAt   time.Time   `json:"observedAt"`
	TemperatureC float64     `json:"temperatureC"`
	FeelsLikeC   float64     `json:"feelsLikeC"`
	HumidityPct  float64     `json:"humidityPercent"`
	WindSpeedMS  float64     `json:"windSpeed"`
	PrecipMm     float64     `json:"precipMm"`
	Condition    Condition   `json:"condition"`
	Description  string      `json:"description,omitempty"`
	Provider     string      `json:"provider"`
	FetchedAt    time.Time   `json:"fetchedAt"`
}

// CacheEntry is the cached snapshot for a key. Entries are replaced, never
// modified.
type CacheEntry struct {
	Key       string          `json:"key"`
	Snapshot  WeatherSnapshot `json:"snapshot"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// NewCacheEntry builds an entry expiring ttl after the snapshot was fetched.
// A negative ttl is treated as zero so ExpiresAt never precedes FetchedAt.
func NewCacheEntry(key string, snapshot WeatherSnapshot, ttl time.Duration) CacheEntry {
	if ttl < 0 {
		ttl = 0
	}
	return CacheEntry{
		Key:       key,
		Snapshot:  snapshot,
		ExpiresAt: snapshot.FetchedAt.Add(ttl),
	}
}

// IsFresh reports whether the entry is still inside its TTL at now.
func (e CacheEntry) IsFresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// RefreshPolicy configures the background refresh cadence.
type RefreshPolicy struct {
	Interval   time.Duration
	MaxBackoff time.Duration
}

// ForecastPoint is one step of a forecast. PrecipMm counts rain only;
// snowfall does not contribute.
type ForecastPoint struct {
	Time              time.Time `json:"time"`
	TemperatureC      float64   `json:"temperatureC"`
	PrecipMm          float64   `json:"precipMm"`
	PrecipProbability float64   `json:"precipProbability"` // 0..1
	Condition         Condition `json:"condition"`
	Description       string    `json:"description,omitempty"`
}

// Forecast is a time-ordered series of forecast points for a location.
type Forecast struct {
	Location  Coordinates     `json:"location"`
	Place     string          `json:"place,omitempty"`
	Provider  string          `json:"provider"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Points    []ForecastPoint `json:"points"`
}
