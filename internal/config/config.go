package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/i474232898/freezer/internal/weather"
)

type AppConfig struct {
	// Remote weather service.
	Provider       string        `validate:"oneof=openweather openmeteo weatherapi"`
	WeatherAPIKey  string        `validate:"required_unless=Provider openmeteo"`
	WeatherBaseURL string        `validate:"omitempty,url"`
	HTTPTimeout    time.Duration `validate:"gt=0"`

	// Response cache.
	CacheTTL        time.Duration `validate:"gte=0"`
	CacheMaxEntries int           `validate:"gt=0"`
	CacheBackend    string        `validate:"oneof=sqlite redis memory"`
	CacheDBPath     string        `validate:"required_if=CacheBackend sqlite"`
	RedisAddr       string        `validate:"required_if=CacheBackend redis"`
	RedisPassword   string
	RedisDB         int `validate:"gte=0"`

	// Background refresh.
	Refresh weather.RefreshPolicy

	// Location source. Coordinates win over city/country.
	Latitude        *float64
	Longitude       *float64
	City            string
	Country         string
	GeocoderAPIKey  string
	LocationTimeout time.Duration `validate:"gt=0"`

	// Alerts.
	FreezeAlertsEnabled   bool
	UmbrellaAlertsEnabled bool
	FreezeCheckCron       string `validate:"required"`
	UmbrellaCheckCron     string `validate:"required"`
	Timezone              *time.Location
	MQTTBrokerURL         string
	MQTTTopic             string

	Port     string `validate:"required,numeric"`
	LogLevel slog.Level
}

var validate = validator.New()

// Load reads configuration from the environment (and .env when present)
// with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.Provider = strings.ToLower(getenvDefault("WEATHER_PROVIDER", "openweather"))
	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	cfg.WeatherBaseURL = os.Getenv("WEATHER_BASE_URL")

	var err error
	cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.CacheTTL, err = getenvDuration("CACHE_TTL", 30*time.Minute)
	collect(err)
	cfg.CacheMaxEntries, err = getenvInt("CACHE_MAX_ENTRIES", 50)
	collect(err)
	cfg.CacheBackend = strings.ToLower(getenvDefault("CACHE_BACKEND", "sqlite"))
	cfg.CacheDBPath = getenvDefault("CACHE_DB_PATH", "freezer-cache.db")
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB, err = getenvInt("REDIS_DB", 0)
	collect(err)

	// Refresh cadence is configured in minutes.
	interval, err := getenvInt("REFRESH_INTERVAL_MINUTES", 30)
	collect(err)
	maxBackoff, err := getenvInt("REFRESH_MAX_BACKOFF_MINUTES", 240)
	collect(err)
	cfg.Refresh = weather.RefreshPolicy{
		Interval:   time.Duration(interval) * time.Minute,
		MaxBackoff: time.Duration(maxBackoff) * time.Minute,
	}
	if interval <= 0 {
		collect(fmt.Errorf("REFRESH_INTERVAL_MINUTES must be positive, got %d", interval))
	} else if maxBackoff < interval {
		collect(fmt.Errorf("REFRESH_MAX_BACKOFF_MINUTES (%d) must be at least REFRESH_INTERVAL_MINUTES (%d)", maxBackoff, interval))
	}

	cfg.Latitude, err = getenvFloat("LOCATION_LAT")
	collect(err)
	cfg.Longitude, err = getenvFloat("LOCATION_LON")
	collect(err)
	if (cfg.Latitude == nil) != (cfg.Longitude == nil) {
		collect(errors.New("LOCATION_LAT and LOCATION_LON must be set together"))
	}
	cfg.City = os.Getenv("LOCATION_CITY")
	cfg.Country = os.Getenv("LOCATION_COUNTRY")
	cfg.GeocoderAPIKey = os.Getenv("GEOCODER_API_KEY")
	cfg.LocationTimeout, err = getenvDuration("LOCATION_TIMEOUT", 15*time.Second)
	collect(err)

	cfg.FreezeAlertsEnabled, err = getenvBool("FREEZE_ALERTS_ENABLED", false)
	collect(err)
	cfg.UmbrellaAlertsEnabled, err = getenvBool("UMBRELLA_ALERTS_ENABLED", false)
	collect(err)
	cfg.FreezeCheckCron = getenvDefault("FREEZE_CHECK_CRON", "0 18 * * *")
	cfg.UmbrellaCheckCron = getenvDefault("UMBRELLA_CHECK_CRON", "0 7 * * *")
	collect(checkCron("FREEZE_CHECK_CRON", cfg.FreezeCheckCron))
	collect(checkCron("UMBRELLA_CHECK_CRON", cfg.UmbrellaCheckCron))

	cfg.Timezone = time.Local
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			collect(fmt.Errorf("invalid TIMEZONE: %w", err))
		} else {
			cfg.Timezone = loc
		}
	}
	cfg.MQTTBrokerURL = os.Getenv("MQTT_BROKER_URL")
	cfg.MQTTTopic = getenvDefault("MQTT_TOPIC", "freezer/alerts")

	cfg.Port = getenvDefault("PORT", "8080")
	if err := cfg.LogLevel.UnmarshalText([]byte(getenvDefault("LOG_LEVEL", "info"))); err != nil {
		collect(fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	if err := validate.Struct(cfg); err != nil {
		collect(err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Coordinates returns the configured fixed location, if any.
func (c *AppConfig) Coordinates() (weather.Coordinates, bool) {
	if c.Latitude == nil || c.Longitude == nil {
		return weather.Coordinates{}, false
	}
	return weather.Coordinates{Latitude: *c.Latitude, Longitude: *c.Longitude}, true
}

func checkCron(key, expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, expr, err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getenvFloat(key string) (*float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &f, nil
}
