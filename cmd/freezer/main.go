package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/i474232898/freezer/internal/alerts"
	httpapi "github.com/i474232898/freezer/internal/api/http"
	"github.com/i474232898/freezer/internal/config"
	"github.com/i474232898/freezer/internal/location"
	"github.com/i474232898/freezer/internal/metrics"
	"github.com/i474232898/freezer/internal/scheduler"
	"github.com/i474232898/freezer/internal/store"
	"github.com/i474232898/freezer/internal/weather"
	"github.com/i474232898/freezer/internal/weather/providers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Shared HTTP client for outbound weather calls; each request also gets
	// its own deadline.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	client, err := newWeatherClient(cfg, httpClient)
	if err != nil {
		logger.Error("failed to create weather client", "error", err)
		os.Exit(1)
	}

	cache := store.NewMemoryCache(cfg.CacheMaxEntries,
		store.WithPersister(newPersister(ctx, cfg, logger)),
		store.WithLogger(logger),
		store.WithMetrics(m),
	)
	defer cache.Close()
	cache.Restore(ctx)

	repo := weather.NewRepository(client, cache, cfg.CacheTTL,
		weather.WithLogger(logger),
		weather.WithMetrics(m),
	)

	locations := newLocationProvider(cfg, logger)

	refresher := scheduler.NewRefresher(repo, locations, cfg.Refresh,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
		scheduler.WithLocationTimeout(cfg.LocationTimeout),
	)
	if err := refresher.Start(ctx); err != nil {
		logger.Error("failed to start refresher", "error", err)
		os.Exit(1)
	}

	notifier, closeNotifier := newNotifier(cfg, logger)
	defer closeNotifier()

	checker := alerts.NewChecker(repo, locations, notifier,
		alerts.Settings{
			FreezeEnabled:   cfg.FreezeAlertsEnabled,
			UmbrellaEnabled: cfg.UmbrellaAlertsEnabled,
		},
		alerts.WithZone(cfg.Timezone),
		alerts.WithLogger(logger),
		alerts.WithMetrics(m),
	)

	jobs := scheduler.NewJobs(cfg.Timezone, logger)
	if err := jobs.Add(string(alerts.KindFreeze), cfg.FreezeCheckCron, checker.Scheduled(alerts.KindFreeze)); err != nil {
		logger.Error("failed to schedule freeze check", "error", err)
		os.Exit(1)
	}
	if err := jobs.Add(string(alerts.KindUmbrella), cfg.UmbrellaCheckCron, checker.Scheduled(alerts.KindUmbrella)); err != nil {
		logger.Error("failed to schedule umbrella check", "error", err)
		os.Exit(1)
	}
	jobs.Start()
	defer jobs.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "freezer",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HTTPTimeout*3 + 10*time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	app.Use(httpapi.Observe(m, logger))
	app.Use(recover.New())

	httpapi.RegisterMetrics(app, reg)
	httpapi.RegisterRoutes(app, httpapi.Deps{
		Weather:         repo,
		Locations:       locations,
		Alerts:          checker,
		LocationTimeout: cfg.LocationTimeout,
	})

	go func() {
		logger.Info("listening", "port", cfg.Port, "provider", client.Name(), "cache", cfg.CacheBackend)
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	done := make(chan struct{})
	go func() {
		refresher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		logger.Warn("background refresh still running at exit")
	}
}

func newWeatherClient(cfg *config.AppConfig, httpClient *http.Client) (weather.Client, error) {
	hc := providers.HTTPClientConfig{
		Client:  httpClient,
		Timeout: cfg.HTTPTimeout,
		BaseURL: cfg.WeatherBaseURL,
	}
	switch cfg.Provider {
	case "openweather":
		return providers.NewOpenWeatherClient(hc, cfg.WeatherAPIKey), nil
	case "openmeteo":
		return providers.NewOpenMeteoClient(hc), nil
	case "weatherapi":
		return providers.NewWeatherAPIClient(hc, cfg.WeatherAPIKey), nil
	}
	return nil, fmt.Errorf("unknown weather provider %q", cfg.Provider)
}

// newPersister opens the configured cache backend. A backend that cannot be
// reached leaves the cache memory-only rather than failing startup.
func newPersister(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) store.Persister {
	switch cfg.CacheBackend {
	case "sqlite":
		p, err := store.NewSQLitePersister(cfg.CacheDBPath, logger)
		if err != nil {
			logger.Warn("sqlite cache unavailable; running memory-only", "path", cfg.CacheDBPath, "error", err)
			return nil
		}
		return p
	case "redis":
		p := store.NewRedisPersister(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			logger.Warn("redis cache unavailable; running memory-only", "addr", cfg.RedisAddr, "error", err)
			p.Close()
			return nil
		}
		return p
	}
	return nil
}

func newLocationProvider(cfg *config.AppConfig, logger *slog.Logger) weather.LocationProvider {
	if coords, ok := cfg.Coordinates(); ok {
		p, err := location.NewStatic(coords)
		if err == nil {
			return p
		}
		logger.Warn("ignoring configured coordinates", "error", err)
	}
	if cfg.City != "" {
		p, err := location.NewGeocoded(cfg.City, cfg.Country, cfg.GeocoderAPIKey, location.WithLogger(logger))
		if err == nil {
			return p
		}
		logger.Warn("geocoded location unavailable", "city", cfg.City, "error", err)
	}
	return location.Unavailable{}
}

func newNotifier(cfg *config.AppConfig, logger *slog.Logger) (alerts.Notifier, func()) {
	logNotifier := alerts.LogNotifier{Logger: logger}
	if cfg.MQTTBrokerURL == "" {
		return logNotifier, func() {}
	}

	mq, err := alerts.ConnectMQTT(cfg.MQTTBrokerURL, cfg.MQTTTopic, logger)
	if err != nil {
		logger.Warn("mqtt alerts disabled", "broker", cfg.MQTTBrokerURL, "error", err)
		return logNotifier, func() {}
	}
	return alerts.Fanout{logNotifier, mq}, mq.Close
}
