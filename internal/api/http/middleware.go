package httpapi

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/freezer/internal/metrics"
)

// Observe records request metrics and an access log line. Errors are
// rendered here so the recorded status matches what the client sees.
func Observe(m *metrics.Metrics, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		duration := time.Since(start)

		// Label values outlive the request; fiber's strings do not.
		path := utils.CopyString(c.Route().Path)
		method := utils.CopyString(c.Method())
		if path != "/metrics" && m != nil {
			m.HTTPRequestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
			m.HTTPRequestsTotal.WithLabelValues(path, method, fmt.Sprintf("%dxx", status/100)).Inc()
		}

		logger.Info("HTTP request",
			"method", c.Method(),
			"path", c.Path(),
			"query", string(c.Request().URI().QueryString()),
			"status", status,
			"duration", duration,
			"remote_addr", c.IP(),
		)
		return nil
	}
}

// RegisterMetrics exposes g on /metrics.
func RegisterMetrics(app *fiber.App, g prometheus.Gatherer) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
