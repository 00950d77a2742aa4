package health

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewServer builds the ops endpoint: /healthz runs the checkers, /metrics
// serves the Prometheus registry the OpenTelemetry exporter feeds.
func NewServer(logger *zap.Logger, checkers ...Checker) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		status, reports := Aggregate(c.Context(), checkers...)
		code := fiber.StatusOK
		if status == StatusUnhealthy {
			code = fiber.StatusServiceUnavailable
			logger.Warn("health check unhealthy", zap.Any("reports", reports))
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": reports,
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
