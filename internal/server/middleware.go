package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// quietPaths are polled often enough that logging them is noise
var quietPaths = map[string]bool{
	"/metrics":          true,
	"/health":           true,
	"/api/localization": true,
}

// LoggingMiddleware logs HTTP requests, server errors at warn level
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		path := c.Path()
		status := c.Response().StatusCode()
		if quietPaths[path] && status < fiber.StatusInternalServerError {
			return err
		}

		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelWarn
		}

		logger.Log(c.UserContext(), level, "http request",
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"bytes_in", len(c.Body()),
			"ip", c.IP(),
		)

		return err
	}
}
