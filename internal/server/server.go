// Package server provides the HTTP server for go-soundloc
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
	"github.com/teslashibe/go-soundloc/internal/config"
	"github.com/teslashibe/go-soundloc/internal/health"
	"github.com/teslashibe/go-soundloc/internal/protocol"
	"github.com/teslashibe/go-soundloc/internal/tdoa"
	"github.com/teslashibe/go-soundloc/internal/tracker"
)

const defaultHistoryLimit = 50

// Server is the HTTP server for go-soundloc
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	tracker   *tracker.Tracker
	checker   *health.Checker
	tdoa      *tdoa.Localizer
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server. checker may be nil, in which case one is
// created that only reports the capture source.
func New(cfg *config.Config, trk *tracker.Tracker, checker *health.Checker, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if checker == nil {
		checker = health.NewChecker(version)
		if trk != nil {
			checker.Register("capture_source", true, func() (bool, string) {
				stats := trk.Stats()
				return stats.SourceHealthy, stats.Source
			})
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-soundloc",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		BodyLimit:             16 * 1024 * 1024, // Raw audio in /api/localize/tdoa
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		tracker:   trk,
		checker:   checker,
		tdoa:      tdoa.New(cfg.TDOALocalizer()),
		logger:    logger,
		wsHub:     NewWSHub(trk, logger),
		startTime: time.Now(),
		version:   version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Localization API
	api.Get("/localization", s.localizationHandler)
	api.Get("/history", s.historyHandler)
	api.Post("/localize", s.localizeHandler)
	api.Post("/localize/tdoa", s.localizeTDOAHandler)
	api.Post("/correlate", s.correlateHandler)
	api.Get("/stream", s.wsHub.UpgradeHandler())

	// Tracks
	api.Get("/tracks", s.tracksHandler)
	api.Delete("/tracks/:id", s.removeTrackHandler)
	api.Post("/tracks/:id/reset", s.resetTrackHandler)

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.checker.GetStatus()

	code := fiber.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(status)
}

func (s *Server) trackerUnavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "tracker not available",
	})
}

// localizationHandler returns the most recent result
func (s *Server) localizationHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	result, ok := s.tracker.Latest()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no localization yet",
		})
	}

	return c.JSON(result)
}

// historyHandler returns recent results, oldest first
func (s *Server) historyHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be a positive integer",
		})
	}

	results := s.tracker.History(limit)
	return c.JSON(fiber.Map{
		"count":   len(results),
		"results": results,
	})
}

// localizeHandler localizes a posted list of sound levels
func (s *Server) localizeHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	var req protocol.MeasurementsData
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	result, err := s.tracker.SubmitMeasurements(req.TrackID, req.Measurements)
	return s.respondResult(c, result, err)
}

// TDOALocalizeRequest is the body of POST /api/localize/tdoa
type TDOALocalizeRequest struct {
	TrackID string `json:"track_id,omitempty"`
	tracker.TDOARequest
}

// localizeTDOAHandler localizes posted audio buffers
func (s *Server) localizeTDOAHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	var req TDOALocalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	result, err := s.tracker.SubmitSignals(req.TrackID, req.TDOARequest)
	return s.respondResult(c, result, err)
}

// respondResult writes a localization result. A degenerate estimate is
// still a result; it carries a warning instead of failing the request.
func (s *Server) respondResult(c *fiber.Ctx, result acoustic.LocalizationResult, err error) error {
	if err != nil && !errors.Is(err, acoustic.ErrInsufficientData) {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	resp := fiber.Map{"result": result}
	if err != nil {
		resp["warning"] = err.Error()
	}
	return c.JSON(resp)
}

// CorrelateRequest is the body of POST /api/correlate
type CorrelateRequest struct {
	A          []float64 `json:"a"`
	B          []float64 `json:"b"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Separation float64   `json:"separation,omitempty"` // Meters; enables the angle of arrival
}

// correlateHandler returns the GCC-PHAT curve for two signals
func (s *Server) correlateHandler(c *fiber.Ctx) error {
	var req CorrelateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	curve, err := s.tdoa.CorrelationCurve(req.A, req.B, req.SampleRate)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	resp := fiber.Map{"curve": curve}
	if req.Separation > 0 {
		resp["angle"] = s.tdoa.AngleOfArrival(curve.TDOA, req.Separation)
	}
	return c.JSON(resp)
}

// tracksHandler lists every filter track
func (s *Server) tracksHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	return c.JSON(fiber.Map{
		"tracks": s.tracker.Tracks(),
	})
}

// removeTrackHandler drops a track
func (s *Server) removeTrackHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	if err := s.tracker.RemoveTrack(c.Params("id")); err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// resetTrackHandler reinitialises a track's filter
func (s *Server) resetTrackHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	if err := s.tracker.ResetTrack(c.Params("id")); err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// errorStatus maps engine errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrUnknownTrack):
		return fiber.StatusNotFound
	case errors.Is(err, acoustic.ErrInvalidInput),
		errors.Is(err, acoustic.ErrInsufficientPairs),
		errors.Is(err, acoustic.ErrMissingSignal),
		errors.Is(err, acoustic.ErrDimensionMismatch):
		return fiber.StatusBadRequest
	case errors.Is(err, acoustic.ErrSingularMatrix):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	in := s.cfg.Localization.Intensity
	f := s.cfg.Filter

	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"tracker": fiber.Map{
			"method":        s.cfg.Tracker.Method,
			"poll_hz":       s.cfg.Tracker.PollHz,
			"history_size":  s.cfg.Tracker.HistorySize,
			"default_track": s.cfg.Tracker.DefaultTrack,
		},
		"localization": fiber.Map{
			"bounds": fiber.Map{
				"min": s.cfg.Localization.Bounds.Min,
				"max": s.cfg.Localization.Bounds.Max,
			},
			"intensity": fiber.Map{
				"reference_db":         in.ReferenceDB,
				"min_db":               in.MinDB,
				"max_db":               in.MaxDB,
				"near_field_offset_db": in.NearFieldOffsetDB,
				"grid_resolutions":     in.GridResolutions,
				"search_margin":        in.SearchMargin,
			},
			"tdoa": fiber.Map{
				"speed_of_sound": s.cfg.Localization.TDOA.SpeedOfSound,
				"sample_rate":    s.cfg.Localization.TDOA.SampleRate,
				"pairs":          s.cfg.MicPairs(),
			},
		},
		"filter": fiber.Map{
			"time_step":         f.TimeStep,
			"process_noise":     f.ProcessNoise,
			"measurement_noise": f.MeasurementNoise,
			"gating":            f.Gating,
			"gate_threshold":    f.GateThreshold,
		},
		"capture": fiber.Map{
			"source": s.cfg.Capture.Source,
			"bots":   s.cfg.Capture.Bots,
		},
		"uplink": fiber.Map{
			"enabled": s.cfg.Uplink.Enabled,
		},
	})
}

// statsHandler returns tracker statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return s.trackerUnavailable(c)
	}

	return c.JSON(s.tracker.Stats())
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no tracker available\n")
	}

	stats := s.tracker.Stats()

	var b strings.Builder
	gauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP soundloc_%s %s\n# TYPE soundloc_%s gauge\nsoundloc_%s %s\n\n",
			name, help, name, name, formatFloat(value))
	}
	counter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP soundloc_%s %s\n# TYPE soundloc_%s counter\nsoundloc_%s %d\n\n",
			name, help, name, name, value)
	}

	gauge("position_x_meters", "Filtered source X coordinate", stats.CurrentX)
	gauge("position_y_meters", "Filtered source Y coordinate", stats.CurrentY)
	gauge("confidence", "Confidence of the latest result", stats.CurrentConfidence)
	counter("poll_count", "Total capture rounds", stats.PollCount)
	counter("poll_errors", "Total capture failures", stats.ErrorCount)
	counter("locate_errors", "Total rejected localizer inputs", stats.LocateErrors)
	counter("degenerate_rounds", "Rounds with too few usable readings", stats.DegenerateCount)
	counter("gated_measurements", "Measurements rejected by the outlier gate", stats.GatedCount)
	gauge("avg_latency_ms", "Average capture latency in milliseconds", stats.AvgLatencyMs)
	gauge("source_healthy", "Capture source health (1=healthy, 0=unhealthy)", boolToFloat(stats.SourceHealthy))
	gauge("tracks", "Active filter tracks", float64(stats.TrackCount))
	gauge("uptime_seconds", "Server uptime in seconds", math.Floor(time.Since(s.startTime).Seconds()))
	gauge("websocket_clients", "Current WebSocket client count", float64(s.wsHub.ClientCount()))

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
