// go-soundloc: acoustic source localization daemon
// Locates a sound source from a swarm of microphone bots and tracks it over time
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-soundloc/internal/capture"
	"github.com/teslashibe/go-soundloc/internal/config"
	"github.com/teslashibe/go-soundloc/internal/health"
	"github.com/teslashibe/go-soundloc/internal/intensity"
	"github.com/teslashibe/go-soundloc/internal/protocol"
	"github.com/teslashibe/go-soundloc/internal/server"
	"github.com/teslashibe/go-soundloc/internal/tdoa"
	"github.com/teslashibe/go-soundloc/internal/tracker"
	"github.com/teslashibe/go-soundloc/internal/uplink"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-soundloc/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useSim      = flag.Bool("sim", false, "use the simulated swarm regardless of config")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-soundloc %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useSim {
		cfg.Capture.Source = capture.KindSim
	}

	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-soundloc",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
		"method", cfg.Tracker.Method,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("go-soundloc failed", "error", err)
		os.Exit(1)
	}

	logger.Info("go-soundloc stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := capture.NewSourceWithFallback(cfg.CaptureSource(), logger)
	if err != nil {
		return fmt.Errorf("capture source: %w", err)
	}
	defer source.Close()

	logger.Info("capture source ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	trk := tracker.New(source, tracker.Localizers{
		Intensity: intensity.New(cfg.IntensityLocalizer()),
		TDOA:      tdoa.New(cfg.TDOALocalizer()),
	}, tracker.Config{
		Method:       cfg.Tracker.Method,
		PollInterval: cfg.PollInterval(),
		HistorySize:  cfg.Tracker.HistorySize,
		DefaultTrack: cfg.Tracker.DefaultTrack,
		Pairs:        cfg.MicPairs(),
		Filter:       cfg.KalmanFilter(),
	}, logger)

	checker := health.NewChecker(version)
	checker.Register("capture_source", true, func() (bool, string) {
		return source.Healthy(), source.Name()
	})
	checker.Register("localizer", false, func() (bool, string) {
		stats := trk.Stats()
		if stats.PollCount > 0 && stats.ErrorCount == stats.PollCount {
			return false, "every poll failed"
		}
		return true, stats.Method
	})

	var up *uplink.Client
	if cfg.Uplink.Enabled {
		up = uplink.NewClient(cfg.UplinkClient(), logger)
		up.OnMeasurements(func(data protocol.MeasurementsData) {
			if _, err := trk.SubmitMeasurements(data.TrackID, data.Measurements); err != nil {
				logger.Debug("uplink measurements rejected", "track", data.TrackID, "error", err)
			}
		})
		up.OnResetTrack(func(trackID string) {
			if err := trk.ResetTrack(trackID); err != nil {
				logger.Debug("uplink reset rejected", "track", trackID, "error", err)
			}
		})
		checker.Register("uplink", false, func() (bool, string) {
			if up.IsConnected() {
				return true, cfg.Uplink.URL
			}
			return false, "disconnected"
		})
	}

	srv := server.New(cfg, trk, checker, logger, version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := trk.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tracker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		srv.WSHub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	if up != nil {
		results := trk.Subscribe()
		if err := up.Connect(gctx); err != nil {
			return fmt.Errorf("uplink: %w", err)
		}
		g.Go(func() error {
			up.Forward(gctx, results)
			return nil
		})
	}

	printStartupBanner(cfg, version)

	// Stop in order: server -> uplink -> tracker
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "cause", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		if up != nil {
			up.Close()
		}
		trk.Stop()
		return nil
	})

	return g.Wait()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🔊 go-soundloc v" + version)
	fmt.Println("   Acoustic source localization")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health              - Health check")
	fmt.Println("   GET  /api/localization    - Latest filtered position")
	fmt.Println("   GET  /api/history         - Recent results")
	fmt.Println("   POST /api/localize        - Localize from sound levels")
	fmt.Println("   POST /api/localize/tdoa   - Localize from raw signals")
	fmt.Println("   POST /api/correlate       - GCC-PHAT curve for two signals")
	fmt.Println("   GET  /api/tracks          - Active tracks")
	fmt.Println("   WS   /api/stream          - Real-time result stream")
	fmt.Println("   GET  /api/stats           - Tracker statistics")
	fmt.Println("   GET  /metrics             - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
