// Package capture provides per-bot audio rounds from the swarm
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// Frame is one bot's capture for a round
type Frame struct {
	BotID         string            `json:"bot_id"`
	Position      acoustic.Position `json:"position"`
	Samples       []float64         `json:"-"`
	SampleRate    int               `json:"sample_rate"`
	CalibrationDB float64           `json:"calibration_db"`
}

// Buffer returns the frame as an audio buffer
func (f Frame) Buffer() acoustic.AudioBuffer {
	return acoustic.AudioBuffer{SourceID: f.BotID, Samples: f.Samples, SampleRate: f.SampleRate}
}

// Round is a set of simultaneous captures across the swarm
type Round struct {
	Frames    []Frame   `json:"frames"`
	Timestamp time.Time `json:"timestamp"`
}

// Measurements converts every frame to a dB reading. Frames that cannot be
// converted are skipped and reported in the returned error count.
func (r Round) Measurements() ([]acoustic.Measurement, int) {
	out := make([]acoustic.Measurement, 0, len(r.Frames))
	failed := 0
	ts := float64(r.Timestamp.UnixNano()) / 1e9

	for _, f := range r.Frames {
		db, err := acoustic.LevelDB(f.Samples, f.CalibrationDB)
		if err != nil {
			failed++
			continue
		}
		out = append(out, acoustic.Measurement{
			SourceID:  f.BotID,
			LevelDB:   db,
			Position:  f.Position,
			Timestamp: ts,
		})
	}
	return out, failed
}

// Observation builds the localizer input for a round. Pairs are passed
// through for TDOA; intensity localizers only read the measurements.
func (r Round) Observation(pairs []acoustic.MicPair) acoustic.Observation {
	measurements, _ := r.Measurements()
	obs := acoustic.Observation{
		Measurements: measurements,
		Signals:      make(map[string]acoustic.AudioBuffer, len(r.Frames)),
		Positions:    make(map[string]acoustic.Position, len(r.Frames)),
		Pairs:        pairs,
	}
	for _, f := range r.Frames {
		obs.Signals[f.BotID] = f.Buffer()
		obs.Positions[f.BotID] = f.Position
	}
	return obs
}

// Source provides capture rounds from hardware or a simulator
type Source interface {
	// Capture blocks until one round is available
	Capture(ctx context.Context) (Round, error)

	// Close releases hardware resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// Bot describes a swarm member's fixed layout
type Bot struct {
	ID            string  `mapstructure:"id" yaml:"id" json:"id"`
	X             float64 `mapstructure:"x" yaml:"x" json:"x"`
	Y             float64 `mapstructure:"y" yaml:"y" json:"y"`
	CalibrationDB float64 `mapstructure:"calibration_db" yaml:"calibration_db" json:"calibration_db"`
	Serial        string  `mapstructure:"serial" yaml:"serial" json:"serial,omitempty"` // USB serial number
}

// Position returns the bot's location
func (b Bot) Position() acoustic.Position {
	return acoustic.Position{X: b.X, Y: b.Y}
}

// DefaultCalibrationOffsetDB converts dBFS to dB SPL for a typical MEMS
// microphone (-26 dBFS at 94 dB SPL).
const DefaultCalibrationOffsetDB = 120.0

// Source kinds
const (
	KindSim     = "sim"
	KindUSB     = "usb"
	KindArecord = "arecord"
)

// Config selects and configures a source
type Config struct {
	Kind    string
	Bots    []Bot
	Sim     SimConfig
	USB     USBConfig
	Arecord ArecordConfig
}

// NewSource creates the configured source
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind {
	case KindSim, "":
		return NewSimSource(cfg.Sim, cfg.Bots)
	case KindUSB:
		return NewUSBSource(cfg.USB, cfg.Bots, logger)
	case KindArecord:
		return NewArecordSource(cfg.Arecord, cfg.Bots, logger)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Kind)
	}
}

// NewSourceWithFallback creates the configured source, falling back to
// the simulator when hardware is unavailable. Use this for development.
func NewSourceWithFallback(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := NewSource(cfg, logger)
	if err == nil {
		return source, nil
	}
	if cfg.Kind == KindSim || cfg.Kind == "" {
		return nil, err
	}

	logger.Warn("capture source unavailable, using simulator",
		"source", cfg.Kind,
		"error", err,
	)
	return NewSimSource(cfg.Sim, cfg.Bots)
}
