package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// ArecordConfig configures multi-channel ALSA capture
type ArecordConfig struct {
	Command    string        // Capture binary (default: "arecord")
	Device     string        // ALSA device, empty for default
	SampleRate int           // Hz
	Channels   int           // One per bot, in layout order
	Duration   time.Duration // Length of each capture

	// Added to every bot's calibration_db; maps dBFS onto dB SPL
	CalibrationOffsetDB float64
}

// DefaultArecordConfig returns defaults for a USB multi-channel interface
func DefaultArecordConfig() ArecordConfig {
	return ArecordConfig{
		Command:    "arecord",
		SampleRate: 44100,
		Channels:   4,
		Duration:   100 * time.Millisecond,

		CalibrationOffsetDB: DefaultCalibrationOffsetDB,
	}
}

// ArecordSource captures all bots through one multi-channel sound card,
// channel i belonging to bot i of the layout.
type ArecordSource struct {
	cfg    ArecordConfig
	bots   []Bot
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool

	captures      atomic.Uint64
	captureErrors atomic.Uint64
	lastFailed    atomic.Bool
}

// NewArecordSource creates the source after checking the capture binary exists
func NewArecordSource(cfg ArecordConfig, bots []Bot, logger *slog.Logger) (*ArecordSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels <= 0 {
		cfg.Channels = len(bots)
	}
	if len(bots) < cfg.Channels {
		return nil, fmt.Errorf("arecord: %d channels but only %d bots configured", cfg.Channels, len(bots))
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("arecord: %w", err)
	}

	logger.Info("arecord capture source initialized",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"duration", cfg.Duration,
	)

	return &ArecordSource{
		cfg:    cfg,
		bots:   bots[:cfg.Channels],
		logger: logger,
	}, nil
}

// Args returns the capture command line
func (a *ArecordSource) Args() []string {
	// arecord -f S16_LE -r 44100 -c 4 -d 0.100 -t raw -q
	args := []string{
		"-f", "S16_LE",
		"-r", strconv.Itoa(a.cfg.SampleRate),
		"-c", strconv.Itoa(a.cfg.Channels),
		"-d", fmt.Sprintf("%.3f", a.cfg.Duration.Seconds()),
		"-t", "raw",
		"-q",
	}
	if a.cfg.Device != "" {
		args = append(args, "-D", a.cfg.Device)
	}
	return args
}

// Capture records one round
func (a *ArecordSource) Capture(ctx context.Context) (Round, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Round{}, errors.New("arecord source closed")
	}
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.Args()...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	a.cmd = cmd
	a.mu.Unlock()

	start := time.Now()
	err := cmd.Run()

	a.mu.Lock()
	a.cmd = nil
	a.mu.Unlock()

	if err != nil {
		a.captureErrors.Add(1)
		a.lastFailed.Store(true)
		return Round{}, fmt.Errorf("capture command failed: %w", err)
	}

	round, err := a.decode(stdout.Bytes(), start)
	if err != nil {
		a.captureErrors.Add(1)
		a.lastFailed.Store(true)
		return Round{}, err
	}

	a.captures.Add(1)
	a.lastFailed.Store(false)
	return round, nil
}

// decode splits interleaved S16_LE audio into per-bot frames
func (a *ArecordSource) decode(data []byte, ts time.Time) (Round, error) {
	channels, err := acoustic.PCM16ToFloat(data, a.cfg.Channels)
	if err != nil {
		return Round{}, err
	}
	if len(channels[0]) == 0 {
		return Round{}, errors.New("capture returned no audio")
	}

	frames := make([]Frame, len(a.bots))
	for i, b := range a.bots {
		frames[i] = Frame{
			BotID:         b.ID,
			Position:      b.Position(),
			Samples:       channels[i],
			SampleRate:    a.cfg.SampleRate,
			CalibrationDB: a.cfg.CalibrationOffsetDB + b.CalibrationDB,
		}
	}
	return Round{Frames: frames, Timestamp: ts}, nil
}

// Close stops any running capture
func (a *ArecordSource) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
	}
	a.logger.Info("arecord source closed",
		"captures", a.captures.Load(),
		"errors", a.captureErrors.Load(),
	)
	return nil
}

// Healthy reports whether the last capture succeeded
func (a *ArecordSource) Healthy() bool {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	return !closed && !a.lastFailed.Load()
}

// Name returns the source type name
func (a *ArecordSource) Name() string {
	return KindArecord
}
