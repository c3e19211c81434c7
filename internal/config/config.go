// Package config provides configuration management for go-soundloc
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
	"github.com/teslashibe/go-soundloc/internal/capture"
	"github.com/teslashibe/go-soundloc/internal/intensity"
	"github.com/teslashibe/go-soundloc/internal/kalman"
	"github.com/teslashibe/go-soundloc/internal/tdoa"
	"github.com/teslashibe/go-soundloc/internal/uplink"
)

// Config is the root configuration structure
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Localization LocalizationConfig `mapstructure:"localization"`
	Filter       FilterConfig       `mapstructure:"filter"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Capture      CaptureConfig      `mapstructure:"capture"`
	Uplink       UplinkConfig       `mapstructure:"uplink"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" validate:"gt=0"`
}

// LocalizationConfig configures both localizers
type LocalizationConfig struct {
	Bounds    BoundsConfig    `mapstructure:"bounds"`
	Intensity IntensityConfig `mapstructure:"intensity"`
	TDOA      TDOAConfig      `mapstructure:"tdoa"`
}

// BoundsConfig is the valid coordinate range in meters
type BoundsConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max" validate:"gtfield=Min"`
}

// IntensityConfig configures the sound-level localizer
type IntensityConfig struct {
	ReferenceDistance float64   `mapstructure:"reference_distance" validate:"gt=0"`
	ReferenceDB       float64   `mapstructure:"reference_db"`
	DecayFactor       float64   `mapstructure:"decay_factor" validate:"gte=0"`
	MinDB             float64   `mapstructure:"min_db"`
	MaxDB             float64   `mapstructure:"max_db" validate:"gtfield=MinDB"`
	NearFieldOffsetDB float64   `mapstructure:"near_field_offset_db"`
	GridResolutions   []float64 `mapstructure:"grid_resolutions" validate:"required,dive,gt=0"`
	GridHalfWidth     float64   `mapstructure:"grid_half_width" validate:"gt=0"`
	MinDistance       float64   `mapstructure:"min_distance" validate:"gt=0"`
	SearchMargin      float64   `mapstructure:"search_margin"` // Negative disables the sensor-area limit
}

// PairConfig names two bots forming a microphone pair
type PairConfig struct {
	A string `mapstructure:"a" validate:"required"`
	B string `mapstructure:"b" validate:"required,nefield=A"`
}

// TDOAConfig configures the time-difference localizer
type TDOAConfig struct {
	SpeedOfSound      float64      `mapstructure:"speed_of_sound" validate:"gt=0"`
	SampleRate        int          `mapstructure:"sample_rate" validate:"gt=0"`
	PhatEpsilon       float64      `mapstructure:"phat_epsilon" validate:"gt=0"`
	ParallelTolerance float64      `mapstructure:"parallel_tolerance" validate:"gt=0"`
	Pairs             []PairConfig `mapstructure:"pairs" validate:"dive"`
}

// FilterConfig configures the Kalman position filter
type FilterConfig struct {
	TimeStep           float64 `mapstructure:"time_step" validate:"gt=0"`
	ProcessNoise       float64 `mapstructure:"process_noise" validate:"gt=0"`
	MeasurementNoise   float64 `mapstructure:"measurement_noise" validate:"gt=0"`
	InitialUncertainty float64 `mapstructure:"initial_uncertainty" validate:"gt=0"`
	InitialX           float64 `mapstructure:"initial_x"`
	InitialY           float64 `mapstructure:"initial_y"`
	Gating             bool    `mapstructure:"gating"`
	GateThreshold      float64 `mapstructure:"gate_threshold" validate:"gt=0"`
	HistorySize        int     `mapstructure:"history_size" validate:"min=1"`
}

// TrackerConfig configures the localization loop
type TrackerConfig struct {
	Method       string `mapstructure:"method" validate:"oneof=intensity tdoa"`
	PollHz       int    `mapstructure:"poll_hz" validate:"min=1,max=100"`
	HistorySize  int    `mapstructure:"history_size" validate:"min=1"`
	DefaultTrack string `mapstructure:"default_track" validate:"required"`
}

// CaptureConfig configures the audio source
type CaptureConfig struct {
	Source              string               `mapstructure:"source" validate:"oneof=sim usb arecord"`
	CalibrationOffsetDB float64              `mapstructure:"calibration_offset_db"` // dBFS to dB SPL, hardware sources only
	Bots                []capture.Bot        `mapstructure:"bots"`
	USB                 USBCaptureConfig     `mapstructure:"usb"`
	Arecord             ArecordCaptureConfig `mapstructure:"arecord"`
	Sim                 SimCaptureConfig     `mapstructure:"sim"`
}

// USBCaptureConfig configures tethered bots
type USBCaptureConfig struct {
	VendorID     uint16        `mapstructure:"vendor_id"`
	ProductID    uint16        `mapstructure:"product_id"`
	Endpoint     int           `mapstructure:"endpoint" validate:"min=1,max=15"`
	BlockSize    int           `mapstructure:"block_size" validate:"min=2"`
	Format       string        `mapstructure:"format" validate:"oneof=pcm16 pdm"`
	SampleRate   int           `mapstructure:"sample_rate" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	MaxErrors    int           `mapstructure:"max_errors" validate:"min=1"`
	ReconnectMin time.Duration `mapstructure:"reconnect_backoff" validate:"gt=0"`
	ReconnectMax time.Duration `mapstructure:"max_backoff" validate:"gtefield=ReconnectMin"`
}

// ArecordCaptureConfig configures ALSA capture
type ArecordCaptureConfig struct {
	Command    string        `mapstructure:"command" validate:"required"`
	Device     string        `mapstructure:"device"`
	SampleRate int           `mapstructure:"sample_rate" validate:"gt=0"`
	Channels   int           `mapstructure:"channels" validate:"min=0"`
	Duration   time.Duration `mapstructure:"duration" validate:"gt=0"`
}

// SimCaptureConfig configures the simulator
type SimCaptureConfig struct {
	Scenario   string  `mapstructure:"scenario"`
	Frequency  float64 `mapstructure:"frequency" validate:"gt=0"`
	SampleRate int     `mapstructure:"sample_rate" validate:"gt=0"`
	Samples    int     `mapstructure:"samples" validate:"min=64"`
	Noise      float64 `mapstructure:"noise" validate:"gte=0"`
	Seed       int64   `mapstructure:"seed"`
}

// UplinkConfig configures forwarding to a remote dashboard
type UplinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url" validate:"required_if=Enabled true"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" validate:"gt=0"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" validate:"gtefield=ReconnectBackoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Default returns the default configuration
func Default() *Config {
	ic := intensity.DefaultConfig()
	tc := tdoa.DefaultConfig()
	fc := kalman.DefaultConfig()
	uc := capture.DefaultUSBConfig()
	ac := capture.DefaultArecordConfig()
	sc := capture.DefaultSimConfig()

	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Localization: LocalizationConfig{
			Bounds: BoundsConfig{Min: ic.Bounds.Min, Max: ic.Bounds.Max},
			Intensity: IntensityConfig{
				ReferenceDistance: ic.ReferenceDistance,
				ReferenceDB:       ic.ReferenceDB,
				DecayFactor:       ic.DecayFactor,
				MinDB:             ic.MinDB,
				MaxDB:             ic.MaxDB,
				NearFieldOffsetDB: ic.NearFieldOffsetDB,
				GridResolutions:   ic.GridResolutions,
				GridHalfWidth:     ic.GridHalfWidth,
				MinDistance:       ic.MinDistance,
				SearchMargin:      ic.SearchMargin,
			},
			TDOA: TDOAConfig{
				SpeedOfSound:      tc.SpeedOfSound,
				SampleRate:        tc.SampleRate,
				PhatEpsilon:       tc.PhatEpsilon,
				ParallelTolerance: tc.ParallelTolerance,
				Pairs: []PairConfig{
					{A: "bot-0", B: "bot-1"},
					{A: "bot-2", B: "bot-3"},
					{A: "bot-0", B: "bot-2"},
				},
			},
		},
		Filter: FilterConfig{
			TimeStep:           fc.TimeStep,
			ProcessNoise:       fc.ProcessNoise,
			MeasurementNoise:   fc.MeasurementNoise,
			InitialUncertainty: fc.InitialUncertainty,
			Gating:             fc.Gating,
			GateThreshold:      fc.GateThreshold,
			HistorySize:        fc.HistorySize,
		},
		Tracker: TrackerConfig{
			Method:       acoustic.MethodIntensity,
			PollHz:       2,
			HistorySize:  1000,
			DefaultTrack: "default",
		},
		Capture: CaptureConfig{
			Source:              capture.KindSim,
			CalibrationOffsetDB: capture.DefaultCalibrationOffsetDB,
			Bots:                capture.DefaultBots(),
			USB: USBCaptureConfig{
				VendorID:     uc.VendorID,
				ProductID:    uc.ProductID,
				Endpoint:     uc.Endpoint,
				BlockSize:    uc.BlockSize,
				Format:       uc.Format,
				SampleRate:   uc.SampleRate,
				ReadTimeout:  uc.ReadTimeout,
				MaxErrors:    uc.MaxConsecutiveErrors,
				ReconnectMin: uc.InitialBackoff,
				ReconnectMax: uc.MaxBackoff,
			},
			Arecord: ArecordCaptureConfig{
				Command:    ac.Command,
				SampleRate: ac.SampleRate,
				Channels:   ac.Channels,
				Duration:   ac.Duration,
			},
			Sim: SimCaptureConfig{
				Frequency:  sc.Frequency,
				SampleRate: sc.SampleRate,
				Samples:    sc.Samples,
				Noise:      sc.Noise,
				Seed:       sc.Seed,
			},
		},
		Uplink: UplinkConfig{
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v, Default())

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// Missing file is okay, we have defaults
			fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, using defaults\n", path)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("SOUNDLOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)

	// Localization defaults
	v.SetDefault("localization.bounds.min", d.Localization.Bounds.Min)
	v.SetDefault("localization.bounds.max", d.Localization.Bounds.Max)

	in := d.Localization.Intensity
	v.SetDefault("localization.intensity.reference_distance", in.ReferenceDistance)
	v.SetDefault("localization.intensity.reference_db", in.ReferenceDB)
	v.SetDefault("localization.intensity.decay_factor", in.DecayFactor)
	v.SetDefault("localization.intensity.min_db", in.MinDB)
	v.SetDefault("localization.intensity.max_db", in.MaxDB)
	v.SetDefault("localization.intensity.near_field_offset_db", in.NearFieldOffsetDB)
	v.SetDefault("localization.intensity.grid_resolutions", in.GridResolutions)
	v.SetDefault("localization.intensity.grid_half_width", in.GridHalfWidth)
	v.SetDefault("localization.intensity.min_distance", in.MinDistance)
	v.SetDefault("localization.intensity.search_margin", in.SearchMargin)

	td := d.Localization.TDOA
	v.SetDefault("localization.tdoa.speed_of_sound", td.SpeedOfSound)
	v.SetDefault("localization.tdoa.sample_rate", td.SampleRate)
	v.SetDefault("localization.tdoa.phat_epsilon", td.PhatEpsilon)
	v.SetDefault("localization.tdoa.parallel_tolerance", td.ParallelTolerance)
	pairs := make([]map[string]any, len(td.Pairs))
	for i, p := range td.Pairs {
		pairs[i] = map[string]any{"a": p.A, "b": p.B}
	}
	v.SetDefault("localization.tdoa.pairs", pairs)

	// Filter defaults
	v.SetDefault("filter.time_step", d.Filter.TimeStep)
	v.SetDefault("filter.process_noise", d.Filter.ProcessNoise)
	v.SetDefault("filter.measurement_noise", d.Filter.MeasurementNoise)
	v.SetDefault("filter.initial_uncertainty", d.Filter.InitialUncertainty)
	v.SetDefault("filter.initial_x", d.Filter.InitialX)
	v.SetDefault("filter.initial_y", d.Filter.InitialY)
	v.SetDefault("filter.gating", d.Filter.Gating)
	v.SetDefault("filter.gate_threshold", d.Filter.GateThreshold)
	v.SetDefault("filter.history_size", d.Filter.HistorySize)

	// Tracker defaults
	v.SetDefault("tracker.method", d.Tracker.Method)
	v.SetDefault("tracker.poll_hz", d.Tracker.PollHz)
	v.SetDefault("tracker.history_size", d.Tracker.HistorySize)
	v.SetDefault("tracker.default_track", d.Tracker.DefaultTrack)

	// Capture defaults
	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.calibration_offset_db", d.Capture.CalibrationOffsetDB)
	bots := make([]map[string]any, len(d.Capture.Bots))
	for i, b := range d.Capture.Bots {
		bots[i] = map[string]any{"id": b.ID, "x": b.X, "y": b.Y, "calibration_db": b.CalibrationDB}
	}
	v.SetDefault("capture.bots", bots)

	usb := d.Capture.USB
	v.SetDefault("capture.usb.vendor_id", usb.VendorID)
	v.SetDefault("capture.usb.product_id", usb.ProductID)
	v.SetDefault("capture.usb.endpoint", usb.Endpoint)
	v.SetDefault("capture.usb.block_size", usb.BlockSize)
	v.SetDefault("capture.usb.format", usb.Format)
	v.SetDefault("capture.usb.sample_rate", usb.SampleRate)
	v.SetDefault("capture.usb.read_timeout", usb.ReadTimeout)
	v.SetDefault("capture.usb.max_errors", usb.MaxErrors)
	v.SetDefault("capture.usb.reconnect_backoff", usb.ReconnectMin)
	v.SetDefault("capture.usb.max_backoff", usb.ReconnectMax)

	ar := d.Capture.Arecord
	v.SetDefault("capture.arecord.command", ar.Command)
	v.SetDefault("capture.arecord.device", ar.Device)
	v.SetDefault("capture.arecord.sample_rate", ar.SampleRate)
	v.SetDefault("capture.arecord.channels", ar.Channels)
	v.SetDefault("capture.arecord.duration", ar.Duration)

	sim := d.Capture.Sim
	v.SetDefault("capture.sim.scenario", sim.Scenario)
	v.SetDefault("capture.sim.frequency", sim.Frequency)
	v.SetDefault("capture.sim.sample_rate", sim.SampleRate)
	v.SetDefault("capture.sim.samples", sim.Samples)
	v.SetDefault("capture.sim.noise", sim.Noise)
	v.SetDefault("capture.sim.seed", sim.Seed)

	// Uplink defaults
	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.reconnect_backoff", d.Uplink.ReconnectBackoff)
	v.SetDefault("uplink.max_backoff", d.Uplink.MaxBackoff)
	v.SetDefault("uplink.ping_interval", d.Uplink.PingInterval)
	v.SetDefault("uplink.write_timeout", d.Uplink.WriteTimeout)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Uplink.Enabled {
		u, err := url.Parse(c.Uplink.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("uplink url must be ws:// or wss://, got %q", c.Uplink.URL)
		}
	}

	if c.Tracker.Method == acoustic.MethodTDOA && len(c.Localization.TDOA.Pairs) < 2 {
		return fmt.Errorf("tdoa method needs at least 2 microphone pairs, got %d", len(c.Localization.TDOA.Pairs))
	}

	ids := make(map[string]bool, len(c.Capture.Bots))
	for _, b := range c.Capture.Bots {
		if b.ID == "" {
			return errors.New("capture bot with empty id")
		}
		if ids[b.ID] {
			return fmt.Errorf("duplicate capture bot id %q", b.ID)
		}
		ids[b.ID] = true
	}

	if c.Tracker.Method == acoustic.MethodTDOA {
		for _, p := range c.Localization.TDOA.Pairs {
			if !ids[p.A] || !ids[p.B] {
				return fmt.Errorf("microphone pair %s/%s references an unknown bot", p.A, p.B)
			}
		}
	}

	return nil
}

// Bounds returns the configured coordinate range
func (c *Config) Bounds() acoustic.Bounds {
	return acoustic.Bounds{Min: c.Localization.Bounds.Min, Max: c.Localization.Bounds.Max}
}

// IntensityLocalizer maps the intensity section onto the localizer config
func (c *Config) IntensityLocalizer() intensity.Config {
	in := c.Localization.Intensity
	cfg := intensity.DefaultConfig()
	cfg.ReferenceDistance = in.ReferenceDistance
	cfg.ReferenceDB = in.ReferenceDB
	cfg.DecayFactor = in.DecayFactor
	cfg.MinDB = in.MinDB
	cfg.MaxDB = in.MaxDB
	cfg.NearFieldOffsetDB = in.NearFieldOffsetDB
	cfg.GridResolutions = in.GridResolutions
	cfg.GridHalfWidth = in.GridHalfWidth
	cfg.MinDistance = in.MinDistance
	cfg.SearchMargin = in.SearchMargin
	cfg.Bounds = c.Bounds()
	return cfg
}

// TDOALocalizer maps the tdoa section onto the localizer config
func (c *Config) TDOALocalizer() tdoa.Config {
	td := c.Localization.TDOA
	return tdoa.Config{
		SpeedOfSound:      td.SpeedOfSound,
		SampleRate:        td.SampleRate,
		PhatEpsilon:       td.PhatEpsilon,
		ParallelTolerance: td.ParallelTolerance,
		Bounds:            c.Bounds(),
	}
}

// MicPairs returns the configured microphone pairs
func (c *Config) MicPairs() []acoustic.MicPair {
	pairs := make([]acoustic.MicPair, len(c.Localization.TDOA.Pairs))
	for i, p := range c.Localization.TDOA.Pairs {
		pairs[i] = acoustic.MicPair{A: p.A, B: p.B}
	}
	return pairs
}

// KalmanFilter maps the filter section onto the filter config
func (c *Config) KalmanFilter() kalman.Config {
	f := c.Filter
	return kalman.Config{
		TimeStep:           f.TimeStep,
		ProcessNoise:       f.ProcessNoise,
		MeasurementNoise:   f.MeasurementNoise,
		InitialUncertainty: f.InitialUncertainty,
		InitialPosition:    acoustic.Position{X: f.InitialX, Y: f.InitialY},
		Gating:             f.Gating,
		GateThreshold:      f.GateThreshold,
		HistorySize:        f.HistorySize,
	}
}

// CaptureSource maps the capture section onto the source config
func (c *Config) CaptureSource() capture.Config {
	cc := c.Capture
	sim := capture.DefaultSimConfig()
	sim.ScenarioFile = cc.Sim.Scenario
	sim.Frequency = cc.Sim.Frequency
	sim.SampleRate = cc.Sim.SampleRate
	sim.Samples = cc.Sim.Samples
	sim.Noise = cc.Sim.Noise
	sim.Seed = cc.Sim.Seed
	sim.ReferenceDB = c.Localization.Intensity.ReferenceDB
	sim.SpeedOfSound = c.Localization.TDOA.SpeedOfSound

	return capture.Config{
		Kind: cc.Source,
		Bots: cc.Bots,
		Sim:  sim,
		USB: capture.USBConfig{
			VendorID:             cc.USB.VendorID,
			ProductID:            cc.USB.ProductID,
			Endpoint:             cc.USB.Endpoint,
			BlockSize:            cc.USB.BlockSize,
			Format:               cc.USB.Format,
			SampleRate:           cc.USB.SampleRate,
			ReadTimeout:          cc.USB.ReadTimeout,
			MaxConsecutiveErrors: cc.USB.MaxErrors,
			InitialBackoff:       cc.USB.ReconnectMin,
			MaxBackoff:           cc.USB.ReconnectMax,
			CalibrationOffsetDB:  cc.CalibrationOffsetDB,
		},
		Arecord: capture.ArecordConfig{
			Command:    cc.Arecord.Command,
			Device:     cc.Arecord.Device,
			SampleRate: cc.Arecord.SampleRate,
			Channels:   cc.Arecord.Channels,
			Duration:   cc.Arecord.Duration,

			CalibrationOffsetDB: cc.CalibrationOffsetDB,
		},
	}
}

// PollInterval converts poll_hz into a ticker period
func (c *Config) PollInterval() time.Duration {
	return time.Second / time.Duration(c.Tracker.PollHz)
}

// UplinkClient maps the uplink section onto the client config
func (c *Config) UplinkClient() uplink.Config {
	return uplink.Config{
		URL:              c.Uplink.URL,
		ReconnectBackoff: c.Uplink.ReconnectBackoff,
		MaxBackoff:       c.Uplink.MaxBackoff,
		PingInterval:     c.Uplink.PingInterval,
		WriteTimeout:     c.Uplink.WriteTimeout,
	}
}
