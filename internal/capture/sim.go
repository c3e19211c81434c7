package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// SimConfig configures the simulated swarm
type SimConfig struct {
	ScenarioFile string
	Frequency    float64 // Hz, tone component of the source
	SampleRate   int
	Samples      int     // Per frame
	Noise        float64 // Sensor noise standard deviation
	ReferenceDB  float64 // Level of a unit-RMS signal at 1 m
	SpeedOfSound float64
	Seed         int64
}

// DefaultSimConfig returns defaults matching the intensity localizer's
// reference level
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Frequency:    1000,
		SampleRate:   44100,
		Samples:      4096,
		Noise:        0.001,
		ReferenceDB:  94,
		SpeedOfSound: 343,
		Seed:         1,
	}
}

// Scenario describes a simulated deployment. Zero fields keep the
// configured defaults.
type Scenario struct {
	Name         string              `yaml:"name"`
	Bots         []Bot               `yaml:"bots"`
	Path         []acoustic.Position `yaml:"path"` // Waypoints the source walks back and forth
	Step         float64             `yaml:"step"` // Meters travelled per round
	Frequency    float64             `yaml:"frequency"`
	SampleRate   int                 `yaml:"sample_rate"`
	Samples      int                 `yaml:"samples"`
	Noise        float64             `yaml:"noise"`
	SpeedOfSound float64             `yaml:"speed_of_sound"`
	Seed         int64               `yaml:"seed"`
}

// LoadScenario reads a YAML scenario file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return sc, nil
}

// DefaultBots is a 2 m square used when nothing is configured
func DefaultBots() []Bot {
	return []Bot{
		{ID: "bot-0", X: 0, Y: 0},
		{ID: "bot-1", X: 2, Y: 0},
		{ID: "bot-2", X: 0, Y: 2},
		{ID: "bot-3", X: 2, Y: 2},
	}
}

// SimSource synthesises rounds for a source moving through a fixed swarm.
// Each bot hears a common broadband signal delayed by its distance to the
// source and attenuated by the inverse-square law.
type SimSource struct {
	cfg  SimConfig
	bots []Bot
	path []acoustic.Position
	step float64

	mu     sync.Mutex
	round  int64
	truth  acoustic.Position
	closed bool
}

// NewSimSource creates a simulator. When cfg.ScenarioFile is set the
// scenario overrides bots and signal parameters.
func NewSimSource(cfg SimConfig, bots []Bot) (*SimSource, error) {
	defaults := DefaultSimConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.Samples <= 0 {
		cfg.Samples = defaults.Samples
	}
	if cfg.SpeedOfSound <= 0 {
		cfg.SpeedOfSound = defaults.SpeedOfSound
	}
	if cfg.ReferenceDB == 0 {
		cfg.ReferenceDB = defaults.ReferenceDB
	}

	s := &SimSource{
		cfg:  cfg,
		bots: bots,
		path: []acoustic.Position{{X: 1, Y: 1}},
	}

	if cfg.ScenarioFile != "" {
		sc, err := LoadScenario(cfg.ScenarioFile)
		if err != nil {
			return nil, err
		}
		s.apply(sc)
	}

	if len(s.bots) == 0 {
		s.bots = DefaultBots()
	}
	s.truth = s.path[0]

	return s, nil
}

// NewSimSourceFromScenario creates a simulator from an in-memory scenario
func NewSimSourceFromScenario(cfg SimConfig, sc Scenario) (*SimSource, error) {
	s, err := NewSimSource(cfg, nil)
	if err != nil {
		return nil, err
	}
	s.apply(sc)
	if len(s.bots) == 0 {
		s.bots = DefaultBots()
	}
	s.truth = s.path[0]
	return s, nil
}

func (s *SimSource) apply(sc Scenario) {
	if len(sc.Bots) > 0 {
		s.bots = sc.Bots
	}
	if len(sc.Path) > 0 {
		s.path = sc.Path
	}
	if sc.Step > 0 {
		s.step = sc.Step
	}
	if sc.Frequency > 0 {
		s.cfg.Frequency = sc.Frequency
	}
	if sc.SampleRate > 0 {
		s.cfg.SampleRate = sc.SampleRate
	}
	if sc.Samples > 0 {
		s.cfg.Samples = sc.Samples
	}
	if sc.Noise > 0 {
		s.cfg.Noise = sc.Noise
	}
	if sc.SpeedOfSound > 0 {
		s.cfg.SpeedOfSound = sc.SpeedOfSound
	}
	if sc.Seed != 0 {
		s.cfg.Seed = sc.Seed
	}
}

// Capture synthesises the next round
func (s *SimSource) Capture(ctx context.Context) (Round, error) {
	if err := ctx.Err(); err != nil {
		return Round{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Round{}, errors.New("simulator closed")
	}

	truth := s.positionAt(float64(s.round) * s.step)
	rng := rand.New(rand.NewSource(s.cfg.Seed + s.round))
	s.round++
	s.truth = truth

	rate := float64(s.cfg.SampleRate)
	delays := make([]int, len(s.bots))
	maxDelay := 0
	for i, b := range s.bots {
		delays[i] = int(math.Round(truth.Distance(b.Position()) * rate / s.cfg.SpeedOfSound))
		maxDelay = max(maxDelay, delays[i])
	}

	signal := s.sourceSignal(rng, s.cfg.Samples+maxDelay)

	frames := make([]Frame, len(s.bots))
	for i, b := range s.bots {
		amp := 1 / math.Max(truth.Distance(b.Position()), 0.1)
		start := maxDelay - delays[i]

		samples := make([]float64, s.cfg.Samples)
		for n := range samples {
			samples[n] = amp*signal[start+n] + s.cfg.Noise*rng.NormFloat64()
		}

		frames[i] = Frame{
			BotID:         b.ID,
			Position:      b.Position(),
			Samples:       samples,
			SampleRate:    s.cfg.SampleRate,
			CalibrationDB: s.cfg.ReferenceDB + b.CalibrationDB,
		}
	}

	return Round{Frames: frames, Timestamp: time.Now()}, nil
}

// sourceSignal returns a tone plus broadband noise scaled to unit RMS
func (s *SimSource) sourceSignal(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	var energy float64
	for i := range out {
		t := float64(i) / float64(s.cfg.SampleRate)
		out[i] = math.Sin(2*math.Pi*s.cfg.Frequency*t) + rng.NormFloat64()
		energy += out[i] * out[i]
	}

	scale := 1 / math.Sqrt(energy/float64(n))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// positionAt walks the path back and forth and returns the point d meters along
func (s *SimSource) positionAt(d float64) acoustic.Position {
	if len(s.path) == 1 || d <= 0 {
		return s.path[0]
	}

	var total float64
	for i := 1; i < len(s.path); i++ {
		total += s.path[i-1].Distance(s.path[i])
	}
	if total == 0 {
		return s.path[0]
	}

	d = math.Mod(d, 2*total)
	if d > total {
		d = 2*total - d
	}

	for i := 1; i < len(s.path); i++ {
		a, b := s.path[i-1], s.path[i]
		seg := a.Distance(b)
		if d <= seg {
			f := d / seg
			return acoustic.Position{X: a.X + f*(b.X-a.X), Y: a.Y + f*(b.Y-a.Y)}
		}
		d -= seg
	}
	return s.path[len(s.path)-1]
}

// Truth returns the source position of the most recent round
func (s *SimSource) Truth() acoustic.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truth
}

// Bots returns the simulated layout
func (s *SimSource) Bots() []Bot {
	return s.bots
}

// Close stops the simulator
func (s *SimSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Healthy returns true until the simulator is closed
func (s *SimSource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Name returns the source type name
func (s *SimSource) Name() string {
	return KindSim
}
