// Package tdoa locates a sound source from time differences of arrival.
//
// Each microphone pair yields a delay (GCC-PHAT) and from it a bearing.
// Every two bearings are intersected into a candidate position and the
// candidates are averaged.
package tdoa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// Config configures the TDOA localizer
type Config struct {
	SpeedOfSound      float64 // m/s
	SampleRate        int     // Hz, used when a buffer carries none
	PhatEpsilon       float64 // Guards the PHAT magnitude division
	ParallelTolerance float64 // Slope difference below which bearings are parallel
	Bounds            acoustic.Bounds
}

// DefaultConfig returns defaults for air at room temperature
func DefaultConfig() Config {
	return Config{
		SpeedOfSound:      343.0,
		SampleRate:        44100,
		PhatEpsilon:       1e-10,
		ParallelTolerance: 1e-6,
		Bounds:            acoustic.DefaultBounds(),
	}
}

// Localizer implements GCC-PHAT bearing triangulation. It holds no
// mutable state and is safe for concurrent use.
type Localizer struct {
	cfg Config
}

// New creates a localizer
func New(cfg Config) *Localizer {
	return &Localizer{cfg: cfg}
}

// Method implements acoustic.Localizer
func (l *Localizer) Method() string {
	return acoustic.MethodTDOA
}

// Locate implements acoustic.Localizer. Pair separations are taken from
// obs.Distances when it has one entry per pair, otherwise derived from
// obs.Positions.
func (l *Localizer) Locate(obs acoustic.Observation) (acoustic.RawEstimate, error) {
	distances := obs.Distances
	if len(distances) != len(obs.Pairs) {
		geometry, err := PairGeometry(obs.Positions, obs.Pairs)
		if err != nil {
			return acoustic.RawEstimate{}, err
		}
		distances = make([]float64, len(geometry))
		for i, g := range geometry {
			distances[i] = g.Separation
		}
	}
	return l.ProcessSignals(obs.Signals, obs.Positions, obs.Pairs, distances)
}

// PairGeometry resolves the separation and endpoints of each pair
func PairGeometry(positions map[string]acoustic.Position, pairs []acoustic.MicPair) ([]acoustic.MicPairGeometry, error) {
	out := make([]acoustic.MicPairGeometry, 0, len(pairs))
	for _, p := range pairs {
		pa, ok := positions[p.A]
		if !ok {
			return nil, fmt.Errorf("tdoa: no position for %q: %w", p.A, acoustic.ErrInvalidInput)
		}
		pb, ok := positions[p.B]
		if !ok {
			return nil, fmt.Errorf("tdoa: no position for %q: %w", p.B, acoustic.ErrInvalidInput)
		}
		out = append(out, acoustic.MicPairGeometry{
			Pair:       p,
			Separation: pa.Distance(pb),
			Reference:  [2]acoustic.Position{pa, pb},
		})
	}
	return out, nil
}

// bearing is one pair's contribution to the fix
type bearing struct {
	tdoa  float64
	angle float64
	peak  float64
	ref   acoustic.Position
}

// ProcessSignals estimates the source position from at least two pairs.
// The reference point of each bearing is the position of the pair's first
// microphone.
func (l *Localizer) ProcessSignals(
	signals map[string]acoustic.AudioBuffer,
	positions map[string]acoustic.Position,
	pairs []acoustic.MicPair,
	distances []float64,
) (acoustic.RawEstimate, error) {
	if len(pairs) < 2 {
		return acoustic.RawEstimate{}, fmt.Errorf("tdoa: got %d pairs: %w", len(pairs), acoustic.ErrInsufficientPairs)
	}
	if len(distances) != len(pairs) {
		return acoustic.RawEstimate{}, fmt.Errorf("tdoa: %d distances for %d pairs: %w",
			len(distances), len(pairs), acoustic.ErrInvalidInput)
	}

	bearings := make([]bearing, len(pairs))
	for i, p := range pairs {
		sa, ok := signals[p.A]
		if !ok {
			return acoustic.RawEstimate{}, fmt.Errorf("tdoa: signal %q: %w", p.A, acoustic.ErrMissingSignal)
		}
		sb, ok := signals[p.B]
		if !ok {
			return acoustic.RawEstimate{}, fmt.Errorf("tdoa: signal %q: %w", p.B, acoustic.ErrMissingSignal)
		}
		ref, ok := positions[p.A]
		if !ok || !ref.IsFinite() {
			return acoustic.RawEstimate{}, fmt.Errorf("tdoa: no position for %q: %w", p.A, acoustic.ErrInvalidInput)
		}
		if d := distances[i]; !(d > 0) || math.IsInf(d, 0) {
			return acoustic.RawEstimate{}, fmt.Errorf("tdoa: pair %s/%s separation %v: %w", p.A, p.B, d, acoustic.ErrInvalidInput)
		}

		rate := sa.SampleRate
		if rate <= 0 {
			rate = sb.SampleRate
		}

		tdoa, corr, err := l.CrossCorrelate(sa.Samples, sb.Samples, rate)
		if err != nil {
			return acoustic.RawEstimate{}, fmt.Errorf("tdoa: pair %s/%s: %w", p.A, p.B, err)
		}

		bearings[i] = bearing{
			tdoa:  tdoa,
			angle: l.AngleOfArrival(tdoa, distances[i]),
			peak:  floats.Max(corr),
			ref:   ref,
		}
	}

	var candidates []acoustic.Position
	for i := 0; i < len(bearings)-1; i++ {
		for j := i + 1; j < len(bearings); j++ {
			candidates = append(candidates, l.Triangulate(
				bearings[i].angle, bearings[i].ref,
				bearings[j].angle, bearings[j].ref,
			))
		}
	}

	var sum acoustic.Position
	for _, c := range candidates {
		sum.X += c.X
		sum.Y += c.Y
	}
	mean := acoustic.Position{X: sum.X / float64(len(candidates)), Y: sum.Y / float64(len(candidates))}

	tdoas := make([]float64, len(bearings))
	angles := make([]float64, len(bearings))
	var score float64
	for i, b := range bearings {
		tdoas[i] = b.tdoa
		angles[i] = b.angle
		score += b.peak
	}
	score /= float64(len(bearings))

	position := l.cfg.Bounds.Clamp(mean)

	return acoustic.RawEstimate{
		Position:   position,
		Level:      score,
		Confidence: acoustic.Clamp(score, 0, 1),
		Method:     acoustic.MethodTDOA,
		Diagnostics: map[string]any{
			"tdoas":      tdoas,
			"angles":     angles,
			"candidates": candidates,
			"clamped":    position != mean,
		},
	}, nil
}

// Triangulate intersects two bearings (degrees) drawn from their
// reference points. Near-parallel bearings have no usable intersection;
// the midpoint of the two reference points is returned instead.
func (l *Localizer) Triangulate(angle1 float64, pos1 acoustic.Position, angle2 float64, pos2 acoustic.Position) acoustic.Position {
	m1 := math.Tan(angle1 * math.Pi / 180)
	m2 := math.Tan(angle2 * math.Pi / 180)

	if math.Abs(m1-m2) < l.cfg.ParallelTolerance {
		return pos1.Midpoint(pos2)
	}

	b1 := pos1.Y - m1*pos1.X
	b2 := pos2.Y - m2*pos2.X

	x := (b2 - b1) / (m1 - m2)
	return acoustic.Position{X: x, Y: m1*x + b1}
}
