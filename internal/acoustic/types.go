// Package acoustic provides the value types shared by the localization engine
package acoustic

import (
	"math"
	"time"
)

// Position is a 2D point in meters
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to o
func (p Position) Distance(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// IsFinite reports whether both coordinates are finite
func (p Position) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y)
}

// Midpoint returns the point halfway between p and o
func (p Position) Midpoint(o Position) Position {
	return Position{X: (p.X + o.X) / 2, Y: (p.Y + o.Y) / 2}
}

// Bounds is the valid coordinate range applied to both axes
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultBounds returns the ±100 m operating area
func DefaultBounds() Bounds {
	return Bounds{Min: -100, Max: 100}
}

// Contains reports whether p lies inside the bounds
func (b Bounds) Contains(p Position) bool {
	return p.X >= b.Min && p.X <= b.Max && p.Y >= b.Min && p.Y <= b.Max
}

// Clamp pulls p into the bounds
func (b Bounds) Clamp(p Position) Position {
	return Position{
		X: Clamp(p.X, b.Min, b.Max),
		Y: Clamp(p.Y, b.Min, b.Max),
	}
}

// Measurement is a single sound level reading reported by a bot
type Measurement struct {
	SourceID  string   `json:"source_id"`
	LevelDB   float64  `json:"db"`
	Position  Position `json:"position"`
	Timestamp float64  `json:"timestamp"` // Seconds since epoch
}

// AudioBuffer holds raw samples captured by one bot
type AudioBuffer struct {
	SourceID   string    `json:"source_id"`
	Samples    []float64 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
}

// MicPair names two microphones used for one bearing estimate
type MicPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// MicPairGeometry describes a pair together with its physical layout
type MicPairGeometry struct {
	Pair       MicPair     `json:"pair"`
	Separation float64     `json:"separation"`
	Reference  [2]Position `json:"reference"`
}

// Localization methods
const (
	MethodIntensity = "intensity"
	MethodTDOA      = "tdoa"
)

// RawEstimate is the unfiltered output of a localizer
type RawEstimate struct {
	Position    Position       `json:"position"`
	Level       float64        `json:"level"`      // Source dB (intensity) or mean correlation score (tdoa)
	Confidence  float64        `json:"confidence"` // 0-1
	Method      string         `json:"method"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// LocalizationResult is the smoothed output handed to consumers
type LocalizationResult struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"track_id"`
	Position   Position  `json:"position"`
	Raw        Position  `json:"raw"`
	Level      float64   `json:"level"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
	Gated      bool      `json:"gated"` // Raw estimate rejected as an outlier
	Timestamp  time.Time `json:"timestamp"`
}

// Observation carries the inputs of one localization round. Intensity
// localizers read Measurements; TDOA localizers read Signals, Positions and Pairs.
type Observation struct {
	Measurements []Measurement
	Signals      map[string]AudioBuffer
	Positions    map[string]Position
	Pairs        []MicPair
	Distances    []float64 // Optional pair separations; derived from Positions when nil
}

// Localizer turns one observation into a raw position estimate
type Localizer interface {
	// Method returns MethodIntensity or MethodTDOA
	Method() string

	// Locate estimates the source position
	Locate(obs Observation) (RawEstimate, error)
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllFinite reports whether every value in xs is finite
func AllFinite(xs []float64) bool {
	for _, v := range xs {
		if !isFinite(v) {
			return false
		}
	}
	return true
}
