// Package kalman implements a constant-velocity Kalman filter over
// [x, y, vx, vy] that observes position only, with Mahalanobis gating of
// outlier measurements.
package kalman

import (
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// Config configures the position filter
type Config struct {
	TimeStep           float64 // Seconds advanced per update
	ProcessNoise       float64 // Diagonal of Q
	MeasurementNoise   float64 // Diagonal of R
	InitialUncertainty float64 // Diagonal of P0
	InitialPosition    acoustic.Position
	Gating             bool
	GateThreshold      float64 // Squared Mahalanobis distance
	HistorySize        int
}

// DefaultConfig returns the tuning used by the deployed swarm
func DefaultConfig() Config {
	return Config{
		TimeStep:           0.4,
		ProcessNoise:       0.01,
		MeasurementNoise:   0.1,
		InitialUncertainty: 10,
		Gating:             true,
		GateThreshold:      10.0,
		HistorySize:        1000,
	}
}

// State is a snapshot of the filter's belief
type State struct {
	Mean       Vec4 `json:"mean"`
	Covariance Mat4 `json:"covariance"`
}

// Position returns the position components of the mean
func (s State) Position() acoustic.Position {
	return acoustic.Position{X: s.Mean[0], Y: s.Mean[1]}
}

// Velocity returns the velocity components of the mean
func (s State) Velocity() (vx, vy float64) {
	return s.Mean[2], s.Mean[3]
}

// Step records one predict/update cycle
type Step struct {
	Timestamp   time.Time         `json:"timestamp"`
	Estimate    acoustic.Position `json:"estimate"`
	Measurement acoustic.Position `json:"measurement"`
	Innovation  Vec2              `json:"innovation"`
	Mahalanobis float64           `json:"mahalanobis"` // Squared distance d²
	Gated       bool              `json:"gated"`
}

// Filter is a single-target position filter. All methods are safe for
// concurrent use; updates are serialised.
type Filter struct {
	cfg Config

	f Mat4  // Transition
	h Mat24 // Observation
	q Mat4  // Process noise
	r Mat2  // Measurement noise

	mu      sync.Mutex
	state   State
	history []Step
	updates int64
	gated   int64

	now func() time.Time
}

// New creates a filter at the configured initial position
func New(cfg Config) *Filter {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	f := Identity4()
	f[0][2] = cfg.TimeStep
	f[1][3] = cfg.TimeStep

	kf := &Filter{
		cfg:     cfg,
		f:       f,
		h:       Mat24{{1, 0, 0, 0}, {0, 1, 0, 0}},
		q:       Identity4().Scale(cfg.ProcessNoise),
		r:       Identity2().Scale(cfg.MeasurementNoise),
		history: make([]Step, 0, min(cfg.HistorySize, 64)),
		now:     time.Now,
	}
	kf.state = kf.initialState(cfg.InitialPosition)
	return kf
}

// WithClock replaces the timestamp source used by Update
func (kf *Filter) WithClock(now func() time.Time) *Filter {
	kf.mu.Lock()
	kf.now = now
	kf.mu.Unlock()
	return kf
}

func (kf *Filter) initialState(p acoustic.Position) State {
	return State{
		Mean:       Vec4{p.X, p.Y, 0, 0},
		Covariance: Identity4().Scale(kf.cfg.InitialUncertainty),
	}
}

// Update folds one position measurement into the filter and returns the
// posterior position. A gated measurement leaves the filter at its
// predicted state.
func (kf *Filter) Update(m acoustic.Position) (acoustic.Position, error) {
	step, err := kf.Observe(m, time.Time{})
	if err != nil {
		return acoustic.Position{}, err
	}
	return step.Estimate, nil
}

// UpdateAt is Update with an explicit timestamp for the history entry
func (kf *Filter) UpdateAt(m acoustic.Position, at time.Time) (acoustic.Position, error) {
	step, err := kf.Observe(m, at)
	if err != nil {
		return acoustic.Position{}, err
	}
	return step.Estimate, nil
}

// UpdateVector accepts an untyped observation. It must have exactly two
// components.
func (kf *Filter) UpdateVector(z []float64) (acoustic.Position, error) {
	if len(z) != 2 {
		return acoustic.Position{}, fmt.Errorf("kalman: observation has %d components, want 2: %w",
			len(z), acoustic.ErrDimensionMismatch)
	}
	return kf.Update(acoustic.Position{X: z[0], Y: z[1]})
}

// Observe runs one predict/gate/correct cycle and returns the full step
// record. A zero at uses the filter clock.
func (kf *Filter) Observe(m acoustic.Position, at time.Time) (Step, error) {
	if !m.IsFinite() {
		return Step{}, fmt.Errorf("kalman: measurement %v: %w", m, acoustic.ErrInvalidInput)
	}

	kf.mu.Lock()
	defer kf.mu.Unlock()

	if at.IsZero() {
		at = kf.now()
	}

	predicted := kf.predict(kf.state)

	z := Vec2{m.X, m.Y}
	innovation := z.Sub(kf.h.MulVec(predicted.Mean))

	ht := kf.h.T()
	s := kf.h.MulMat4(predicted.Covariance).MulMat42(ht).Add(kf.r)
	sInv, err := s.Inverse()
	if err != nil {
		return Step{}, fmt.Errorf("kalman: innovation covariance: %w", err)
	}

	d2 := innovation.Dot(sInv.MulVec(innovation))

	step := Step{
		Timestamp:   at,
		Measurement: m,
		Innovation:  innovation,
		Mahalanobis: d2,
	}

	next := predicted
	if kf.cfg.Gating && d2 > kf.cfg.GateThreshold {
		step.Gated = true
		kf.gated++
	} else {
		gain := predicted.Covariance.MulMat42(ht).MulMat2(sInv)
		next.Mean = predicted.Mean.Add(gain.MulVec(innovation))
		next.Covariance = Identity4().Sub(gain.MulMat24(kf.h)).Mul(predicted.Covariance)
	}

	kf.state = next
	kf.updates++
	step.Estimate = next.Position()
	kf.appendHistory(step)

	return step, nil
}

// predict propagates a state one time step forward
func (kf *Filter) predict(s State) State {
	return State{
		Mean:       kf.f.MulVec(s.Mean),
		Covariance: kf.f.Mul(s.Covariance).Mul(kf.f.T()).Add(kf.q),
	}
}

// Predict advances the filter one step without a measurement and returns
// the predicted position.
func (kf *Filter) Predict() acoustic.Position {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	kf.state = kf.predict(kf.state)
	return kf.state.Position()
}

// State returns a snapshot of the current belief
func (kf *Filter) State() State {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.state
}

// Reset reinitialises the filter at p with the initial uncertainty and
// clears the history.
func (kf *Filter) Reset(p acoustic.Position) {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	kf.state = kf.initialState(p)
	kf.history = kf.history[:0]
}

// History returns a copy of the recorded steps, oldest first
func (kf *Filter) History() []Step {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	out := make([]Step, len(kf.history))
	copy(out, kf.history)
	return out
}

// Stats reports update counters
func (kf *Filter) Stats() (updates, gated int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.updates, kf.gated
}

func (kf *Filter) appendHistory(step Step) {
	kf.history = append(kf.history, step)

	if len(kf.history) > kf.cfg.HistorySize {
		copy(kf.history, kf.history[1:])
		kf.history = kf.history[:kf.cfg.HistorySize]
	}
}
