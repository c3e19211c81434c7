// Package intensity locates a sound source from per-bot dB readings.
//
// The estimate is built in two stages. A closed-form weighted centroid uses
// inverse-square-law distances as weights, then a coarse-to-fine grid search
// around the centroid minimises the absolute dB residual of a free-field
// propagation model. The search is local: each pass re-centres a small
// window on the previous best point, so the answer depends on the centroid
// seed and is not guaranteed to be the global optimum.
package intensity

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// Config configures the intensity localizer
type Config struct {
	ReferenceDistance float64   // Meters at which ReferenceDB is measured
	ReferenceDB       float64   // Source level at the reference distance
	DecayFactor       float64   // Confidence lost per meter of refinement shift
	MinDB             float64   // Readings below this are discarded
	MaxDB             float64   // Readings above this are discarded
	NearFieldOffsetDB float64   // Added to the median of the loudest readings
	GridResolutions   []float64 // Grid spacing per refinement pass, coarse to fine
	GridHalfWidth     float64   // Search window half-width around the current best
	MinDistance       float64   // Distance floor of the propagation model
	SearchMargin      float64   // Slack around the sensor bounding box; negative disables the limit
	Epsilon           float64   // Guards the inverse-square weights
	Bounds            acoustic.Bounds
}

// DefaultConfig returns the calibrated defaults
func DefaultConfig() Config {
	return Config{
		ReferenceDistance: 1.0,
		ReferenceDB:       94.0,
		DecayFactor:       0.2,
		MinDB:             30.0,
		MaxDB:             150.0,
		NearFieldOffsetDB: 6.0,
		GridResolutions:   []float64{0.3, 0.1, 0.05},
		GridHalfWidth:     0.5,
		MinDistance:       0.1,
		SearchMargin:      0,
		Epsilon:           1e-9,
		Bounds:            acoustic.DefaultBounds(),
	}
}

// Localizer estimates source position from sound levels. It holds no
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
	return acoustic.MethodIntensity
}

// Locate implements acoustic.Localizer
func (l *Localizer) Locate(obs acoustic.Observation) (acoustic.RawEstimate, error) {
	return l.Localize(obs.Measurements)
}

// Localize estimates the source position from a set of readings.
//
// With fewer than three readings inside [MinDB, MaxDB] it returns a
// degenerate zero-confidence estimate at the origin together with
// acoustic.ErrInsufficientData. The estimate is usable either way; callers
// should look at Confidence rather than treat the error as fatal.
func (l *Localizer) Localize(measurements []acoustic.Measurement) (acoustic.RawEstimate, error) {
	if len(measurements) == 0 {
		return acoustic.RawEstimate{}, fmt.Errorf("intensity: no measurements: %w", acoustic.ErrInvalidInput)
	}

	for _, m := range measurements {
		if math.IsNaN(m.LevelDB) || math.IsInf(m.LevelDB, 0) || !m.Position.IsFinite() {
			return acoustic.RawEstimate{}, fmt.Errorf("intensity: reading from %q is not finite: %w", m.SourceID, acoustic.ErrInvalidInput)
		}
	}

	valid := l.filterValid(measurements)
	if len(valid) < 3 {
		return l.degenerate(len(valid)), fmt.Errorf("intensity: %d of %d readings in range: %w",
			len(valid), len(measurements), acoustic.ErrInsufficientData)
	}

	sourceDB := l.SourceLevel(valid)
	centroid := l.WeightedCentroid(valid, sourceDB)
	refined, residual := l.refine(valid, centroid)

	shift := refined.Distance(centroid)
	confidence := l.confidence(shift)

	position := l.cfg.Bounds.Clamp(refined)

	return acoustic.RawEstimate{
		Position:   position,
		Level:      sourceDB,
		Confidence: confidence,
		Method:     acoustic.MethodIntensity,
		Diagnostics: map[string]any{
			"source_db":   sourceDB,
			"centroid":    centroid,
			"refined":     refined,
			"residual":    residual,
			"error":       shift,
			"valid_count": len(valid),
			"clamped":     position != refined,
		},
	}, nil
}

// filterValid drops readings outside the configured dB window
func (l *Localizer) filterValid(measurements []acoustic.Measurement) []acoustic.Measurement {
	valid := make([]acoustic.Measurement, 0, len(measurements))
	for _, m := range measurements {
		if m.LevelDB >= l.cfg.MinDB && m.LevelDB <= l.cfg.MaxDB {
			valid = append(valid, m)
		}
	}
	return valid
}

func (l *Localizer) degenerate(validCount int) acoustic.RawEstimate {
	return acoustic.RawEstimate{
		Position:   acoustic.Position{},
		Level:      l.cfg.ReferenceDB,
		Confidence: 0,
		Method:     acoustic.MethodIntensity,
		Diagnostics: map[string]any{
			"valid_count": validCount,
			"reason":      "insufficient_data",
		},
	}
}

// SourceLevel estimates the emitted level as the median of the three
// loudest readings plus the near-field offset. Even the closest bots sit
// some distance from the source, hence the offset.
func (l *Localizer) SourceLevel(valid []acoustic.Measurement) float64 {
	levels := make([]float64, len(valid))
	for i, m := range valid {
		levels[i] = m.LevelDB
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(levels)))

	top := levels[:min(3, len(levels))]
	sort.Float64s(top)

	return stat.Quantile(0.5, stat.Empirical, top, nil) + l.cfg.NearFieldOffsetDB
}

// DistanceFromLevel inverts the inverse-square law
func (l *Localizer) DistanceFromLevel(sourceDB, measuredDB float64) float64 {
	return l.cfg.ReferenceDistance * math.Pow(10, (sourceDB-measuredDB)/20)
}

// WeightedCentroid averages sensor positions weighted by 1/(d²+ε)
func (l *Localizer) WeightedCentroid(valid []acoustic.Measurement, sourceDB float64) acoustic.Position {
	var sumW, sumX, sumY float64
	for _, m := range valid {
		d := l.DistanceFromLevel(sourceDB, m.LevelDB)
		w := 1 / (d*d + l.cfg.Epsilon)
		sumW += w
		sumX += w * m.Position.X
		sumY += w * m.Position.Y
	}
	return acoustic.Position{X: sumX / sumW, Y: sumY / sumW}
}

// PredictedLevel is the free-field model level at p for a bot at sensor
func (l *Localizer) PredictedLevel(p, sensor acoustic.Position) float64 {
	d := math.Max(p.Distance(sensor), l.cfg.MinDistance)
	return l.cfg.ReferenceDB - 20*math.Log10(d)
}

// Residual sums |observed - predicted| over all readings for a candidate point
func (l *Localizer) Residual(valid []acoustic.Measurement, p acoustic.Position) float64 {
	var total float64
	for _, m := range valid {
		total += math.Abs(m.LevelDB - l.PredictedLevel(p, m.Position))
	}
	return total
}

// refine runs the multi-resolution grid search seeded at start
func (l *Localizer) refine(valid []acoustic.Measurement, start acoustic.Position) (acoustic.Position, float64) {
	region := l.searchRegion(valid)
	best := start
	bestResidual := math.Inf(1)

	for _, res := range l.cfg.GridResolutions {
		if res <= 0 {
			continue
		}
		best, bestResidual = l.gridSearch(valid, best, res, region)
	}

	if math.IsInf(bestResidual, 1) {
		bestResidual = l.Residual(valid, best)
	}
	return best, bestResidual
}

// gridSearch scans one window and returns the best candidate. Candidates
// outside the region are moved onto its edge, so every pass yields one.
func (l *Localizer) gridSearch(valid []acoustic.Measurement, center acoustic.Position, res float64, region region) (acoustic.Position, float64) {
	half := l.cfg.GridHalfWidth
	steps := int(math.Ceil(2*half/res - 1e-9))

	best := center
	bestResidual := math.Inf(1)

	for i := 0; i < steps; i++ {
		for j := 0; j < steps; j++ {
			p := region.clamp(acoustic.Position{
				X: center.X - half + float64(i)*res,
				Y: center.Y - half + float64(j)*res,
			})
			if r := l.Residual(valid, p); r < bestResidual {
				bestResidual = r
				best = p
			}
		}
	}

	return best, bestResidual
}

func (l *Localizer) confidence(shift float64) float64 {
	return acoustic.Clamp(1-l.cfg.DecayFactor*math.Abs(shift), 0, 1)
}

// region limits grid candidates to the area covered by the sensors
type region struct {
	minX, maxX, minY, maxY float64
	unbounded              bool
}

func (l *Localizer) searchRegion(valid []acoustic.Measurement) region {
	if l.cfg.SearchMargin < 0 {
		return region{unbounded: true}
	}

	r := region{
		minX: math.Inf(1), maxX: math.Inf(-1),
		minY: math.Inf(1), maxY: math.Inf(-1),
	}
	for _, m := range valid {
		r.minX = math.Min(r.minX, m.Position.X)
		r.maxX = math.Max(r.maxX, m.Position.X)
		r.minY = math.Min(r.minY, m.Position.Y)
		r.maxY = math.Max(r.maxY, m.Position.Y)
	}

	r.minX -= l.cfg.SearchMargin
	r.maxX += l.cfg.SearchMargin
	r.minY -= l.cfg.SearchMargin
	r.maxY += l.cfg.SearchMargin
	return r
}

// clamp moves p into the region. A collinear layout gives a zero-width
// axis, which pins that coordinate to the sensor line.
func (r region) clamp(p acoustic.Position) acoustic.Position {
	if r.unbounded {
		return p
	}
	return acoustic.Position{
		X: acoustic.Clamp(p.X, r.minX, r.maxX),
		Y: acoustic.Clamp(p.Y, r.minY, r.maxY),
	}
}
