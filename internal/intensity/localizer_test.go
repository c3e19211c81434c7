package intensity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

func square(levels [4]float64) []acoustic.Measurement {
	positions := []acoustic.Position{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 2}, {X: 2, Y: 2}}
	out := make([]acoustic.Measurement, len(positions))
	for i, p := range positions {
		out[i] = acoustic.Measurement{
			SourceID: string(rune('a' + i)),
			LevelDB:  levels[i],
			Position: p,
		}
	}
	return out
}

// freeField synthesises readings for a 94 dB source at src
func freeField(src acoustic.Position, sensors []acoustic.Position) []acoustic.Measurement {
	out := make([]acoustic.Measurement, len(sensors))
	for i, p := range sensors {
		d := math.Max(src.Distance(p), 0.1)
		out[i] = acoustic.Measurement{LevelDB: 94 - 20*math.Log10(d), Position: p}
	}
	return out
}

func TestLocalize_SquareLayout(t *testing.T) {
	l := New(DefaultConfig())

	est, err := l.Localize(square([4]float64{80, 75, 75, 70}))
	require.NoError(t, err)

	assert.Equal(t, acoustic.MethodIntensity, est.Method)
	assert.GreaterOrEqual(t, est.Position.X, 0.0)
	assert.LessOrEqual(t, est.Position.X, 2.0)
	assert.GreaterOrEqual(t, est.Position.Y, 0.0)
	assert.LessOrEqual(t, est.Position.Y, 2.0)
	assert.GreaterOrEqual(t, est.Confidence, 0.0)
	assert.LessOrEqual(t, est.Confidence, 1.0)

	// Median of {80, 75, 75} plus the near-field offset
	assert.InDelta(t, 81.0, est.Level, 1e-9)

	centroid, ok := est.Diagnostics["centroid"].(acoustic.Position)
	require.True(t, ok)
	assert.InDelta(t, 0.4805, centroid.X, 1e-3)
	assert.InDelta(t, 0.4805, centroid.Y, 1e-3)

	// The residual keeps falling towards negative x, so the search stops on the layout edge
	assert.InDelta(t, 0.0, est.Position.X, 1e-9)
	assert.InDelta(t, 0.9805, est.Position.Y, 1e-3)
	assert.InDelta(t, 0.8613, est.Confidence, 1e-3)
}

func TestLocalize_Deterministic(t *testing.T) {
	l := New(DefaultConfig())
	in := square([4]float64{80, 75, 75, 70})

	a, err := l.Localize(in)
	require.NoError(t, err)
	b, err := l.Localize(in)
	require.NoError(t, err)

	assert.Equal(t, a.Position, b.Position)
	assert.Equal(t, a.Confidence, b.Confidence)
}

func TestLocalize_SourceAtCenter(t *testing.T) {
	l := New(DefaultConfig())
	sensors := []acoustic.Position{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 2}, {X: 2, Y: 2}}

	est, err := l.Localize(freeField(acoustic.Position{X: 1, Y: 1}, sensors))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, est.Position.X, 1e-9)
	assert.InDelta(t, 1.0, est.Position.Y, 1e-9)
	assert.InDelta(t, 1.0, est.Confidence, 1e-9)
}

func TestLocalize_OffCenterSource(t *testing.T) {
	l := New(DefaultConfig())
	sensors := []acoustic.Position{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 2}, {X: 2, Y: 2}}
	src := acoustic.Position{X: 1.2, Y: 0.7}

	est, err := l.Localize(freeField(src, sensors))
	require.NoError(t, err)

	assert.Less(t, est.Position.Distance(src), 0.1)
	assert.Greater(t, est.Confidence, 0.9)
}

func TestWeightedCentroid_Equilateral(t *testing.T) {
	l := New(DefaultConfig())

	var ms []acoustic.Measurement
	for _, a := range []float64{math.Pi / 2, math.Pi/2 + 2*math.Pi/3, math.Pi/2 + 4*math.Pi/3} {
		ms = append(ms, acoustic.Measurement{
			LevelDB:  70,
			Position: acoustic.Position{X: 1 + math.Cos(a), Y: 2 + math.Sin(a)},
		})
	}

	c := l.WeightedCentroid(ms, l.SourceLevel(ms))
	assert.InDelta(t, 1.0, c.X, 1e-9)
	assert.InDelta(t, 2.0, c.Y, 1e-9)
}

func TestSourceLevel(t *testing.T) {
	l := New(DefaultConfig())

	tests := []struct {
		name   string
		levels []float64
		want   float64
	}{
		{name: "three readings", levels: []float64{60, 70, 65}, want: 71},
		{name: "top three of five", levels: []float64{40, 90, 50, 85, 80}, want: 91},
		{name: "ties", levels: []float64{75, 75, 75, 30}, want: 81},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ms []acoustic.Measurement
			for _, db := range tt.levels {
				ms = append(ms, acoustic.Measurement{LevelDB: db})
			}
			assert.InDelta(t, tt.want, l.SourceLevel(ms), 1e-9)
		})
	}
}

func TestLocalize_InsufficientData(t *testing.T) {
	l := New(DefaultConfig())

	// 20 dB and 170 dB fall outside the valid window
	est, err := l.Localize(square([4]float64{80, 20, 75, 170}))
	require.ErrorIs(t, err, acoustic.ErrInsufficientData)

	assert.Equal(t, acoustic.Position{}, est.Position)
	assert.Equal(t, 94.0, est.Level)
	assert.Equal(t, 0.0, est.Confidence)
	assert.Equal(t, acoustic.MethodIntensity, est.Method)
}

func TestLocalize_InvalidInput(t *testing.T) {
	l := New(DefaultConfig())

	_, err := l.Localize(nil)
	assert.ErrorIs(t, err, acoustic.ErrInvalidInput)

	bad := square([4]float64{80, 75, 75, 70})
	bad[2].LevelDB = math.NaN()
	_, err = l.Localize(bad)
	assert.ErrorIs(t, err, acoustic.ErrInvalidInput)

	bad = square([4]float64{80, 75, 75, 70})
	bad[1].Position.Y = math.Inf(-1)
	_, err = l.Localize(bad)
	assert.ErrorIs(t, err, acoustic.ErrInvalidInput)
}

func TestLocalize_UnboundedSearch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchMargin = -1
	l := New(cfg)

	est, err := l.Localize(square([4]float64{80, 75, 75, 70}))
	require.NoError(t, err)

	// Without the sensor-area limit the local search drifts out of the layout
	assert.Less(t, est.Position.X, 0.0)
	assert.GreaterOrEqual(t, est.Confidence, 0.0)
	assert.LessOrEqual(t, est.Confidence, 1.0)
}

func TestLocalize_CollinearLayout(t *testing.T) {
	l := New(DefaultConfig())
	levels := []float64{80, 78, 75, 72}

	line := func(y float64) []acoustic.Measurement {
		ms := make([]acoustic.Measurement, len(levels))
		for i, db := range levels {
			ms[i] = acoustic.Measurement{LevelDB: db, Position: acoustic.Position{X: float64(i), Y: y}}
		}
		return ms
	}

	base, err := l.Localize(line(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.3758, base.Position.X, 1e-3)
	assert.InDelta(t, 0.91, base.Confidence, 1e-3)
	assert.InDelta(t, 71.0, base.Diagnostics["residual"].(float64), 1e-2)

	for _, y := range []float64{0.123, 0.3, 1.1, 2.37} {
		est, err := l.Localize(line(y))
		require.NoError(t, err)

		assert.InDelta(t, base.Position.X, est.Position.X, 1e-9, "y=%v", y)
		assert.Equal(t, y, est.Position.Y, "y=%v", y)
		assert.InDelta(t, base.Confidence, est.Confidence, 1e-9, "y=%v", y)
		assert.Less(t, est.Confidence, 1.0, "refinement skipped at y=%v", y)
	}
}

func TestGridSearch_AlwaysFindsCandidate(t *testing.T) {
	l := New(DefaultConfig())
	ms := []acoustic.Measurement{
		{LevelDB: 80, Position: acoustic.Position{X: 0, Y: 0}},
		{LevelDB: 78, Position: acoustic.Position{X: 1, Y: 0}},
		{LevelDB: 75, Position: acoustic.Position{X: 2, Y: 0}},
	}
	r := l.searchRegion(ms)

	for _, res := range []float64{0.3, 0.1} {
		for _, cy := range []float64{0, 1e-12, -0.3} {
			best, residual := l.gridSearch(ms, acoustic.Position{X: 0.8, Y: cy}, res, r)
			assert.False(t, math.IsInf(residual, 1), "res=%v cy=%v", res, cy)
			assert.Equal(t, 0.0, best.Y)
		}
	}
}

func TestLocalize_ClampsToBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bounds = acoustic.Bounds{Min: 0.5, Max: 1.5}
	l := New(cfg)

	est, err := l.Localize(square([4]float64{80, 75, 75, 70}))
	require.NoError(t, err)

	assert.True(t, cfg.Bounds.Contains(est.Position))
	assert.Equal(t, true, est.Diagnostics["clamped"])
}

func TestLocate_UsesMeasurements(t *testing.T) {
	var loc acoustic.Localizer = New(DefaultConfig())
	assert.Equal(t, acoustic.MethodIntensity, loc.Method())

	est, err := loc.Locate(acoustic.Observation{Measurements: square([4]float64{80, 75, 75, 70})})
	require.NoError(t, err)
	assert.InDelta(t, 81.0, est.Level, 1e-9)
}

func TestPredictedLevel_NearFieldFloor(t *testing.T) {
	l := New(DefaultConfig())
	p := acoustic.Position{X: 1, Y: 1}

	// Closer than the 0.1 m floor predicts the floor level
	assert.InDelta(t, 114.0, l.PredictedLevel(p, p), 1e-9)
	assert.InDelta(t, 94.0, l.PredictedLevel(p, acoustic.Position{X: 2, Y: 1}), 1e-9)
}
