package tdoa

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// CrossCorrelate estimates the delay of b relative to a with GCC-PHAT.
//
// A positive result means b lags a. The signals are truncated to the
// shorter length; the returned correlation is in FFT order (lag 0 first,
// negative lags in the upper half) and normalised so a perfect match
// peaks at 1. A non-positive sampleRate selects the configured default.
//
// PHAT whitens the spectrum, so a pure tone only resolves when the window
// holds a whole number of cycles. Otherwise spectral leakage spreads equal
// weight over every bin and the peak collapses to lag 0. Even then the delay
// is only known modulo the tone's period; broadband signals avoid both.
func (l *Localizer) CrossCorrelate(a, b []float64, sampleRate int) (float64, []float64, error) {
	n := min(len(a), len(b))
	if n < 2 {
		return 0, nil, fmt.Errorf("tdoa: need at least 2 samples, got %d: %w", n, acoustic.ErrInvalidInput)
	}
	a, b = a[:n], b[:n]
	if !acoustic.AllFinite(a) || !acoustic.AllFinite(b) {
		return 0, nil, fmt.Errorf("tdoa: non-finite sample: %w", acoustic.ErrInvalidInput)
	}
	if sampleRate <= 0 {
		sampleRate = l.cfg.SampleRate
	}

	fft := fourier.NewFFT(n)
	specA := fft.Coefficients(nil, a)
	specB := fft.Coefficients(nil, b)

	cross := make([]complex128, len(specA))
	for i := range cross {
		g := cmplx.Conj(specA[i]) * specB[i]
		cross[i] = g / complex(cmplx.Abs(g)+l.cfg.PhatEpsilon, 0)
	}

	corr := fft.Sequence(nil, cross)
	floats.Scale(1/float64(n), corr)

	lag := floats.MaxIdx(corr)
	if lag > n/2 {
		lag -= n
	}

	return float64(lag) / float64(sampleRate), corr, nil
}

// Curve is a correlation series centred on lag 0 for display
type Curve struct {
	LagsMS      []float64 `json:"lags_ms"`
	Correlation []float64 `json:"correlation"`
	PeakMS      float64   `json:"peak_ms"`
	TDOA        float64   `json:"tdoa"`
}

// CorrelationCurve runs CrossCorrelate and rotates the result so lag 0
// sits in the middle, with the lag axis expressed in milliseconds.
func (l *Localizer) CorrelationCurve(a, b []float64, sampleRate int) (Curve, error) {
	if sampleRate <= 0 {
		sampleRate = l.cfg.SampleRate
	}

	tdoa, corr, err := l.CrossCorrelate(a, b, sampleRate)
	if err != nil {
		return Curve{}, err
	}

	n := len(corr)
	half := n / 2
	curve := Curve{
		LagsMS:      make([]float64, n),
		Correlation: make([]float64, n),
		PeakMS:      tdoa * 1000,
		TDOA:        tdoa,
	}
	for i := 0; i < n; i++ {
		lag := i - half
		curve.LagsMS[i] = float64(lag) / float64(sampleRate) * 1000
		curve.Correlation[i] = corr[(lag+n)%n]
	}
	return curve, nil
}

// AngleOfArrival converts a delay into a bearing in degrees for a pair
// separated by separation meters. The delay is clamped to the range the
// geometry allows so noisy estimates still produce a valid angle. A
// non-positive separation has no bearing and yields 0.
func (l *Localizer) AngleOfArrival(tdoa, separation float64) float64 {
	if separation <= 0 {
		return 0
	}
	maxDelay := separation / l.cfg.SpeedOfSound
	tdoa = acoustic.Clamp(tdoa, -maxDelay, maxDelay)

	ratio := acoustic.Clamp(tdoa*l.cfg.SpeedOfSound/separation, -1, 1)
	return math.Asin(ratio) * 180 / math.Pi
}
