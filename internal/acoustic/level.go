package acoustic

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// rmsFloor keeps log10 defined on silent captures
const rmsFloor = 1e-10

// LevelDB converts a capture into a calibrated sound pressure level.
// The result is 20*log10(rms) plus calibrationOffsetDB.
func LevelDB(samples []float64, calibrationOffsetDB float64) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("level: empty capture: %w", ErrInvalidInput)
	}
	if !AllFinite(samples) || !isFinite(calibrationOffsetDB) {
		return 0, fmt.Errorf("level: non-finite sample: %w", ErrInvalidInput)
	}

	rms := math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
	return 20*math.Log10(math.Max(rms, rmsFloor)) + calibrationOffsetDB, nil
}

// PDMToPCM unpacks a PDM bitstream (MSB first) into ±1 samples
func PDMToPCM(data []byte) []float64 {
	out := make([]float64, 0, len(data)*8)
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				out = append(out, 1)
			} else {
				out = append(out, -1)
			}
		}
	}
	return out
}

// ProcessPDM runs the full bitstream → dB pipeline
func ProcessPDM(data []byte, calibrationOffsetDB float64) (float64, error) {
	return LevelDB(PDMToPCM(data), calibrationOffsetDB)
}

// PCM16ToFloat decodes interleaved signed 16-bit little-endian audio into one
// slice per channel, normalised to [-1, 1).
func PCM16ToFloat(data []byte, channels int) ([][]float64, error) {
	if channels < 1 {
		return nil, fmt.Errorf("pcm16: channels must be positive, got %d: %w", channels, ErrInvalidInput)
	}

	frameSize := 2 * channels
	frames := len(data) / frameSize
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}

	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := i*frameSize + ch*2
			v := int16(binary.LittleEndian.Uint16(data[off : off+2]))
			out[ch][i] = float64(v) / 32768.0
		}
	}
	return out, nil
}
