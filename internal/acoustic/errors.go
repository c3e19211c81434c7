package acoustic

import "errors"

var (
	// ErrInvalidInput is returned for empty or non-finite inputs.
	ErrInvalidInput = errors.New("acoustic: invalid input")

	// ErrInsufficientData is returned when fewer than three readings pass the dB range filter.
	ErrInsufficientData = errors.New("acoustic: insufficient valid measurements")

	// ErrInsufficientPairs is returned when fewer than two microphone pairs are supplied.
	ErrInsufficientPairs = errors.New("acoustic: at least 2 microphone pairs required")

	// ErrMissingSignal is returned when a pair references an unknown microphone.
	ErrMissingSignal = errors.New("acoustic: missing audio signal")

	// ErrDimensionMismatch is returned when a filter observation has the wrong shape.
	ErrDimensionMismatch = errors.New("acoustic: observation dimension mismatch")

	// ErrSingularMatrix is returned when the innovation covariance cannot be inverted.
	ErrSingularMatrix = errors.New("acoustic: singular matrix")
)
