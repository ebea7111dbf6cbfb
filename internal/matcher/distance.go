package matcher

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch reports two embeddings of different length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyVector reports a zero-length embedding.
	ErrEmptyVector = errors.New("embedding is empty")
	// ErrNonFinite reports NaN or infinite components.
	ErrNonFinite = errors.New("embedding has non-finite components")
)

// DimensionError describes which vectors disagreed on length.
type DimensionError struct {
	Identity int64
	Want     int
	Got      int
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	if e.Identity != 0 {
		return fmt.Sprintf("%v: query has %d components, record of identity %d has %d", ErrDimensionMismatch, e.Want, e.Identity, e.Got)
	}
	return fmt.Sprintf("%v: %d != %d", ErrDimensionMismatch, e.Want, e.Got)
}

// Unwrap allows errors.Is(err, ErrDimensionMismatch).
func (e *DimensionError) Unwrap() error {
	return ErrDimensionMismatch
}

// DistanceFunc computes a non-negative dissimilarity between two embeddings.
type DistanceFunc func(a, b []float32) (float64, error)

// MeanAbsoluteDistance returns the mean of the element-wise absolute differences.
// The acceptance threshold is calibrated against this metric.
func MeanAbsoluteDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionError{Want: len(a), Got: len(b)}
	}
	if len(a) == 0 {
		return 0, ErrEmptyVector
	}

	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, ErrNonFinite
	}
	return sum / float64(len(a)), nil
}
