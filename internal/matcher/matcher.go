// Package matcher resolves a face embedding to the closest enrolled identity.
//
// The search is an exhaustive scan: every candidate supplied by the store is
// compared once, the first candidate with the lowest distance wins, and the
// winner is accepted only if its distance does not exceed the threshold.
package matcher

import (
	"errors"
	"iter"
	"math"
)

// ErrInvalidThreshold is returned for negative or NaN thresholds.
var ErrInvalidThreshold = errors.New("threshold must be a non-negative number")

// Record is one enrolled embedding and the identity that owns it.
type Record struct {
	Identity int64
	Vector   []float32
}

// Candidates is a read-only, single-pass sequence of records. A non-nil error
// yielded by the sequence aborts the scan and is returned to the caller as is.
type Candidates = iter.Seq2[Record, error]

// Result is the outcome of one match call.
type Result struct {
	// Identity is only meaningful when Matched is true.
	Identity int64
	Matched  bool
	// Distance is the lowest distance seen, +Inf if there were no candidates.
	Distance float64
}

// NoCandidates reports whether the scan saw no records at all.
func (r Result) NoCandidates() bool {
	return math.IsInf(r.Distance, 1)
}

// Engine matches query embeddings against candidate records.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	threshold float64
	distance  DistanceFunc
	custom    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDistance overrides the metric. The threshold must be calibrated for it.
func WithDistance(fn DistanceFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.distance = fn
			e.custom = true
		}
	}
}

// New builds an engine that accepts matches with distance <= threshold.
func New(threshold float64, opts ...Option) (*Engine, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	e := &Engine{threshold: threshold, distance: MeanAbsoluteDistance}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ValidateThreshold rejects thresholds that can never be compared sensibly.
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 {
		return ErrInvalidThreshold
	}
	return nil
}

// Threshold returns the acceptance threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// DefaultMetric reports whether the engine scores with MeanAbsoluteDistance.
// A BandIndex only preserves outcomes for engines using the default metric.
func (e *Engine) DefaultMetric() bool {
	return !e.custom
}

// Match scans candidates once and returns the best acceptable identity.
func (e *Engine) Match(query []float32, candidates Candidates) (Result, error) {
	return scan(query, candidates, e.threshold, e.distance)
}

// Match runs a single scan with the default metric and an explicit threshold.
func Match(query []float32, candidates Candidates, threshold float64) (Result, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return Result{}, err
	}
	return scan(query, candidates, threshold, MeanAbsoluteDistance)
}

func scan(query []float32, candidates Candidates, threshold float64, distance DistanceFunc) (Result, error) {
	if len(query) == 0 {
		return Result{}, ErrEmptyVector
	}

	best := Result{Distance: math.Inf(1)}
	found := false
	if candidates != nil {
		for rec, err := range candidates {
			if err != nil {
				return Result{}, err
			}
			if len(rec.Vector) != len(query) {
				return Result{}, &DimensionError{Identity: rec.Identity, Want: len(query), Got: len(rec.Vector)}
			}
			d, err := distance(query, rec.Vector)
			if err != nil {
				return Result{}, err
			}
			// Strict comparison keeps the first record on ties.
			if !found || d < best.Distance {
				best.Identity = rec.Identity
				best.Distance = d
				found = true
			}
		}
	}

	if found && best.Distance <= threshold {
		best.Matched = true
		return best, nil
	}
	return Result{Distance: best.Distance}, nil
}

// Slice adapts an in-memory snapshot to Candidates.
func Slice(records []Record) Candidates {
	return func(yield func(Record, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}
