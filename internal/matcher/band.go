package matcher

import (
	"cmp"
	"slices"
	"sort"
)

// bandSlack absorbs floating point error when comparing centroid distances.
const bandSlack = 1e-9

// BandIndex pre-filters a snapshot by each record's distance to the average
// face. A record r can only satisfy d(q, r) <= t if
// |d(r, avg) - d(q, avg)| <= t, so records outside that band are skipped
// without changing which identity is accepted.
//
// The bound holds for MeanAbsoluteDistance only. Engines built WithDistance
// must scan candidates exhaustively.
type BandIndex struct {
	records  []Record
	keys     []float64
	order    []int
	centroid []float32
	dim      int
}

// NewBandIndex copies records and indexes them around their centroid.
func NewBandIndex(records []Record) (*BandIndex, error) {
	idx := &BandIndex{records: make([]Record, len(records))}
	copy(idx.records, records)
	if len(records) == 0 {
		return idx, nil
	}

	idx.dim = len(records[0].Vector)
	if idx.dim == 0 {
		return nil, ErrEmptyVector
	}
	sums := make([]float64, idx.dim)
	for _, rec := range idx.records {
		if len(rec.Vector) != idx.dim {
			return nil, &DimensionError{Identity: rec.Identity, Want: idx.dim, Got: len(rec.Vector)}
		}
		for i, v := range rec.Vector {
			sums[i] += float64(v)
		}
	}
	idx.centroid = make([]float32, idx.dim)
	for i, s := range sums {
		idx.centroid[i] = float32(s / float64(len(records)))
	}

	idx.keys = make([]float64, len(idx.records))
	idx.order = make([]int, len(idx.records))
	for i, rec := range idx.records {
		d, err := MeanAbsoluteDistance(idx.centroid, rec.Vector)
		if err != nil {
			return nil, err
		}
		idx.keys[i] = d
		idx.order[i] = i
	}
	slices.SortStableFunc(idx.order, func(a, b int) int {
		return cmp.Compare(idx.keys[a], idx.keys[b])
	})
	return idx, nil
}

// Len returns the number of indexed records.
func (b *BandIndex) Len() int {
	return len(b.records)
}

// Dim returns the shared vector length, 0 for an empty index.
func (b *BandIndex) Dim() int {
	return b.dim
}

// Centroid returns a copy of the average face.
func (b *BandIndex) Centroid() []float32 {
	return slices.Clone(b.centroid)
}

// All yields every record in snapshot order.
func (b *BandIndex) All() Candidates {
	return Slice(b.records)
}

// Candidates yields, in snapshot order, the records that may lie within
// threshold of query.
func (b *BandIndex) Candidates(query []float32, threshold float64) Candidates {
	return func(yield func(Record, error) bool) {
		if len(b.records) == 0 {
			return
		}
		if err := ValidateThreshold(threshold); err != nil {
			yield(Record{}, err)
			return
		}
		if len(query) != b.dim {
			yield(Record{}, &DimensionError{Identity: b.records[0].Identity, Want: len(query), Got: b.dim})
			return
		}
		dq, err := MeanAbsoluteDistance(query, b.centroid)
		if err != nil {
			yield(Record{}, err)
			return
		}

		slack := bandSlack * (1 + dq + threshold)
		lowKey, highKey := dq-threshold-slack, dq+threshold+slack
		lo := sort.Search(len(b.order), func(i int) bool { return b.keys[b.order[i]] >= lowKey })
		hi := sort.Search(len(b.order), func(i int) bool { return b.keys[b.order[i]] > highKey })
		if lo >= hi {
			return
		}

		selected := slices.Clone(b.order[lo:hi])
		slices.Sort(selected)
		for _, i := range selected {
			if !yield(b.records[i], nil) {
				return
			}
		}
	}
}
