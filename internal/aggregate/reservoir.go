package aggregate

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// Reservoir keeps a uniform random sample of at most capacity durations
// (Algorithm R). Percentiles computed from it are approximate once more
// than capacity values have been observed.
type Reservoir struct {
	capacity int
	seen     int64
	samples  []time.Duration
}

func NewReservoir(capacity int) *Reservoir {
	if capacity <= 0 {
		capacity = DefaultReservoirSize
	}
	return &Reservoir{capacity: capacity}
}

func (r *Reservoir) Add(d time.Duration, rng *rand.Rand) {
	r.seen++
	if len(r.samples) < r.capacity {
		r.samples = append(r.samples, d)
		return
	}
	if j := rng.Int64N(r.seen); j < int64(r.capacity) {
		r.samples[j] = d
	}
}

func (r *Reservoir) Len() int {
	if r == nil {
		return 0
	}
	return len(r.samples)
}

// Seen is the number of values offered, including evicted ones.
func (r *Reservoir) Seen() int64 {
	if r == nil {
		return 0
	}
	return r.seen
}

func (r *Reservoir) Capacity() int {
	return r.capacity
}

// Samples returns a copy of the retained values.
func (r *Reservoir) Samples() []time.Duration {
	if r == nil {
		return nil
	}
	out := make([]time.Duration, len(r.samples))
	copy(out, r.samples)
	return out
}

// Quantile returns the nearest-rank q-quantile of the retained sample.
func (r *Reservoir) Quantile(q float64) time.Duration {
	if r == nil || len(r.samples) == 0 {
		return 0
	}
	sorted := r.Samples()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return quantileSorted(sorted, q)
}

func quantileSorted(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// MergeReservoirs combines two samples. Each retained slot is drawn from a
// or b in proportion to how many values each side has seen, so the result
// approximates a uniform sample of the union.
func MergeReservoirs(a, b *Reservoir, rng *rand.Rand) *Reservoir {
	capacity := DefaultReservoirSize
	switch {
	case a != nil:
		capacity = a.capacity
	case b != nil:
		capacity = b.capacity
	}
	out := NewReservoir(capacity)
	left, right := a.Samples(), b.Samples()
	out.seen = a.Seen() + b.Seen()
	if len(left)+len(right) <= capacity {
		out.samples = append(append(out.samples, left...), right...)
		return out
	}
	rng.Shuffle(len(left), func(i, j int) { left[i], left[j] = left[j], left[i] })
	rng.Shuffle(len(right), func(i, j int) { right[i], right[j] = right[j], right[i] })
	weightLeft, weightRight := a.Seen(), b.Seen()
	for len(out.samples) < capacity && (len(left) > 0 || len(right) > 0) {
		takeLeft := len(right) == 0
		if len(left) > 0 && len(right) > 0 {
			takeLeft = rng.Int64N(weightLeft+weightRight) < weightLeft
		}
		if takeLeft {
			out.samples = append(out.samples, left[len(left)-1])
			left = left[:len(left)-1]
		} else {
			out.samples = append(out.samples, right[len(right)-1])
			right = right[:len(right)-1]
		}
	}
	return out
}
