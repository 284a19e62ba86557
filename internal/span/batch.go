package span

import (
	"time"

	"github.com/google/uuid"
)

type Reason string

const (
	ReasonAlwaysError       Reason = "always_error"
	ReasonAlwaysSlow        Reason = "always_slow"
	ReasonAlwaysHighCost    Reason = "always_high_cost"
	ReasonProbabilisticKeep Reason = "probabilistic_keep"
	ReasonProbabilisticDrop Reason = "probabilistic_drop"
)

// Reasons lists every verdict reason in evaluation order.
var Reasons = []Reason{
	ReasonAlwaysError,
	ReasonAlwaysSlow,
	ReasonAlwaysHighCost,
	ReasonProbabilisticKeep,
	ReasonProbabilisticDrop,
}

type Verdict struct {
	Keep   bool   `json:"keep"`
	Reason Reason `json:"reason"`
}

// Batch is the unit of backpressure and of stage success or failure. A stage
// hands the batch forward and keeps no reference to its spans.
type Batch struct {
	ID         string
	ReceivedAt time.Time
	Spans      []*Span
}

func NewBatch(spans []*Span) *Batch {
	return &Batch{
		ID:         uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Spans:      spans,
	}
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Spans)
}

// Retain keeps spans for which keep returns true, preserving order, and
// returns how many were removed.
func (b *Batch) Retain(keep func(*Span) bool) int {
	if b == nil {
		return 0
	}
	kept := b.Spans[:0]
	for _, s := range b.Spans {
		if s != nil && keep(s) {
			kept = append(kept, s)
		}
	}
	removed := len(b.Spans) - len(kept)
	for i := len(kept); i < len(b.Spans); i++ {
		b.Spans[i] = nil
	}
	b.Spans = kept
	return removed
}
