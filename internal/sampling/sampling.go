package sampling

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/ongoingai/collector/internal/span"
)

const (
	DefaultSlowThreshold = 5 * time.Second
	DefaultProbability   = 0.01
)

// DefaultCostThreshold is one US dollar.
var DefaultCostThreshold = decimal.NewFromInt(1)

// hashBits is the number of hash bits compared against the keep threshold.
// 53 bits keep the threshold exactly representable as p * 2^53.
const hashBits = 53

type Config struct {
	SlowThreshold    time.Duration
	CostThreshold    decimal.Decimal
	Probability      float64
	AlwaysKeepErrors bool
	HashSeed         uint64
}

func DefaultConfig() Config {
	return Config{
		SlowThreshold:    DefaultSlowThreshold,
		CostThreshold:    DefaultCostThreshold,
		Probability:      DefaultProbability,
		AlwaysKeepErrors: true,
	}
}

var ErrInvalidConfig = errors.New("invalid sampling config")

func (c Config) Validate() error {
	if math.IsNaN(c.Probability) || c.Probability < 0 || c.Probability > 1 {
		return fmt.Errorf("%w: probability must be between 0 and 1 (got %v)", ErrInvalidConfig, c.Probability)
	}
	if c.SlowThreshold < 0 {
		return fmt.Errorf("%w: slow threshold must be >= 0 (got %s)", ErrInvalidConfig, c.SlowThreshold)
	}
	if c.CostThreshold.IsNegative() {
		return fmt.Errorf("%w: cost threshold must be >= 0 (got %s)", ErrInvalidConfig, c.CostThreshold)
	}
	return nil
}

// Stats counts verdicts by reason since the decider was created.
type Stats struct {
	ByReason map[span.Reason]int64 `json:"by_reason"`
	Kept     int64                 `json:"kept"`
	Dropped  int64                 `json:"dropped"`
}

// Decider assigns one retention verdict per span. Always-keep rules run
// first in order: error, slow, high cost. Remaining spans are kept by a
// seeded hash of the trace id, so every span of a trace shares the verdict
// and repeated runs over the same input agree.
type Decider struct {
	cfg       Config
	threshold uint64
	counts    map[span.Reason]*atomic.Int64
}

func New(cfg Config) (*Decider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Decider{
		cfg:       cfg,
		threshold: keepThreshold(cfg.Probability),
		counts:    make(map[span.Reason]*atomic.Int64, len(span.Reasons)),
	}
	for _, reason := range span.Reasons {
		d.counts[reason] = &atomic.Int64{}
	}
	return d, nil
}

func keepThreshold(p float64) uint64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return 1 << hashBits
	default:
		return uint64(p * (1 << hashBits))
	}
}

func (d *Decider) Config() Config {
	return d.cfg
}

// Decide returns the verdict for s and counts it.
func (d *Decider) Decide(s *span.Span) span.Verdict {
	v := d.evaluate(s)
	d.counts[v.Reason].Add(1)
	return v
}

func (d *Decider) evaluate(s *span.Span) span.Verdict {
	if d.cfg.AlwaysKeepErrors && s.IsError() {
		return span.Verdict{Keep: true, Reason: span.ReasonAlwaysError}
	}
	if d.cfg.SlowThreshold > 0 && s.Duration() >= d.cfg.SlowThreshold {
		return span.Verdict{Keep: true, Reason: span.ReasonAlwaysSlow}
	}
	if s.Cost != nil && d.cfg.CostThreshold.IsPositive() &&
		decimal.NewFromFloat(s.Cost.TotalCost).GreaterThanOrEqual(d.cfg.CostThreshold) {
		return span.Verdict{Keep: true, Reason: span.ReasonAlwaysHighCost}
	}
	if d.KeepTrace(s.TraceID) {
		return span.Verdict{Keep: true, Reason: span.ReasonProbabilisticKeep}
	}
	return span.Verdict{Keep: false, Reason: span.ReasonProbabilisticDrop}
}

// KeepTrace is the probabilistic part of the decision for one trace id.
func (d *Decider) KeepTrace(traceID string) bool {
	switch d.threshold {
	case 0:
		return false
	case 1 << hashBits:
		return true
	}
	return TraceHash(d.cfg.HashSeed, traceID)>>(64-hashBits) < d.threshold
}

// TraceHash is xxhash64 over the little-endian seed followed by the trace id.
func TraceHash(seed uint64, traceID string) uint64 {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)
	h := xxhash.New()
	_, _ = h.Write(seedBytes[:])
	_, _ = h.WriteString(traceID)
	return h.Sum64()
}

// Annotate attaches a verdict to every span that lacks one and returns how
// many spans are kept.
func (d *Decider) Annotate(spans []*span.Span) int {
	kept := 0
	for _, s := range spans {
		if s == nil {
			continue
		}
		if s.Verdict == nil {
			v := d.Decide(s)
			s.Verdict = &v
		}
		if s.Verdict.Keep {
			kept++
		}
	}
	return kept
}

func (d *Decider) Stats() Stats {
	stats := Stats{ByReason: make(map[span.Reason]int64, len(d.counts))}
	for reason, counter := range d.counts {
		n := counter.Load()
		stats.ByReason[reason] = n
		if reason == span.ReasonProbabilisticDrop {
			stats.Dropped += n
		} else {
			stats.Kept += n
		}
	}
	return stats
}
