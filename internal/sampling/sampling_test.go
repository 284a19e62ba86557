package sampling

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ongoingai/collector/internal/span"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSpan(traceID string, status span.Status, dur time.Duration, cost float64) *span.Span {
	s := &span.Span{
		TraceID:   traceID,
		SpanID:    traceID + "-s",
		Status:    status,
		StartTime: base,
		EndTime:   base.Add(dur),
	}
	if cost > 0 {
		s.Cost = &span.CostBreakdown{TotalCost: cost}
	}
	return s
}

func mustDecider(t testing.TB, cfg Config) *Decider {
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestAlwaysKeepRulesInOrder(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Probability = 0
	d := mustDecider(t, cfg)

	tests := []struct {
		name string
		span *span.Span
		want span.Reason
	}{
		{"error beats slow and cost", newSpan("t1", span.StatusError, 10*time.Second, 5), span.ReasonAlwaysError},
		{"timeout counts as error", newSpan("t2", span.StatusTimeout, time.Millisecond, 0), span.ReasonAlwaysError},
		{"slow beats cost", newSpan("t3", span.StatusOK, 5*time.Second, 5), span.ReasonAlwaysSlow},
		{"cost at threshold", newSpan("t4", span.StatusOK, time.Second, 1.0), span.ReasonAlwaysHighCost},
		{"cheap and fast dropped", newSpan("t5", span.StatusOK, time.Second, 0.99), span.ReasonProbabilisticDrop},
	}
	for _, tt := range tests {
		got := d.Decide(tt.span)
		if got.Reason != tt.want {
			t.Fatalf("%s: reason=%q, want %q", tt.name, got.Reason, tt.want)
		}
		if got.Keep != (tt.want != span.ReasonProbabilisticDrop) {
			t.Fatalf("%s: keep=%v", tt.name, got.Keep)
		}
	}
}

func TestProbabilityEdges(t *testing.T) {
	t.Parallel()

	all := DefaultConfig()
	all.Probability = 1
	none := DefaultConfig()
	none.Probability = 0
	keepAll := mustDecider(t, all)
	keepNone := mustDecider(t, none)

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("trace-%d", i)
		assert.True(t, keepAll.KeepTrace(id))
		assert.False(t, keepNone.KeepTrace(id))
	}
}

func TestProbabilisticRateIsApproximatelyP(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Probability = 0.25
	d := mustDecider(t, cfg)

	kept := 0
	const n = 20000
	for i := 0; i < n; i++ {
		if d.KeepTrace(fmt.Sprintf("%032x", i)) {
			kept++
		}
	}
	assert.InDelta(t, 0.25, float64(kept)/n, 0.02)
}

func TestSeedChangesSelection(t *testing.T) {
	t.Parallel()

	a := DefaultConfig()
	a.Probability = 0.5
	b := a
	b.HashSeed = 42
	da, db := mustDecider(t, a), mustDecider(t, b)

	differ := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("trace-%d", i)
		if da.KeepTrace(id) != db.KeepTrace(id) {
			differ++
		}
	}
	assert.Greater(t, differ, 100)
}

func TestTraceCoherentSampling(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.Probability = rapid.Float64Range(0, 1).Draw(t, "p")
		cfg.HashSeed = rapid.Uint64().Draw(t, "seed")
		d, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		traceID := rapid.StringMatching(`[0-9a-f]{32}`).Draw(t, "trace")
		n := rapid.IntRange(2, 20).Draw(t, "spans")

		var first *span.Verdict
		for i := 0; i < n; i++ {
			dur := time.Duration(rapid.Int64Range(0, int64(4*time.Second)).Draw(t, "dur"))
			s := newSpan(traceID, span.StatusOK, dur, 0)
			v := d.Decide(s)
			if first == nil {
				first = &v
				continue
			}
			if v != *first {
				t.Fatalf("span %d verdict %+v differs from %+v in trace %s", i, v, *first, traceID)
			}
		}
	})
}

func TestErrorSpansAlwaysKept(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.Probability = rapid.Float64Range(0, 1).Draw(t, "p")
		d, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		s := newSpan(rapid.String().Draw(t, "trace"), span.StatusError,
			time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "dur")),
			rapid.Float64Range(0, 10).Draw(t, "cost"))
		if v := d.Decide(s); !v.Keep || v.Reason != span.ReasonAlwaysError {
			t.Fatalf("error span verdict=%+v", v)
		}
	})
}

func TestScenarioHundredSpansFiveErrors(t *testing.T) {
	t.Parallel()

	d := mustDecider(t, DefaultConfig())
	spans := make([]*span.Span, 0, 100)
	for i := 0; i < 100; i++ {
		status := span.StatusOK
		if i%20 == 0 {
			status = span.StatusError
		}
		spans = append(spans, newSpan(fmt.Sprintf("%032x", i*7919), status, 200*time.Millisecond, 0.001))
	}

	kept := d.Annotate(spans)

	assert.GreaterOrEqual(t, kept, 5)
	assert.LessOrEqual(t, kept, 5+8, "binomial(95, 0.01) above 8 is vanishingly unlikely")
	for _, s := range spans {
		require.NotNil(t, s.Verdict)
		if s.Status == span.StatusError {
			assert.True(t, s.Verdict.Keep)
		}
	}

	stats := d.Stats()
	assert.Equal(t, int64(5), stats.ByReason[span.ReasonAlwaysError])
	assert.Equal(t, int64(100), stats.Kept+stats.Dropped)
	assert.Equal(t, int64(kept), stats.Kept)
}

func TestAnnotateKeepsExistingVerdict(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Probability = 0
	d := mustDecider(t, cfg)
	s := newSpan("t", span.StatusOK, 0, 0)
	s.Verdict = &span.Verdict{Keep: true, Reason: span.ReasonProbabilisticKeep}

	assert.Equal(t, 1, d.Annotate([]*span.Span{s}))
	assert.Zero(t, d.Stats().Kept+d.Stats().Dropped)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	bad := DefaultConfig()
	bad.Probability = 1.5
	_, err := New(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)

	bad = DefaultConfig()
	bad.CostThreshold = decimal.NewFromInt(-1)
	_, err = New(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
