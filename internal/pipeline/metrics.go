package pipeline

import (
	"time"

	"github.com/ongoingai/collector/internal/span"
)

// Metrics holds optional callbacks invoked at key pipeline points. Any field
// may be nil.
type Metrics struct {
	// OnBackpressure is called each time a submission finds the queue full.
	OnBackpressure func()
	// OnBatchRetried is called before a failed stage is run again.
	OnBatchRetried func(stage string)
	// OnBatchDropped is called when a batch is abandoned after the retry limit.
	OnBatchDropped func(stage string, spans int)
	// OnBatchProcessed is called after a batch has passed every stage.
	OnBatchProcessed func(spansIn, spansOut int, duration time.Duration)
	// OnSpansFlagged is called with the number of spans that newly gained flag.
	OnSpansFlagged func(flag span.Flags, n int)
	// OnSampledOut is called with the number of spans removed by sampling.
	OnSampledOut func(n int)
}

func (m *Metrics) backpressure() {
	if m != nil && m.OnBackpressure != nil {
		m.OnBackpressure()
	}
}

func (m *Metrics) retried(stage string) {
	if m != nil && m.OnBatchRetried != nil {
		m.OnBatchRetried(stage)
	}
}

func (m *Metrics) dropped(stage string, spans int) {
	if m != nil && m.OnBatchDropped != nil {
		m.OnBatchDropped(stage, spans)
	}
}

func (m *Metrics) processed(in, out int, d time.Duration) {
	if m != nil && m.OnBatchProcessed != nil {
		m.OnBatchProcessed(in, out, d)
	}
}

func (m *Metrics) flagged(flag span.Flags, n int) {
	if m != nil && m.OnSpansFlagged != nil && n > 0 {
		m.OnSpansFlagged(flag, n)
	}
}

func (m *Metrics) sampledOut(n int) {
	if m != nil && m.OnSampledOut != nil && n > 0 {
		m.OnSampledOut(n)
	}
}

// flagCounter tallies flags raised during one stage run.
type flagCounter map[span.Flags]int

func (c flagCounter) note(before, after span.Flags) {
	for _, flag := range []span.Flags{
		span.FlagRedactionDegraded,
		span.FlagUnpriced,
		span.FlagTokensEstimated,
		span.FlagAttributeMalformed,
		span.FlagUsageCorrected,
	} {
		if !before.Has(flag) && after.Has(flag) {
			c[flag]++
		}
	}
}

func (c flagCounter) report(m *Metrics) {
	for flag, n := range c {
		m.flagged(flag, n)
	}
}
