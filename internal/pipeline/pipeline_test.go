package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/cost"
	"github.com/ongoingai/collector/internal/redact"
	"github.com/ongoingai/collector/internal/sampling"
	"github.com/ongoingai/collector/internal/span"
	"github.com/ongoingai/collector/internal/tokens"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type funcStage struct {
	name string
	fn   func(ctx context.Context, b *span.Batch) (*span.Batch, error)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Process(ctx context.Context, b *span.Batch) (*span.Batch, error) {
	return s.fn(ctx, b)
}

func passStage(name string) funcStage {
	return funcStage{name: name, fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) { return b, nil }}
}

type recordingExporter struct {
	mu    sync.Mutex
	spans []*span.Span
}

func (e *recordingExporter) Export(_ context.Context, b *span.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, b.Spans...)
	return nil
}

func (e *recordingExporter) snapshot() []*span.Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*span.Span(nil), e.spans...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StageRetryBackoff = time.Millisecond
	cfg.ShutdownGrace = 5 * time.Second
	return cfg
}

func batchOf(n int) *span.Batch {
	spans := make([]*span.Span, n)
	for i := range spans {
		spans[i] = &span.Span{
			TraceID:   fmt.Sprintf("trace-%d", i),
			SpanID:    fmt.Sprintf("span-%d", i),
			StartTime: t0,
			EndTime:   t0.Add(time.Second),
			Status:    span.StatusOK,
		}
	}
	return span.NewBatch(spans)
}

func mustPipeline(t *testing.T, cfg Config, stages []Stage, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, stages, opts...)
	require.NoError(t, err)
	return p
}

func TestStagesFollowFixedOrder(t *testing.T) {
	t.Parallel()

	decider, err := sampling.New(sampling.DefaultConfig())
	require.NoError(t, err)
	stages := Stages(Components{
		Redactor:   redact.New(redact.AllDetectors()),
		Counter:    tokens.NewCounter(),
		Calculator: cost.NewCalculator(nil),
		Decider:    decider,
		Aggregator: aggregate.New(aggregate.DefaultConfig()),
		Exporter:   &recordingExporter{},
	}, nil)

	p := mustPipeline(t, testConfig(), stages)
	assert.Equal(t, []string{"redact", "enrich", "sample", "aggregate", "retain", "export"}, p.StageNames())

	bare := Stages(Components{}, nil)
	names := make([]string, len(bare))
	for i, s := range bare {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"enrich", "retain"}, names)
}

func TestEndToEndEnrichesSamplesAndAggregatesFullPopulation(t *testing.T) {
	t.Parallel()

	samplingCfg := sampling.DefaultConfig()
	samplingCfg.Probability = 0
	decider, err := sampling.New(samplingCfg)
	require.NoError(t, err)
	agg := aggregate.New(aggregate.DefaultConfig())
	exporter := &recordingExporter{}

	var mu sync.Mutex
	flagged := map[span.Flags]int{}
	sampledOut := 0
	metrics := &Metrics{
		OnSpansFlagged: func(flag span.Flags, n int) {
			mu.Lock()
			flagged[flag] += n
			mu.Unlock()
		},
		OnSampledOut: func(n int) {
			mu.Lock()
			sampledOut += n
			mu.Unlock()
		},
	}

	stages := Stages(Components{
		Redactor:   redact.New(redact.AllDetectors()),
		Counter:    tokens.NewCounter(tokens.WithLoader(nil)),
		Calculator: cost.NewCalculator(nil),
		Decider:    decider,
		Aggregator: agg,
		Exporter:   exporter,
	}, metrics)
	p := mustPipeline(t, testConfig(), stages, WithMetrics(metrics))
	p.Start(context.Background())

	batch := batchOf(10)
	for _, s := range batch.Spans {
		s.ServiceName = "checkout"
		s.LLM = &span.LLMAttributes{Provider: "openai", Model: "gpt-4-turbo"}
		s.Usage = &span.TokenUsage{PromptTokens: 10, TotalTokens: 10}
	}
	priced := batch.Spans[0]
	priced.Status = span.StatusError
	priced.Usage = &span.TokenUsage{PromptTokens: 850, CompletionTokens: 150, TotalTokens: 1000}
	estimated := batch.Spans[1]
	estimated.Status = span.StatusTimeout
	estimated.LLM = &span.LLMAttributes{Provider: "openai", Model: "gpt-4o"}
	estimated.Usage = nil
	estimated.Payload = &span.TextPayload{Prompt: "write to jane@example.com please", Completion: "done"}

	require.NoError(t, p.Submit(context.Background(), batch))
	require.NoError(t, p.Shutdown(context.Background()))

	exported := exporter.snapshot()
	require.Len(t, exported, 2)
	assert.Equal(t, "span-0", exported[0].SpanID)
	assert.Equal(t, "span-1", exported[1].SpanID)

	require.NotNil(t, exported[0].Cost)
	assert.InDelta(t, 0.0085, exported[0].Cost.PromptCost, 1e-12)
	assert.InDelta(t, 0.0045, exported[0].Cost.CompletionCost, 1e-12)
	assert.InDelta(t, 0.013, exported[0].Cost.TotalCost, 1e-12)

	require.NotNil(t, exported[1].Usage)
	assert.Positive(t, exported[1].Usage.PromptTokens)
	assert.True(t, exported[1].Flags.Has(span.FlagTokensEstimated))
	require.NotNil(t, exported[1].Payload)
	assert.Equal(t, "write to [EMAIL_REDACTED] please", exported[1].Payload.Prompt)

	rows := agg.Drain()
	require.Len(t, rows, 2)
	var requests, errs int64
	for _, r := range rows {
		requests += r.RequestCount
		errs += r.ErrorCount
	}
	assert.Equal(t, int64(10), requests, "aggregation sees the unsampled population")
	assert.Equal(t, int64(2), errs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 8, sampledOut)
	assert.Equal(t, 1, flagged[span.FlagTokensEstimated])

	d := p.Diagnostics()
	assert.Equal(t, int64(1), d.BatchesProcessedTotal)
	assert.Equal(t, int64(10), d.SpansInTotal)
	assert.Equal(t, int64(2), d.SpansOutTotal)
}

func TestRetainReleasesPayloadWhenConfigured(t *testing.T) {
	t.Parallel()

	b := batchOf(3)
	for _, s := range b.Spans {
		s.Payload = &span.TextPayload{Prompt: "hi"}
	}
	b.Spans[1].Verdict = &span.Verdict{Keep: false, Reason: span.ReasonProbabilisticDrop}

	out, err := (&RetainStage{DropPayload: true}).Process(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	for _, s := range out.Spans {
		assert.Nil(t, s.Payload)
	}
}

func TestEnrichKeepsProviderReportedUsage(t *testing.T) {
	t.Parallel()

	b := batchOf(1)
	s := b.Spans[0]
	s.LLM = &span.LLMAttributes{Provider: "openai", Model: "gpt-4o"}
	s.Usage = &span.TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}
	s.Payload = &span.TextPayload{Prompt: "a much longer prompt than three tokens would suggest"}

	_, err := (&EnrichStage{Counter: tokens.NewCounter(tokens.WithLoader(nil))}).Process(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Usage.TotalTokens)
	assert.False(t, s.Flags.Has(span.FlagTokensEstimated))
	assert.Nil(t, s.Cost, "no calculator, no cost")
}

func TestQueueDepthNeverExceedsBound(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 16)
	blocking := funcStage{name: "block", fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) {
		entered <- struct{}{}
		<-release
		return b, nil
	}}
	var backpressure atomic.Int64
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	cfg.NumWorkers = 1
	p := mustPipeline(t, cfg, []Stage{blocking}, WithMetrics(&Metrics{
		OnBackpressure: func() { backpressure.Add(1) },
	}))
	p.Start(context.Background())

	require.NoError(t, p.TrySubmit(batchOf(1)))
	<-entered
	require.NoError(t, p.TrySubmit(batchOf(1)))
	require.NoError(t, p.TrySubmit(batchOf(1)))

	require.ErrorIs(t, p.TrySubmit(batchOf(1)), ErrQueueFull)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, batchOf(1)), context.DeadlineExceeded)

	d := p.Diagnostics()
	assert.Equal(t, 2, d.QueueDepth)
	assert.Equal(t, 2, d.QueueDepthHighWatermark)
	assert.Equal(t, QueuePressureSaturated, d.QueuePressureState)
	assert.Equal(t, int64(2), d.BackpressureTotal)
	assert.Equal(t, int64(2), backpressure.Load())

	blocked := make(chan error, 1)
	go func() { blocked <- p.Submit(context.Background(), batchOf(1)) }()
	close(release)
	require.NoError(t, <-blocked)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.LessOrEqual(t, p.Diagnostics().QueueDepthHighWatermark, 2)
	assert.Equal(t, int64(4), p.Diagnostics().BatchesProcessedTotal)
}

func TestStageErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	flaky := funcStage{name: "flaky", fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return b, nil
	}}
	var retried atomic.Int32
	p := mustPipeline(t, testConfig(), []Stage{flaky}, WithMetrics(&Metrics{
		OnBatchRetried: func(string) { retried.Add(1) },
	}))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), batchOf(2)))
	require.NoError(t, p.Shutdown(context.Background()))

	d := p.Diagnostics()
	assert.Equal(t, int64(1), d.BatchesProcessedTotal)
	assert.Equal(t, int64(2), d.BatchesRetriedTotal)
	assert.Equal(t, int32(2), retried.Load())
	assert.Zero(t, d.BatchesDroppedTotal)
}

func TestFailingBatchIsDroppedWithoutAffectingOthers(t *testing.T) {
	t.Parallel()

	bad := batchOf(3)
	boom := batchOf(2)
	good := batchOf(4)
	failing := funcStage{name: "validate", fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) {
		switch b.ID {
		case bad.ID:
			return nil, errors.New("sink schema mismatch")
		case boom.ID:
			panic("nil map write")
		}
		return b, nil
	}}
	exporter := &recordingExporter{}
	var droppedSpans atomic.Int64
	cfg := testConfig()
	cfg.StageRetryLimit = 1
	cfg.NumWorkers = 2
	p := mustPipeline(t, cfg, []Stage{failing, &ExportStage{Exporter: exporter}}, WithMetrics(&Metrics{
		OnBatchDropped: func(_ string, n int) { droppedSpans.Add(int64(n)) },
	}))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), bad))
	require.NoError(t, p.Submit(context.Background(), boom))
	require.NoError(t, p.Submit(context.Background(), good))
	require.NoError(t, p.Shutdown(context.Background()))

	d := p.Diagnostics()
	assert.Equal(t, int64(2), d.BatchesDroppedTotal)
	assert.Equal(t, int64(1), d.BatchesProcessedTotal)
	assert.Equal(t, int64(2), d.DropsByStage["validate"])
	assert.Equal(t, "validate", d.LastDropStage)
	assert.NotNil(t, d.LastDropAt)
	assert.Equal(t, int64(5), droppedSpans.Load())
	assert.Len(t, exporter.snapshot(), 4)
}

func TestShutdownDiscardsAfterGrace(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := funcStage{name: "block", fn: func(ctx context.Context, b *span.Batch) (*span.Batch, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return b, nil
	}}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.ShutdownGrace = 20 * time.Millisecond
	var droppedBatches, droppedSpans atomic.Int64
	p := mustPipeline(t, cfg, []Stage{blocking}, WithMetrics(&Metrics{
		OnBatchDropped: func(stage string, n int) {
			if stage == DropStageShutdown {
				droppedBatches.Add(1)
				droppedSpans.Add(int64(n))
			}
		},
	}))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), batchOf(1)))
	<-entered
	require.NoError(t, p.Submit(context.Background(), batchOf(2)))
	require.NoError(t, p.Submit(context.Background(), batchOf(3)))

	err := p.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrGraceExceeded)
	close(release)

	d := p.Diagnostics()
	assert.Equal(t, int64(2), droppedBatches.Load())
	assert.Equal(t, int64(5), droppedSpans.Load())
	assert.Equal(t, int64(5), d.SpansDroppedTotal)
	assert.Equal(t, DropStageShutdown, d.LastDropStage)
	assert.Equal(t, int64(2), d.BatchesDiscardedTotal)
	assert.Equal(t, int64(1), d.BatchesProcessedTotal)
	require.ErrorIs(t, p.TrySubmit(batchOf(1)), ErrStopped)
	require.ErrorIs(t, p.Submit(context.Background(), batchOf(1)), ErrStopped)
}

func TestShutdownAbandonsWorkersThatIgnoreCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	stuck := funcStage{name: "stuck", fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return b, nil
	}}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.ShutdownGrace = 20 * time.Millisecond
	p := mustPipeline(t, cfg, []Stage{stuck})
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), batchOf(1)))
	<-entered
	require.NoError(t, p.Submit(context.Background(), batchOf(4)))

	start := time.Now()
	err := p.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrWorkersStuck)
	require.ErrorIs(t, err, ErrGraceExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	d := p.Diagnostics()
	assert.Equal(t, int64(1), d.BatchesDiscardedTotal)
	assert.Equal(t, int64(4), d.SpansDroppedTotal)
}

func TestPanickingStageIsNotRetried(t *testing.T) {
	t.Parallel()

	agg := aggregate.New(aggregate.DefaultConfig())
	var calls atomic.Int32
	observeThenPanic := funcStage{name: "aggregate", fn: func(_ context.Context, b *span.Batch) (*span.Batch, error) {
		calls.Add(1)
		agg.Observe(b.Spans)
		panic("index out of range")
	}}
	var retried atomic.Int32
	cfg := testConfig()
	cfg.StageRetryLimit = 3
	p := mustPipeline(t, cfg, []Stage{observeThenPanic}, WithMetrics(&Metrics{
		OnBatchRetried: func(string) { retried.Add(1) },
	}))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), batchOf(2)))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, retried.Load())
	d := p.Diagnostics()
	assert.Equal(t, int64(1), d.BatchesDroppedTotal)
	assert.Zero(t, d.BatchesRetriedTotal)

	var spans int64
	for _, row := range agg.Drain() {
		spans += row.RequestCount
	}
	assert.Equal(t, int64(2), spans, "spans observed once")
}

func TestRecordDropCountsIngressLoss(t *testing.T) {
	t.Parallel()

	var hooked atomic.Int64
	p := mustPipeline(t, testConfig(), []Stage{passStage("noop")}, WithMetrics(&Metrics{
		OnBatchDropped: func(stage string, n int) {
			if stage == DropStageIngress {
				hooked.Add(int64(n))
			}
		},
	}))
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))

	b := span.NewBatch(batchOf(3).Spans)
	p.RecordDrop(DropStageIngress, b, ErrStopped)
	p.RecordDrop(DropStageIngress, span.NewBatch(nil), ErrStopped)

	d := p.Diagnostics()
	assert.Equal(t, int64(1), d.BatchesDroppedTotal)
	assert.Equal(t, int64(3), d.SpansDroppedTotal)
	assert.Equal(t, int64(1), d.DropsByStage[DropStageIngress])
	assert.Equal(t, int64(3), hooked.Load())
}

func TestShutdownWithoutStartDiscardsQueued(t *testing.T) {
	t.Parallel()

	p := mustPipeline(t, testConfig(), []Stage{passStage("noop")})
	require.NoError(t, p.TrySubmit(batchOf(1)))
	require.ErrorIs(t, p.Shutdown(context.Background()), ErrGraceExceeded)
	assert.Equal(t, int64(1), p.Diagnostics().BatchesDiscardedTotal)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.NumWorkers = 0 }},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.StageRetryLimit = -1 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		if _, err := New(cfg, []Stage{passStage("noop")}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: New() error = %v, want ErrInvalidConfig", tt.name, err)
		}
	}

	_, err := New(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQueuePressureStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pct  int
		want string
	}{
		{0, QueuePressureOK},
		{49, QueuePressureOK},
		{50, QueuePressureElevated},
		{80, QueuePressureHigh},
		{100, QueuePressureSaturated},
	}
	for _, tt := range tests {
		if got := queuePressureState(tt.pct); got != tt.want {
			t.Fatalf("queuePressureState(%d) = %q, want %q", tt.pct, got, tt.want)
		}
	}
	assert.Equal(t, 50, queueUtilizationPct(512, 1024))
	assert.Equal(t, 100, queueUtilizationPct(2048, 1024))
}
