package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ongoingai/collector/internal/span"
)

var (
	ErrQueueFull     = errors.New("pipeline: ingress queue full")
	ErrStopped       = errors.New("pipeline: stopped")
	ErrInvalidConfig = errors.New("pipeline: invalid config")
	ErrStagePanic    = errors.New("pipeline: stage panicked")
	// ErrGraceExceeded is returned by Shutdown when queued batches had to be
	// discarded.
	ErrGraceExceeded = errors.New("pipeline: shutdown grace exceeded")
	// ErrWorkersStuck is returned by Shutdown when workers ignored
	// cancellation and were abandoned.
	ErrWorkersStuck = errors.New("pipeline: workers did not stop")
)

// Drop reasons reported outside of a named stage.
const (
	DropStageIngress  = "ingress"
	DropStageShutdown = "shutdown"
)

// minAbandonWait bounds how long Shutdown waits for cancelled workers when
// the shutdown grace is very short.
const minAbandonWait = 100 * time.Millisecond

const tracerName = "github.com/ongoingai/collector/internal/pipeline"

type Config struct {
	BatchSize         int
	BatchTimeout      time.Duration
	MaxQueueSize      int
	NumWorkers        int
	StageRetryLimit   int
	StageRetryBackoff time.Duration
	ShutdownGrace     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         1000,
		BatchTimeout:      10 * time.Second,
		MaxQueueSize:      1024,
		NumWorkers:        4,
		StageRetryLimit:   3,
		StageRetryBackoff: 100 * time.Millisecond,
		ShutdownGrace:     10 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalidConfig, c.BatchSize)
	case c.BatchTimeout <= 0:
		return fmt.Errorf("%w: batch_timeout must be > 0 (got %s)", ErrInvalidConfig, c.BatchTimeout)
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("%w: max_queue_size must be > 0 (got %d)", ErrInvalidConfig, c.MaxQueueSize)
	case c.NumWorkers <= 0:
		return fmt.Errorf("%w: num_workers must be > 0 (got %d)", ErrInvalidConfig, c.NumWorkers)
	case c.StageRetryLimit < 0:
		return fmt.Errorf("%w: stage_retry_limit must be >= 0 (got %d)", ErrInvalidConfig, c.StageRetryLimit)
	case c.StageRetryBackoff <= 0:
		return fmt.Errorf("%w: stage_retry_backoff must be > 0 (got %s)", ErrInvalidConfig, c.StageRetryBackoff)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: shutdown_grace must be >= 0 (got %s)", ErrInvalidConfig, c.ShutdownGrace)
	}
	return nil
}

// Pipeline runs batches from a bounded ingress queue through an ordered list
// of stages on a fixed pool of workers. Each worker takes one batch through
// every stage before taking the next.
type Pipeline struct {
	cfg     Config
	stages  []Stage
	queue   chan *span.Batch
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	wg           sync.WaitGroup
	started      atomic.Bool
	stopped      atomic.Bool
	discard      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	stopCh       chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc

	queueDepthHighWatermark atomic.Int64
	acceptedTotal           atomic.Int64
	processedTotal          atomic.Int64
	retriedTotal            atomic.Int64
	droppedTotal            atomic.Int64
	discardedTotal          atomic.Int64
	backpressureTotal       atomic.Int64
	spansIn                 atomic.Int64
	spansOut                atomic.Int64
	spansDropped            atomic.Int64
	inFlight                atomic.Int64
	lastDropUnixNano        atomic.Int64
	lastDropStage           atomic.Value // string

	dropsMu      sync.Mutex
	dropsByStage map[string]int64
}

type Option func(*Pipeline)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer overrides the tracer used for per-batch spans. The default is
// the global OpenTelemetry tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

func New(cfg Config, stages []Stage, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: at least one stage is required", ErrInvalidConfig)
	}
	p := &Pipeline{
		cfg:          cfg,
		stages:       stages,
		queue:        make(chan *span.Batch, cfg.MaxQueueSize),
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
		done:         make(chan struct{}),
		stopCh:       make(chan struct{}),
		dropsByStage: make(map[string]int64),
	}
	p.lastDropStage.Store("")
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// StageNames lists the configured stages in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// QueueLen returns the number of batches waiting for a worker.
func (p *Pipeline) QueueLen() int {
	if p == nil {
		return 0
	}
	return len(p.queue)
}

func (p *Pipeline) Start(ctx context.Context) {
	if p.stopped.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.lifecycleMu.Lock()
	p.workerCancel = cancel
	p.lifecycleMu.Unlock()

	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(workerCtx)
	}
	go func() {
		p.wg.Wait()
		p.markDone()
	}()
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for batch := range p.queue {
		if p.discard.Load() {
			p.discardBatch(batch)
			continue
		}
		p.inFlight.Add(1)
		p.run(ctx, batch)
		p.inFlight.Add(-1)
	}
}

// Submit enqueues batch, blocking while the queue is full until capacity
// frees up, ctx is done or the pipeline stops.
func (p *Pipeline) Submit(ctx context.Context, batch *span.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- batch:
		p.accepted(batch)
		return nil
	default:
	}
	p.noteBackpressure()
	select {
	case p.queue <- batch:
		p.accepted(batch)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrStopped
	}
}

// TrySubmit enqueues batch or returns ErrQueueFull without waiting.
func (p *Pipeline) TrySubmit(batch *span.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- batch:
		p.accepted(batch)
		return nil
	default:
		p.noteBackpressure()
		return ErrQueueFull
	}
}

func (p *Pipeline) accepted(batch *span.Batch) {
	p.acceptedTotal.Add(1)
	p.spansIn.Add(int64(batch.Len()))
	p.observeQueueDepth(len(p.queue))
}

func (p *Pipeline) noteBackpressure() {
	p.backpressureTotal.Add(1)
	p.observeQueueDepth(cap(p.queue))
	p.metrics.backpressure()
}

func (p *Pipeline) run(ctx context.Context, batch *span.Batch) {
	start := time.Now()
	in := batch.Len()
	ctx, sp := p.tracer.Start(ctx, "pipeline.batch", trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.spans", in),
	))
	defer sp.End()

	current := batch
	for _, stage := range p.stages {
		next, err := p.runStage(ctx, stage, current)
		if err != nil {
			p.drop(stage.Name(), current, err)
			sp.RecordError(err)
			sp.SetStatus(codes.Error, "batch dropped at "+stage.Name())
			return
		}
		if next != nil {
			current = next
		}
	}

	out := current.Len()
	p.processedTotal.Add(1)
	p.spansOut.Add(int64(out))
	sp.SetAttributes(attribute.Int("batch.spans_out", out))
	p.metrics.processed(in, out, time.Since(start))
}

// runStage runs one stage, retrying failures with exponential backoff up to
// the configured limit. A panic is not retried: the stage may have mutated
// the batch or recorded side effects before it failed.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, batch *span.Batch) (*span.Batch, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.StageRetryBackoff
	policy.MaxInterval = 50 * p.cfg.StageRetryBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.StageRetryLimit)), ctx)

	var out *span.Batch
	err := backoff.RetryNotify(func() error {
		var err error
		out, err = safeProcess(ctx, stage, batch)
		if errors.Is(err, ErrStagePanic) {
			return backoff.Permanent(err)
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		p.retriedTotal.Add(1)
		p.metrics.retried(stage.Name())
		p.logger.Warn("pipeline stage failed, retrying",
			zap.String("stage", stage.Name()),
			zap.String("batch_id", batch.ID),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	return out, err
}

func safeProcess(ctx context.Context, stage Stage, batch *span.Batch) (out *span.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrStagePanic, stage.Name(), r)
		}
	}()
	return stage.Process(ctx, batch)
}

// RecordDrop counts batch as lost at stage. Producers that fail to submit a
// batch, such as the Batcher, report it here so the loss is visible in
// Diagnostics and metrics.
func (p *Pipeline) RecordDrop(stage string, batch *span.Batch, err error) {
	if p == nil || batch.Len() == 0 {
		return
	}
	p.drop(stage, batch, err)
}

func (p *Pipeline) drop(stage string, batch *span.Batch, err error) {
	n := batch.Len()
	p.droppedTotal.Add(1)
	p.spansDropped.Add(int64(n))
	p.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
	p.lastDropStage.Store(stage)
	p.dropsMu.Lock()
	p.dropsByStage[stage]++
	p.dropsMu.Unlock()
	p.metrics.dropped(stage, n)
	p.logger.Error("dropping batch",
		zap.String("stage", stage),
		zap.String("batch_id", batch.ID),
		zap.Int("spans", n),
		zap.Int("retry_limit", p.cfg.StageRetryLimit),
		zap.Error(err),
	)
}

func (p *Pipeline) discardBatch(batch *span.Batch) {
	n := batch.Len()
	p.discardedTotal.Add(1)
	p.spansDropped.Add(int64(n))
	p.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
	p.lastDropStage.Store(DropStageShutdown)
	p.metrics.dropped(DropStageShutdown, n)
}

// Shutdown stops accepting batches and lets workers drain the queue. Batches
// still queued when the grace period or ctx ends are discarded and counted.
// Workers are then cancelled; any that have not returned after a second
// grace period are abandoned and ErrWorkersStuck is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.queueMu.Lock()
		p.stopped.Store(true)
		close(p.queue)
		p.queueMu.Unlock()
		if !p.started.Load() {
			for batch := range p.queue {
				p.discardBatch(batch)
			}
			p.markDone()
		}
	})

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.cancelWorkers()
		return p.discardErr()
	case <-grace.C:
	case <-ctx.Done():
	}

	p.discard.Store(true)
	p.cancelWorkers()

	wait := p.cfg.ShutdownGrace
	if wait < minAbandonWait {
		wait = minAbandonWait
	}
	abandon := time.NewTimer(wait)
	defer abandon.Stop()
	select {
	case <-p.done:
		return p.discardErr()
	case <-abandon.C:
	}

	// Workers are stuck inside a stage. Account for what is still queued so
	// nothing is lost without a count.
	for batch := range p.queue {
		p.discardBatch(batch)
	}
	stuck := p.inFlight.Load()
	p.logger.Error("pipeline workers did not stop after cancellation",
		zap.Int64("in_flight_batches", stuck),
		zap.Duration("waited", wait),
	)
	return errors.Join(
		fmt.Errorf("%w: %d batches in flight", ErrWorkersStuck, stuck),
		p.discardErr(),
	)
}

func (p *Pipeline) discardErr() error {
	n := p.discardedTotal.Load()
	if n == 0 {
		return nil
	}
	p.logger.Warn("pipeline shutdown discarded queued batches",
		zap.Int64("batches", n),
		zap.Duration("shutdown_grace", p.cfg.ShutdownGrace),
	)
	return fmt.Errorf("%w: discarded %d batches", ErrGraceExceeded, n)
}

func (p *Pipeline) cancelWorkers() {
	p.lifecycleMu.Lock()
	cancel := p.workerCancel
	p.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) markDone() {
	p.doneOnce.Do(func() {
		close(p.done)
	})
}
