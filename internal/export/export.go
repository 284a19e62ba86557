// Package export fans processed spans out to independent sinks. Each sink
// buffers on its own and flushes from its own goroutine, so a slow or failing
// sink never holds up the pipeline or another sink.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ongoingai/collector/internal/sink"
	"github.com/ongoingai/collector/internal/span"
)

var (
	ErrStopped       = errors.New("export: exporter stopped")
	ErrDuplicateSink = errors.New("export: duplicate sink name")
)

// Drop reasons reported through Metrics.OnSpansDropped.
const (
	DropReasonOverflow = "overflow"
	DropReasonRetries  = "retries_exhausted"
)

type SinkConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	WriteTimeout   time.Duration
	RetryLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxBuffered bounds the spans held for this sink. Overflow drops the
	// oldest spans.
	MaxBuffered int
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BatchSize:      500,
		FlushInterval:  5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RetryLimit:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxBuffered:    50000,
	}
}

func (c SinkConfig) withDefaults() SinkConfig {
	d := DefaultSinkConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = c.BatchSize
	}
	return c
}

// Sink pairs a writer with its flush policy.
type Sink struct {
	Writer sink.SpanWriter
	Config SinkConfig
}

// Metrics holds optional callbacks. Any field may be nil.
type Metrics struct {
	// OnWriteFailed is called for every failed write attempt.
	OnWriteFailed func(sinkName, errorClass string, spans int)
	// OnRetried is called before a failed write is attempted again.
	OnRetried func(sinkName string)
	// OnSpansDropped is called when spans are discarded for reason.
	OnSpansDropped func(sinkName, reason string, spans int)
	// OnWritten is called after a successful write.
	OnWritten func(sinkName string, spans int, duration time.Duration)
}

type SinkStats struct {
	Name            string           `json:"name"`
	Written         int64            `json:"written"`
	Retried         int64            `json:"retried"`
	Dropped         int64            `json:"dropped"`
	FailedWrites    int64            `json:"failed_writes"`
	Buffered        int              `json:"buffered"`
	FailuresByClass map[string]int64 `json:"failures_by_class,omitempty"`
}

// Exporter appends every exported batch to each sink's buffer.
type Exporter struct {
	sinks   []*sinkWorker
	logger  *zap.Logger
	metrics *Metrics

	mu           sync.RWMutex
	stopped      bool
	started      atomic.Bool
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc
}

type Option func(*Exporter)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Exporter) {
		if m != nil {
			e.metrics = m
		}
	}
}

func New(sinks []Sink, opts ...Option) (*Exporter, error) {
	e := &Exporter{logger: zap.NewNop(), metrics: &Metrics{}}
	for _, opt := range opts {
		opt(e)
	}
	seen := make(map[string]struct{}, len(sinks))
	for _, s := range sinks {
		if s.Writer == nil {
			return nil, errors.New("export: sink writer is nil")
		}
		name := s.Writer.Name()
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSink, name)
		}
		seen[name] = struct{}{}
		e.sinks = append(e.sinks, newSinkWorker(s.Writer, s.Config.withDefaults(), e.logger.With(zap.String("sink", name)), e.metrics))
	}
	return e, nil
}

// SinkNames lists the registered sinks in registration order.
func (e *Exporter) SinkNames() []string {
	names := make([]string, len(e.sinks))
	for i, w := range e.sinks {
		names[i] = w.name
	}
	return names
}

// Start launches one flusher goroutine per sink.
func (e *Exporter) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.lifecycleMu.Lock()
	e.workerCancel = cancel
	e.lifecycleMu.Unlock()
	for _, w := range e.sinks {
		go w.run(workerCtx)
	}
}

// Export hands batch's spans to every sink. It never waits on sink I/O.
func (e *Exporter) Export(_ context.Context, batch *span.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	for _, w := range e.sinks {
		w.enqueue(batch.Spans)
	}
	return nil
}

// Shutdown stops the flushers and writes out every buffer concurrently. The
// returned error joins the final-flush failures of all sinks.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	alreadyStopped := e.stopped
	e.stopped = true
	e.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	// A shutdown deadline also aborts writes already in flight.
	stopCancel := context.AfterFunc(ctx, e.cancelWorkers)
	defer stopCancel()

	var g errgroup.Group
	for _, w := range e.sinks {
		w := w
		g.Go(func() error {
			if e.started.Load() {
				w.stopAndWait()
			}
			return w.flushAll(ctx)
		})
	}
	err := g.Wait()
	e.cancelWorkers()
	return err
}

func (e *Exporter) cancelWorkers() {
	e.lifecycleMu.Lock()
	cancel := e.workerCancel
	e.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Exporter) Stats() []SinkStats {
	out := make([]SinkStats, len(e.sinks))
	for i, w := range e.sinks {
		out[i] = w.stats()
	}
	return out
}

type sinkWorker struct {
	name    string
	writer  sink.SpanWriter
	cfg     SinkConfig
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	buf    []*span.Span
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	// writeMu keeps final and periodic flushes from interleaving.
	writeMu   sync.Mutex
	dropLimit *rate.Limiter

	written      atomic.Int64
	retried      atomic.Int64
	dropped      atomic.Int64
	failedWrites atomic.Int64

	classMu         sync.Mutex
	failuresByClass map[string]int64
}

func newSinkWorker(w sink.SpanWriter, cfg SinkConfig, logger *zap.Logger, metrics *Metrics) *sinkWorker {
	return &sinkWorker{
		name:            w.Name(),
		writer:          w,
		cfg:             cfg,
		logger:          logger,
		metrics:         metrics,
		notify:          make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		dropLimit:       rate.NewLimiter(rate.Every(10*time.Second), 1),
		failuresByClass: make(map[string]int64),
	}
}

func (w *sinkWorker) enqueue(spans []*span.Span) {
	w.mu.Lock()
	w.buf = append(w.buf, spans...)
	overflow := len(w.buf) - w.cfg.MaxBuffered
	if overflow > 0 {
		kept := make([]*span.Span, w.cfg.MaxBuffered, max(w.cfg.MaxBuffered, w.cfg.BatchSize))
		copy(kept, w.buf[overflow:])
		w.buf = kept
	}
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if overflow > 0 {
		w.drop(DropReasonOverflow, overflow, nil)
	}
	if full {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (w *sinkWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.flushAll(ctx)
		case <-w.notify:
			w.flushFull(ctx)
		}
	}
}

func (w *sinkWorker) stopAndWait() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// take removes up to n spans from the front of the buffer.
func (w *sinkWorker) take(n int) []*span.Span {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > len(w.buf) {
		n = len(w.buf)
	}
	if n == 0 {
		return nil
	}
	chunk := make([]*span.Span, n)
	copy(chunk, w.buf[:n])
	rest := copy(w.buf, w.buf[n:])
	for i := rest; i < len(w.buf); i++ {
		w.buf[i] = nil
	}
	w.buf = w.buf[:rest]
	return chunk
}

func (w *sinkWorker) buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// flushFull writes complete batches, leaving a partial tail for the ticker.
func (w *sinkWorker) flushFull(ctx context.Context) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	for w.buffered() >= w.cfg.BatchSize {
		_ = w.write(ctx, w.take(w.cfg.BatchSize))
	}
}

// flushAll writes everything buffered in BatchSize chunks.
func (w *sinkWorker) flushAll(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	var errs []error
	for {
		chunk := w.take(w.cfg.BatchSize)
		if len(chunk) == 0 {
			return errors.Join(errs...)
		}
		if err := w.write(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}
}

// write delivers one chunk with retry. After the retry limit the chunk is
// dropped and the last error returned.
func (w *sinkWorker) write(ctx context.Context, chunk []*span.Span) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialBackoff
	policy.MaxInterval = w.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.RetryLimit)), ctx)

	start := time.Now()
	err := backoff.RetryNotify(func() error {
		writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
		err := w.writer.WriteSpans(writeCtx, chunk)
		if err != nil {
			w.recordFailure(err, len(chunk))
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		w.retried.Add(1)
		if w.metrics.OnRetried != nil {
			w.metrics.OnRetried(w.name)
		}
		w.logger.Warn("sink write failed, retrying",
			zap.Int("spans", len(chunk)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		w.drop(DropReasonRetries, len(chunk), err)
		return fmt.Errorf("sink %s: %w", w.name, err)
	}
	w.written.Add(int64(len(chunk)))
	if w.metrics.OnWritten != nil {
		w.metrics.OnWritten(w.name, len(chunk), time.Since(start))
	}
	return nil
}

func (w *sinkWorker) recordFailure(err error, spans int) {
	class := sink.ClassifyWriteError(err)
	w.failedWrites.Add(1)
	w.classMu.Lock()
	w.failuresByClass[class]++
	w.classMu.Unlock()
	if w.metrics.OnWriteFailed != nil {
		w.metrics.OnWriteFailed(w.name, class, spans)
	}
}

func (w *sinkWorker) drop(reason string, n int, err error) {
	w.dropped.Add(int64(n))
	if w.metrics.OnSpansDropped != nil {
		w.metrics.OnSpansDropped(w.name, reason, n)
	}
	if reason == DropReasonRetries {
		w.logger.Error("dropping spans after sink retries",
			zap.Int("spans", n),
			zap.Int("retry_limit", w.cfg.RetryLimit),
			zap.String("error_class", sink.ClassifyWriteError(err)),
			zap.Error(err),
		)
		return
	}
	if w.dropLimit.Allow() {
		w.logger.Warn("sink buffer full, dropping oldest spans",
			zap.Int("spans", n),
			zap.Int("max_buffered", w.cfg.MaxBuffered),
			zap.Int64("dropped_total", w.dropped.Load()),
		)
	}
}

func (w *sinkWorker) stats() SinkStats {
	s := SinkStats{
		Name:         w.name,
		Written:      w.written.Load(),
		Retried:      w.retried.Load(),
		Dropped:      w.dropped.Load(),
		FailedWrites: w.failedWrites.Load(),
		Buffered:     w.buffered(),
	}
	w.classMu.Lock()
	if len(w.failuresByClass) > 0 {
		s.FailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, n := range w.failuresByClass {
			s.FailuresByClass[class] = n
		}
	}
	w.classMu.Unlock()
	return s
}
