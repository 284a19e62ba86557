package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ongoingai/collector/internal/span"
)

// SubmitFunc hands a full or timed-out batch onward, usually Pipeline.Submit.
type SubmitFunc func(ctx context.Context, batch *span.Batch) error

// DropFunc is told about a batch that could not be submitted, usually
// Pipeline.RecordDrop.
type DropFunc func(stage string, batch *span.Batch, err error)

type BatcherOption func(*Batcher)

// WithDropHook reports batches whose submission failed.
func WithDropHook(fn DropFunc) BatcherOption {
	return func(b *Batcher) {
		b.onDrop = fn
	}
}

// Batcher groups individually arriving spans into batches. A batch is
// submitted once it holds size spans or timeout after its first span,
// whichever comes first.
type Batcher struct {
	size    int
	timeout time.Duration
	submit  SubmitFunc
	onDrop  DropFunc
	logger  *zap.Logger

	in       chan *span.Span
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	stop     chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

func NewBatcher(size int, timeout time.Duration, submit SubmitFunc, logger *zap.Logger, opts ...BatcherOption) *Batcher {
	if size <= 0 {
		size = DefaultConfig().BatchSize
	}
	if timeout <= 0 {
		timeout = DefaultConfig().BatchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		size:    size,
		timeout: timeout,
		submit:  submit,
		logger:  logger,
		in:      make(chan *span.Span, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add queues one span, blocking while the batcher is busy submitting.
func (b *Batcher) Add(ctx context.Context, s *span.Span) error {
	if s == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStopped
	}
	select {
	case b.in <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stop:
		return ErrStopped
	}
}

// Close stops accepting spans. Run submits what is pending and returns.
func (b *Batcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.in)
	}
}

// Done is closed once Run has returned.
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}

// Run collects spans until Close is called or ctx is done. Pending spans are
// submitted before it returns.
func (b *Batcher) Run(ctx context.Context) {
	defer b.doneOnce.Do(func() { close(b.done) })

	timer := time.NewTimer(b.timeout)
	timer.Stop()
	defer timer.Stop()

	pending := make([]*span.Span, 0, b.size)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := span.NewBatch(pending)
		pending = make([]*span.Span, 0, b.size)
		if err := b.submit(ctx, batch); err != nil {
			b.logger.Warn("batcher submit failed",
				zap.String("batch_id", batch.ID),
				zap.Int("spans", batch.Len()),
				zap.Error(err),
			)
			if b.onDrop != nil {
				b.onDrop(DropStageIngress, batch, err)
			}
		}
	}

	for {
		select {
		case s, ok := <-b.in:
			if !ok {
				flush(context.Background())
				return
			}
			if len(pending) == 0 {
				timer.Reset(b.timeout)
			}
			pending = append(pending, s)
			if len(pending) >= b.size {
				timer.Stop()
				flush(ctx)
			}
		case <-timer.C:
			flush(ctx)
		case <-ctx.Done():
			b.Close()
			for s := range b.in {
				pending = append(pending, s)
			}
			flush(context.Background())
			return
		}
	}
}
