package aggregate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Writer persists drained rows. Implementations must tolerate the same
// flush id being written more than once.
type Writer interface {
	WriteAggregates(ctx context.Context, rows []Row) error
}

type FlusherConfig struct {
	Interval       time.Duration
	WriteTimeout   time.Duration
	RetryLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		Interval:       time.Minute,
		WriteTimeout:   10 * time.Second,
		RetryLimit:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// FlushResult reports one drain-and-write cycle.
type FlushResult struct {
	FlushID  string
	Rows     int
	Attempts int
	Err      error
}

// Flusher drains the aggregator on a fixed interval, or early when the
// aggregator asks for it, and hands rows to a Writer.
type Flusher struct {
	agg     *Aggregator
	writer  Writer
	cfg     FlusherConfig
	logger  *zap.Logger
	onFlush func(FlushResult)
}

type FlusherOption func(*Flusher)

func WithFlusherLogger(logger *zap.Logger) FlusherOption {
	return func(f *Flusher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFlushHook observes every flush cycle that had rows.
func WithFlushHook(fn func(FlushResult)) FlusherOption {
	return func(f *Flusher) {
		f.onFlush = fn
	}
}

func NewFlusher(agg *Aggregator, writer Writer, cfg FlusherConfig, opts ...FlusherOption) *Flusher {
	d := DefaultFlusherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	f := &Flusher{agg: agg, writer: writer, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run flushes until ctx is done, then performs a final flush bounded by the
// write timeout.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
			f.Flush(final)
			cancel()
			return
		case <-ticker.C:
			f.Flush(ctx)
		case <-f.agg.FlushRequested():
			f.logger.Debug("aggregate row bound reached, flushing early")
			f.Flush(ctx)
		}
	}
}

// Flush drains once and writes with retry. Rows that still fail after the
// retry limit are dropped and reported.
func (f *Flusher) Flush(ctx context.Context) FlushResult {
	rows := f.agg.Drain()
	if len(rows) == 0 {
		return FlushResult{}
	}
	result := FlushResult{FlushID: rows[0].FlushID, Rows: len(rows)}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.InitialBackoff
	policy.MaxInterval = f.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.cfg.RetryLimit)), ctx)

	result.Err = backoff.Retry(func() error {
		result.Attempts++
		writeCtx, cancel := context.WithTimeout(ctx, f.cfg.WriteTimeout)
		defer cancel()
		return f.writer.WriteAggregates(writeCtx, rows)
	}, retry)

	if result.Err != nil {
		f.logger.Error("dropping aggregate flush after retries",
			zap.String("flush_id", result.FlushID),
			zap.Int("rows", result.Rows),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err),
		)
	} else {
		f.logger.Debug("aggregates flushed",
			zap.String("flush_id", result.FlushID),
			zap.Int("rows", result.Rows),
			zap.Int("attempts", result.Attempts),
		)
	}
	if f.onFlush != nil {
		f.onFlush(result)
	}
	return result
}
