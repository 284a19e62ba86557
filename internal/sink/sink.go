// Package sink holds the storage backends spans and aggregate rows are
// written to. Every writer tolerates re-submission of the same spans or the
// same aggregate flush.
package sink

import (
	"context"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/span"
)

// SpanWriter persists retained spans. Traces, logs and per-span metric rows
// all use it.
type SpanWriter interface {
	Name() string
	WriteSpans(ctx context.Context, spans []*span.Span) error
}

// AggregateWriter persists drained aggregate rows.
type AggregateWriter interface {
	WriteAggregates(ctx context.Context, rows []aggregate.Row) error
}

// Pinger is implemented by writers that can check their backend is
// reachable without writing to it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by writers holding connections.
type Closer interface {
	Close() error
}

// Discard accepts and forgets everything. It backs sinks configured with
// driver "none".
type Discard struct {
	SinkName string
}

func (d Discard) Name() string {
	if d.SinkName == "" {
		return "discard"
	}
	return d.SinkName
}

func (Discard) WriteSpans(context.Context, []*span.Span) error { return nil }

func (Discard) WriteAggregates(context.Context, []aggregate.Row) error { return nil }
