package sink

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/span"
)

func TestPostgresSpanRowsUseNullsForMissingValues(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	full := storedSpan("trace-1", "span-1", start)
	bare := &span.Span{TraceID: "trace-1", SpanID: "span-2", ServiceName: "batch", StartTime: start, EndTime: start, Status: span.StatusOK}

	args, err := postgresSpanRows([]*span.Span{full, nil, bare})
	require.NoError(t, err)
	require.Len(t, args, 2)
	require.Len(t, args[0], 27)

	assert.Equal(t, "trace-1", args[0][0])
	assert.Equal(t, int64(1_500_000), args[0][12])
	assert.Equal(t, int64(200_000), args[0][13])
	assert.Equal(t, int64(1500), args[0][19])
	assert.Equal(t, []string{"redaction_degraded", "tokens_estimated"}, args[0][24])
	assert.Contains(t, args[0][25], `"tenant"`)
	assert.Contains(t, args[0][26], "[EMAIL_REDACTED]")

	for _, idx := range []int{2, 3, 7, 8, 9, 13, 17, 18, 19, 20, 21, 22, 23, 24} {
		assert.Nil(t, args[1][idx], "column %d", idx)
	}
	assert.Nil(t, args[1][25])
	assert.Nil(t, args[1][26])
}

func TestSpanMetricRowsDefaultToZeroUsage(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	s := storedSpan("trace-1", "span-1", start)
	s.Usage, s.Cost, s.Verdict = nil, nil, nil

	args := spanMetricRows([]*span.Span{s})
	require.Len(t, args, 1)
	assert.Equal(t, start.UTC(), args[0][0])
	assert.Equal(t, "gpt-4o", args[0][6])
	assert.Equal(t, int64(0), args[0][10])
	assert.Equal(t, int64(0), args[0][12])
	assert.Equal(t, 0.0, args[0][13])
	assert.Nil(t, args[0][14])
}

func TestAggregateRowsCarryFlushIDAndPercentiles(t *testing.T) {
	t.Parallel()

	agg := aggregate.New(aggregate.DefaultConfig(), aggregate.WithSeed(3))
	start := time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)
	spans := make([]*span.Span, 0, 100)
	for i := 1; i <= 100; i++ {
		s := storedSpan("trace-a", fmt.Sprintf("span-%d", i), start)
		s.EndTime = start.Add(time.Duration(i) * time.Millisecond)
		spans = append(spans, s)
	}
	agg.Observe(spans)
	rows := agg.Drain()
	require.Len(t, rows, 1)

	args := aggregateRows(rows)
	require.Len(t, args, 1)
	assert.Equal(t, rows[0].FlushID, args[0][0])
	assert.Equal(t, "checkout", args[0][2])
	assert.Equal(t, int64(100), args[0][4])
	cost, ok := args[0][7].(pgtype.Numeric)
	require.True(t, ok)
	assert.True(t, rows[0].TotalCost.Equal(decimal.NewFromBigInt(cost.Int, cost.Exp)))
	assert.Equal(t, "0.75", rows[0].TotalCost.String())
	assert.Equal(t, int64(1000), args[0][9])
	assert.Equal(t, int64(100_000), args[0][10])
	assert.Equal(t, int64(50_000), args[0][11])
	assert.Equal(t, int64(99_000), args[0][13])
}

func newPostgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("COLLECTOR_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("COLLECTOR_TEST_POSTGRES_DSN is not set")
	}
	return dsn
}

func TestPostgresTracesToleratesResubmission(t *testing.T) {
	dsn := newPostgresTestDSN(t)
	store, err := NewPostgresTraces(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	traceID := fmt.Sprintf("trace-pg-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = store.pg.pool.Exec(context.Background(), `DELETE FROM llm_spans WHERE trace_id = $1`, traceID)
	})

	start := time.Now().UTC().Truncate(time.Microsecond)
	batch := []*span.Span{storedSpan(traceID, "a", start), storedSpan(traceID, "b", start)}
	require.NoError(t, store.WriteSpans(context.Background(), batch))
	require.NoError(t, store.WriteSpans(context.Background(), batch))

	got, err := store.TraceSpans(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SpanID)
	assert.Equal(t, int64(1500), got[0].TotalTokens())
	assert.InDelta(t, 0.0075, got[0].TotalCost(), 1e-12)
	assert.Equal(t, batch[0].Flags, got[0].Flags)
	assert.Equal(t, "hello [EMAIL_REDACTED]", got[0].Payload.Prompt)
}

func TestPostgresMetricsWritesAggregatesOncePerFlush(t *testing.T) {
	dsn := newPostgresTestDSN(t)
	store, err := NewPostgresMetrics(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	flushID := fmt.Sprintf("flush-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = store.pg.pool.Exec(context.Background(), `DELETE FROM llm_metric_aggregates WHERE flush_id = $1`, flushID)
	})

	durations := aggregate.NewReservoir(8)
	rng := rand.New(rand.NewPCG(1, 2))
	durations.Add(40*time.Millisecond, rng)
	durations.Add(60*time.Millisecond, rng)
	row := aggregate.Row{
		Key:          aggregate.Key{Bucket: time.Now().UTC().Truncate(time.Minute), Service: "checkout", Model: "gpt-4o"},
		FlushID:      flushID,
		RequestCount: 2,
		TotalTokens:  30,
		TotalCost:    decimal.RequireFromString("0.0300000001"),
		SumDuration:  100 * time.Millisecond,
		MinDuration:  40 * time.Millisecond,
		MaxDuration:  60 * time.Millisecond,
		Durations:    durations,
	}
	require.NoError(t, store.WriteAggregates(context.Background(), []aggregate.Row{row}))
	require.NoError(t, store.WriteAggregates(context.Background(), []aggregate.Row{row}))

	n, err := store.CountAggregates(context.Background(), flushID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
