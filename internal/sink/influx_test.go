package sink

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/span"
)

type influxRecorder struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (r *influxRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/api/v2/write" {
		http.NotFound(w, req)
		return
	}
	var body io.Reader = req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	raw, _ := io.ReadAll(body)
	r.mu.Lock()
	r.bodies = append(r.bodies, string(raw))
	status := r.status
	r.mu.Unlock()
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, `{"code":"invalid","message":"rejected"}`)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *influxRecorder) lines() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.bodies, "\n")
}

func TestInfluxMetricsWritesSpanAndAggregatePoints(t *testing.T) {
	t.Parallel()

	rec := &influxRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	sink, err := NewInfluxMetrics(InfluxConfig{URL: srv.URL, Token: "token", Org: "acme", Bucket: "llm"})
	require.NoError(t, err)
	defer sink.Close()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.WriteSpans(context.Background(), []*span.Span{storedSpan("trace-1", "span-1", start)}))

	agg := aggregate.New(aggregate.DefaultConfig(), aggregate.WithSeed(1))
	agg.Observe([]*span.Span{storedSpan("trace-1", "span-1", start)})
	rows := agg.Drain()
	require.NoError(t, sink.WriteAggregates(context.Background(), rows))

	lines := rec.lines()
	assert.Contains(t, lines, "llm_requests,")
	assert.Contains(t, lines, "model=gpt-4o")
	assert.Contains(t, lines, "service_name=checkout")
	assert.Contains(t, lines, "span_id=span-1")
	assert.Contains(t, lines, `trace_id="trace-1"`)
	assert.Contains(t, lines, "total_tokens=1500i")
	assert.Contains(t, lines, "llm_request_aggregates,")
	assert.Contains(t, lines, "flush_id="+rows[0].FlushID)
	assert.Contains(t, lines, "request_count=1i")
}

func TestInfluxMetricsSkipsEmptyWrites(t *testing.T) {
	t.Parallel()

	rec := &influxRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	sink, err := NewInfluxMetrics(InfluxConfig{URL: srv.URL, Org: "acme", Bucket: "llm"})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.WriteSpans(context.Background(), nil))
	require.NoError(t, sink.WriteAggregates(context.Background(), nil))
	assert.Empty(t, rec.lines())
}

func TestInfluxMetricsReportsRejectedWrites(t *testing.T) {
	t.Parallel()

	rec := &influxRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	sink, err := NewInfluxMetrics(InfluxConfig{URL: srv.URL, Org: "acme", Bucket: "llm"})
	require.NoError(t, err)
	defer sink.Close()

	err = sink.WriteSpans(context.Background(), []*span.Span{storedSpan("t", "s", time.Now())})
	require.Error(t, err)
}

func TestInfluxMetricsPing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store, err := NewInfluxMetrics(InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(context.Background()))

	down, err := NewInfluxMetrics(InfluxConfig{URL: "http://127.0.0.1:1", Token: "t", Org: "o", Bucket: "b"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = down.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, down.Ping(ctx))
}

func TestInfluxStatusErrorIsClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, WriteErrorClassContention},
		{http.StatusServiceUnavailable, WriteErrorClassConnection},
		{http.StatusBadRequest, WriteErrorClassConstraint},
	}
	for _, tc := range tests {
		err := influxStatusError("influx_metrics", &influxhttp.Error{StatusCode: tc.status, Message: "rejected"})
		assert.Equal(t, tc.want, ClassifyWriteError(fmt.Errorf("write: %w", err)), "status %d", tc.status)
	}
}

type stubWriteAPI struct {
	points []*write.Point
}

func (s *stubWriteAPI) WriteRecord(context.Context, ...string) error { return nil }

func (s *stubWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	s.points = append(s.points, point...)
	return nil
}

func (s *stubWriteAPI) EnableBatching() {}

func (s *stubWriteAPI) Flush(context.Context) error { return nil }

func TestSpanPointOmitsMissingTags(t *testing.T) {
	t.Parallel()

	stub := &stubWriteAPI{}
	sink := newInfluxMetricsWithAPI(stub)
	bare := &span.Span{TraceID: "t", SpanID: "s", ServiceName: "batch", Status: span.StatusOK}
	require.NoError(t, sink.WriteSpans(context.Background(), []*span.Span{bare, nil}))
	require.Len(t, stub.points, 1)

	tags := map[string]string{}
	for _, tag := range stub.points[0].TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"service_name": "batch", "status": "ok", "span_id": "s"}, tags)
	assert.NoError(t, sink.Close())
}

func TestSpanPointsForConcurrentSpansHaveDistinctKeys(t *testing.T) {
	t.Parallel()

	stub := &stubWriteAPI{}
	sink := newInfluxMetricsWithAPI(stub)
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	first := storedSpan("trace-fanout", "span-a", start)
	second := storedSpan("trace-fanout", "span-b", start)
	require.NoError(t, sink.WriteSpans(context.Background(), []*span.Span{first, second}))
	require.Len(t, stub.points, 2)

	seriesKey := func(p *write.Point) string {
		parts := []string{p.Name()}
		for _, tag := range p.TagList() {
			parts = append(parts, tag.Key+"="+tag.Value)
		}
		return strings.Join(parts, ",") + " " + p.Time().Format(time.RFC3339Nano)
	}
	assert.Equal(t, stub.points[0].Time(), stub.points[1].Time())
	assert.NotEqual(t, seriesKey(stub.points[0]), seriesKey(stub.points[1]))

	// Rewriting the same span yields the same key, so retries overwrite.
	again := &stubWriteAPI{}
	require.NoError(t, newInfluxMetricsWithAPI(again).WriteSpans(context.Background(), []*span.Span{storedSpan("trace-fanout", "span-a", start)}))
	require.Len(t, again.points, 1)
	assert.Equal(t, seriesKey(stub.points[0]), seriesKey(again.points[0]))
}
