package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/span"
)

const (
	influxSpanMeasurement      = "llm_requests"
	influxAggregateMeasurement = "llm_request_aggregates"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxMetrics writes one point per retained span and one point per
// aggregate row. Points are keyed by tag set and timestamp, so writing the
// same spans or the same flush again overwrites rather than duplicates. Span
// points carry span_id as a tag so two spans that start in the same instant
// never share a key.
type InfluxMetrics struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxMetrics(cfg InfluxConfig) (*InfluxMetrics, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("influx url cannot be empty")
	}
	if strings.TrimSpace(cfg.Org) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("influx org and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Microsecond).SetUseGZip(true))
	return &InfluxMetrics{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func newInfluxMetricsWithAPI(writeAPI api.WriteAPIBlocking) *InfluxMetrics {
	return &InfluxMetrics{writeAPI: writeAPI}
}

func (s *InfluxMetrics) Name() string { return "influx_metrics" }

// Ping asks the server's /ping endpoint whether it is ready to accept writes.
func (s *InfluxMetrics) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influx: %w", err)
	}
	if !ok {
		return fmt.Errorf("ping influx: server not ready")
	}
	return nil
}

func (s *InfluxMetrics) Close() error {
	if s != nil && s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *InfluxMetrics) WriteSpans(ctx context.Context, spans []*span.Span) error {
	points := make([]*write.Point, 0, len(spans))
	for _, sp := range spans {
		if sp != nil {
			points = append(points, spanPoint(sp))
		}
	}
	return s.write(ctx, points)
}

func (s *InfluxMetrics) WriteAggregates(ctx context.Context, rows []aggregate.Row) error {
	points := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, aggregatePoint(r))
	}
	return s.write(ctx, points)
}

func (s *InfluxMetrics) write(ctx context.Context, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write influx points: %w", influxStatusError(s.Name(), err))
	}
	return nil
}

func spanPoint(s *span.Span) *write.Point {
	tags := map[string]string{
		"service_name": s.ServiceName,
		"status":       string(s.Status),
		"span_id":      s.SpanID,
	}
	if s.Environment != "" {
		tags["deployment_environment"] = s.Environment
	}
	if provider := s.Provider(); provider != "" {
		tags["provider"] = provider
	}
	if model := s.Model(); model != "" {
		tags["model"] = model
	}
	fields := map[string]interface{}{
		"trace_id":     s.TraceID,
		"duration_us":  s.Duration().Microseconds(),
		"total_tokens": s.TotalTokens(),
		"cost_usd":     s.TotalCost(),
	}
	if s.Usage != nil {
		fields["prompt_tokens"] = s.Usage.PromptTokens
		fields["completion_tokens"] = s.Usage.CompletionTokens
	}
	if s.TimeToFirstToken > 0 {
		fields["time_to_first_token_us"] = s.TimeToFirstToken.Microseconds()
	}
	if s.Verdict != nil {
		fields["sample_reason"] = string(s.Verdict.Reason)
	}
	return influxdb2.NewPoint(influxSpanMeasurement, tags, fields, s.StartTime)
}

func aggregatePoint(r aggregate.Row) *write.Point {
	cost, _ := r.TotalCost.Float64()
	return influxdb2.NewPoint(
		influxAggregateMeasurement,
		map[string]string{
			"service_name": r.Service,
			"model":        r.Model,
			"flush_id":     r.FlushID,
		},
		map[string]interface{}{
			"request_count":   r.RequestCount,
			"error_count":     r.ErrorCount,
			"total_tokens":    r.TotalTokens,
			"total_cost_usd":  cost,
			"sum_duration_us": r.SumDuration.Microseconds(),
			"min_duration_us": r.MinDuration.Microseconds(),
			"max_duration_us": r.MaxDuration.Microseconds(),
			"p50_duration_us": r.Percentile(0.50).Microseconds(),
			"p95_duration_us": r.Percentile(0.95).Microseconds(),
			"p99_duration_us": r.Percentile(0.99).Microseconds(),
		},
		r.Bucket,
	)
}

// influxStatusError rewraps client HTTP errors so ClassifyWriteError can read
// the status code.
func influxStatusError(name string, err error) error {
	var herr *influxhttp.Error
	if errors.As(err, &herr) && herr.StatusCode > 0 {
		return &StatusError{Sink: name, StatusCode: herr.StatusCode, Body: herr.Message}
	}
	return err
}
