package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/config"
	"github.com/ongoingai/collector/internal/export"
	"github.com/ongoingai/collector/internal/pipeline"
	"github.com/ongoingai/collector/internal/span"
)

const (
	instrumentationName = "ongoingai.collector"
)

// flaggedSpanMetrics maps each span flag to its counter name.
var flaggedSpanMetrics = []span.Flags{
	span.FlagRedactionDegraded,
	span.FlagUnpriced,
	span.FlagTokensEstimated,
	span.FlagAttributeMalformed,
	span.FlagUsageCorrected,
}

// Runtime exposes OpenTelemetry HTTP wrappers, the self-telemetry tracer and
// the collector's metric hooks.
type Runtime struct {
	enabled bool

	meter       metric.Meter
	tracer      oteltrace.Tracer
	promHandler http.Handler

	spansFlagged      map[span.Flags]metric.Int64Counter
	spansSampledOut   metric.Int64Counter
	batchesRetried    metric.Int64Counter
	batchesDropped    metric.Int64Counter
	spansDropped      metric.Int64Counter
	batchDuration     metric.Float64Histogram
	queueBackpressure metric.Int64Counter
	sinkWriteFailed   metric.Int64Counter
	sinkSpansDropped  metric.Int64Counter
	sinkSpansWritten  metric.Int64Counter
	aggregatesShed    metric.Int64Counter
	aggregateFlushes  metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers, the optional Prometheus
// endpoint and the collector instruments.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, serviceVersion string, logger *zap.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime := &Runtime{}
	otelCfg := cfg.OTel
	if !otelCfg.Enabled && !cfg.Prometheus.Enabled {
		return runtime, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(otelCfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	var readers []sdkmetric.Option
	if otelCfg.Enabled {
		exportTimeout := time.Duration(otelCfg.ExportTimeoutMS) * time.Millisecond
		metricInterval := time.Duration(otelCfg.MetricExportIntervalMS) * time.Millisecond
		otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(otelCfg.Endpoint)
		if err != nil {
			return nil, err
		}
		insecure := otelCfg.Insecure
		if strings.Contains(strings.TrimSpace(otelCfg.Endpoint), "://") {
			// Endpoint URLs carry explicit transport intent and win over the
			// insecure toggle.
			insecure = inferredInsecure
		}

		if otelCfg.TracesEnabled {
			traceExporterOptions := []otlptracehttp.Option{
				otlptracehttp.WithEndpoint(otlpEndpoint),
				otlptracehttp.WithTimeout(exportTimeout),
			}
			if insecure {
				traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
			}
			traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
			if err != nil {
				return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
			}

			tracerProvider := sdktrace.NewTracerProvider(
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(otelCfg.SamplingRatio))),
				sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tracerProvider)
			runtime.tracer = tracerProvider.Tracer(instrumentationName)
			runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
		}

		if otelCfg.MetricsEnabled {
			metricExporterOptions := []otlpmetrichttp.Option{
				otlpmetrichttp.WithEndpoint(otlpEndpoint),
				otlpmetrichttp.WithTimeout(exportTimeout),
			}
			if insecure {
				metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
			}
			metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
			if err != nil {
				_ = runtime.Shutdown(context.Background())
				return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(metricInterval),
				sdkmetric.WithTimeout(exportTimeout),
			)))
		}
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Info("opentelemetry enabled",
			zap.String("otel_endpoint", otlpEndpoint),
			zap.Bool("otel_traces_enabled", otelCfg.TracesEnabled),
			zap.Bool("otel_metrics_enabled", otelCfg.MetricsEnabled),
			zap.Float64("otel_sampling_ratio", otelCfg.SamplingRatio),
		)
	}

	if cfg.Prometheus.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize prometheus exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(promExporter))
		runtime.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		logger.Info("prometheus metrics enabled", zap.String("path", cfg.Prometheus.Path))
	}

	if len(readers) > 0 {
		meterProvider := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
		runtime.initInstruments(meterProvider.Meter(instrumentationName), logger)
	}

	runtime.enabled = true
	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *zap.Logger) {
	r.meter = meter
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			logger.Warn("failed to create opentelemetry counter", zap.String("metric", name), zap.Error(err))
		}
		return c
	}

	r.spansFlagged = make(map[span.Flags]metric.Int64Counter, len(flaggedSpanMetrics))
	for _, flag := range flaggedSpanMetrics {
		r.spansFlagged[flag] = counter("collector.spans."+flag.String(), "Count of spans that gained the "+flag.String()+" flag.")
	}
	r.spansSampledOut = counter("collector.spans.sampled_out", "Count of spans removed by sampling.")
	r.batchesRetried = counter("collector.batches.retried", "Count of pipeline stage retries.")
	r.batchesDropped = counter("collector.batches.dropped", "Count of batches lost in the pipeline, by stage or drop reason.")
	r.spansDropped = counter("collector.spans.dropped", "Count of spans lost in the pipeline, by stage or drop reason.")
	r.queueBackpressure = counter("collector.queue.backpressure", "Count of submissions that found the ingress queue full.")
	r.sinkWriteFailed = counter("collector.sink.write_failed", "Count of failed sink write attempts.")
	r.sinkSpansDropped = counter("collector.sink.spans_dropped", "Count of spans a sink discarded.")
	r.sinkSpansWritten = counter("collector.sink.spans_written", "Count of spans a sink stored.")
	r.aggregatesShed = counter("collector.aggregates.shed", "Count of spans excluded from aggregation by memory bounds.")
	r.aggregateFlushes = counter("collector.aggregates.flushes", "Count of aggregate flush cycles that had rows.")

	histogram, err := meter.Float64Histogram(
		"collector.batch.duration",
		metric.WithDescription("Time a batch spends in the pipeline stages."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("failed to create opentelemetry histogram", zap.String("metric", "collector.batch.duration"), zap.Error(err))
	}
	r.batchDuration = histogram
}

// Enabled reports whether any telemetry export is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// Tracer returns the self-telemetry tracer, or a no-op tracer when tracing is
// off.
func (r *Runtime) Tracer() oteltrace.Tracer {
	if r == nil || r.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return r.tracer
}

// PrometheusHandler returns the scrape handler, or nil when the Prometheus
// endpoint is disabled.
func (r *Runtime) PrometheusHandler() http.Handler {
	if r == nil {
		return nil
	}
	return r.promHandler
}

// PipelineMetrics adapts the pipeline hooks onto the collector counters.
func (r *Runtime) PipelineMetrics() *pipeline.Metrics {
	if !r.Enabled() || r.meter == nil {
		return &pipeline.Metrics{}
	}
	return &pipeline.Metrics{
		OnBackpressure: func() {
			addInt64(r.queueBackpressure, 1)
		},
		OnBatchRetried: func(stage string) {
			addInt64(r.batchesRetried, 1, attribute.String("stage", stage))
		},
		OnBatchDropped: func(stage string, spans int) {
			addInt64(r.batchesDropped, 1, attribute.String("stage", stage))
			addInt64(r.spansDropped, int64(spans), attribute.String("stage", stage))
		},
		OnBatchProcessed: func(_, _ int, duration time.Duration) {
			if r.batchDuration != nil {
				r.batchDuration.Record(context.Background(), float64(duration)/float64(time.Millisecond))
			}
		},
		OnSpansFlagged: func(flag span.Flags, n int) {
			addInt64(r.spansFlagged[flag], int64(n))
		},
		OnSampledOut: func(n int) {
			addInt64(r.spansSampledOut, int64(n))
		},
	}
}

// ExportMetrics adapts the exporter hooks onto the sink counters.
func (r *Runtime) ExportMetrics() *export.Metrics {
	if !r.Enabled() || r.meter == nil {
		return &export.Metrics{}
	}
	return &export.Metrics{
		OnWriteFailed: func(sinkName, errorClass string, _ int) {
			addInt64(r.sinkWriteFailed, 1,
				attribute.String("sink", sinkName),
				attribute.String("error_class", errorClass),
			)
		},
		OnSpansDropped: func(sinkName, reason string, spans int) {
			addInt64(r.sinkSpansDropped, int64(spans),
				attribute.String("sink", sinkName),
				attribute.String("reason", reason),
			)
		},
		OnWritten: func(sinkName string, spans int, _ time.Duration) {
			addInt64(r.sinkSpansWritten, int64(spans), attribute.String("sink", sinkName))
		},
	}
}

// RecordAggregatesShed matches aggregate.WithShedHook.
func (r *Runtime) RecordAggregatesShed(rows, spans int64) {
	if !r.Enabled() {
		return
	}
	addInt64(r.aggregatesShed, spans, attribute.Bool("row_evicted", rows > 0))
}

// RecordAggregateFlush matches aggregate.WithFlushHook.
func (r *Runtime) RecordAggregateFlush(res aggregate.FlushResult) {
	if !r.Enabled() {
		return
	}
	outcome := "ok"
	if res.Err != nil {
		outcome = "failed"
	}
	addInt64(r.aggregateFlushes, 1, attribute.String("outcome", outcome))
}

// RegisterQueueDepthGauge reports the ingress queue depth at each collection.
func (r *Runtime) RegisterQueueDepthGauge(depth func() int) {
	if !r.Enabled() || r.meter == nil || depth == nil {
		return
	}
	_, _ = r.meter.Int64ObservableGauge(
		"collector.queue.depth",
		metric.WithDescription("Batches waiting in the ingress queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
}

func addInt64(counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil || n <= 0 {
		return
	}
	if len(attrs) == 0 {
		counter.Add(context.Background(), n)
		return
	}
	counter.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"collector.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the request span with its route and marks it
// failed on 5xx responses.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		sp := oteltrace.SpanFromContext(req.Context())
		if sp == nil || !sp.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			sp.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		sp.SetAttributes(
			attribute.String("collector.route", routePatternForPath(req.URL.Path)),
			attribute.Bool("collector.backpressure", statusCode == http.StatusTooManyRequests),
		)
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case hasPathPrefix(path, "/v1/spans"):
		return "/v1/spans"
	case hasPathPrefix(path, "/v1/traces"):
		return "/v1/traces/*"
	case hasPathPrefix(path, "/loki"):
		return "/loki/*"
	case hasPathPrefix(path, "/api/v2/write"):
		return "/api/v2/write"
	case path == "/healthz" || path == "/diagnostics":
		return path
	default:
		return "/other"
	}
}

// hasPathPrefix matches prefix only on a path segment boundary.
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "sink " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
