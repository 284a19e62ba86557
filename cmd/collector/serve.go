package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/config"
	"github.com/ongoingai/collector/internal/cost"
	"github.com/ongoingai/collector/internal/export"
	"github.com/ongoingai/collector/internal/ingest"
	"github.com/ongoingai/collector/internal/observability"
	"github.com/ongoingai/collector/internal/pipeline"
	"github.com/ongoingai/collector/internal/pricing"
	"github.com/ongoingai/collector/internal/redact"
	"github.com/ongoingai/collector/internal/sampling"
	"github.com/ongoingai/collector/internal/sink"
	"github.com/ongoingai/collector/internal/tokens"
	"github.com/ongoingai/collector/internal/version"
)

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

// listen is replaced in tests to bind an ephemeral port.
var listen = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func newServeCommand(out, errOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the span ingest pipeline and HTTP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPathFlag(cmd), out, errOut)
		},
	}
}

func runServe(parent context.Context, configPath string, _ io.Writer, errOut io.Writer) error {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		return configError(stage, err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return withExitCode(1, fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalNotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := observability.Setup(ctx, cfg.Observability, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", zap.Error(err))
		runtime = nil
	}
	defer shutdownRuntime(logger, runtime)

	c, err := newCollector(cfg, logger, runtime)
	if err != nil {
		fmt.Fprintf(errOut, "failed to start collector: %v\n", err)
		return withExitCode(1, nil)
	}
	defer c.close()

	ln, err := listen(cfg.Server.Address())
	if err != nil {
		return withExitCode(1, fmt.Errorf("listen on %s: %w", cfg.Server.Address(), err))
	}

	logger.Info("startup banner",
		zap.String("version", version.String()),
		zap.String("addr", ln.Addr().String()),
		zap.String("config_path", configPath),
		zap.Strings("stages", c.pipeline.StageNames()),
		zap.Strings("sinks", c.exporter.SinkNames()),
		zap.Bool("otel_enabled", runtime.Enabled()),
	)

	if err := c.serve(ctx, ln); err != nil {
		logger.Error("collector failed", zap.Error(err))
		return withExitCode(1, nil)
	}
	logger.Info("collector stopped")
	return nil
}

func shutdownRuntime(logger *zap.Logger, runtime *observability.Runtime) {
	if runtime == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Warn("failed to shutdown opentelemetry", zap.Error(err))
	}
}

// collector owns every long-lived component of a serve run.
type collector struct {
	cfg     config.Config
	logger  *zap.Logger
	runtime *observability.Runtime

	prices   *pricing.Store
	watcher  *pricing.Watcher
	sinks    *sinkSet
	exporter *export.Exporter
	agg      *aggregate.Aggregator
	flusher  *aggregate.Flusher
	decider  *sampling.Decider
	pipeline *pipeline.Pipeline
	batcher  *pipeline.Batcher
	handler  http.Handler
}

func newCollector(cfg config.Config, logger *zap.Logger, runtime *observability.Runtime) (*collector, error) {
	c := &collector{cfg: cfg, logger: logger, runtime: runtime}

	table, err := loadPricingTable(cfg.Cost)
	if err != nil {
		return nil, err
	}
	c.prices = pricing.NewStore(table)
	if cfg.Cost.Enabled && cfg.Cost.WatchPricingFile && strings.TrimSpace(cfg.Cost.PricingFile) != "" {
		c.watcher = pricing.NewWatcher(cfg.Cost.PricingFile, c.prices, pricing.WithLogger(logger.Named("pricing")))
	}

	sinks, err := openSinks(cfg.Sinks, runtime)
	if err != nil {
		return nil, err
	}
	c.sinks = sinks

	c.exporter, err = export.New(sinks.exportSinks(),
		export.WithLogger(logger.Named("export")),
		export.WithMetrics(runtime.ExportMetrics()),
	)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("configure exporter: %w", err)
	}

	c.agg = aggregate.New(aggregateConfig(cfg.Aggregation),
		aggregate.WithLogger(logger.Named("aggregate")),
		aggregate.WithShedHook(runtime.RecordAggregatesShed),
	)
	c.flusher = aggregate.NewFlusher(c.agg, sinks.aggregates, flusherConfig(cfg),
		aggregate.WithFlusherLogger(logger.Named("aggregate")),
		aggregate.WithFlushHook(runtime.RecordAggregateFlush),
	)

	c.decider, err = sampling.New(samplingConfig(cfg.Sampling))
	if err != nil {
		c.close()
		return nil, fmt.Errorf("configure sampling: %w", err)
	}

	counter := tokens.NewCounter()
	preloadTokenizer(counter, cfg.Tokens, logger.Named("tokens"))

	components := pipeline.Components{
		Counter:     counter,
		Decider:     c.decider,
		Aggregator:  c.agg,
		Exporter:    c.exporter,
		DropPayload: cfg.Redaction.DropPayload,
	}
	if cfg.Redaction.Enabled {
		strategy, err := redact.ParseStrategy(cfg.Redaction.Strategy)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("configure redaction: %w", err)
		}
		components.Redactor = redact.New(redactDetectors(cfg.Redaction.Detectors),
			redact.WithKeyDenylist(cfg.Redaction.KeyDenylist),
			redact.WithStrategy(strategy),
		)
	}
	if cfg.Cost.Enabled {
		components.Calculator = cost.NewCalculator(c.prices)
	}

	pipelineMetrics := runtime.PipelineMetrics()
	c.pipeline, err = pipeline.New(pipelineConfig(cfg.Pipeline), pipeline.Stages(components, pipelineMetrics),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(pipelineMetrics),
		pipeline.WithTracer(runtime.Tracer()),
	)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("configure pipeline: %w", err)
	}
	runtime.RegisterQueueDepthGauge(c.pipeline.QueueLen)

	c.batcher = pipeline.NewBatcher(cfg.Pipeline.BatchSize, cfg.Pipeline.BatchTimeout(), c.pipeline.Submit, logger.Named("batcher"),
		pipeline.WithDropHook(c.pipeline.RecordDrop),
	)
	c.handler = c.newHandler()
	return c, nil
}

// preloadTokenizer loads rank files before spans arrive. A zero timeout
// starts loading without waiting. Spans seen while an encoding is missing are
// counted heuristically.
func preloadTokenizer(counter *tokens.Counter, cfg config.TokensConfig, logger *zap.Logger) {
	if dir := strings.TrimSpace(cfg.BPEDir); dir != "" {
		tokens.UseBPEDir(dir)
	}
	if cfg.PreloadTimeoutMS == 0 {
		go func() {
			if err := counter.Preload(context.Background()); err != nil {
				logger.Warn("tokenizer preload failed; counting heuristically", zap.Error(err))
			}
		}()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PreloadTimeout())
	defer cancel()
	if err := counter.Preload(ctx); err != nil {
		logger.Warn("tokenizer preload incomplete; counting heuristically until loaded",
			zap.Duration("timeout", cfg.PreloadTimeout()),
			zap.Error(err),
		)
	}
}

func (c *collector) newHandler() http.Handler {
	options := ingest.RouterOptions{
		AppVersion: version.String(),
		Logger:     c.logger.Named("ingest"),
		Spans: ingest.SpansOptions{
			Pipeline:     c.pipeline,
			BatchSize:    c.cfg.Pipeline.BatchSize,
			MaxBodyBytes: c.cfg.Server.MaxBodyBytes,
		},
		NDJSON: ingest.NDJSONOptions{
			Batcher:      c.batcher,
			MaxBodyBytes: c.cfg.Server.MaxBodyBytes,
		},
		Diagnostics: ingest.DiagnosticsOptions{
			Pipeline:   c.pipeline,
			Sinks:      c.exporter,
			Aggregator: c.agg,
			Sampler:    c.decider,
		},
		SinkHealth:  c.sinks,
		MetricsPath: c.cfg.Observability.Prometheus.Path,
	}
	if c.sinks.traceReader != nil {
		options.Traces = c.sinks.traceReader
	}
	if handler := c.runtime.PrometheusHandler(); handler != nil {
		options.MetricsHandler = handler
	}

	handler := ingest.NewRouter(options)
	if c.runtime.Enabled() {
		handler = c.runtime.WrapHTTPHandler(c.runtime.SpanEnrichmentMiddleware(handler))
	}
	return handler
}

// serve runs until ctx is done or the listener fails, then drains in order:
// HTTP server, batcher, pipeline, aggregate flush, sinks.
func (c *collector) serve(ctx context.Context, ln net.Listener) error {
	// Workers outlive ctx so that the drain after it still has somewhere to
	// go. drain stops them in order.
	lifeCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	c.exporter.Start(lifeCtx)
	c.pipeline.Start(lifeCtx)

	flushCtx, stopFlusher := context.WithCancel(lifeCtx)
	defer stopFlusher()

	server := &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	background, bgCtx := errgroup.WithContext(ctx)
	background.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if c.watcher != nil {
		background.Go(func() error {
			if err := c.watcher.Run(bgCtx); err != nil {
				c.logger.Warn("pricing watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		c.flusher.Run(flushCtx)
	}()
	go c.batcher.Run(lifeCtx)

	<-bgCtx.Done()
	runErr := c.drain(server, stopFlusher, flusherDone)
	if err := background.Wait(); err != nil {
		runErr = errors.Join(err, runErr)
	}
	return runErr
}

func (c *collector) drain(server *http.Server, stopFlusher context.CancelFunc, flusherDone <-chan struct{}) error {
	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}

	c.batcher.Close()
	<-c.batcher.Done()

	grace := c.cfg.Pipeline.ShutdownGrace()
	pipelineCtx, cancelPipeline := context.WithTimeout(context.Background(), grace)
	defer cancelPipeline()
	if err := c.pipeline.Shutdown(pipelineCtx); err != nil {
		c.logger.Warn("pipeline shutdown incomplete", zap.Error(err))
	}

	// Flusher.Run performs the final aggregate flush once cancelled.
	stopFlusher()
	<-flusherDone

	exportCtx, cancelExport := context.WithTimeout(context.Background(), grace)
	defer cancelExport()
	if err := c.exporter.Shutdown(exportCtx); err != nil {
		c.logger.Warn("sink final flush failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (c *collector) close() {
	if c == nil || c.sinks == nil {
		return
	}
	if err := c.sinks.close(); err != nil {
		c.logger.Warn("failed to close sinks", zap.Error(err))
	}
}

// sinkSet holds the opened backends for the three sink roles.
type sinkSet struct {
	traces  sink.SpanWriter
	metrics sink.SpanWriter
	logs    sink.SpanWriter

	traceReader ingest.TraceReader
	aggregates  aggregate.Writer

	configs map[string]config.SinkConfig
	closers []sink.Closer
}

func openSinks(cfg config.SinksConfig, runtime *observability.Runtime) (*sinkSet, error) {
	set := &sinkSet{
		aggregates: sink.Discard{SinkName: "discard_aggregates"},
		configs:    make(map[string]config.SinkConfig, 3),
	}
	fail := func(role string, err error) (*sinkSet, error) {
		_ = set.close()
		return nil, fmt.Errorf("open %s sink: %w", role, err)
	}

	switch cfg.Traces.Driver {
	case config.SinkDriverSQLite:
		store, err := sink.NewSQLiteTraces(cfg.Traces.Path)
		if err != nil {
			return fail("traces", err)
		}
		set.traces, set.traceReader = store, store
		set.closers = append(set.closers, store)
	case config.SinkDriverPostgres:
		store, err := sink.NewPostgresTraces(cfg.Traces.DSN)
		if err != nil {
			return fail("traces", err)
		}
		set.traces, set.traceReader = store, store
		set.closers = append(set.closers, store)
	}
	if set.traces != nil {
		set.configs[set.traces.Name()] = cfg.Traces
	}

	switch cfg.Metrics.Driver {
	case config.SinkDriverPostgres:
		store, err := sink.NewPostgresMetrics(cfg.Metrics.DSN)
		if err != nil {
			return fail("metrics", err)
		}
		set.metrics, set.aggregates = store, store
		set.closers = append(set.closers, store)
	case config.SinkDriverInfluxDB:
		store, err := sink.NewInfluxMetrics(sink.InfluxConfig{
			URL:    cfg.Metrics.URL,
			Token:  cfg.Metrics.Token,
			Org:    cfg.Metrics.Org,
			Bucket: cfg.Metrics.Bucket,
		})
		if err != nil {
			return fail("metrics", err)
		}
		set.metrics, set.aggregates = store, store
		set.closers = append(set.closers, store)
	}
	if set.metrics != nil {
		set.configs[set.metrics.Name()] = cfg.Metrics
	}

	if cfg.Logs.Driver == config.SinkDriverLoki {
		store, err := sink.NewLoki(sink.LokiConfig{
			URL:       cfg.Logs.URL,
			TenantID:  cfg.Logs.TenantID,
			Timeout:   cfg.Logs.WriteTimeout(),
			Transport: runtime.WrapHTTPTransport(http.DefaultTransport),
		})
		if err != nil {
			return fail("logs", err)
		}
		set.logs = store
		set.configs[store.Name()] = cfg.Logs
	}
	return set, nil
}

func (s *sinkSet) exportSinks() []export.Sink {
	var out []export.Sink
	for _, writer := range []sink.SpanWriter{s.traces, s.metrics, s.logs} {
		if writer == nil {
			continue
		}
		out = append(out, export.Sink{Writer: writer, Config: exportSinkConfig(s.configs[writer.Name()])})
	}
	return out
}

// CheckSinks pings every opened backend that supports it, concurrently.
func (s *sinkSet) CheckSinks(ctx context.Context) map[string]error {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make(map[string]error, 3)
	)
	for _, writer := range []sink.SpanWriter{s.traces, s.metrics, s.logs} {
		pinger, ok := writer.(sink.Pinger)
		if !ok {
			continue
		}
		name := writer.Name()
		g.Go(func() error {
			err := pinger.Ping(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *sinkSet) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func exportSinkConfig(cfg config.SinkConfig) export.SinkConfig {
	out := export.DefaultSinkConfig()
	out.BatchSize = cfg.BatchSize
	out.FlushInterval = cfg.FlushInterval()
	out.WriteTimeout = cfg.WriteTimeout()
	out.RetryLimit = cfg.RetryLimit
	out.MaxBuffered = cfg.MaxBuffered
	return out
}

func pipelineConfig(cfg config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		BatchSize:         cfg.BatchSize,
		BatchTimeout:      cfg.BatchTimeout(),
		MaxQueueSize:      cfg.MaxQueueSize,
		NumWorkers:        cfg.NumWorkers,
		StageRetryLimit:   cfg.StageRetryLimit,
		StageRetryBackoff: cfg.StageRetryBackoff(),
		ShutdownGrace:     cfg.ShutdownGrace(),
	}
}

func samplingConfig(cfg config.SamplingConfig) sampling.Config {
	return sampling.Config{
		SlowThreshold:    cfg.SlowThreshold(),
		CostThreshold:    cfg.CostThresholdDecimal(),
		Probability:      cfg.Probability,
		AlwaysKeepErrors: cfg.AlwaysKeepErrors,
		HashSeed:         cfg.HashSeed,
	}
}

func aggregateConfig(cfg config.AggregationConfig) aggregate.Config {
	return aggregate.Config{
		BucketWidth:    cfg.BucketWidth(),
		MaxOpenBuckets: cfg.MaxOpenBuckets,
		MaxRows:        cfg.MaxRows,
		ReservoirSize:  cfg.ReservoirSize,
		Shards:         cfg.Shards,
	}
}

func flusherConfig(cfg config.Config) aggregate.FlusherConfig {
	out := aggregate.DefaultFlusherConfig()
	out.Interval = cfg.Aggregation.FlushInterval()
	if cfg.Sinks.Metrics.Enabled() {
		out.WriteTimeout = cfg.Sinks.Metrics.WriteTimeout()
		out.RetryLimit = cfg.Sinks.Metrics.RetryLimit
	}
	return out
}

func redactDetectors(cfg config.RedactDetectorsConf) redact.Detectors {
	return redact.Detectors{
		Credential: cfg.Credential,
		Email:      cfg.Email,
		SSN:        cfg.SSN,
		CreditCard: cfg.CreditCard,
		Phone:      cfg.Phone,
		IPAddress:  cfg.IPAddress,
	}
}
