package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Sampling      SamplingConfig      `yaml:"sampling"`
	Redaction     RedactionConfig     `yaml:"redaction"`
	Tokens        TokensConfig        `yaml:"tokens"`
	Cost          CostConfig          `yaml:"cost"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Sinks         SinksConfig         `yaml:"sinks"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxBodyBytes bounds one ingest request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PipelineConfig struct {
	BatchSize           int `yaml:"batch_size"`
	BatchTimeoutMS      int `yaml:"batch_timeout_ms"`
	MaxQueueSize        int `yaml:"max_queue_size"`
	NumWorkers          int `yaml:"num_workers"`
	StageRetryLimit     int `yaml:"stage_retry_limit"`
	StageRetryBackoffMS int `yaml:"stage_retry_backoff_ms"`
	ShutdownGraceMS     int `yaml:"shutdown_grace_ms"`
}

func (c PipelineConfig) BatchTimeout() time.Duration { return ms(c.BatchTimeoutMS) }

func (c PipelineConfig) StageRetryBackoff() time.Duration { return ms(c.StageRetryBackoffMS) }

func (c PipelineConfig) ShutdownGrace() time.Duration { return ms(c.ShutdownGraceMS) }

type SamplingConfig struct {
	SlowThresholdMS  int     `yaml:"always_keep_slow_threshold_ms"`
	CostThreshold    string  `yaml:"always_keep_cost_threshold"`
	Probability      float64 `yaml:"probability"`
	AlwaysKeepErrors bool    `yaml:"always_keep_errors"`
	HashSeed         uint64  `yaml:"hash_seed"`
}

func (c SamplingConfig) SlowThreshold() time.Duration { return ms(c.SlowThresholdMS) }

// CostThresholdDecimal parses the USD threshold. Validate rejects values it
// cannot parse.
func (c SamplingConfig) CostThresholdDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.CostThreshold))
	if err != nil {
		return decimal.Zero
	}
	return d
}

const (
	RedactStrategyReplace = "replace"
	RedactStrategyMask    = "mask"
	RedactStrategyHash    = "hash"
	RedactStrategyRemove  = "remove"
)

type RedactionConfig struct {
	Enabled     bool                `yaml:"enabled"`
	DropPayload bool                `yaml:"drop_payload"`
	Strategy    string              `yaml:"strategy"`
	Detectors   RedactDetectorsConf `yaml:"detectors"`
	KeyDenylist []string            `yaml:"key_denylist"`
}

type RedactDetectorsConf struct {
	Credential bool `yaml:"credential"`
	Email      bool `yaml:"email"`
	SSN        bool `yaml:"ssn"`
	CreditCard bool `yaml:"credit_card"`
	Phone      bool `yaml:"phone"`
	IPAddress  bool `yaml:"ip_address"`
}

// TokensConfig controls tokenizer loading. Rank files are loaded once at
// startup; spans seen before a load completes are counted heuristically.
type TokensConfig struct {
	PreloadTimeoutMS int `yaml:"preload_timeout_ms"`
	// BPEDir holds pre-fetched rank files (o200k_base.tiktoken, ...). When
	// set, no rank file is downloaded.
	BPEDir string `yaml:"bpe_dir"`
}

func (c TokensConfig) PreloadTimeout() time.Duration { return ms(c.PreloadTimeoutMS) }

type CostConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PricingFile      string `yaml:"pricing_file"`
	WatchPricingFile bool   `yaml:"watch_pricing_file"`
}

type AggregationConfig struct {
	BucketWidthMS   int `yaml:"bucket_width_ms"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	MaxOpenBuckets  int `yaml:"max_open_buckets"`
	MaxRows         int `yaml:"max_rows"`
	ReservoirSize   int `yaml:"reservoir_size"`
	Shards          int `yaml:"shards"`
}

func (c AggregationConfig) BucketWidth() time.Duration { return ms(c.BucketWidthMS) }

func (c AggregationConfig) FlushInterval() time.Duration { return ms(c.FlushIntervalMS) }

const (
	SinkDriverNone     = "none"
	SinkDriverPostgres = "postgres"
	SinkDriverSQLite   = "sqlite"
	SinkDriverInfluxDB = "influxdb"
	SinkDriverLoki     = "loki"
)

type SinksConfig struct {
	Metrics SinkConfig `yaml:"metrics"`
	Traces  SinkConfig `yaml:"traces"`
	Logs    SinkConfig `yaml:"logs"`
}

// SinkConfig selects one backend and its flush behavior. Connection fields
// apply to the drivers that use them.
type SinkConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Org      string `yaml:"org"`
	Bucket   string `yaml:"bucket"`
	TenantID string `yaml:"tenant_id"`

	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	WriteTimeoutMS  int `yaml:"write_timeout_ms"`
	RetryLimit      int `yaml:"retry_limit"`
	MaxBuffered     int `yaml:"max_buffered"`
}

func (c SinkConfig) Enabled() bool {
	driver := strings.TrimSpace(c.Driver)
	return driver != "" && driver != SinkDriverNone
}

func (c SinkConfig) FlushInterval() time.Duration { return ms(c.FlushIntervalMS) }

func (c SinkConfig) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMS) }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "ongoingai-collector"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func defaultSinkFlush(driver string) SinkConfig {
	return SinkConfig{
		Driver:          driver,
		BatchSize:       500,
		FlushIntervalMS: 5000,
		WriteTimeoutMS:  10000,
		RetryLimit:      3,
		MaxBuffered:     50000,
	}
}

func Default() Config {
	traces := defaultSinkFlush(SinkDriverSQLite)
	traces.Path = "./data/collector.db"
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         4319,
			MaxBodyBytes: 8 << 20,
		},
		Pipeline: PipelineConfig{
			BatchSize:           1000,
			BatchTimeoutMS:      10000,
			MaxQueueSize:        1024,
			NumWorkers:          4,
			StageRetryLimit:     3,
			StageRetryBackoffMS: 100,
			ShutdownGraceMS:     10000,
		},
		Sampling: SamplingConfig{
			SlowThresholdMS:  5000,
			CostThreshold:    "1.00",
			Probability:      0.01,
			AlwaysKeepErrors: true,
		},
		Redaction: RedactionConfig{
			Enabled:     true,
			DropPayload: true,
			Strategy:    RedactStrategyReplace,
			Detectors: RedactDetectorsConf{
				Credential: true,
				Email:      true,
				SSN:        true,
				CreditCard: true,
				Phone:      true,
				IPAddress:  true,
			},
			KeyDenylist: []string{
				"password",
				"api_key",
				"authorization",
				"secret",
				"token",
				"email",
				"phone",
				"ssn",
			},
		},
		Tokens: TokensConfig{
			PreloadTimeoutMS: 5000,
		},
		Cost: CostConfig{
			Enabled:          true,
			WatchPricingFile: true,
		},
		Aggregation: AggregationConfig{
			BucketWidthMS:   300000,
			FlushIntervalMS: 60000,
			MaxOpenBuckets:  12,
			MaxRows:         50000,
			ReservoirSize:   2048,
			Shards:          16,
		},
		Sinks: SinksConfig{
			Metrics: defaultSinkFlush(SinkDriverNone),
			Traces:  traces,
			Logs:    defaultSinkFlush(SinkDriverNone),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Prometheus: PrometheusConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0 (got %d)", cfg.Server.MaxBodyBytes)
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if err := validateSampling(cfg.Sampling); err != nil {
		return err
	}
	if err := validateAggregation(cfg.Aggregation); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Redaction.Strategy)) {
	case RedactStrategyReplace, RedactStrategyMask, RedactStrategyHash, RedactStrategyRemove:
	default:
		return fmt.Errorf("redaction.strategy must be one of replace, mask, hash, remove (got %q)", cfg.Redaction.Strategy)
	}
	if cfg.Tokens.PreloadTimeoutMS < 0 {
		return fmt.Errorf("tokens.preload_timeout_ms must be >= 0 (got %d)", cfg.Tokens.PreloadTimeoutMS)
	}
	if err := validateSink("sinks.metrics", cfg.Sinks.Metrics, SinkDriverPostgres, SinkDriverInfluxDB); err != nil {
		return err
	}
	if err := validateSink("sinks.traces", cfg.Sinks.Traces, SinkDriverPostgres, SinkDriverSQLite); err != nil {
		return err
	}
	if err := validateSink("sinks.logs", cfg.Sinks.Logs, SinkDriverLoki); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of json, console (got %q)", cfg.Logging.Format)
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	if cfg.Observability.Prometheus.Enabled && !strings.HasPrefix(strings.TrimSpace(cfg.Observability.Prometheus.Path), "/") {
		return fmt.Errorf("observability.prometheus.path must start with '/' (got %q)", cfg.Observability.Prometheus.Path)
	}
	return nil
}

func validatePipeline(cfg PipelineConfig) error {
	positive := []struct {
		name  string
		value int
	}{
		{"pipeline.batch_size", cfg.BatchSize},
		{"pipeline.batch_timeout_ms", cfg.BatchTimeoutMS},
		{"pipeline.max_queue_size", cfg.MaxQueueSize},
		{"pipeline.num_workers", cfg.NumWorkers},
		{"pipeline.stage_retry_backoff_ms", cfg.StageRetryBackoffMS},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", field.name, field.value)
		}
	}
	if cfg.StageRetryLimit < 0 {
		return fmt.Errorf("pipeline.stage_retry_limit must be >= 0 (got %d)", cfg.StageRetryLimit)
	}
	if cfg.ShutdownGraceMS < 0 {
		return fmt.Errorf("pipeline.shutdown_grace_ms must be >= 0 (got %d)", cfg.ShutdownGraceMS)
	}
	return nil
}

func validateSampling(cfg SamplingConfig) error {
	if math.IsNaN(cfg.Probability) || cfg.Probability < 0 || cfg.Probability > 1 {
		return fmt.Errorf("sampling.probability must be between 0 and 1 (got %v)", cfg.Probability)
	}
	if cfg.SlowThresholdMS < 0 {
		return fmt.Errorf("sampling.always_keep_slow_threshold_ms must be >= 0 (got %d)", cfg.SlowThresholdMS)
	}
	threshold, err := decimal.NewFromString(strings.TrimSpace(cfg.CostThreshold))
	if err != nil {
		return fmt.Errorf("parse sampling.always_keep_cost_threshold %q: %w", cfg.CostThreshold, err)
	}
	if threshold.IsNegative() {
		return fmt.Errorf("sampling.always_keep_cost_threshold must be >= 0 (got %s)", threshold)
	}
	return nil
}

func validateAggregation(cfg AggregationConfig) error {
	positive := []struct {
		name  string
		value int
	}{
		{"aggregation.bucket_width_ms", cfg.BucketWidthMS},
		{"aggregation.flush_interval_ms", cfg.FlushIntervalMS},
		{"aggregation.max_open_buckets", cfg.MaxOpenBuckets},
		{"aggregation.max_rows", cfg.MaxRows},
		{"aggregation.reservoir_size", cfg.ReservoirSize},
		{"aggregation.shards", cfg.Shards},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", field.name, field.value)
		}
	}
	return nil
}

func validateSink(name string, cfg SinkConfig, drivers ...string) error {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" || driver == SinkDriverNone {
		return nil
	}
	allowed := false
	for _, d := range drivers {
		if driver == d {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s.driver must be one of none, %s (got %q)", name, strings.Join(drivers, ", "), cfg.Driver)
	}

	switch driver {
	case SinkDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return fmt.Errorf("%s.dsn is required when %s.driver=postgres", name, name)
		}
	case SinkDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return fmt.Errorf("%s.path is required when %s.driver=sqlite", name, name)
		}
	case SinkDriverInfluxDB:
		if err := validateURL(name+".url", cfg.URL); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Org) == "" || strings.TrimSpace(cfg.Bucket) == "" {
			return fmt.Errorf("%s.org and %s.bucket are required when %s.driver=influxdb", name, name, name)
		}
	case SinkDriverLoki:
		if err := validateURL(name+".url", cfg.URL); err != nil {
			return err
		}
	}

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("%s.batch_size must be > 0 (got %d)", name, cfg.BatchSize)
	}
	if cfg.FlushIntervalMS <= 0 {
		return fmt.Errorf("%s.flush_interval_ms must be > 0 (got %d)", name, cfg.FlushIntervalMS)
	}
	if cfg.WriteTimeoutMS <= 0 {
		return fmt.Errorf("%s.write_timeout_ms must be > 0 (got %d)", name, cfg.WriteTimeoutMS)
	}
	if cfg.RetryLimit < 0 {
		return fmt.Errorf("%s.retry_limit must be >= 0 (got %d)", name, cfg.RetryLimit)
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		return fmt.Errorf("%s.max_buffered must be >= batch_size (got %d < %d)", name, cfg.MaxBuffered, cfg.BatchSize)
	}
	return nil
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("COLLECTOR_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("COLLECTOR_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	intVars := []struct {
		name  string
		field *int
	}{
		{"COLLECTOR_BATCH_SIZE", &cfg.Pipeline.BatchSize},
		{"COLLECTOR_BATCH_TIMEOUT_MS", &cfg.Pipeline.BatchTimeoutMS},
		{"COLLECTOR_MAX_QUEUE_SIZE", &cfg.Pipeline.MaxQueueSize},
		{"COLLECTOR_NUM_WORKERS", &cfg.Pipeline.NumWorkers},
		{"COLLECTOR_SHUTDOWN_GRACE_MS", &cfg.Pipeline.ShutdownGraceMS},
		{"COLLECTOR_SLOW_THRESHOLD_MS", &cfg.Sampling.SlowThresholdMS},
		{"COLLECTOR_FLUSH_INTERVAL_MS", &cfg.Aggregation.FlushIntervalMS},
		{"COLLECTOR_TOKENS_PRELOAD_TIMEOUT_MS", &cfg.Tokens.PreloadTimeoutMS},
	}
	for _, v := range intVars {
		if err := envInt(v.name, v.field); err != nil {
			return err
		}
	}

	if probability := strings.TrimSpace(os.Getenv("COLLECTOR_SAMPLING_PROBABILITY")); probability != "" {
		v, err := strconv.ParseFloat(probability, 64)
		if err != nil {
			return fmt.Errorf("invalid COLLECTOR_SAMPLING_PROBABILITY: %w", err)
		}
		cfg.Sampling.Probability = v
	}
	if threshold := strings.TrimSpace(os.Getenv("COLLECTOR_COST_THRESHOLD")); threshold != "" {
		cfg.Sampling.CostThreshold = threshold
	}
	if seed := strings.TrimSpace(os.Getenv("COLLECTOR_HASH_SEED")); seed != "" {
		v, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid COLLECTOR_HASH_SEED: %w", err)
		}
		cfg.Sampling.HashSeed = v
	}
	if err := envBool("COLLECTOR_REDACTION_ENABLED", &cfg.Redaction.Enabled); err != nil {
		return err
	}
	if err := envBool("COLLECTOR_COST_ENABLED", &cfg.Cost.Enabled); err != nil {
		return err
	}
	if strategy := strings.TrimSpace(os.Getenv("COLLECTOR_REDACTION_STRATEGY")); strategy != "" {
		cfg.Redaction.Strategy = strategy
	}
	if dir := os.Getenv("COLLECTOR_TOKENS_BPE_DIR"); dir != "" {
		cfg.Tokens.BPEDir = dir
	}
	if pricingFile := os.Getenv("COLLECTOR_PRICING_FILE"); pricingFile != "" {
		cfg.Cost.PricingFile = pricingFile
	}

	sinkVars := []struct {
		prefix string
		sink   *SinkConfig
	}{
		{"COLLECTOR_METRICS", &cfg.Sinks.Metrics},
		{"COLLECTOR_TRACES", &cfg.Sinks.Traces},
		{"COLLECTOR_LOGS", &cfg.Sinks.Logs},
	}
	for _, v := range sinkVars {
		for suffix, field := range map[string]*string{
			"_DRIVER":    &v.sink.Driver,
			"_DSN":       &v.sink.DSN,
			"_PATH":      &v.sink.Path,
			"_URL":       &v.sink.URL,
			"_TOKEN":     &v.sink.Token,
			"_ORG":       &v.sink.Org,
			"_BUCKET":    &v.sink.Bucket,
			"_TENANT_ID": &v.sink.TenantID,
		} {
			if value := os.Getenv(v.prefix + suffix); value != "" {
				*field = value
			}
		}
	}

	if level := os.Getenv("COLLECTOR_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("COLLECTOR_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		if strings.EqualFold(metricsExporter, "prometheus") {
			cfg.Observability.OTel.MetricsEnabled = false
			cfg.Observability.Prometheus.Enabled = true
		} else {
			enabled, err := otelExporterEnabled(metricsExporter)
			if err != nil {
				return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
			}
			cfg.Observability.OTel.MetricsEnabled = enabled
			otelConfigured = true
		}
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if err := envBool("COLLECTOR_PROMETHEUS_ENABLED", &cfg.Observability.Prometheus.Enabled); err != nil {
		return err
	}
	if path := strings.TrimSpace(os.Getenv("COLLECTOR_PROMETHEUS_PATH")); path != "" {
		cfg.Observability.Prometheus.Path = path
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func envInt(name string, field *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = v
	return nil
}

func envBool(name string, field *bool) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
