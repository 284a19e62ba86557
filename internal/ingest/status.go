package ingest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/export"
	"github.com/ongoingai/collector/internal/pipeline"
	"github.com/ongoingai/collector/internal/sampling"
	"github.com/ongoingai/collector/internal/span"
)

const diagnosticsSchemaVersion = "collector-diagnostics.v1"

type SinkStatsReader interface {
	Stats() []export.SinkStats
}

type AggregateStatsReader interface {
	Stats() aggregate.Stats
}

type SamplingStatsReader interface {
	Stats() sampling.Stats
}

// TraceReader loads the stored spans of one trace, ordered by start time.
type TraceReader interface {
	TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error)
}

// SinkHealthChecker pings the configured sink backends and reports one
// result per sink name. A nil error means the backend answered.
type SinkHealthChecker interface {
	CheckSinks(ctx context.Context) map[string]error
}

const defaultHealthCheckTimeout = 2 * time.Second

type HealthOptions struct {
	Version   string
	StartedAt time.Time
	Pipeline  pipeline.DiagnosticsReader
	Sinks     SinkStatsReader

	SinkHealth SinkHealthChecker
	// CheckTimeout bounds one round of sink pings. Defaults to 2s.
	CheckTimeout time.Duration
}

type healthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	UptimeSec     int64    `json:"uptime_sec"`
	QueueDepth    int      `json:"queue_depth"`
	QueuePressure string   `json:"queue_pressure,omitempty"`
	Sinks         []string `json:"sinks,omitempty"`

	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler reports "degraded" while the ingress queue is saturated or a
// sink backend fails its ping, and "ok" otherwise. It always answers 200;
// a busy collector or an unreachable backend is not a reason to restart.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := healthResponse{
			Status:    "ok",
			Version:   options.Version,
			UptimeSec: int64(time.Since(options.StartedAt).Seconds()),
		}
		if options.Pipeline != nil {
			diag := options.Pipeline.Diagnostics()
			resp.QueueDepth = diag.QueueDepth
			resp.QueuePressure = diag.QueuePressureState
			if diag.QueuePressureState == pipeline.QueuePressureSaturated {
				resp.Status = "degraded"
			}
		}
		if options.Sinks != nil {
			for _, stats := range options.Sinks.Stats() {
				resp.Sinks = append(resp.Sinks, stats.Name)
			}
		}
		if options.SinkHealth != nil {
			timeout := options.CheckTimeout
			if timeout <= 0 {
				timeout = defaultHealthCheckTimeout
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			results := options.SinkHealth.CheckSinks(ctx)
			cancel()

			resp.Checks = make(map[string]string, len(results))
			for name, err := range results {
				if err != nil {
					resp.Checks[name] = "error: " + err.Error()
					resp.Status = "degraded"
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

type DiagnosticsOptions struct {
	Pipeline   pipeline.DiagnosticsReader
	Sinks      SinkStatsReader
	Aggregator AggregateStatsReader
	Sampler    SamplingStatsReader
}

type diagnosticsResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Pipeline      pipeline.Diagnostics `json:"pipeline"`
	Sinks         []export.SinkStats   `json:"sinks"`
	Aggregation   *aggregate.Stats     `json:"aggregation,omitempty"`
	Sampling      *sampling.Stats      `json:"sampling,omitempty"`
}

func DiagnosticsHandler(options DiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Pipeline == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline diagnostics unavailable")
			return
		}

		resp := diagnosticsResponse{
			SchemaVersion: diagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Pipeline:      options.Pipeline.Diagnostics(),
			Sinks:         []export.SinkStats{},
		}
		if options.Sinks != nil {
			resp.Sinks = options.Sinks.Stats()
		}
		if options.Aggregator != nil {
			stats := options.Aggregator.Stats()
			resp.Aggregation = &stats
		}
		if options.Sampler != nil {
			stats := options.Sampler.Stats()
			resp.Sampling = &stats
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

type traceDetailResponse struct {
	TraceID string       `json:"trace_id"`
	Spans   []*span.Span `json:"spans"`
}

// TraceDetailHandler serves GET /v1/traces/{trace_id} from the traces sink.
func TraceDetailHandler(reader TraceReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		traceID := strings.TrimPrefix(r.URL.Path, "/v1/traces/")
		if traceID == "" || strings.Contains(traceID, "/") {
			http.NotFound(w, r)
			return
		}

		spans, err := reader.TraceSpans(r.Context(), traceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}
		if len(spans) == 0 {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		writeJSON(w, http.StatusOK, traceDetailResponse{TraceID: traceID, Spans: spans})
	})
}
