// Package ingest is the HTTP surface of the collector: span submission,
// health, diagnostics and stored trace lookup.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ongoingai/collector/internal/observability"
	"github.com/ongoingai/collector/internal/pipeline"
	"github.com/ongoingai/collector/internal/requestid"
)

type RouterOptions struct {
	AppVersion string
	Logger     *zap.Logger

	Spans  SpansOptions
	NDJSON NDJSONOptions

	Diagnostics DiagnosticsOptions
	Traces      TraceReader
	SinkHealth  SinkHealthChecker

	// MetricsHandler is mounted at MetricsPath when both are set.
	MetricsHandler http.Handler
	MetricsPath    string
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/v1/spans", SpansHandler(options.Spans))
	mux.Handle("/v1/spans/ndjson", NDJSONHandler(options.NDJSON))
	mux.Handle("/v1/traces/", TraceDetailHandler(options.Traces))
	mux.Handle("/healthz", HealthHandler(HealthOptions{
		Version:   options.AppVersion,
		StartedAt: startedAt,
		Pipeline:  options.Diagnostics.Pipeline,
		Sinks:     options.Diagnostics.Sinks,

		SinkHealth: options.SinkHealth,
	}))
	mux.Handle("/diagnostics", DiagnosticsHandler(options.Diagnostics))
	if options.MetricsHandler != nil && options.MetricsPath != "" {
		mux.Handle(options.MetricsPath, options.MetricsHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "ongoingai collector",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return requestid.Middleware(withRequestLog(mux, options.Logger))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestLog logs every request at debug and rejected submissions at
// warn.
func withRequestLog(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if id, ok := requestid.FromContext(r.Context()); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		log := observability.WithTraceContext(r.Context(), logger)
		switch status {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			log.Warn("span submission rejected", fields...)
		default:
			log.Debug("request served", fields...)
		}
	})
}

// statusForSubmitError maps pipeline admission errors onto HTTP statuses.
func statusForSubmitError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusAccepted, ""
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusTooManyRequests, "ingress queue full"
	case errors.Is(err, pipeline.ErrStopped):
		return http.StatusServiceUnavailable, "collector is shutting down"
	default:
		return http.StatusInternalServerError, "submit failed"
	}
}
