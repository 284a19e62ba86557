package observability

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordingExporter captures exported spans for test assertions.
type recordingExporter struct {
	mu       sync.Mutex
	spans    []sdktrace.ReadOnlySpan
	shutdown bool
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	return nil
}

func (e *recordingExporter) Spans() []sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), e.spans...)
}

func exportOne(t *testing.T, stub tracetest.SpanStub) sdktrace.ReadOnlySpan {
	t.Helper()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)
	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	spans := inner.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(spans))
	}
	return spans[0]
}

func TestScrubbingExporterRemovesCredentialFromAttribute(t *testing.T) {
	t.Parallel()

	got := exportOne(t, tracetest.SpanStub{
		Name: "pipeline.batch",
		Attributes: []attribute.KeyValue{
			attribute.String("error.message", "sink write failed with key sk_live_abc123def456"),
			attribute.String("batch.id", "b-1"),
			attribute.Int("batch.spans", 5),
		},
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{1},
			SpanID:  trace.SpanID{1},
		}),
	})

	attrs := spanAttrMap(got)
	if attrs["error.message"] != "sink write failed with key [CREDENTIAL_REDACTED]" {
		t.Fatalf("error.message=%q, want credential scrubbed", attrs["error.message"])
	}
	if attrs["batch.id"] != "b-1" {
		t.Fatalf("batch.id=%q, want b-1", attrs["batch.id"])
	}
	if attrs["batch.spans"] != "5" {
		t.Fatalf("batch.spans=%q, want 5", attrs["batch.spans"])
	}
}

func TestScrubbingExporterCleanSpanPassesThrough(t *testing.T) {
	t.Parallel()

	stub := tracetest.SpanStub{
		Name: "POST /v1/spans",
		Attributes: []attribute.KeyValue{
			attribute.String("collector.route", "/v1/spans"),
			attribute.Int("http.status_code", 202),
		},
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{2},
			SpanID:  trace.SpanID{2},
		}),
	}
	exporter := &scrubbingExporter{redactor: telemetryRedactor}
	if exporter.needsScrubbing(stub.Snapshot()) {
		t.Fatal("needsScrubbing()=true for clean span")
	}

	attrs := spanAttrMap(exportOne(t, stub))
	if attrs["collector.route"] != "/v1/spans" {
		t.Fatalf("collector.route=%q, want /v1/spans", attrs["collector.route"])
	}
}

func TestScrubbingExporterScrubsEventAttributes(t *testing.T) {
	t.Parallel()

	got := exportOne(t, tracetest.SpanStub{
		Name:       "pipeline.batch",
		Attributes: []attribute.KeyValue{attribute.String("safe.attr", "clean")},
		Events: []sdktrace.Event{{
			Name: "exception",
			Time: time.Now(),
			Attributes: []attribute.KeyValue{
				attribute.String("exception.message", "dial postgres as ops@example.com token=my_secret_token_value"),
			},
		}},
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{3},
			SpanID:  trace.SpanID{3},
		}),
	})

	events := got.Events()
	if len(events) != 1 {
		t.Fatalf("events=%d, want 1", len(events))
	}
	detail := events[0].Attributes[0].Value.AsString()
	if strings.Contains(detail, "ops@example.com") || strings.Contains(detail, "my_secret_token_value") {
		t.Fatalf("event attribute still carries sensitive text: %q", detail)
	}
	if !strings.Contains(detail, "[EMAIL_REDACTED]") {
		t.Fatalf("event attribute=%q, want email placeholder", detail)
	}
}

func TestScrubbingExporterScrubsStatusDescription(t *testing.T) {
	t.Parallel()

	got := exportOne(t, tracetest.SpanStub{
		Name:       "pipeline.batch",
		Attributes: []attribute.KeyValue{attribute.String("safe", "value")},
		Status: sdktrace.Status{
			Code:        codes.Error,
			Description: "connection to 10.1.2.3 with password=supersecret123 failed",
		},
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{4},
			SpanID:  trace.SpanID{4},
		}),
	})

	status := got.Status()
	if strings.Contains(status.Description, "supersecret123") || strings.Contains(status.Description, "10.1.2.3") {
		t.Fatalf("status description still carries sensitive text: %q", status.Description)
	}
	if status.Code != codes.Error {
		t.Fatalf("status code=%v, want %v", status.Code, codes.Error)
	}
}

func TestScrubbingExporterShutdownDelegates(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)

	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !inner.shutdown {
		t.Fatal("wrapped exporter was not shut down")
	}
}
