package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ongoingai/collector/internal/redact"
)

// telemetryRedactor scrubs the collector's own spans. Error messages from
// sinks can echo DSNs, tokens or addresses taken from ingested data.
var telemetryRedactor = redact.New(redact.Detectors{
	Credential: true,
	Email:      true,
	IPAddress:  true,
})

// scrubbingExporter wraps a SpanExporter and redacts string attribute values,
// event attributes and status descriptions before they leave the process.
// It runs in the batch export goroutine.
type scrubbingExporter struct {
	wrapped  sdktrace.SpanExporter
	redactor *redact.Redactor
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped, redactor: telemetryRedactor}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = e.scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s untouched when nothing needs redacting.
func (e *scrubbingExporter) scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !e.needsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = e.scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = e.scrubAttributes(event.Attributes)
	}
	stub.Status.Description = e.redactor.RedactString(stub.Status.Description)
	return stub.Snapshot()
}

func (e *scrubbingExporter) dirty(value string) bool {
	return e.redactor.Redact(value).Replacements() > 0
}

func (e *scrubbingExporter) needsScrubbing(s sdktrace.ReadOnlySpan) bool {
	for _, a := range s.Attributes() {
		if a.Value.Type() == attribute.STRING && e.dirty(a.Value.AsString()) {
			return true
		}
	}
	for _, event := range s.Events() {
		for _, a := range event.Attributes {
			if a.Value.Type() == attribute.STRING && e.dirty(a.Value.AsString()) {
				return true
			}
		}
	}
	return e.dirty(s.Status().Description)
}

func (e *scrubbingExporter) scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		if a.Value.Type() == attribute.STRING {
			result[i] = attribute.String(string(a.Key), e.redactor.RedactString(a.Value.AsString()))
			continue
		}
		result[i] = a
	}
	return result
}
