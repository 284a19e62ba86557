package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/collector/internal/span"
)

// spanRow is the column view of a span shared by the SQL sinks.
type spanRow struct {
	TraceID            string
	SpanID             string
	ParentSpanID       string
	Name               string
	ServiceName        string
	ServiceVersion     string
	Environment        string
	Provider           string
	Model              string
	Operation          string
	StartTime          time.Time
	EndTime            time.Time
	DurationUS         int64
	TimeToFirstTokenUS int64
	Status             string
	ErrorType          string
	ErrorMessage       string
	HasUsage           bool
	PromptTokens       int64
	CompletionTokens   int64
	TotalTokens        int64
	HasCost            bool
	PromptCost         float64
	CompletionCost     float64
	TotalCost          float64
	SampleReason       string
	Flags              []string
	Attributes         string
	Payload            string
}

func newSpanRow(s *span.Span) (spanRow, error) {
	row := spanRow{
		TraceID:            s.TraceID,
		SpanID:             s.SpanID,
		ParentSpanID:       s.ParentSpanID,
		Name:               s.Name,
		ServiceName:        s.ServiceName,
		ServiceVersion:     s.ServiceVersion,
		Environment:        s.Environment,
		Provider:           s.Provider(),
		Model:              s.Model(),
		StartTime:          s.StartTime.UTC(),
		EndTime:            s.EndTime.UTC(),
		DurationUS:         s.Duration().Microseconds(),
		TimeToFirstTokenUS: s.TimeToFirstToken.Microseconds(),
		Status:             string(s.Status),
		ErrorType:          s.ErrorType,
		ErrorMessage:       s.ErrorMessage,
		Flags:              s.Flags.Names(),
	}
	if s.LLM != nil {
		row.Operation = s.LLM.Operation
	}
	if s.Usage != nil {
		row.HasUsage = true
		row.PromptTokens = s.Usage.PromptTokens
		row.CompletionTokens = s.Usage.CompletionTokens
		row.TotalTokens = s.Usage.TotalTokens
	}
	if s.Cost != nil {
		row.HasCost = true
		row.PromptCost = s.Cost.PromptCost
		row.CompletionCost = s.Cost.CompletionCost
		row.TotalCost = s.Cost.TotalCost
	}
	if s.Verdict != nil {
		row.SampleReason = string(s.Verdict.Reason)
	}
	if len(s.Attributes) > 0 {
		raw, err := json.Marshal(s.Attributes)
		if err != nil {
			return spanRow{}, fmt.Errorf("encode attributes for span %q: %w", s.SpanID, err)
		}
		row.Attributes = string(raw)
	}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return spanRow{}, fmt.Errorf("encode payload for span %q: %w", s.SpanID, err)
		}
		row.Payload = string(raw)
	}
	return row, nil
}

// toSpan rebuilds a span from stored columns.
func (r spanRow) toSpan() (*span.Span, error) {
	s := &span.Span{
		TraceID:          r.TraceID,
		SpanID:           r.SpanID,
		ParentSpanID:     r.ParentSpanID,
		Name:             r.Name,
		ServiceName:      r.ServiceName,
		ServiceVersion:   r.ServiceVersion,
		Environment:      r.Environment,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		TimeToFirstToken: time.Duration(r.TimeToFirstTokenUS) * time.Microsecond,
		Status:           span.Status(r.Status),
		ErrorType:        r.ErrorType,
		ErrorMessage:     r.ErrorMessage,
		Flags:            parseFlags(r.Flags),
	}
	if r.Provider != "" || r.Model != "" || r.Operation != "" {
		s.LLM = &span.LLMAttributes{Provider: r.Provider, Model: r.Model, Operation: r.Operation}
	}
	if r.HasUsage {
		s.Usage = &span.TokenUsage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		}
	}
	if r.HasCost {
		s.Cost = &span.CostBreakdown{
			PromptCost:     r.PromptCost,
			CompletionCost: r.CompletionCost,
			TotalCost:      r.TotalCost,
		}
	}
	if r.SampleReason != "" {
		reason := span.Reason(r.SampleReason)
		s.Verdict = &span.Verdict{Keep: reason != span.ReasonProbabilisticDrop, Reason: reason}
	}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &s.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for span %q: %w", r.SpanID, err)
		}
	}
	if r.Payload != "" {
		s.Payload = &span.TextPayload{}
		if err := json.Unmarshal([]byte(r.Payload), s.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for span %q: %w", r.SpanID, err)
		}
	}
	return s, nil
}

func parseFlags(names []string) span.Flags {
	var out span.Flags
	for _, name := range names {
		for flag := span.FlagRedactionDegraded; flag <= span.FlagUsageCorrected; flag <<= 1 {
			if flag.String() == strings.TrimSpace(name) {
				out |= flag
			}
		}
	}
	return out
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
