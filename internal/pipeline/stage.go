package pipeline

import (
	"context"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/cost"
	"github.com/ongoingai/collector/internal/pricing"
	"github.com/ongoingai/collector/internal/redact"
	"github.com/ongoingai/collector/internal/sampling"
	"github.com/ongoingai/collector/internal/span"
	"github.com/ongoingai/collector/internal/tokens"
)

// Stage transforms a batch. A stage that returns an error is retried with
// the same batch, so Process must be safe to repeat.
type Stage interface {
	Name() string
	Process(ctx context.Context, batch *span.Batch) (*span.Batch, error)
}

// Exporter receives the retained spans of each processed batch.
type Exporter interface {
	Export(ctx context.Context, batch *span.Batch) error
}

// Components are the collaborators the standard stages are built from. A nil
// Redactor, Decider, Aggregator or Exporter removes that stage. A nil
// Calculator leaves spans without cost.
type Components struct {
	Redactor    *redact.Redactor
	Counter     *tokens.Counter
	Calculator  *cost.Calculator
	Decider     *sampling.Decider
	Aggregator  *aggregate.Aggregator
	Exporter    Exporter
	DropPayload bool
}

// Stages returns the standard stage order: redact, enrich, sample, aggregate,
// retain, export.
func Stages(c Components, metrics *Metrics) []Stage {
	var stages []Stage
	if c.Redactor != nil {
		stages = append(stages, &RedactStage{Redactor: c.Redactor, Metrics: metrics})
	}
	stages = append(stages, &EnrichStage{Counter: c.Counter, Calculator: c.Calculator, Metrics: metrics})
	if c.Decider != nil {
		stages = append(stages, &SampleStage{Decider: c.Decider})
	}
	if c.Aggregator != nil {
		stages = append(stages, &AggregateStage{Aggregator: c.Aggregator})
	}
	stages = append(stages, &RetainStage{DropPayload: c.DropPayload, Metrics: metrics})
	if c.Exporter != nil {
		stages = append(stages, &ExportStage{Exporter: c.Exporter})
	}
	return stages
}

type RedactStage struct {
	Redactor *redact.Redactor
	Metrics  *Metrics
}

func (s *RedactStage) Name() string { return "redact" }

func (s *RedactStage) Process(_ context.Context, batch *span.Batch) (*span.Batch, error) {
	flags := flagCounter{}
	for _, sp := range batch.Spans {
		if sp == nil {
			continue
		}
		before := sp.Flags
		s.Redactor.RedactSpan(sp)
		flags.note(before, sp.Flags)
	}
	flags.report(s.Metrics)
	return batch, nil
}

// EnrichStage repairs span structure, fills missing token usage from the
// payload and attaches cost. Every span in a batch is priced against the same
// pricing snapshot.
type EnrichStage struct {
	Counter    *tokens.Counter
	Calculator *cost.Calculator
	Metrics    *Metrics
}

func (s *EnrichStage) Name() string { return "enrich" }

func (s *EnrichStage) Process(_ context.Context, batch *span.Batch) (*span.Batch, error) {
	flags := flagCounter{}
	snapshot := s.snapshot()
	for _, sp := range batch.Spans {
		if sp == nil {
			continue
		}
		before := sp.Flags
		sp.Normalize()
		s.countTokens(sp)
		if snapshot != nil {
			cost.Annotate(snapshot, sp)
		}
		flags.note(before, sp.Flags)
	}
	flags.report(s.Metrics)
	return batch, nil
}

func (s *EnrichStage) snapshot() *pricing.Table {
	if s.Calculator == nil {
		return nil
	}
	return s.Calculator.Snapshot()
}

// countTokens fills usage from the payload when the provider reported none.
// Provider-reported usage always wins.
func (s *EnrichStage) countTokens(sp *span.Span) {
	if sp.Usage != nil || sp.LLM == nil || sp.Payload == nil || s.Counter == nil {
		return
	}
	prompt := s.Counter.Count(sp.Payload.Prompt, sp.Model())
	completion := s.Counter.Count(sp.Payload.Completion, sp.Model())
	sp.Usage = &span.TokenUsage{
		PromptTokens:     prompt.Units,
		CompletionTokens: completion.Units,
		TotalTokens:      prompt.Units + completion.Units,
	}
	if prompt.Confidence == tokens.ConfidenceLow || completion.Confidence == tokens.ConfidenceLow {
		sp.Mark(span.FlagTokensEstimated)
	}
}

type SampleStage struct {
	Decider *sampling.Decider
}

func (s *SampleStage) Name() string { return "sample" }

func (s *SampleStage) Process(_ context.Context, batch *span.Batch) (*span.Batch, error) {
	s.Decider.Annotate(batch.Spans)
	return batch, nil
}

// AggregateStage folds every span into metric rows, including spans that
// sampling will drop.
type AggregateStage struct {
	Aggregator *aggregate.Aggregator
}

func (s *AggregateStage) Name() string { return "aggregate" }

func (s *AggregateStage) Process(_ context.Context, batch *span.Batch) (*span.Batch, error) {
	s.Aggregator.Observe(batch.Spans)
	return batch, nil
}

// RetainStage removes spans whose verdict is drop and, when DropPayload is
// set, releases raw text from the survivors.
type RetainStage struct {
	DropPayload bool
	Metrics     *Metrics
}

func (s *RetainStage) Name() string { return "retain" }

func (s *RetainStage) Process(_ context.Context, batch *span.Batch) (*span.Batch, error) {
	removed := batch.Retain(func(sp *span.Span) bool {
		return sp.Verdict == nil || sp.Verdict.Keep
	})
	s.Metrics.sampledOut(removed)
	if s.DropPayload {
		for _, sp := range batch.Spans {
			sp.ReleasePayload()
		}
	}
	return batch, nil
}

type ExportStage struct {
	Exporter Exporter
}

func (s *ExportStage) Name() string { return "export" }

func (s *ExportStage) Process(ctx context.Context, batch *span.Batch) (*span.Batch, error) {
	if batch.Len() == 0 {
		return batch, nil
	}
	if err := s.Exporter.Export(ctx, batch); err != nil {
		return batch, err
	}
	return batch, nil
}
