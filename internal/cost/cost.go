package cost

import (
	"github.com/shopspring/decimal"

	"github.com/ongoingai/collector/internal/pricing"
	"github.com/ongoingai/collector/internal/span"
)

// Scale is the number of decimal places kept in USD amounts.
const Scale = 10

var thousand = decimal.NewFromInt(1000)

// Breakdown is an exact cost before conversion onto a span.
type Breakdown struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
	Total      decimal.Decimal
}

func (b Breakdown) Span() span.CostBreakdown {
	return span.CostBreakdown{
		PromptCost:     b.Prompt.InexactFloat64(),
		CompletionCost: b.Completion.InexactFloat64(),
		TotalCost:      b.Total.InexactFloat64(),
	}
}

// Calculator prices token usage against the current pricing snapshot.
type Calculator struct {
	store *pricing.Store
}

func NewCalculator(store *pricing.Store) *Calculator {
	if store == nil {
		store = pricing.NewStore(pricing.Default())
	}
	return &Calculator{store: store}
}

// Price returns the cost of the given usage. A missing pricing entry yields a
// zero breakdown and ok=false.
func (c *Calculator) Price(promptUnits, completionUnits int64, provider, model string) (Breakdown, bool) {
	return PriceWith(c.store.Load(), promptUnits, completionUnits, provider, model)
}

// PriceWith prices against a specific snapshot. Callers pricing a whole batch
// load the snapshot once so every span sees the same rates.
func PriceWith(table *pricing.Table, promptUnits, completionUnits int64, provider, model string) (Breakdown, bool) {
	entry, ok := table.Lookup(provider, model)
	if !ok {
		return Breakdown{Prompt: decimal.Zero, Completion: decimal.Zero, Total: decimal.Zero}, false
	}
	prompt := decimal.NewFromInt(promptUnits).Div(thousand).Mul(entry.PromptPer1K).Round(Scale)
	completion := decimal.NewFromInt(completionUnits).Div(thousand).Mul(entry.CompletionPer1K).Round(Scale)
	return Breakdown{
		Prompt:     prompt,
		Completion: completion,
		Total:      prompt.Add(completion),
	}, true
}

func (c *Calculator) Snapshot() *pricing.Table {
	return c.store.Load()
}

// Annotate prices s from its usage when no cost is attached yet. Spans that
// already carry cost keep it. Unpriced spans get a zero cost and
// FlagUnpriced. Non-LLM spans are left alone. It reports whether the span
// carries a priced cost.
func Annotate(table *pricing.Table, s *span.Span) bool {
	if s == nil || s.LLM == nil {
		return false
	}
	if s.Cost != nil {
		return true
	}
	var prompt, completion int64
	if s.Usage != nil {
		prompt, completion = s.Usage.PromptTokens, s.Usage.CompletionTokens
	}
	breakdown, ok := PriceWith(table, prompt, completion, s.Provider(), s.Model())
	s.SetCost(breakdown.Span())
	if !ok {
		s.Mark(span.FlagUnpriced)
	}
	return ok
}
