package pricing

import (
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

type rate struct {
	provider   string
	model      string
	prompt     string
	completion string
}

// USD per 1K tokens.
var defaultRates = []rate{
	{"openai", openai.GPT4o, "0.0025", "0.010"},
	{"openai", openai.GPT4oMini, "0.00015", "0.0006"},
	{"openai", openai.GPT4Turbo, "0.01", "0.03"},
	{"openai", openai.GPT4, "0.03", "0.06"},
	{"openai", openai.GPT3Dot5Turbo, "0.0005", "0.0015"},
	{"openai", openai.O1Preview, "0.015", "0.06"},
	{"openai", openai.O1Mini, "0.003", "0.012"},

	{"anthropic", "claude-opus-4-1", "0.015", "0.075"},
	{"anthropic", "claude-opus-4", "0.015", "0.075"},
	{"anthropic", "claude-sonnet-4-5", "0.003", "0.015"},
	{"anthropic", "claude-sonnet-4", "0.003", "0.015"},
	{"anthropic", "claude-haiku-4-5", "0.001", "0.005"},
	{"anthropic", "claude-3-7-sonnet", "0.003", "0.015"},
	{"anthropic", "claude-3-5-sonnet", "0.003", "0.015"},
	{"anthropic", "claude-3-5-haiku", "0.0008", "0.004"},
	{"anthropic", "claude-3-opus", "0.015", "0.075"},
	{"anthropic", "claude-3-sonnet", "0.003", "0.015"},
	{"anthropic", "claude-3-haiku", "0.00025", "0.00125"},

	{"google", "gemini-2.5-pro", "0.00125", "0.005"},
	{"google", "gemini-2.5-flash", "0.000075", "0.0003"},
	{"google", "gemini-1.5-pro", "0.00125", "0.005"},
	{"google", "gemini-1.5-flash", "0.000075", "0.0003"},

	{"mistral", "mistral-large-latest", "0.002", "0.006"},
	{"mistral", "mistral-small-latest", "0.0002", "0.0006"},
	{"mistral", "open-mistral-7b", "0", "0"},
}

// DefaultEntries returns the built-in rate card.
func DefaultEntries() []Entry {
	entries := make([]Entry, 0, len(defaultRates))
	for _, r := range defaultRates {
		entries = append(entries, Entry{
			Provider:        r.provider,
			Model:           r.model,
			PromptPer1K:     decimal.RequireFromString(r.prompt),
			CompletionPer1K: decimal.RequireFromString(r.completion),
		})
	}
	return entries
}

// Default builds a table from DefaultEntries.
func Default() *Table {
	t, err := NewTable(DefaultEntries())
	if err != nil {
		panic("pricing: invalid default rate card: " + err.Error())
	}
	return t
}
