package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	// ReplaceDefaults discards the built-in rate card instead of overlaying it.
	ReplaceDefaults bool        `yaml:"replace_defaults"`
	Models          []fileEntry `yaml:"models"`
}

type fileEntry struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	PromptPer1K     string `yaml:"prompt_per_1k"`
	CompletionPer1K string `yaml:"completion_per_1k"`
}

// LoadFile reads a YAML rate card and returns a new table. Entries overlay
// the defaults unless replace_defaults is set.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %q: %w", path, err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse pricing file %q: %w", path, err)
	}
	return table, nil
}

func Parse(data []byte) (*Table, error) {
	var doc fileDocument
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	overrides := make([]Entry, 0, len(doc.Models))
	for idx, raw := range doc.Models {
		prompt, err := parseRate(raw.PromptPer1K)
		if err != nil {
			return nil, fmt.Errorf("models[%d].prompt_per_1k: %w", idx, err)
		}
		completion, err := parseRate(raw.CompletionPer1K)
		if err != nil {
			return nil, fmt.Errorf("models[%d].completion_per_1k: %w", idx, err)
		}
		overrides = append(overrides, Entry{
			Provider:        raw.Provider,
			Model:           raw.Model,
			PromptPer1K:     prompt,
			CompletionPer1K: completion,
		})
	}

	if doc.ReplaceDefaults {
		return NewTable(overrides)
	}
	return NewTable(overlay(DefaultEntries(), overrides))
}

func parseRate(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func overlay(base, overrides []Entry) []Entry {
	index := make(map[string]int, len(base))
	out := make([]Entry, 0, len(base)+len(overrides))
	for _, entry := range base {
		index[normalize(entry.Provider)+"/"+normalize(entry.Model)] = len(out)
		out = append(out, entry)
	}
	for _, entry := range overrides {
		key := normalize(entry.Provider) + "/" + normalize(entry.Model)
		if pos, ok := index[key]; ok {
			out[pos] = entry
			continue
		}
		index[key] = len(out)
		out = append(out, entry)
	}
	return out
}
