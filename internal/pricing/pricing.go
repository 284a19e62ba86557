package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Entry holds USD rates per 1000 tokens for one provider/model pair.
type Entry struct {
	Provider        string
	Model           string
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
}

// Table is an immutable pricing snapshot. Build a new table to change rates.
type Table struct {
	exact    map[string]map[string]Entry
	prefixes map[string][]Entry
	byModel  map[string]Entry
	entries  []Entry
}

var ErrInvalidEntry = errors.New("invalid pricing entry")

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NewTable validates entries and indexes them for lookup. Provider and model
// names are case-insensitive.
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{
		exact:    make(map[string]map[string]Entry),
		prefixes: make(map[string][]Entry),
		byModel:  make(map[string]Entry),
		entries:  make([]Entry, 0, len(entries)),
	}
	ambiguous := make(map[string]bool)
	for idx, entry := range entries {
		entry.Provider = normalize(entry.Provider)
		entry.Model = normalize(entry.Model)
		if entry.Provider == "" || entry.Model == "" {
			return nil, fmt.Errorf("%w: entries[%d] requires provider and model", ErrInvalidEntry, idx)
		}
		if entry.PromptPer1K.IsNegative() || entry.CompletionPer1K.IsNegative() {
			return nil, fmt.Errorf("%w: %s/%s has a negative rate", ErrInvalidEntry, entry.Provider, entry.Model)
		}
		models, ok := t.exact[entry.Provider]
		if !ok {
			models = make(map[string]Entry)
			t.exact[entry.Provider] = models
		}
		if _, dup := models[entry.Model]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s/%s", ErrInvalidEntry, entry.Provider, entry.Model)
		}
		models[entry.Model] = entry
		t.prefixes[entry.Provider] = append(t.prefixes[entry.Provider], entry)
		if _, seen := t.byModel[entry.Model]; seen {
			ambiguous[entry.Model] = true
		} else {
			t.byModel[entry.Model] = entry
		}
		t.entries = append(t.entries, entry)
	}
	for model := range ambiguous {
		delete(t.byModel, model)
	}
	for provider := range t.prefixes {
		list := t.prefixes[provider]
		sort.Slice(list, func(i, j int) bool {
			if len(list[i].Model) != len(list[j].Model) {
				return len(list[i].Model) > len(list[j].Model)
			}
			return list[i].Model < list[j].Model
		})
	}
	sort.Slice(t.entries, func(i, j int) bool {
		if t.entries[i].Provider != t.entries[j].Provider {
			return t.entries[i].Provider < t.entries[j].Provider
		}
		return t.entries[i].Model < t.entries[j].Model
	})
	return t, nil
}

// Lookup resolves rates by exact provider/model, then by the longest model
// prefix within the provider so dated releases such as gpt-4o-2024-08-06 use
// the gpt-4o entry. With no provider, an unambiguous model name matches.
func (t *Table) Lookup(provider, model string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	provider = normalize(provider)
	model = normalize(model)
	if model == "" {
		return Entry{}, false
	}
	if provider == "" {
		entry, ok := t.byModel[model]
		return entry, ok
	}
	if entry, ok := t.exact[provider][model]; ok {
		return entry, true
	}
	for _, entry := range t.prefixes[provider] {
		if strings.HasPrefix(model, entry.Model) && isVersionBoundary(model[len(entry.Model):]) {
			return entry, true
		}
	}
	return Entry{}, false
}

// isVersionBoundary keeps gpt-4 from matching gpt-4o while letting
// gpt-4-0613 and claude-3-5-sonnet-latest resolve.
func isVersionBoundary(rest string) bool {
	return rest == "" || rest[0] == '-' || rest[0] == '@' || rest[0] == ':'
}

// Entries returns a copy of the table sorted by provider and model.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Store publishes the current table. Readers never observe a partial update.
type Store struct {
	current atomic.Pointer[Table]
	version atomic.Int64
}

func NewStore(initial *Table) *Store {
	s := &Store{}
	if initial == nil {
		initial, _ = NewTable(nil)
	}
	s.current.Store(initial)
	return s
}

func (s *Store) Load() *Table {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Replace swaps in next and returns the previous snapshot.
func (s *Store) Replace(next *Table) *Table {
	if next == nil {
		return s.Load()
	}
	prev := s.current.Swap(next)
	s.version.Add(1)
	return prev
}

// Version counts successful replacements.
func (s *Store) Version() int64 {
	return s.version.Load()
}
