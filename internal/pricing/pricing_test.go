package pricing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLookupExactAndPrefix(t *testing.T) {
	t.Parallel()

	table := Default()

	tests := []struct {
		provider string
		model    string
		want     string
		ok       bool
	}{
		{"openai", "gpt-4-turbo", "gpt-4-turbo", true},
		{"OpenAI", "GPT-4o", "gpt-4o", true},
		{"openai", "gpt-4o-2024-08-06", "gpt-4o", true},
		{"openai", "gpt-4o-mini-2024-07-18", "gpt-4o-mini", true},
		{"openai", "gpt-4-0613", "gpt-4", true},
		{"anthropic", "claude-3-5-sonnet-20241022", "claude-3-5-sonnet", true},
		{"anthropic", "claude-sonnet-4-5-20250929", "claude-sonnet-4-5", true},
		{"", "gemini-1.5-pro", "gemini-1.5-pro", true},
		{"openai", "gpt-5-experimental", "", false},
		{"unknown", "gpt-4o", "", false},
		{"openai", "", "", false},
	}
	for _, tt := range tests {
		entry, ok := table.Lookup(tt.provider, tt.model)
		if ok != tt.ok {
			t.Fatalf("Lookup(%q, %q) ok=%v, want %v", tt.provider, tt.model, ok, tt.ok)
		}
		if ok && entry.Model != tt.want {
			t.Fatalf("Lookup(%q, %q) model=%q, want %q", tt.provider, tt.model, entry.Model, tt.want)
		}
	}
}

func TestPrefixDoesNotCrossModelFamilies(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Entry{{Provider: "openai", Model: "gpt-4", PromptPer1K: decimal.NewFromInt(1)}})
	require.NoError(t, err)

	_, ok := table.Lookup("openai", "gpt-4o")
	assert.False(t, ok)
}

func TestNewTableRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	_, err := NewTable([]Entry{{Provider: "openai"}})
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = NewTable([]Entry{{Provider: "a", Model: "m", PromptPer1K: decimal.NewFromInt(-1)}})
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = NewTable([]Entry{{Provider: "a", Model: "m"}, {Provider: "A", Model: "M"}})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestAmbiguousModelWithoutProviderIsUnpriced(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Entry{
		{Provider: "azure", Model: "gpt-4o"},
		{Provider: "openai", Model: "gpt-4o"},
	})
	require.NoError(t, err)

	_, ok := table.Lookup("", "gpt-4o")
	assert.False(t, ok)
}

func TestParseOverlaysDefaults(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte(`
models:
  - provider: openai
    model: gpt-4o
    prompt_per_1k: 0.002
    completion_per_1k: "0.008"
  - provider: local
    model: llama-3-70b
    prompt_per_1k: 0
    completion_per_1k: 0
`))
	require.NoError(t, err)

	entry, ok := table.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.True(t, entry.PromptPer1K.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, entry.CompletionPer1K.Equal(decimal.RequireFromString("0.008")))

	_, ok = table.Lookup("local", "llama-3-70b")
	assert.True(t, ok)
	_, ok = table.Lookup("anthropic", "claude-3-haiku")
	assert.True(t, ok, "defaults should survive an overlay")
}

func TestParseReplaceDefaultsAndUnknownFields(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte("replace_defaults: true\nmodels:\n  - {provider: a, model: b, prompt_per_1k: '1', completion_per_1k: '2'}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	_, err = Parse([]byte("modles: []\n"))
	require.Error(t, err)

	_, err = Parse([]byte("models:\n  - {provider: a, model: b, prompt_per_1k: abc}\n"))
	require.Error(t, err)
}

func TestStoreReplaceIsVisibleToConcurrentReaders(t *testing.T) {
	t.Parallel()

	first := Default()
	second, err := NewTable([]Entry{{Provider: "openai", Model: "gpt-4o", PromptPer1K: decimal.NewFromInt(9)}})
	require.NoError(t, err)
	store := NewStore(first)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				table := store.Load()
				entry, ok := table.Lookup("openai", "gpt-4o")
				if !ok {
					t.Errorf("snapshot missing gpt-4o")
					return
				}
				if table.Len() == 1 && !entry.PromptPer1K.Equal(decimal.NewFromInt(9)) {
					t.Errorf("mixed snapshot observed")
					return
				}
			}
		}()
	}
	prev := store.Replace(second)
	wg.Wait()

	assert.Same(t, first, prev)
	assert.Same(t, second, store.Load())
	assert.Equal(t, int64(1), store.Version())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0o600))

	store := NewStore(Default())
	reloaded := make(chan error, 4)
	w := NewWatcher(path, store,
		WithDebounce(20*time.Millisecond),
		WithReloadHook(func(_ *Table, err error) { reloaded <- err }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("replace_defaults: true\nmodels:\n  - {provider: x, model: y, prompt_per_1k: '1'}\n"), 0o600))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pricing reload")
	}
	assert.Equal(t, 1, store.Load().Len())

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherKeepsPreviousTableOnParseError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: [[["), 0o600))

	store := NewStore(Default())
	before := store.Load()
	err := NewWatcher(path, store).Reload()

	require.Error(t, err)
	assert.Same(t, before, store.Load())
}
