package tokens

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

const (
	MethodTiktoken  = "tiktoken"
	MethodHeuristic = "heuristic"
)

// Count is the usage measured for one piece of text.
type Count struct {
	Units      int64
	Confidence Confidence
	Method     string
	Encoding   string
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// EncoderLoader resolves an encoding name such as cl100k_base.
type EncoderLoader func(encoding string) (Encoder, error)

// TiktokenLoader loads BPE ranks through tiktoken-go. Unless UseBPEDir has
// been called, the first call for an encoding may download its rank file.
func TiktokenLoader(encoding string) (Encoder, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

const (
	encodingCL100K = "cl100k_base"
	encodingO200K  = "o200k_base"
)

type familyEncoding struct {
	prefix   string
	encoding string
}

// Longest prefixes first.
var openAIFamilies = []familyEncoding{
	{"text-embedding-3-", encodingCL100K},
	{"text-embedding-ada", encodingCL100K},
	{"gpt-3.5-turbo", encodingCL100K},
	{"gpt-4o-mini", encodingO200K},
	{"gpt-4-turbo", encodingCL100K},
	{"gpt-4.1", encodingO200K},
	{"gpt-4o", encodingO200K},
	{"gpt-4", encodingCL100K},
	{"o1", encodingO200K},
	{"o3", encodingO200K},
}

// EncodingFor returns the tiktoken encoding for an OpenAI model family, or
// "" when no exact tokenizer is known.
func EncodingFor(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return ""
	}
	for _, family := range openAIFamilies {
		if strings.HasPrefix(model, family.prefix) {
			return family.encoding
		}
	}
	return ""
}

// KnownEncodings lists every encoding EncodingFor can return.
func KnownEncodings() []string {
	return []string{encodingCL100K, encodingO200K}
}

type loadState struct {
	done chan struct{}
	err  error
}

// Counter measures text in model tokens. Counting is deterministic for a
// given text and set of loaded encoders. Count never loads an encoder; call
// Preload to make exact counting available.
type Counter struct {
	loader EncoderLoader

	mu      sync.RWMutex
	ready   map[string]Encoder
	loading map[string]*loadState
}

type Option func(*Counter)

// WithLoader replaces the tiktoken loader, mainly for tests and offline
// deployments. A nil loader disables exact counting.
func WithLoader(loader EncoderLoader) Option {
	return func(c *Counter) {
		c.loader = loader
	}
}

func NewCounter(opts ...Option) *Counter {
	c := &Counter{
		loader:  TiktokenLoader,
		ready:   make(map[string]Encoder),
		loading: make(map[string]*loadState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Preload loads the named encodings, or all known encodings when none are
// given, waiting at most until ctx is done. A load still running when ctx
// ends keeps going in the background and becomes usable once it finishes.
// Encodings that are not loaded are counted with the heuristic.
func (c *Counter) Preload(ctx context.Context, encodings ...string) error {
	if c == nil || c.loader == nil {
		return nil
	}
	if len(encodings) == 0 {
		encodings = KnownEncodings()
	}
	states := make(map[string]*loadState, len(encodings))
	for _, encoding := range encodings {
		states[encoding] = c.startLoad(encoding)
	}

	var errs []error
	for _, encoding := range encodings {
		state := states[encoding]
		select {
		case <-state.done:
			if state.err != nil {
				errs = append(errs, fmt.Errorf("load encoding %s: %w", encoding, state.err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("load encoding %s: %w", encoding, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

func (c *Counter) startLoad(encoding string) *loadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.loading[encoding]; ok {
		return state
	}
	state := &loadState{done: make(chan struct{})}
	c.loading[encoding] = state
	go func() {
		defer close(state.done)
		enc, err := c.loader(encoding)
		if err == nil && enc == nil {
			err = errors.New("loader returned no encoder")
		}
		if err != nil {
			state.err = err
			return
		}
		c.mu.Lock()
		c.ready[encoding] = enc
		c.mu.Unlock()
	}()
	return state
}

// Ready reports whether encoding is loaded.
func (c *Counter) Ready(encoding string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ready[encoding]
	return ok
}

// Count returns the token count for text under model. Models without a known
// tokenizer, or whose tokenizer is not loaded, are measured with the
// heuristic and reported at low confidence.
func (c *Counter) Count(text, model string) Count {
	if encoding := EncodingFor(model); encoding != "" && c != nil {
		c.mu.RLock()
		enc := c.ready[encoding]
		c.mu.RUnlock()
		if enc != nil {
			return Count{
				Units:      int64(len(enc.Encode(text, nil, nil))),
				Confidence: ConfidenceHigh,
				Method:     MethodTiktoken,
				Encoding:   encoding,
			}
		}
	}
	return Count{
		Units:      Heuristic(text),
		Confidence: ConfidenceLow,
		Method:     MethodHeuristic,
	}
}

// Heuristic estimates tokens as max(words, ceil(runes/4)). Invalid UTF-8
// bytes count as one rune each.
func Heuristic(text string) int64 {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	byChars := int(math.Ceil(float64(runes) / 4))
	if words > byChars {
		return int64(words)
	}
	return int64(byChars)
}
