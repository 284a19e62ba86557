package span

import (
	"strings"
	"time"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Flags records per-span degradations. They never fail a batch.
type Flags uint16

const (
	FlagRedactionDegraded Flags = 1 << iota
	FlagUnpriced
	FlagTokensEstimated
	FlagAttributeMalformed
	FlagUsageCorrected
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagRedactionDegraded, "redaction_degraded"},
	{FlagUnpriced, "unpriced"},
	{FlagTokensEstimated, "tokens_estimated"},
	{FlagAttributeMalformed, "attribute_malformed"},
	{FlagUsageCorrected, "usage_corrected"},
}

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Names returns the flag names set on f in declaration order.
func (f Flags) Names() []string {
	var names []string
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), ",")
}

// LLMAttributes carries model-call semantics. Nil on non-LLM spans.
type LLMAttributes struct {
	Provider    string   `json:"provider_name,omitempty"`
	Model       string   `json:"model_name,omitempty"`
	Operation   string   `json:"operation_name,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// CostBreakdown is denominated in USD.
type CostBreakdown struct {
	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`
}

type TextPayload struct {
	Prompt     string `json:"prompt,omitempty"`
	Completion string `json:"completion,omitempty"`
}

type Span struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Name         string `json:"name,omitempty"`

	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version,omitempty"`
	Environment    string `json:"deployment_environment,omitempty"`

	LLM   *LLMAttributes `json:"llm,omitempty"`
	Usage *TokenUsage    `json:"usage,omitempty"`
	Cost  *CostBreakdown `json:"cost,omitempty"`

	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	TimeToFirstToken time.Duration `json:"time_to_first_token,omitempty"`

	Status       Status `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Attributes Attributes   `json:"attributes,omitempty"`
	Payload    *TextPayload `json:"raw_text_payload,omitempty"`

	Verdict *Verdict `json:"verdict,omitempty"`
	Flags   Flags    `json:"flags,omitempty"`
}

func (s *Span) Duration() time.Duration {
	if s == nil || s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// IsError reports whether the span ended in error or timeout.
func (s *Span) IsError() bool {
	return s != nil && (s.Status == StatusError || s.Status == StatusTimeout)
}

func (s *Span) Provider() string {
	if s == nil || s.LLM == nil {
		return ""
	}
	return s.LLM.Provider
}

func (s *Span) Model() string {
	if s == nil || s.LLM == nil {
		return ""
	}
	return s.LLM.Model
}

func (s *Span) TotalTokens() int64 {
	if s == nil || s.Usage == nil {
		return 0
	}
	return s.Usage.TotalTokens
}

func (s *Span) TotalCost() float64 {
	if s == nil || s.Cost == nil {
		return 0
	}
	return s.Cost.TotalCost
}

// SetCost attaches cost once. Later calls leave the first breakdown in place
// and report false.
func (s *Span) SetCost(cost CostBreakdown) bool {
	if s == nil || s.Cost != nil {
		return false
	}
	c := cost
	s.Cost = &c
	return true
}

// Mark sets flag and reports whether it was newly set.
func (s *Span) Mark(flag Flags) bool {
	if s.Flags.Has(flag) {
		return false
	}
	s.Flags |= flag
	return true
}

// ReleasePayload drops raw prompt and completion text.
func (s *Span) ReleasePayload() {
	if s != nil {
		s.Payload = nil
	}
}

// LogLevel maps the span outcome to a log severity.
func (s *Span) LogLevel() string {
	switch s.Status {
	case StatusError:
		return "error"
	case StatusTimeout:
		return "warn"
	default:
		return "info"
	}
}

// Normalize repairs structural invariants in place and returns the flags it
// raised. EndTime before StartTime is clamped, an inconsistent token total is
// recomputed, and attributes whose values are not string, number or bool are
// removed.
func (s *Span) Normalize() Flags {
	if s == nil {
		return 0
	}
	var raised Flags
	if s.EndTime.IsZero() {
		s.EndTime = s.StartTime
	}
	if s.EndTime.Before(s.StartTime) {
		s.EndTime = s.StartTime
		if s.Mark(FlagAttributeMalformed) {
			raised |= FlagAttributeMalformed
		}
	}
	if s.Status == "" {
		s.Status = StatusOK
	}
	if s.Usage != nil {
		if s.Usage.PromptTokens < 0 {
			s.Usage.PromptTokens = 0
		}
		if s.Usage.CompletionTokens < 0 {
			s.Usage.CompletionTokens = 0
		}
		want := s.Usage.PromptTokens + s.Usage.CompletionTokens
		if s.Usage.TotalTokens != want {
			s.Usage.TotalTokens = want
			if s.Mark(FlagUsageCorrected) {
				raised |= FlagUsageCorrected
			}
		}
	}
	if s.Attributes.dropInvalid() > 0 {
		if s.Mark(FlagAttributeMalformed) {
			raised |= FlagAttributeMalformed
		}
	}
	return raised
}
