package redact

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/ongoingai/collector/internal/span"
)

type Kind string

const (
	KindCredential Kind = "CREDENTIAL"
	KindEmail      Kind = "EMAIL"
	KindSSN        Kind = "SSN"
	KindCreditCard Kind = "CREDIT_CARD"
	KindPhone      Kind = "PHONE"
	KindIPAddress  Kind = "IP"
	KindPayload    Kind = "PAYLOAD"
	KindField      Kind = "FIELD"
)

// Placeholder returns the fixed replacement for kind. Placeholders contain
// no digits, dots, '@', '=' or '_'-prefixed key material, so no detector
// matches them.
func Placeholder(kind Kind) string {
	return "[" + string(kind) + "_REDACTED]"
}

// Strategy selects what a detected match is replaced with.
type Strategy string

const (
	// StrategyReplace substitutes the kind placeholder, e.g. [EMAIL_REDACTED].
	StrategyReplace Strategy = "replace"
	// StrategyMask substitutes one '*' per rune of the match.
	StrategyMask Strategy = "mask"
	// StrategyHash substitutes a stable pseudonym such as [EMAIL:9f86d081],
	// so equal values stay correlatable without being stored. Low-entropy
	// values can be recovered by brute force.
	StrategyHash Strategy = "hash"
	// StrategyRemove deletes the match.
	StrategyRemove Strategy = "remove"
)

// ParseStrategy maps a config value onto a Strategy. Empty means replace.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case "", StrategyReplace:
		return StrategyReplace, nil
	case StrategyMask:
		return StrategyMask, nil
	case StrategyHash:
		return StrategyHash, nil
	case StrategyRemove:
		return StrategyRemove, nil
	}
	return "", fmt.Errorf("unknown redaction strategy %q", value)
}

// Pseudonym is the StrategyHash replacement for match.
func Pseudonym(kind Kind, match string) string {
	return fmt.Sprintf("[%s:%08x]", kind, uint32(xxhash.Sum64String(match)))
}

const (
	// MaxPlaceholderLen is the longest placeholder, [CREDIT_CARD_REDACTED].
	// Pseudonyms are never longer.
	MaxPlaceholderLen = 22

	// MaxExpansion bounds output growth: the shortest detectable match is a
	// six byte email, so len(out) <= max(MaxExpansion*len(in), MaxPlaceholderLen).
	MaxExpansion = 4

	// PlaceholderTokenCost approximates the cl100k/o200k token count of one
	// placeholder. Counting runs after redaction, so each replacement adds
	// about this many tokens in place of the original match.
	PlaceholderTokenCost = 6

	maxPasses = 16
)

type detector struct {
	kind    Kind
	pattern *regexp.Regexp
	accept  func(match string) bool
}

var (
	credentialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`),
		regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{16,}`),
		regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
		regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
		regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key)\s*[=:]\s*\S{4,}`),
	}
	emailPattern      = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern      = regexp.MustCompile(`(?:\+?\b1[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
)

// Detectors selects which matchers run.
type Detectors struct {
	Credential bool
	Email      bool
	SSN        bool
	CreditCard bool
	Phone      bool
	IPAddress  bool
}

func AllDetectors() Detectors {
	return Detectors{Credential: true, Email: true, SSN: true, CreditCard: true, Phone: true, IPAddress: true}
}

// Result is the outcome of redacting one string.
type Result struct {
	Text     string
	Counts   map[Kind]int
	Degraded bool
}

func (r Result) Replacements() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// Redactor scrubs sensitive substrings with fixed placeholders. It is safe
// for concurrent use.
type Redactor struct {
	detectors   []detector
	keyDenylist map[string]struct{}
	strategy    Strategy
}

type Option func(*Redactor)

// WithStrategy sets how matches are replaced. Denylisted attribute values and
// invalid UTF-8 text always get the fixed placeholder.
func WithStrategy(strategy Strategy) Option {
	return func(r *Redactor) {
		if strategy != "" {
			r.strategy = strategy
		}
	}
}

// WithKeyDenylist replaces whole attribute values whose key matches one of
// keys, case-insensitively.
func WithKeyDenylist(keys []string) Option {
	return func(r *Redactor) {
		r.keyDenylist = make(map[string]struct{}, len(keys))
		for _, key := range keys {
			key = strings.ToLower(strings.TrimSpace(key))
			if key != "" {
				r.keyDenylist[key] = struct{}{}
			}
		}
	}
}

// DefaultKeyDenylist lists attribute keys whose values are always redacted.
var DefaultKeyDenylist = []string{
	"email",
	"phone",
	"password",
	"token",
	"secret",
	"ssn",
	"api_key",
	"authorization",
}

// New builds a redactor with matchers in fixed order: credentials, email,
// SSN, credit card, phone, IPv4.
func New(enabled Detectors, opts ...Option) *Redactor {
	r := &Redactor{strategy: StrategyReplace}
	if enabled.Credential {
		for _, p := range credentialPatterns {
			r.detectors = append(r.detectors, detector{kind: KindCredential, pattern: p})
		}
	}
	if enabled.Email {
		r.detectors = append(r.detectors, detector{kind: KindEmail, pattern: emailPattern})
	}
	if enabled.SSN {
		r.detectors = append(r.detectors, detector{kind: KindSSN, pattern: ssnPattern})
	}
	if enabled.CreditCard {
		r.detectors = append(r.detectors, detector{kind: KindCreditCard, pattern: creditCardPattern, accept: luhnValid})
	}
	if enabled.Phone {
		r.detectors = append(r.detectors, detector{kind: KindPhone, pattern: phonePattern})
	}
	if enabled.IPAddress {
		r.detectors = append(r.detectors, detector{kind: KindIPAddress, pattern: ipv4Pattern})
	}
	WithKeyDenylist(DefaultKeyDenylist)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RedactString is Redact without the bookkeeping.
func (r *Redactor) RedactString(text string) string {
	return r.Redact(text).Text
}

// Redact replaces every detected match. Passes repeat until nothing changes,
// so Redact(Redact(x).Text).Text == Redact(x).Text. Text that is not valid
// UTF-8 is replaced whole and reported as degraded.
func (r *Redactor) Redact(text string) Result {
	if !utf8.ValidString(text) {
		return Result{
			Text:     Placeholder(KindPayload),
			Counts:   map[Kind]int{KindPayload: 1},
			Degraded: true,
		}
	}
	result := Result{Text: text}
	if r == nil || len(text) == 0 {
		return result
	}
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, d := range r.detectors {
			next, n := d.apply(result.Text, r.strategy)
			if n == 0 {
				continue
			}
			if result.Counts == nil {
				result.Counts = make(map[Kind]int)
			}
			result.Counts[d.kind] += n
			result.Text = next
			changed = true
		}
		if !changed {
			return result
		}
	}
	return result
}

// Strategy reports how matches are replaced.
func (r *Redactor) Strategy() Strategy {
	if r == nil {
		return StrategyReplace
	}
	return r.strategy
}

func (d detector) apply(text string, strategy Strategy) (string, int) {
	if !d.pattern.MatchString(text) {
		return text, 0
	}
	count := 0
	out := d.pattern.ReplaceAllStringFunc(text, func(match string) string {
		if d.accept != nil && !d.accept(match) {
			return match
		}
		count++
		return replacement(d.kind, match, strategy)
	})
	return out, count
}

func replacement(kind Kind, match string, strategy Strategy) string {
	switch strategy {
	case StrategyMask:
		return strings.Repeat("*", utf8.RuneCountInString(match))
	case StrategyHash:
		return Pseudonym(kind, match)
	case StrategyRemove:
		return ""
	default:
		return Placeholder(kind)
	}
}

// SpanResult summarises redaction applied to one span.
type SpanResult struct {
	Replacements int
	Degraded     bool
}

// RedactSpan scrubs payload text, the error message and string attribute
// values in place. Denylisted attribute keys lose their value entirely.
func (r *Redactor) RedactSpan(s *span.Span) SpanResult {
	var out SpanResult
	if r == nil || s == nil {
		return out
	}
	apply := func(text string) string {
		res := r.Redact(text)
		out.Replacements += res.Replacements()
		out.Degraded = out.Degraded || res.Degraded
		return res.Text
	}
	if s.Payload != nil {
		s.Payload.Prompt = apply(s.Payload.Prompt)
		s.Payload.Completion = apply(s.Payload.Completion)
	}
	if s.ErrorMessage != "" {
		s.ErrorMessage = apply(s.ErrorMessage)
	}
	for i := range s.Attributes {
		attr := &s.Attributes[i]
		if _, denied := r.keyDenylist[strings.ToLower(attr.Key)]; denied {
			if attr.Value.Kind != span.KindString || attr.Value.Str != Placeholder(KindField) {
				attr.Value = span.StringValue(Placeholder(KindField))
				out.Replacements++
			}
			continue
		}
		if attr.Value.Kind == span.KindString {
			attr.Value.Str = apply(attr.Value.Str)
		}
	}
	if out.Degraded {
		s.Mark(span.FlagRedactionDegraded)
	}
	return out
}

func luhnValid(match string) bool {
	sum := 0
	digits := 0
	double := false
	for i := len(match) - 1; i >= 0; i-- {
		c := match[i]
		if c < '0' || c > '9' {
			continue
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
		digits++
	}
	return digits >= 13 && digits <= 19 && sum%10 == 0
}
