package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ongoingai/collector/internal/span"
)

const (
	lokiPushPath  = "/loki/api/v1/push"
	lokiReadyPath = "/ready"
)

type LokiConfig struct {
	URL      string
	TenantID string
	Timeout  time.Duration
	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

// Loki pushes one log line per retained span. Stream labels stay low
// cardinality; trace and span ids ride as structured metadata. Loki drops
// entries identical in stream, timestamp and line, so a replayed push is
// harmless.
type Loki struct {
	endpoint string
	readyURL string
	tenantID string
	client   *http.Client
}

func NewLoki(cfg LokiConfig) (*Loki, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("loki url cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Loki{
		endpoint: base + lokiPushPath,
		readyURL: base + lokiReadyPath,
		tenantID: strings.TrimSpace(cfg.TenantID),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

func (l *Loki) Name() string { return "loki_logs" }

// Ping checks Loki's readiness endpoint.
func (l *Loki) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.readyURL, nil)
	if err != nil {
		return fmt.Errorf("build loki ready request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping loki: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Sink: l.Name(), StatusCode: resp.StatusCode}
	}
	return nil
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]any           `json:"values"`
}

// lokiLine is the log body of one span.
type lokiLine struct {
	Message      string   `json:"msg"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Operation    string   `json:"operation,omitempty"`
	Status       string   `json:"status"`
	DurationMS   float64  `json:"duration_ms"`
	TTFTMS       float64  `json:"ttft_ms,omitempty"`
	TotalTokens  int64    `json:"total_tokens,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
	ErrorType    string   `json:"error_type,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	SampleReason string   `json:"sample_reason,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Completion   string   `json:"completion,omitempty"`
}

func (l *Loki) WriteSpans(ctx context.Context, spans []*span.Span) error {
	push, err := buildLokiPush(spans)
	if err != nil || len(push.Streams) == 0 {
		return err
	}
	body, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encode loki push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build loki push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to loki: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Sink: l.Name(), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func buildLokiPush(spans []*span.Span) (lokiPush, error) {
	streams := map[string]*lokiStream{}
	var order []string
	for _, s := range spans {
		if s == nil {
			continue
		}
		labels := map[string]string{
			"service_name": s.ServiceName,
			"level":        s.LogLevel(),
		}
		if s.Environment != "" {
			labels["deployment_environment"] = s.Environment
		}
		key := labelKey(labels)
		stream, ok := streams[key]
		if !ok {
			stream = &lokiStream{Stream: labels}
			streams[key] = stream
			order = append(order, key)
		}

		line, err := json.Marshal(newLokiLine(s))
		if err != nil {
			return lokiPush{}, fmt.Errorf("encode log line for span %q: %w", s.SpanID, err)
		}
		metadata := map[string]string{"trace_id": s.TraceID, "span_id": s.SpanID}
		ts := s.EndTime
		if ts.IsZero() {
			ts = s.StartTime
		}
		stream.Values = append(stream.Values, []any{strconv.FormatInt(ts.UnixNano(), 10), string(line), metadata})
	}

	push := lokiPush{Streams: make([]lokiStream, 0, len(order))}
	for _, key := range order {
		push.Streams = append(push.Streams, *streams[key])
	}
	return push, nil
}

func newLokiLine(s *span.Span) lokiLine {
	line := lokiLine{
		Message:      s.Name,
		Provider:     s.Provider(),
		Model:        s.Model(),
		Status:       string(s.Status),
		DurationMS:   float64(s.Duration().Microseconds()) / 1000,
		TTFTMS:       float64(s.TimeToFirstToken.Microseconds()) / 1000,
		TotalTokens:  s.TotalTokens(),
		CostUSD:      s.TotalCost(),
		ErrorType:    s.ErrorType,
		ErrorMessage: s.ErrorMessage,
		Flags:        s.Flags.Names(),
	}
	if line.Message == "" {
		line.Message = "llm span"
	}
	if s.LLM != nil {
		line.Operation = s.LLM.Operation
	}
	if s.Verdict != nil {
		line.SampleReason = string(s.Verdict.Reason)
	}
	if s.Payload != nil {
		line.Prompt = s.Payload.Prompt
		line.Completion = s.Payload.Completion
	}
	return line
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}
