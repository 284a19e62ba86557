package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ongoingai/collector/internal/span"
)

const defaultMaxBodyBytes = 8 << 20

// Submitter admits batches without blocking. *pipeline.Pipeline satisfies it.
type Submitter interface {
	TrySubmit(batch *span.Batch) error
}

// SpanAdder takes spans one at a time. *pipeline.Batcher satisfies it.
type SpanAdder interface {
	Add(ctx context.Context, s *span.Span) error
}

type SpansOptions struct {
	Pipeline Submitter
	// BatchSize splits large requests into several batches.
	BatchSize    int
	MaxBodyBytes int64
}

type NDJSONOptions struct {
	Batcher      SpanAdder
	MaxBodyBytes int64
}

type submitResponse struct {
	Accepted int    `json:"accepted"`
	Batches  int    `json:"batches,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SpansHandler accepts a JSON array of spans, or an object with a "spans"
// array. A request larger than one batch is split; when the queue fills
// part way, the response reports how many spans were accepted before the
// rejection. Sinks deduplicate on (trace_id, span_id), so resending the
// whole request is safe.
func SpansHandler(options SpansOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Pipeline == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline is not configured")
			return
		}

		body := http.MaxBytesReader(w, r.Body, maxBodyBytes(options.MaxBodyBytes))
		spans, err := decodeSpans(body)
		if err != nil {
			writeDecodeError(w, err)
			return
		}
		if len(spans) == 0 {
			writeJSON(w, http.StatusAccepted, submitResponse{})
			return
		}

		batchSize := options.BatchSize
		if batchSize <= 0 {
			batchSize = len(spans)
		}
		resp := submitResponse{}
		for start := 0; start < len(spans); start += batchSize {
			end := min(start+batchSize, len(spans))
			if err := options.Pipeline.TrySubmit(span.NewBatch(spans[start:end])); err != nil {
				status, message := statusForSubmitError(err)
				if status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "1")
				}
				resp.Error = message
				writeJSON(w, status, resp)
				return
			}
			resp.Accepted += end - start
			resp.Batches++
		}
		writeJSON(w, http.StatusAccepted, resp)
	})
}

// NDJSONHandler streams one span per line into the batcher. Add blocks while
// the pipeline is saturated, so a slow pipeline slows the client down rather
// than rejecting it.
func NDJSONHandler(options NDJSONOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Batcher == nil {
			writeError(w, http.StatusServiceUnavailable, "batcher is not configured")
			return
		}

		body := http.MaxBytesReader(w, r.Body, maxBodyBytes(options.MaxBodyBytes))
		decoder := json.NewDecoder(bufio.NewReader(body))
		resp := submitResponse{}
		for line := 1; ; line++ {
			s := &span.Span{}
			err := decoder.Decode(s)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				resp.Error = fmt.Sprintf("decode span %d: %v", line, err)
				writeJSON(w, decodeStatus(err), resp)
				return
			}
			if err := validateSpan(s); err != nil {
				resp.Error = fmt.Sprintf("span %d: %v", line, err)
				writeJSON(w, http.StatusBadRequest, resp)
				return
			}
			resetServerFields(s)
			if err := options.Batcher.Add(r.Context(), s); err != nil {
				status, message := statusForSubmitError(err)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					status, message = http.StatusServiceUnavailable, "request cancelled"
				}
				resp.Error = message
				writeJSON(w, status, resp)
				return
			}
			resp.Accepted++
		}
		writeJSON(w, http.StatusAccepted, resp)
	})
}

func maxBodyBytes(limit int64) int64 {
	if limit <= 0 {
		return defaultMaxBodyBytes
	}
	return limit
}

type spanEnvelope struct {
	Spans []*span.Span `json:"spans"`
}

func decodeSpans(body io.Reader) ([]*span.Span, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var spans []*span.Span
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &spans); err != nil {
			return nil, fmt.Errorf("decode span array: %w", err)
		}
	case '{':
		var envelope spanEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode span envelope: %w", err)
		}
		spans = envelope.Spans
	default:
		return nil, errors.New("body must be a json array of spans or an object with a spans array")
	}

	out := spans[:0]
	for i, s := range spans {
		if s == nil {
			continue
		}
		if err := validateSpan(s); err != nil {
			return nil, fmt.Errorf("span %d: %w", i, err)
		}
		resetServerFields(s)
		out = append(out, s)
	}
	return out, nil
}

func validateSpan(s *span.Span) error {
	switch {
	case strings.TrimSpace(s.TraceID) == "":
		return errors.New("trace_id is required")
	case strings.TrimSpace(s.SpanID) == "":
		return errors.New("span_id is required")
	case strings.TrimSpace(s.ServiceName) == "":
		return errors.New("service_name is required")
	case s.StartTime.IsZero():
		return errors.New("start_time is required")
	}
	return nil
}

// resetServerFields clears fields only the pipeline may set.
func resetServerFields(s *span.Span) {
	s.Verdict = nil
	s.Flags = 0
}

func decodeStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeDecodeError(w http.ResponseWriter, err error) {
	status := decodeStatus(err)
	if status == http.StatusRequestEntityTooLarge {
		writeError(w, status, "request body too large")
		return
	}
	writeError(w, status, err.Error())
}
