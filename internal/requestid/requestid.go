// Package requestid tags each ingest request with an identifier that is
// echoed to the client and attached to log lines.
package requestid

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical request identifier header.
	HeaderName = "X-Collector-Request-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// Middleware reuses a valid incoming identifier or assigns a new one, stores
// it on the request context and sets it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromHeaders(r.Header)
		if id == "" {
			id = New()
		}
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), id)))
	})
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalize(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// FromHeaders returns the first valid identifier among the canonical header
// and the common X-Request-ID spellings.
func FromHeaders(headers http.Header) string {
	for _, name := range []string{HeaderName, "X-Request-ID", "X-Correlation-ID"} {
		if id := normalize(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

func New() string {
	return "req-" + uuid.NewString()
}

func normalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
