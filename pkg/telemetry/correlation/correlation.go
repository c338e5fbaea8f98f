// Package correlation carries one ULID across an HTTP request or a background run so
// the log lines and spans it produces can be joined.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header is echoed on every response and accepted from upstream callers.
const Header = "X-Correlation-Id"

const maxInboundLength = 128

type ctxKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// EnsureCorrelationID keeps an id already on ctx, otherwise mints a ULID.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return context.WithValue(ctx, ctxKey{}, id), id
}

// FromHeader adopts an upstream correlation id. Blank or oversized values are
// replaced with a fresh one.
func FromHeader(ctx context.Context, h http.Header) (context.Context, string) {
	inbound := strings.TrimSpace(h.Get(Header))
	if inbound == "" || len(inbound) > maxInboundLength {
		return EnsureCorrelationID(ctx)
	}
	return ContextWithCorrelationID(ctx, inbound), inbound
}
