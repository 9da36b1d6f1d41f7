// Package requestid allows the generation and propagation of request ID's via
// context, and HTTP calls.
package requestid

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"lds.li/weblategate/slogctx"
)

// RequestIDHeader is the HTTP header name that we pass the request ID in.
const RequestIDHeader = "X-Request-ID"

type requestIDCtxKey struct{}

func init() {
	slogctx.RegisterAttributeExtractor("requestid", func(ctx context.Context) []slog.Attr {
		if id, ok := FromContext(ctx); ok {
			return []slog.Attr{slog.String(slogctx.KeyRequestID, id)}
		}
		return nil
	})
}

// ContextWithRequestID adds the specified request ID to the context
func ContextWithRequestID(parent context.Context, requestID string) context.Context {
	return context.WithValue(parent, requestIDCtxKey{}, requestID)
}

// ContextWithNewRequestID adds a freshly generated request ID to the context,
// returning it.
func ContextWithNewRequestID(parent context.Context) (context.Context, string) {
	id := newRequestID()
	return ContextWithRequestID(parent, id), id
}

// FromContext returns the request ID from the context. If there is no
// request ID in the context, ok will be false.
func FromContext(ctx context.Context) (_ string, ok bool) {
	v, ok := ctx.Value(requestIDCtxKey{}).(string)
	return v, ok
}

func newRequestID() string {
	return uuid.NewString()
}

// Middleware ensures a request ID exists on the context downstream.
type Middleware struct {
	// TrustedHeaders are checked in order for an incoming request ID. If
	// empty, incoming IDs are ignored and a new one is always generated.
	TrustedHeaders []string
	// EchoHeader sets RequestIDHeader on the response.
	EchoHeader bool
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := FromContext(r.Context())
		if !ok {
			requestID = m.incoming(r)
		}
		if requestID == "" {
			requestID = newRequestID()
		}
		if m.EchoHeader {
			w.Header().Set(RequestIDHeader, requestID)
		}
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), requestID)))
	})
}

func (m *Middleware) incoming(r *http.Request) string {
	for _, h := range m.TrustedHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}
