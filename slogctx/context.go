// Package slogctx carries log attributes on a context, and provides a
// slog.Handler that adds them to every record logged with that context.
package slogctx

import (
	"context"
	"log/slog"
)

// Attribute keys the gateway's packages log under.
const (
	KeyUser      = "user"
	KeyRequestID = "request_id"
)

type attrsContextKey struct{}
type handleContextKey struct{}

// WithAttrs sets the given attributes on the context, replacing any with the
// same key. If the context has a Handle the attributes are set on it and the
// same context is returned, so the request log further out sees attributes
// set deeper in the stack.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if h, ok := ctx.Value(handleContextKey{}).(*Handle); ok {
		h.attrs = setAttrs(h.attrs, attrs)
		return ctx
	}
	return context.WithValue(ctx, attrsContextKey{}, setAttrs(AttrsFromContext(ctx), attrs))
}

// WithUser records the authenticated username. A user switch within one
// request replaces the earlier name.
func WithUser(ctx context.Context, username string) context.Context {
	return WithAttrs(ctx, slog.String(KeyUser, username))
}

// setAttrs returns a new slice of existing with attrs applied. existing is
// never modified, it may be shared with a parent context.
func setAttrs(existing, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(existing)+len(attrs))
	for _, e := range existing {
		if !hasKey(attrs, e.Key) {
			out = append(out, e)
		}
	}
	return append(out, attrs...)
}

func hasKey(attrs []slog.Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// AttrsFromContext returns the attributes from the context.
func AttrsFromContext(ctx context.Context) []slog.Attr {
	if h, ok := ctx.Value(handleContextKey{}).(*Handle); ok {
		return h.attrs
	}
	if attrs, ok := ctx.Value(attrsContextKey{}).([]slog.Attr); ok {
		return attrs
	}
	return nil
}

// Handle collects attributes for one request across the child contexts
// middleware derive from it.
type Handle struct {
	attrs []slog.Attr
}

func (h *Handle) Attrs() []slog.Attr {
	return h.attrs
}

// WithHandle returns a context with a new handle, seeded with the context's
// attributes. A context that already has one is returned unchanged.
func WithHandle(ctx context.Context) (context.Context, *Handle) {
	if h, ok := ctx.Value(handleContextKey{}).(*Handle); ok {
		return ctx, h
	}
	h := &Handle{attrs: AttrsFromContext(ctx)}
	return context.WithValue(ctx, handleContextKey{}, h), h
}
