package slogctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var _ slog.Handler = (*Handler)(nil)

// Handler wraps a slog.Handler to inject attributes from the context into each
// log record. Attributes already on the record win over context ones.
type Handler struct {
	handler slog.Handler
}

// NewContextHandler creates a Handler wrapping h.
func NewContextHandler(h slog.Handler) *Handler {
	return &Handler{handler: h}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var attrs []slog.Attr
	attrs = append(attrs, AttrsFromContext(ctx)...)
	attrs = append(attrs, ExtractedAttrs(ctx)...)
	if len(attrs) == 0 {
		return h.handler.Handle(ctx, r)
	}

	seen := make(map[string]struct{}, r.NumAttrs()+len(attrs))
	r.Attrs(func(a slog.Attr) bool {
		seen[a.Key] = struct{}{}
		return true
	})

	r = r.Clone()
	for _, a := range attrs {
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		r.AddAttrs(a)
	}
	return h.handler.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{handler: h.handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{handler: h.handler.WithGroup(name)}
}

// NewLogger builds a context-aware logger writing to w. format is "json" or
// "text", level one of debug, info, warn or error.
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var base slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(NewContextHandler(base)), nil
}
