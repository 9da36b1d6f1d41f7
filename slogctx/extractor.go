package slogctx

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// AttributeExtractor pulls attributes out of values other packages keep on
// the context, e.g. the request ID or the authenticated user.
type AttributeExtractor func(ctx context.Context) []slog.Attr

var (
	extractors   = make(map[string]AttributeExtractor)
	extractorsMu sync.RWMutex
)

// RegisterAttributeExtractor registers an extractor under name, replacing any
// existing one. Safe to call from init.
func RegisterAttributeExtractor(name string, extractor AttributeExtractor) {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	extractors[name] = extractor
}

// DeregisterAttributeExtractor removes the named extractor, reporting whether
// it existed.
func DeregisterAttributeExtractor(name string) bool {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	_, ok := extractors[name]
	delete(extractors, name)
	return ok
}

// ExtractedAttrs runs all registered extractors against ctx, in name order.
func ExtractedAttrs(ctx context.Context) []slog.Attr {
	extractorsMu.RLock()
	defer extractorsMu.RUnlock()

	names := make([]string, 0, len(extractors))
	for n := range extractors {
		names = append(names, n)
	}
	sort.Strings(names)

	var attrs []slog.Attr
	for _, n := range names {
		attrs = append(attrs, extractors[n](ctx)...)
	}
	return attrs
}
