package internal

import (
	"errors"
	"net/http"
	"sync"
)

var _ UnwrappableResponseWriter = (*HookRW)(nil)

// HookRW triggers an action before the response writing starts, e.g. saving a
// session or finalising per-request state. The hook is called at most once.
type HookRW struct {
	http.ResponseWriter
	// Hook is called with the underlying writer. It returns false if the
	// response was handled by the hook, and the wrapped write should be
	// dropped.
	Hook     func(http.ResponseWriter) bool
	hookOnce sync.Once
	ok       bool
}

// NewHookRW wraps w, calling hook before the first header or body write.
func NewHookRW(w http.ResponseWriter, hook func(http.ResponseWriter) bool) *HookRW {
	return &HookRW{ResponseWriter: w, Hook: hook}
}

func (h *HookRW) fire() bool {
	h.hookOnce.Do(func() {
		h.ok = h.Hook(h.ResponseWriter)
	})
	return h.ok
}

func (h *HookRW) Write(b []byte) (int, error) {
	if !h.fire() {
		return 0, errors.New("request interrupted by hook")
	}
	return h.ResponseWriter.Write(b)
}

func (h *HookRW) WriteHeader(statusCode int) {
	if h.fire() {
		h.ResponseWriter.WriteHeader(statusCode)
	}
}

// Finish fires the hook if the handler never wrote anything.
func (h *HookRW) Finish() {
	h.fire()
}

func (h *HookRW) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}
