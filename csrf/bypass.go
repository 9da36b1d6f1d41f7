package csrf

import (
	"log/slog"
	"net/http"

	"lds.li/weblategate/internal"
	"lds.li/weblategate/metrics"
)

var (
	_ Protection = (*Bypass)(nil)
	_ Hooks      = (*Bypass)(nil)
)

// Bypass is a Protection that never rejects. Every request is marked as
// processed and allowed through, and no token is ever issued or rotated.
type Bypass struct {
	Metrics *metrics.Metrics
}

// Token always returns the empty string. No token is generated or stored.
func (b *Bypass) Token(*http.Request) string {
	return ""
}

// RotateToken does nothing.
func (b *Bypass) RotateToken(*http.Request) {}

// ProcessRequest only attaches the request state.
func (b *Bypass) ProcessRequest(r *http.Request) *http.Request {
	r, _ = withState(r)
	return r
}

// ProcessView marks the request as processed, and accepts it regardless of
// method, origin, or cookies.
func (b *Bypass) ProcessView(r *http.Request) (*http.Request, error) {
	r, st := withState(r)
	st.ProcessingDone = true
	if !isSafeMethod(r.Method) {
		slog.DebugContext(r.Context(), "csrf check bypassed", "method", r.Method, "path", r.URL.Path)
		b.Metrics.CSRF(ModeBypass, "accepted")
	}
	return r, nil
}

// ProcessResponse clears any pending cookie update, so no CSRF cookie is ever
// issued. The response itself is left untouched.
func (b *Bypass) ProcessResponse(r *http.Request, _ http.ResponseWriter) {
	if st, ok := StateFromContext(r.Context()); ok {
		st.CookieNeedsUpdate = false
	}
}

func (b *Bypass) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = b.ProcessRequest(r)
		r, _ = b.ProcessView(r)

		hw := internal.NewHookRW(w, func(w http.ResponseWriter) bool {
			b.ProcessResponse(r, w)
			return true
		})
		h.ServeHTTP(hw, r)
		hw.Finish()
	})
}
