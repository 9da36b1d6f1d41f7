package csrf

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"filippo.io/csrf"
	"lds.li/weblategate/httperror"
	"lds.li/weblategate/internal"
	"lds.li/weblategate/metrics"
)

var (
	_ Protection = (*Enforcing)(nil)
	_ Hooks      = (*Enforcing)(nil)
)

// Enforcing rejects cross-origin unsafe requests, based on the Sec-Fetch-Site
// and Origin headers. It uses no tokens.
type Enforcing struct {
	protection *csrf.Protection
	failure    http.Handler
	metrics    *metrics.Metrics
}

func NewEnforcing(c Config) (*Enforcing, error) {
	p := csrf.New()
	for _, o := range c.TrustedOrigins {
		if err := p.AddTrustedOrigin(o); err != nil {
			return nil, fmt.Errorf("adding trusted origin %q: %w", o, err)
		}
	}
	for _, pat := range c.BypassPatterns {
		p.AddUnsafeBypassPattern(pat)
	}
	e := &Enforcing{
		protection: p,
		failure:    c.FailureHandler,
		metrics:    c.Metrics,
	}
	if e.failure == nil {
		e.failure = http.HandlerFunc(defaultFailure)
	}
	return e, nil
}

func (e *Enforcing) Token(*http.Request) string {
	return ""
}

func (e *Enforcing) RotateToken(*http.Request) {}

func (e *Enforcing) ProcessRequest(r *http.Request) *http.Request {
	r, _ = withState(r)
	return r
}

// ProcessView checks the request, unless it was already checked. Requests
// marked with Skip or matching a bypass pattern pass the check.
func (e *Enforcing) ProcessView(r *http.Request) (*http.Request, error) {
	r, st := withState(r)
	if st.ProcessingDone || isSafeMethod(r.Method) {
		st.ProcessingDone = true
		return r, nil
	}
	st.ProcessingDone = true

	if err := e.protection.Check(r); err != nil {
		slog.InfoContext(r.Context(), "csrf check failed", "method", r.Method, "path", r.URL.Path, "err", err)
		e.metrics.CSRF(ModeEnforce, "rejected")
		return r, httperror.ForbiddenErrf("CSRF check failed: %w", err)
	}
	e.metrics.CSRF(ModeEnforce, "accepted")
	return r, nil
}

func (e *Enforcing) ProcessResponse(r *http.Request, _ http.ResponseWriter) {
	if st, ok := StateFromContext(r.Context()); ok {
		st.CookieNeedsUpdate = false
	}
}

func (e *Enforcing) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = e.ProcessRequest(r)
		r, err := e.ProcessView(r)
		if err != nil {
			r = r.WithContext(context.WithValue(r.Context(), failureContextKey{}, err))
			e.failure.ServeHTTP(w, r)
			return
		}
		hw := internal.NewHookRW(w, func(w http.ResponseWriter) bool {
			e.ProcessResponse(r, w)
			return true
		})
		h.ServeHTTP(hw, r)
		hw.Finish()
	})
}

type failureContextKey struct{}

// FailureReason returns the rejection error, for use in a FailureHandler.
func FailureReason(ctx context.Context) error {
	err, _ := ctx.Value(failureContextKey{}).(error)
	return err
}

func defaultFailure(w http.ResponseWriter, r *http.Request) {
	err := FailureReason(r.Context())
	if err == nil {
		err = httperror.ForbiddenErrf("CSRF check failed")
	}
	httperror.WriteError(w, r, err)
}
