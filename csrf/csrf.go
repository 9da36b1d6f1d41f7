// Package csrf hosts the cross-site request forgery handling for the gateway.
//
// Two implementations are provided. Bypass accepts every request, and exists
// for deployments where the application behind the gateway must never reject
// a request for CSRF reasons. Enforcing applies origin based protection.
package csrf

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"filippo.io/csrf"
	"lds.li/weblategate/metrics"
)

// Protection is implemented by the CSRF middleware variants.
type Protection interface {
	// Handler wraps h with the protection.
	Handler(h http.Handler) http.Handler
	// Token returns the token to embed in forms, if the implementation uses
	// one.
	Token(r *http.Request) string
	// RotateToken changes the token in use for the request, e.g. on login.
	RotateToken(r *http.Request)
}

// Hooks are the individual steps a Protection runs for each request, exposed
// so they can be driven outside of Handler.
type Hooks interface {
	// ProcessRequest runs first, returning the request to continue with.
	ProcessRequest(r *http.Request) *http.Request
	// ProcessView decides whether the request may proceed. A non-nil error
	// is a rejection.
	ProcessView(r *http.Request) (*http.Request, error)
	// ProcessResponse runs before the response is written.
	ProcessResponse(r *http.Request, w http.ResponseWriter)
}

// State is the per-request CSRF state, shared by the hooks.
type State struct {
	// ProcessingDone is set once the view hook has run, so the check is not
	// repeated if the middleware is applied twice.
	ProcessingDone bool
	// CookieNeedsUpdate signals that a token cookie should be (re)issued on
	// the response.
	CookieNeedsUpdate bool
}

type stateContextKey struct{}

// StateFromContext returns the request's CSRF state, if a hook has run.
func StateFromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateContextKey{}).(*State)
	return s, ok
}

// withState returns r with a State attached, reusing an existing one.
func withState(r *http.Request) (*http.Request, *State) {
	if s, ok := StateFromContext(r.Context()); ok {
		return r, s
	}
	s := &State{}
	return r.WithContext(context.WithValue(r.Context(), stateContextKey{}, s)), s
}

// Skip marks the request to be skipped for CSRF protection.
var Skip = csrf.UnsafeBypassRequest

// isSafeMethod reports methods that must not change state, and are never
// checked.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

const (
	ModeBypass  = "bypass"
	ModeEnforce = "enforce"
)

// Config selects and configures a Protection.
type Config struct {
	// Mode is ModeBypass or ModeEnforce. Empty means ModeBypass.
	Mode string
	// TrustedOrigins are origins, e.g. https://weblate.example.com, allowed
	// to make cross-origin unsafe requests in enforce mode.
	TrustedOrigins []string
	// BypassPatterns are http.ServeMux patterns exempt from enforcement.
	BypassPatterns []string
	// FailureHandler renders rejections in enforce mode. The reason is
	// available via FailureReason. Defaults to a 403 via httperror.
	FailureHandler http.Handler
	Metrics        *metrics.Metrics
}

// New builds the Protection c.Mode asks for.
func New(c Config) (Protection, error) {
	switch strings.ToLower(c.Mode) {
	case "", ModeBypass:
		return &Bypass{Metrics: c.Metrics}, nil
	case ModeEnforce:
		return NewEnforcing(c)
	default:
		return nil, fmt.Errorf("unknown csrf mode %q", c.Mode)
	}
}
