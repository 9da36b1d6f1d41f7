// Package remoteuser logs users in based on a username asserted by a trusted
// fronting proxy in a request header, X-Remote-User by default.
//
// The header must only ever be set by the proxy. Use
// proxyhdrs.TrustedHeaders to strip it from requests arriving from anywhere
// else.
package remoteuser

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"lds.li/weblategate/csrf"
	"lds.li/weblategate/httperror"
	"lds.li/weblategate/metrics"
	"lds.li/weblategate/session"
	"lds.li/weblategate/slogctx"
)

// Session keys.
const (
	sessionKeyUserID  = "_auth_user_id"
	sessionKeyBackend = "_auth_user_backend"
)

type userCtxKey struct{}

// UserFromContext returns the logged in user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(*User)
	return u, ok
}

// ContextWithUser attaches u to the context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// withUser attaches u to the request, and records it on any slogctx handle so
// the request log line carries it.
func withUser(r *http.Request, u *User) *http.Request {
	ctx := slogctx.WithUser(r.Context(), u.Username)
	return r.WithContext(ContextWithUser(ctx, u))
}

// Middleware logs in the user named in Header. Requests with a different name
// than the session's user switch the session to the new user.
type Middleware struct {
	// Header carries the username. Defaults to DefaultHeader.
	Header string
	// ForceLogoutIfNoHeader logs out a session that this backend logged in
	// when a request arrives without the header. Set by New, cleared by
	// NewPersistent.
	ForceLogoutIfNoHeader bool

	Backend  Backend
	Sessions *session.Manager
	// CSRF, if set, has its token rotated on login.
	CSRF    csrf.Protection
	Metrics *metrics.Metrics
}

// New returns a Middleware that treats a missing header as a logout.
func New(backend Backend, sessions *session.Manager) *Middleware {
	return &Middleware{
		Header:                DefaultHeader,
		ForceLogoutIfNoHeader: true,
		Backend:               backend,
		Sessions:              sessions,
	}
}

// NewPersistent returns a Middleware for deployments where the proxy only
// sets the header on the login page. The session outlives the header.
func NewPersistent(backend Backend, sessions *session.Manager) *Middleware {
	m := New(backend, sessions)
	m.ForceLogoutIfNoHeader = false
	return m
}

func (m *Middleware) header() string {
	if m.Header == "" {
		return DefaultHeader
	}
	return m.Header
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := m.Sessions.Get(r.Context())
		if !ok {
			httperror.WriteError(w, r, httperror.InternalErrf("remote user middleware requires a session"))
			return
		}

		current, err := m.sessionUser(r.Context(), sess)
		if err != nil {
			m.Metrics.RemoteUser(metrics.EventFailure)
			httperror.WriteError(w, r, httperror.InternalErrf("loading session user: %w", err))
			return
		}

		remoteUser := r.Header.Get(m.header())
		if remoteUser == "" {
			// With no header, a session this backend logged in is ended.
			// Other backends' sessions, and persistent mode, are kept.
			if current != nil && m.ForceLogoutIfNoHeader && m.ownsSession(sess) {
				slog.InfoContext(r.Context(), "remote user header missing, logging out", slogctx.KeyUser, current.Username)
				m.logout(sess)
				current = nil
			}
			if current == nil {
				m.Metrics.RemoteUser(metrics.EventAnonymous)
				next.ServeHTTP(w, r)
				return
			}
			m.Metrics.RemoteUser(metrics.EventUnchanged)
			next.ServeHTTP(w, withUser(r, current))
			return
		}

		if current != nil {
			if current.Username == m.Backend.CleanUsername(remoteUser) {
				m.Metrics.RemoteUser(metrics.EventUnchanged)
				next.ServeHTTP(w, withUser(r, current))
				return
			}
			slog.InfoContext(r.Context(), "remote user changed, logging out", slogctx.KeyUser, current.Username)
			m.logout(sess)
		}

		u, err := m.Backend.Authenticate(r.Context(), remoteUser)
		if err != nil {
			m.Metrics.RemoteUser(metrics.EventFailure)
			httperror.WriteError(w, r, httperror.InternalErrf("authenticating remote user: %w", err))
			return
		}
		if u == nil {
			slog.InfoContext(r.Context(), "remote user not authenticated", "remote_user", remoteUser)
			m.Metrics.RemoteUser(metrics.EventFailure)
			next.ServeHTTP(w, r)
			return
		}
		if err := m.login(r, sess, u); err != nil {
			m.Metrics.RemoteUser(metrics.EventFailure)
			httperror.WriteError(w, r, httperror.InternalErrf("logging in remote user: %w", err))
			return
		}
		r = withUser(r, u)
		slog.InfoContext(r.Context(), "remote user logged in")
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) sessionUser(ctx context.Context, sess *session.Session) (*User, error) {
	id, ok := sess.Get(sessionKeyUserID).(int64)
	if !ok {
		return nil, nil
	}
	if !m.ownsSession(sess) {
		return nil, nil
	}
	return m.Backend.GetUser(ctx, id)
}

// ownsSession reports whether the session was logged in by m.Backend.
func (m *Middleware) ownsSession(sess *session.Session) bool {
	b, _ := sess.GetString(sessionKeyBackend)
	return b == m.Backend.Name()
}

func (m *Middleware) login(r *http.Request, sess *session.Session, u *User) error {
	if id, ok := sess.Get(sessionKeyUserID).(int64); ok && id != u.ID {
		sess.Flush()
	} else {
		sess.Reset()
	}
	sess.Set(sessionKeyUserID, u.ID)
	sess.Set(sessionKeyBackend, m.Backend.Name())
	if m.CSRF != nil {
		m.CSRF.RotateToken(r)
	}
	m.Metrics.RemoteUser(metrics.EventLogin)
	return m.Backend.RecordLogin(r.Context(), u)
}

func (m *Middleware) logout(sess *session.Session) {
	sess.Flush()
	m.Metrics.RemoteUser(metrics.EventLogout)
}

// RequireUser responds 401 to requests without a logged in user, except for
// paths under one of the exempt prefixes.
func RequireUser(next http.Handler, exemptPrefixes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		for _, p := range exemptPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		httperror.WriteError(w, r, httperror.UnauthorizedErrf("authentication required"))
	})
}
