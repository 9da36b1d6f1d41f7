package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lds.li/weblategate/internal"
)

var DefaultIdleTimeout = 24 * time.Hour

// CookieOpts configures the cookie used to track sessions.
type CookieOpts struct {
	Name string
	Path string
	// Insecure drops the Secure attribute, for plain-text development
	// setups. A __Host- prefixed name requires it to be false.
	Insecure bool
	// Persist sets a Max-Age, so the cookie outlives the browser session.
	Persist bool
}

func (c *CookieOpts) newCookie(value string, exp time.Time) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     c.Path,
		Secure:   !c.Insecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if c.Persist && !exp.IsZero() {
		hc.MaxAge = int(time.Until(exp).Seconds())
	}
	return hc
}

// ManagerOpts configures the session manager
type ManagerOpts struct {
	// MaxLifetime caps the session age from creation. Zero means no cap.
	MaxLifetime time.Duration
	// IdleTimeout expires sessions not used for this long. If both this and
	// MaxLifetime are zero, DefaultIdleTimeout is used.
	IdleTimeout time.Duration
	// CookieOpts overrides the default cookie, __Host-weblategate on /.
	CookieOpts *CookieOpts
}

// Manager loads the session for each request, and saves it before the
// response is written.
type Manager struct {
	store      storage
	cookieOpts CookieOpts
	opts       ManagerOpts
}

// NewCookieManager creates a Manager that stores encrypted session data in
// the cookie.
func NewCookieManager(aead AEAD, opts *ManagerOpts) (*Manager, error) {
	if aead == nil {
		return nil, errors.New("aead is required")
	}
	m := newManager(opts)
	m.store = &cookieStorage{aead: aead, ad: []byte(m.cookieOpts.Name)}
	return m, nil
}

// NewKVManager creates a Manager that stores session data in kv, keyed by a
// random ID held in the cookie.
func NewKVManager(kv KV, opts *ManagerOpts) (*Manager, error) {
	if kv == nil {
		return nil, errors.New("kv is required")
	}
	m := newManager(opts)
	m.store = &kvStorage{kv: kv}
	return m, nil
}

func newManager(opts *ManagerOpts) *Manager {
	m := &Manager{}
	if opts != nil {
		m.opts = *opts
	}
	if m.opts.IdleTimeout == 0 && m.opts.MaxLifetime == 0 {
		m.opts.IdleTimeout = DefaultIdleTimeout
	}
	if m.opts.CookieOpts != nil {
		m.cookieOpts = *m.opts.CookieOpts
	} else {
		m.cookieOpts = CookieOpts{Name: "__Host-weblategate", Path: "/"}
	}
	if m.cookieOpts.Path == "" {
		m.cookieOpts.Path = "/"
	}
	return m
}

type mgrSessCtxKey struct{ inst *Manager }

// Wrap loads the session for the request, making it available via Get.
// Loading failures are logged and a fresh session started.
func (m *Manager) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(mgrSessCtxKey{inst: m}).(*Session); ok {
			next.ServeHTTP(w, r)
			return
		}

		sess := m.load(r)
		r = r.WithContext(context.WithValue(r.Context(), mgrSessCtxKey{inst: m}, sess))

		hw := internal.NewHookRW(w, func(w http.ResponseWriter) bool {
			if err := m.save(w, r, sess); err != nil {
				slog.ErrorContext(r.Context(), "error in session manager", "err", err)
				http.Error(w, "Internal Error", http.StatusInternalServerError)
				return false
			}
			return true
		})
		next.ServeHTTP(hw, r)
		hw.Finish()
	})
}

// Get returns the request's session. ok is false if the request was not
// wrapped by this manager.
func (m *Manager) Get(ctx context.Context) (_ *Session, ok bool) {
	s, ok := ctx.Value(mgrSessCtxKey{inst: m}).(*Session)
	return s, ok
}

func (m *Manager) load(r *http.Request) *Session {
	c, err := r.Cookie(m.cookieOpts.Name)
	if err != nil || c.Value == "" {
		return newSession()
	}

	b, err := m.store.load(r.Context(), c.Value)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to load session, starting a new one", "err", err)
		return stale()
	}
	if b == nil {
		return stale()
	}
	data, err := decode(b)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to decode session data, starting a new one", "err", err)
		return stale()
	}

	s := &Session{data: data, cookieValue: c.Value, id: c.Value, loaded: b}
	if m.expiry(s).Before(time.Now()) {
		return stale()
	}
	return s
}

// stale returns a new session replacing the unusable one the client
// presented. Its cookie is cleared unless something gets saved.
func stale() *Session {
	s := newSession()
	s.flushed = true
	return s
}

func (m *Manager) save(w http.ResponseWriter, r *http.Request, s *Session) error {
	ctx := r.Context()

	if (s.flushed || s.rotated) && s.cookieValue != "" {
		if err := m.store.destroy(ctx, s.cookieValue); err != nil {
			return fmt.Errorf("destroying session: %w", err)
		}
	}

	refresh := !s.dirty && m.opts.IdleTimeout != 0 && len(s.loaded) > 0
	if !s.dirty && !refresh {
		if s.flushed {
			dc := m.cookieOpts.newCookie("", time.Time{})
			dc.MaxAge = -1
			http.SetCookie(w, dc)
		}
		return nil
	}

	if s.id == "" || s.flushed || s.rotated {
		s.id = m.store.newID()
	}
	s.data[metadataUpdatedAt] = time.Now()

	b, err := encode(s.data)
	if err != nil {
		return err
	}
	exp := m.expiry(s)
	v, err := m.store.save(ctx, s.id, exp, b)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	http.SetCookie(w, m.cookieOpts.newCookie(v, exp))
	return nil
}

// expiry returns the earliest of the max lifetime and idle deadlines.
func (m *Manager) expiry(s *Session) time.Time {
	var exp time.Time
	if m.opts.MaxLifetime != 0 {
		exp = s.CreatedAt().Add(m.opts.MaxLifetime)
	}
	if m.opts.IdleTimeout != 0 {
		last := s.updatedAt()
		if last.IsZero() {
			last = s.CreatedAt()
		}
		idle := last.Add(m.opts.IdleTimeout)
		if exp.IsZero() || idle.Before(exp) {
			exp = idle
		}
	}
	return exp
}
