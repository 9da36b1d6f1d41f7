package csrf

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"lds.li/weblategate/metrics"
)

func TestBypassAcceptsEverything(t *testing.T) {
	for _, tc := range []struct {
		name   string
		method string
		header map[string]string
	}{
		{name: "get", method: http.MethodGet},
		{name: "post no cookie", method: http.MethodPost},
		{name: "cross site post", method: http.MethodPost, header: map[string]string{
			"Sec-Fetch-Site": "cross-site",
			"Origin":         "https://evil.example",
		}},
		{name: "bad referer delete", method: http.MethodDelete, header: map[string]string{
			"Referer": "http://evil.example/",
		}},
		{name: "put with bogus token", method: http.MethodPut, header: map[string]string{
			"X-CSRFToken": "nope",
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				reached bool
				state   State
			)
			h := (&Bypass{}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				st, ok := StateFromContext(r.Context())
				if !ok {
					t.Fatal("no csrf state on request")
				}
				state = *st
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(tc.method, "https://weblate.example/translate/", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if !reached {
				t.Fatal("handler not reached")
			}
			if rec.Code != http.StatusTeapot {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
			}
			if !state.ProcessingDone {
				t.Error("processing not marked done")
			}
			if c := rec.Header().Values("Set-Cookie"); len(c) != 0 {
				t.Errorf("unexpected cookies set: %v", c)
			}
		})
	}
}

func TestBypassResponseHook(t *testing.T) {
	b := &Bypass{}
	req := b.ProcessRequest(httptest.NewRequest(http.MethodPost, "/", nil))
	st, _ := StateFromContext(req.Context())
	st.CookieNeedsUpdate = true

	rec := httptest.NewRecorder()
	rec.Header().Set("X-Upstream", "kept")
	b.ProcessResponse(req, rec)

	if st.CookieNeedsUpdate {
		t.Error("cookie update still pending after response hook")
	}
	if diff := cmp.Diff(http.Header{"X-Upstream": {"kept"}}, rec.Header()); diff != "" {
		t.Errorf("response headers changed (-want +got):\n%s", diff)
	}
}

func TestBypassResponseHookWithoutState(t *testing.T) {
	// Must not panic when the request hook never ran.
	(&Bypass{}).ProcessResponse(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
}

func TestBypassCookieClearedBeforeWrite(t *testing.T) {
	var st *State
	h := (&Bypass{}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, _ = StateFromContext(r.Context())
		st.CookieNeedsUpdate = true
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if st.CookieNeedsUpdate {
		t.Error("cookie update flag not cleared")
	}
}

func TestCookieClearedWithoutWrite(t *testing.T) {
	enforcing, err := NewEnforcing(Config{})
	if err != nil {
		t.Fatal(err)
	}
	for name, p := range map[string]Protection{
		"bypass":  &Bypass{},
		"enforce": enforcing,
	} {
		t.Run(name, func(t *testing.T) {
			var st *State
			h := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				st, _ = StateFromContext(r.Context())
				st.CookieNeedsUpdate = true
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

			if st == nil {
				t.Fatal("handler saw no csrf state")
			}
			if st.CookieNeedsUpdate {
				t.Error("cookie update flag not cleared when nothing was written")
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestBypassTokens(t *testing.T) {
	b := &Bypass{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: "abc"})
	before := req.Header.Clone()

	b.RotateToken(req)
	if got := b.Token(req); got != "" {
		t.Errorf("Token() = %q, want empty", got)
	}
	if diff := cmp.Diff(before, req.Header); diff != "" {
		t.Errorf("request changed (-want +got):\n%s", diff)
	}
	if _, ok := StateFromContext(req.Context()); ok {
		t.Error("token calls should not attach state")
	}
}

func TestBypassMetrics(t *testing.T) {
	m := metrics.New()
	h := (&Bypass{Metrics: m}).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPost, http.MethodHead} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/", nil))
	}

	const want = `
# HELP weblategate_csrf_requests_total Unsafe-method requests seen by the CSRF middleware, by mode and outcome.
# TYPE weblategate_csrf_requests_total counter
weblategate_csrf_requests_total{mode="bypass",outcome="accepted"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "weblategate_csrf_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestEnforcing(t *testing.T) {
	e, err := NewEnforcing(Config{
		TrustedOrigins: []string{"https://trusted.example"},
		BypassPatterns: []string{"POST /hooks/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, tc := range []struct {
		name     string
		method   string
		path     string
		header   map[string]string
		skip     bool
		wantCode int
	}{
		{name: "safe cross site", method: http.MethodGet, header: map[string]string{"Sec-Fetch-Site": "cross-site"}, wantCode: http.StatusOK},
		{name: "same origin post", method: http.MethodPost, header: map[string]string{"Sec-Fetch-Site": "same-origin"}, wantCode: http.StatusOK},
		{name: "cross site post", method: http.MethodPost, header: map[string]string{"Sec-Fetch-Site": "cross-site"}, wantCode: http.StatusForbidden},
		{name: "trusted origin post", method: http.MethodPost, header: map[string]string{
			"Sec-Fetch-Site": "cross-site",
			"Origin":         "https://trusted.example",
		}, wantCode: http.StatusOK},
		{name: "skipped", method: http.MethodPost, header: map[string]string{"Sec-Fetch-Site": "cross-site"}, skip: true, wantCode: http.StatusOK},
		{name: "non browser", method: http.MethodPost, wantCode: http.StatusOK},
		{name: "bypass pattern", method: http.MethodPost, path: "/hooks/github", header: map[string]string{"Sec-Fetch-Site": "cross-site"}, wantCode: http.StatusOK},
		{name: "bypass pattern other method", method: http.MethodPut, path: "/hooks/github", header: map[string]string{"Sec-Fetch-Site": "cross-site"}, wantCode: http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path
			if path == "" {
				path = "/"
			}
			req := httptest.NewRequest(tc.method, "https://weblate.example"+path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if tc.skip {
				req = Skip(req)
			}
			rec := httptest.NewRecorder()
			e.Handler(ok).ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

func TestEnforcingFailureHandler(t *testing.T) {
	var reason error
	e, err := NewEnforcing(Config{
		FailureHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reason = FailureReason(r.Context())
			w.WriteHeader(http.StatusUnavailableForLegalReasons)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	rec := httptest.NewRecorder()
	e.Handler(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnavailableForLegalReasons {
		t.Errorf("status = %d, want custom failure status", rec.Code)
	}
	if reason == nil {
		t.Error("failure reason not passed to handler")
	}
}

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{mode: "", want: "*csrf.Bypass"},
		{mode: "bypass", want: "*csrf.Bypass"},
		{mode: "Enforce", want: "*csrf.Enforcing"},
		{mode: "sometimes", wantErr: true},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			p, err := New(Config{Mode: tc.mode})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got := fmt.Sprintf("%T", p); got != tc.want {
				t.Errorf("New(%q) = %s, want %s", tc.mode, got, tc.want)
			}
		})
	}
}

func TestStateFromEmptyContext(t *testing.T) {
	if _, ok := StateFromContext(context.Background()); ok {
		t.Error("state found on empty context")
	}
}
