package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lds.li/weblategate/internal/config"
	"lds.li/weblategate/proxyhdrs"
)

// upstreamSeen is what the fake Weblate received.
type upstreamSeen struct {
	remoteUser string
	requestID  string
	forwarded  string
	method     string
	// identity holds every header spelling that reaches Django as
	// HTTP_X_REMOTE_USER.
	identity map[string][]string
}

func newUpstream(t *testing.T) (*httptest.Server, <-chan upstreamSeen) {
	t.Helper()
	seen := make(chan upstreamSeen, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- upstreamSeen{
			remoteUser: r.Header.Get("X-Remote-User"),
			requestID:  r.Header.Get("X-Request-ID"),
			forwarded:  r.Header.Get("X-Forwarded-For"),
			method:     r.Method,
			identity:   identityHeaders(r.Header),
		}
		_, _ = io.WriteString(w, "weblate")
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func identityHeaders(h http.Header) map[string][]string {
	out := map[string][]string{}
	for k, v := range h {
		if proxyhdrs.MetaKey(k) == "X_REMOTE_USER" {
			out[k] = v
		}
	}
	return out
}

func testConfig(upstream string) *config.Config {
	c := config.Default()
	c.Upstream = upstream
	c.Session.Store = config.SessionStoreMemory
	c.Session.InsecureCookie = true
	return c
}

func newGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server, *http.Client) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	g, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return g, srv, &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, method, url string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp
}

func TestRemoteUserForwarded(t *testing.T) {
	up, seen := newUpstream(t)
	_, gw, client := newGateway(t, testConfig(up.URL))

	resp := do(t, client, http.MethodGet, gw.URL+"/projects/", map[string]string{
		"X-Remote-User": "alice",
		"X-Request-ID":  "req-123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := <-seen
	if got.remoteUser != "alice" {
		t.Errorf("upstream user = %q, want alice", got.remoteUser)
	}
	if got.requestID != "req-123" {
		t.Errorf("upstream request id = %q", got.requestID)
	}
	if got.forwarded == "" {
		t.Error("X-Forwarded-For not set")
	}
	if resp.Header.Get("X-Request-ID") != "req-123" {
		t.Errorf("request id not echoed: %q", resp.Header.Get("X-Request-ID"))
	}

	// The session keeps the user only while the header is present.
	do(t, client, http.MethodGet, gw.URL+"/", nil)
	if got := <-seen; got.remoteUser != "" {
		t.Errorf("user %q forwarded after header went away", got.remoteUser)
	}
}

func TestPersistentSession(t *testing.T) {
	up, seen := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.RemoteUser.Persistent = true
	_, gw, client := newGateway(t, cfg)

	do(t, client, http.MethodGet, gw.URL+"/", map[string]string{"X-Remote-User": "alice"})
	<-seen
	do(t, client, http.MethodGet, gw.URL+"/", nil)
	if got := <-seen; got.remoteUser != "alice" {
		t.Errorf("persistent user = %q, want alice", got.remoteUser)
	}
}

func TestUntrustedPeerHeaderStripped(t *testing.T) {
	up, seen := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.Proxy.TrustedProxies = []string{"192.0.2.0/24"}
	_, gw, client := newGateway(t, cfg)

	do(t, client, http.MethodGet, gw.URL+"/", map[string]string{"X-Remote-User": "admin"})
	if got := <-seen; got.remoteUser != "" {
		t.Errorf("untrusted peer asserted user %q", got.remoteUser)
	}
}

func TestUnderscoreIdentityHeaderDropped(t *testing.T) {
	for _, tc := range []struct {
		name    string
		trusted []string
		hdr     http.Header
		want    map[string][]string
	}{
		{
			name:    "untrusted peer",
			trusted: []string{"192.0.2.0/24"},
			hdr:     http.Header{"X_Remote_User": {"admin"}, "X-Remote-User": {"admin"}},
			want:    map[string][]string{},
		},
		{
			name: "trusted peer",
			hdr:  http.Header{"X_Remote_User": {"admin"}, "X-Remote-User": {"alice"}},
			want: map[string][]string{"X-Remote-User": {"alice"}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			up, seen := newUpstream(t)
			cfg := testConfig(up.URL)
			cfg.Proxy.TrustedProxies = tc.trusted
			_, gw, client := newGateway(t, cfg)

			req, err := http.NewRequest(http.MethodGet, gw.URL+"/admin/", nil)
			if err != nil {
				t.Fatal(err)
			}
			for k, v := range tc.hdr {
				req.Header[k] = v
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()

			if diff := cmp.Diff(tc.want, (<-seen).identity); diff != "" {
				t.Errorf("identity headers at upstream (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCSRFModes(t *testing.T) {
	crossSite := map[string]string{
		"X-Remote-User":  "alice",
		"Sec-Fetch-Site": "cross-site",
		"Origin":         "https://evil.example",
	}

	t.Run("bypass", func(t *testing.T) {
		up, seen := newUpstream(t)
		_, gw, client := newGateway(t, testConfig(up.URL))
		resp := do(t, client, http.MethodPost, gw.URL+"/translate/", crossSite)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if got := <-seen; got.method != http.MethodPost {
			t.Errorf("upstream method = %s", got.method)
		}
	})

	t.Run("enforce", func(t *testing.T) {
		up, _ := newUpstream(t)
		cfg := testConfig(up.URL)
		cfg.CSRF.Mode = "enforce"
		_, gw, client := newGateway(t, cfg)
		resp := do(t, client, http.MethodPost, gw.URL+"/translate/", crossSite)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("enforce with failure status", func(t *testing.T) {
		up, _ := newUpstream(t)
		cfg := testConfig(up.URL)
		cfg.CSRF.Mode = "enforce"
		cfg.CSRF.FailureStatus = http.StatusBadRequest
		_, gw, client := newGateway(t, cfg)
		resp := do(t, client, http.MethodPost, gw.URL+"/translate/", crossSite)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestNewRejectsBadForwardedIPFormat(t *testing.T) {
	cfg := testConfig("http://weblate.invalid")
	cfg.Proxy.ForwardedIPFormat = "middle"
	if _, err := New(context.Background(), cfg, nil); err == nil || !strings.Contains(err.Error(), "middle") {
		t.Errorf("New() err = %v, want forwarded ip format error", err)
	}
}

func TestRequireUser(t *testing.T) {
	up, _ := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.RemoteUser.RequireUser = true
	cfg.RemoteUser.ExemptPaths = []string{"/static/"}
	_, gw, client := newGateway(t, cfg)

	for path, want := range map[string]int{
		"/projects/":    http.StatusUnauthorized,
		"/static/a.css": http.StatusOK,
		"/healthz":      http.StatusOK,
	} {
		if resp := do(t, client, http.MethodGet, gw.URL+path, nil); resp.StatusCode != want {
			t.Errorf("%s: status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestEndpoints(t *testing.T) {
	up, _ := newUpstream(t)
	_, gw, client := newGateway(t, testConfig(up.URL))

	if resp := do(t, client, http.MethodGet, gw.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	do(t, client, http.MethodGet, gw.URL+"/", map[string]string{"X-Remote-User": "alice"})
	resp, err := client.Get(gw.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`weblategate_remote_user_events_total{event="login"} 1`,
		`weblategate_remote_user_events_total{event="created"} 1`,
		"weblategate_http_request_duration_seconds",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestUpstreamDown(t *testing.T) {
	up, _ := newUpstream(t)
	url := up.URL
	up.Close()
	_, gw, client := newGateway(t, testConfig(url))

	if resp := do(t, client, http.MethodGet, gw.URL+"/", nil); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestChainOrder(t *testing.T) {
	up, _ := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.Proxy.ForwardedIPHeader = "X-Forwarded-For"
	cfg.Proxy.ForceTLS = true
	cfg.RemoteUser.RequireUser = true
	g, _, _ := newGateway(t, cfg)

	want := []string{
		MiddlewareRequestID,
		MiddlewareRequestLog,
		MiddlewareBaseHeaders,
		MiddlewareErrors,
		MiddlewareTrustedHeaders,
		MiddlewareRemoteIP,
		MiddlewareForceTLS,
		MiddlewareSession,
		MiddlewareRemoteUser,
		MiddlewareRequireUser,
		MiddlewareCSRF,
	}
	if diff := cmp.Diff(want, g.Chain().List()); diff != "" {
		t.Errorf("chain (-want +got):\n%s", diff)
	}
}

func TestServeShutdown(t *testing.T) {
	up, _ := newUpstream(t)
	g, err := New(context.Background(), testConfig(up.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- g.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-errC:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBaseHeaders(t *testing.T) {
	h := baseHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/embed" {
			w.Header().Set("X-Frame-Options", "DENY")
		}
		_, _ = io.WriteString(w, "ok")
	}))

	for path, wantFrame := range map[string]string{
		"/":      "SAMEORIGIN",
		"/embed": "DENY",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if got := rec.Header().Get("X-Frame-Options"); got != wantFrame {
			t.Errorf("%s: X-Frame-Options = %q, want %q", path, got, wantFrame)
		}
		if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s: X-Content-Type-Options = %q", path, got)
		}
	}
}
