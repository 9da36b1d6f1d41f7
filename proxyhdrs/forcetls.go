package proxyhdrs

import "net/http"

// ForceTLS redirects plain-text requests to https. Requests are considered
// secure if they arrived over TLS, or the proxy says so via
// ForwardedProtoHeader.
type ForceTLS struct {
	ForwardedProtoHeader string

	bypassMux *http.ServeMux
}

// AllowBypass registers a http.ServeMux pattern that will not have TLS
// enforced, e.g. the health check.
func (h *ForceTLS) AllowBypass(pattern string) {
	if h.bypassMux == nil {
		h.bypassMux = http.NewServeMux()
	}
	// only used for pattern matching
	h.bypassMux.HandleFunc(pattern, func(http.ResponseWriter, *http.Request) {})
}

func (h *ForceTLS) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil || (h.ForwardedProtoHeader != "" && r.Header.Get(h.ForwardedProtoHeader) == "https") {
			next.ServeHTTP(w, r)
			return
		}

		if h.bypassMux != nil {
			if _, p := h.bypassMux.Handler(r); p != "" {
				next.ServeHTTP(w, r)
				return
			}
		}

		u := *r.URL
		u.Scheme = "https"
		u.Host = r.Host
		u.Fragment = ""
		http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
	})
}
