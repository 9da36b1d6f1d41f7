package proxyhdrs

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

const (
	ForwardedIPHeaderXFF     = "X-Forwarded-For"
	ForwardedIPHeaderXRealIP = "X-Real-IP"
)

type contextKeyOriginalRequest struct{}

// OriginalRequestFromContext returns the original request from the context,
// before the header values were used.
func OriginalRequestFromContext(ctx context.Context) (*http.Request, bool) {
	originalRequest, ok := ctx.Value(contextKeyOriginalRequest{}).(*http.Request)
	return originalRequest, ok
}

// ForwardedIPHeaderFormat specifies how the address should be extracted from
// the ForwardedIPHeader.
type ForwardedIPHeaderFormat uint32

const (
	// ForwardedIPHeaderFormatExact means the address is the exact address in the header
	ForwardedIPHeaderFormatExact ForwardedIPHeaderFormat = iota
	// ForwardedIPHeaderFormatFirst means the address is the first address in
	// the comma separated header.
	ForwardedIPHeaderFormatFirst
	// ForwardedIPHeaderFormatLast means the address is the last address in the
	// comma separated header.
	ForwardedIPHeaderFormatLast
)

// ParseForwardedIPHeaderFormat maps a config string to a format.
func ParseForwardedIPHeaderFormat(s string) (ForwardedIPHeaderFormat, bool) {
	switch strings.ToLower(s) {
	case "", "exact":
		return ForwardedIPHeaderFormatExact, true
	case "first":
		return ForwardedIPHeaderFormatFirst, true
	case "last":
		return ForwardedIPHeaderFormatLast, true
	}
	return 0, false
}

// RemoteIP re-writes the request's RemoteAddr from a header set by the proxy
// in front of the app.
type RemoteIP struct {
	// ForwardedIPHeader is the header that contains the original IP address.
	ForwardedIPHeader string
	// ForwardedIPHeaderFormat specifies how the address should be extracted
	// from the ForwardedIPHeader.
	ForwardedIPHeaderFormat ForwardedIPHeaderFormat
	// TrustedProxies limits which peers may set the header. Empty trusts all.
	TrustedProxies []netip.Prefix
}

// Handle wraps the handler, re-writing the request's IP address based on the
// ForwardedIPHeader. The original request can be retrieved with
// OriginalRequestFromContext
func (h *RemoteIP) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKeyOriginalRequest{}, r)
		r = r.Clone(ctx)

		if h.ForwardedIPHeader != "" && trusted(h.TrustedProxies, r) {
			if ip, ok := h.extract(r.Header.Get(h.ForwardedIPHeader)); ok {
				r.RemoteAddr = ip.String()
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (h *RemoteIP) extract(hdr string) (netip.Addr, bool) {
	if hdr == "" {
		return netip.Addr{}, false
	}

	var candidate string
	switch h.ForwardedIPHeaderFormat {
	case ForwardedIPHeaderFormatExact:
		candidate = strings.TrimSpace(hdr)
	case ForwardedIPHeaderFormatFirst, ForwardedIPHeaderFormatLast:
		var parts []string
		for _, p := range strings.Split(hdr, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			return netip.Addr{}, false
		}
		candidate = parts[0]
		if h.ForwardedIPHeaderFormat == ForwardedIPHeaderFormatLast {
			candidate = parts[len(parts)-1]
		}
	}

	a, err := netip.ParseAddr(candidate)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
