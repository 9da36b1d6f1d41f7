// Package proxyhdrs handles headers set by a proxy running in front of the
// application: the forwarded client address, the forwarded protocol and
// identity headers that only a trusted proxy may assert.
package proxyhdrs

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
)

// ParsePrefixes parses CIDRs or bare addresses into prefixes. A bare address
// is treated as a single-host prefix.
func ParsePrefixes(ss []string) ([]netip.Prefix, error) {
	var ps []netip.Prefix
	for _, s := range ss {
		if p, err := netip.ParsePrefix(s); err == nil {
			ps = append(ps, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy %q: not an address or CIDR", s)
		}
		ps = append(ps, netip.PrefixFrom(a, a.BitLen()))
	}
	return ps, nil
}

// peerAddr returns the address of the directly connected peer.
func peerAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func trusted(prefixes []netip.Prefix, r *http.Request) bool {
	if len(prefixes) == 0 {
		return true
	}
	a, ok := peerAddr(r)
	if !ok {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// TrustedHeaders removes headers that only a trusted proxy may set from
// requests that did not come from one. It should run before RemoteIP
// rewrites the peer address.
type TrustedHeaders struct {
	// Headers to remove from untrusted requests, e.g. X-Remote-User. Any
	// spelling with the same MetaKey is removed too.
	Headers []string
	// TrustedProxies are the peers allowed to set Headers. If empty, every
	// peer is trusted.
	TrustedProxies []netip.Prefix
}

func (h *TrustedHeaders) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trusted(h.TrustedProxies, r) {
			next.ServeHTTP(w, r)
			return
		}

		if stripped := matchingKeys(r.Header, h.Headers); len(stripped) > 0 {
			slog.WarnContext(r.Context(), "stripping proxy-only headers from untrusted peer",
				"remote_addr", r.RemoteAddr, "headers", stripped)
			r = r.Clone(r.Context())
			for _, k := range stripped {
				delete(r.Header, k)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// MetaKey returns the CGI/WSGI environment form of a header name, without
// the HTTP_ prefix. X-Remote-User and X_Remote_User share the key
// X_REMOTE_USER, so an application reading the environment cannot tell them
// apart.
func MetaKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// DeleteHeaderVariants removes every header from h that shares a MetaKey with
// one of names, whatever its spelling, and returns the removed keys.
func DeleteHeaderVariants(h http.Header, names ...string) []string {
	keys := matchingKeys(h, names)
	for _, k := range keys {
		delete(h, k)
	}
	return keys
}

func matchingKeys(h http.Header, names []string) []string {
	var keys []string
	for k := range h {
		mk := MetaKey(k)
		for _, n := range names {
			if mk == MetaKey(n) {
				keys = append(keys, k)
				break
			}
		}
	}
	slices.Sort(keys)
	return keys
}
