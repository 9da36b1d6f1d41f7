package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"lds.li/weblategate/httperror"
	"lds.li/weblategate/proxyhdrs"
	"lds.li/weblategate/remoteuser"
	"lds.li/weblategate/requestid"
)

// newProxy returns a reverse proxy to upstream. The incoming remote user
// header is always dropped, in any spelling, and the authenticated username, if any, is sent
// in upstreamHeader instead.
func newProxy(upstream *url.URL, inHeader, upstreamHeader string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()

			// Underscore spellings reach Django as the same HTTP_ key.
			proxyhdrs.DeleteHeaderVariants(pr.Out.Header, inHeader, upstreamHeader)
			if u, ok := remoteuser.UserFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(upstreamHeader, u.Username)
			}
		},
		Transport: &requestid.Transport{},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.WarnContext(r.Context(), "upstream request failed", "err", err)
			httperror.WriteError(w, r, httperror.Newf(http.StatusBadGateway, "upstream unavailable: %w", err))
		},
	}
}
