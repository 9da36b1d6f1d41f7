package gateway

import (
	"net/http"

	"lds.li/weblategate/internal"
)

// defaultSecurityHeaders are added to responses that don't already carry
// them. Weblate sets its own in most cases, they win.
var defaultSecurityHeaders = map[string]string{
	"X-Frame-Options":        "SAMEORIGIN",
	"X-Content-Type-Options": "nosniff",
	"Referrer-Policy":        "same-origin",
}

func baseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw := internal.NewHookRW(w, func(w http.ResponseWriter) bool {
			h := w.Header()
			for k, v := range defaultSecurityHeaders {
				if h.Get(k) == "" {
					h.Set(k, v)
				}
			}
			return true
		})
		next.ServeHTTP(hw, r)
		hw.Finish()
	})
}
