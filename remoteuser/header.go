package remoteuser

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	// DefaultHeader carries the username asserted by the fronting proxy.
	DefaultHeader = "X-Remote-User"
	// DefaultMetaHeader is DefaultHeader in its CGI/WSGI environment form, as
	// it appears in Weblate's configuration.
	DefaultMetaHeader = "HTTP_X_REMOTE_USER"
)

// HeaderFromMeta converts a CGI environment style name such as
// HTTP_X_REMOTE_USER into the canonical HTTP header name X-Remote-User.
//
// Only names derived from request headers can be mapped. REMOTE_USER in
// particular is set by the web server, not the client, and has no header
// equivalent. CONTENT_TYPE and CONTENT_LENGTH are the two headers CGI passes
// without the prefix.
func HeaderFromMeta(meta string) (string, error) {
	name := strings.ToUpper(strings.TrimSpace(meta))
	switch name {
	case "CONTENT_TYPE", "CONTENT_LENGTH":
	default:
		var ok bool
		name, ok = strings.CutPrefix(name, "HTTP_")
		if !ok || name == "" {
			return "", fmt.Errorf("%q is not derived from an HTTP request header", meta)
		}
	}
	return http.CanonicalHeaderKey(strings.ReplaceAll(name, "_", "-")), nil
}

// ParseHeader accepts either a header name or its environment form, returning
// the canonical header name.
func ParseHeader(s string) (string, error) {
	if s == "" {
		return DefaultHeader, nil
	}
	if strings.Contains(s, "_") {
		return HeaderFromMeta(s)
	}
	return http.CanonicalHeaderKey(s), nil
}
