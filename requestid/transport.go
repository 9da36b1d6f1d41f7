package requestid

import (
	"net/http"
)

var _ http.RoundTripper = (*Transport)(nil)

// Transport is a http.RoundTripper that sets the X-Request-ID header on
// outgoing calls if a request ID exists in the request's context. Any existing
// header value is replaced, so IDs from an untrusted client are never passed
// on upstream.
type Transport struct {
	// Base is the base RoundTripper used to make HTTP requests. If nil,
	// http.DefaultTransport is used.
	Base http.RoundTripper
}

// RoundTrip adds the request ID header to the outgoing request, as needed.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID, ok := FromContext(req.Context())
	if !ok {
		return t.base().RoundTrip(req)
	}

	req2 := req.Clone(req.Context()) // per RoundTripper contract
	req2.Header.Set(RequestIDHeader, requestID)
	return t.base().RoundTrip(req2)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// HTTPClientWithRequestID will update the passed *http.Client to add a request
// ID to all outgoing requests, when the request's context contains one.
func HTTPClientWithRequestID(client *http.Client) {
	client.Transport = &Transport{Base: client.Transport}
}
