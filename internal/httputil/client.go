package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultUserAgent = "geoclip/1.0 (+https://github.com/denabel/GeoCliP)"
)

// NewClient returns an HTTP client with standard timeout configuration and a
// fixed User-Agent on every request.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: http.DefaultTransport, agent: DefaultUserAgent},
	}
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}
