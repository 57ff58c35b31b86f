// Package httpx builds the *http.Client instances the ProSBC integration
// core uses to talk to remote appliances: one manual-redirect client per
// appliance, honouring its own TLS verification setting.
package httpx

import (
	"crypto/tls"
	"net/http"
	"time"
)

// errRedirectBlocked is what CheckRedirect returns when the server issues
// a 3xx. Being http.ErrUseLastResponse, it makes http.Client.Do return the
// 3xx response itself with a nil error, so callers inspect the response's
// StatusCode/Location header directly.
var errRedirectBlocked = http.ErrUseLastResponse

// Options configures a per-appliance HTTP client.
type Options struct {
	// InsecureSkipVerify disables TLS certificate verification, per
	// appliance, for appliances presenting a self-signed certificate.
	InsecureSkipVerify bool
	// Timeout bounds a single round trip. Per-operation deadlines are
	// additionally enforced via context.
	Timeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
}

// New builds an *http.Client that never follows redirects automatically;
// every login/choose/upload/delete call inspects the 3xx itself
// (Location, flash cookie) rather than letting net/http chase it, since
// redirect-loop detection depends on seeing each hop.
func New(opts Options) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec
	}

	return &http.Client{
		Transport: &userAgentTransport{base: transport, userAgent: opts.UserAgent},
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errRedirectBlocked
		},
	}
}

// userAgentTransport stamps every outbound request with a fixed User-Agent.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
