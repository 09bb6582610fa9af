package middleware

import (
	"crypto/tls"
	"net/http"
)

// TLSConfig returns middleware that pins TLS settings onto the underlying
// transport. The production endpoint needs nothing special; this exists
// for pointing the client at a local API stub with a self-signed
// certificate, or for raising the minimum version beyond the Go default.
//
// The wrapped transport is cloned, never mutated in place: the chain may
// be sharing http.DefaultTransport with unrelated clients.
func TLSConfig(config *tls.Config) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		transport := cloneTransport(next)
		if transport == nil {
			// Nothing resembling an *http.Transport underneath, so there
			// is nowhere to hang TLS settings.
			return next
		}
		transport.TLSClientConfig = config
		return transport
	}
}

func cloneTransport(next http.RoundTripper) *http.Transport {
	if t, ok := next.(*http.Transport); ok {
		return t.Clone()
	}
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		clone := t.Clone()
		clone.ForceAttemptHTTP2 = true
		return clone
	}
	return nil
}

// DevStubTLS returns a config for talking to a local API stub over a
// self-signed certificate. Never point it at the real cloud.
func DevStubTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // opt-in, dev/test stubs only
	}
}
