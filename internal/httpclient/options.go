package httpclient

import (
	"net/http"
	"time"
)

// Option configures a Client before its middleware chain is assembled.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client wholesale, keeping
// the caller's timeout and redirect behavior. The middleware chain still
// wraps its transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout bounds each request end to end. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithBaseTransport sets the innermost RoundTripper the chain wraps.
// Defaults to http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.hc.Transport = rt
	}
}

// WithMiddleware appends wire middleware. WithMiddleware(A, B, C) yields
// the chain A(B(C(base))): A touches the request first and the response
// last, so outer concerns like telemetry wrap inner ones like auth and
// the rate guard.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *Client) {
		c.chain = append(c.chain, mw...)
	}
}
