// Package httpclient is the thin HTTP layer the transport builds on: a
// plain http.Client plus a middleware chain for the wire-level concerns
// (bearer auth, telemetry, the request-ceiling guard, TLS overrides). It
// knows nothing about devices or the API shape; the transport package
// owns paths and encoding.
package httpclient

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds one request end to end, body read included. The
// vendor cloud will hold a socket open far longer than that when it is
// struggling; a stuck poll has to fail fast enough for the retry budget
// to mean anything.
const DefaultTimeout = 15 * time.Second

// Middleware wraps an http.RoundTripper with one wire concern. The first
// middleware handed to WithMiddleware becomes the outermost layer.
type Middleware func(http.RoundTripper) http.RoundTripper

// Client is an http.Client with a middleware chain assembled once at
// construction. Immutable after New returns.
type Client struct {
	hc    *http.Client
	chain []Middleware
}

// New builds a Client from opts and freezes the middleware chain around
// the base transport.
func New(opts ...Option) *Client {
	c := &Client{
		hc: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hc.Transport = c.assemble(c.hc.Transport)
	return c
}

// assemble wraps base with the chain, innermost last, so chain[0] sees
// the request first and the response last.
func (c *Client) assemble(base http.RoundTripper) http.RoundTripper {
	if len(c.chain) == 0 {
		return base
	}
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(c.chain) - 1; i >= 0; i-- {
		base = c.chain[i](base)
	}
	return base
}

// Do sends one request through the assembled chain.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.hc.Do(req)
}

// HTTPClient exposes the assembled http.Client for callers that need the
// raw handle.
func (c *Client) HTTPClient() *http.Client {
	return c.hc
}
