// Package transport is the HTTP edge of the client. It owns the generic
// "send method M to path P with a JSON body" contract with the Caldera
// cloud, the wire encoding of device state, and the Celsius/Fahrenheit
// conversion. Temperatures are Fahrenheit integers on the wire and Celsius
// everywhere else in the module; the conversion never leaks past this
// package.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/caldera-labs/go-caldera/internal/httpclient"
	"github.com/caldera-labs/go-caldera/internal/middleware"
	"github.com/caldera-labs/go-caldera/internal/retry"
	"github.com/caldera-labs/go-caldera/observability"
)

const (
	// DefaultBaseURL is the production Caldera cloud endpoint.
	DefaultBaseURL = "https://api.caldera.cloud"

	// DefaultTimeout bounds each HTTP attempt. Expiry is treated like any
	// other network failure.
	DefaultTimeout = 15 * time.Second

	// DefaultCeilingPerMinute is the transport safety-net limiter: a hard
	// request ceiling independent of the scheduler's adaptive pacing.
	DefaultCeilingPerMinute = 30

	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// Config configures the transport.
type Config struct {
	// BaseURL is the API base URL (defaults to https://api.caldera.cloud).
	BaseURL string

	// APIToken is the account bearer token. Required.
	APIToken string

	// HTTPClient overrides the underlying http.Client (optional).
	HTTPClient *http.Client

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// CeilingPerMinute sets the safety-net limiter. Negative disables it.
	CeilingPerMinute int

	// TLS optionally overrides TLS settings (development stubs).
	TLS *tls.Config

	Logger  observability.Logger
	Metrics observability.MetricsRecorder
}

// Client sends individual HTTP requests through the middleware chain.
// It performs no retries and no scheduling; that policy lives in the
// execution loop above it.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

// Response is one HTTP exchange's outcome, reduced to what the scheduler
// needs: status code, Retry-After hint, and the raw body.
type Response struct {
	StatusCode int
	RetryAfter time.Duration
	Body       []byte
}

// OK reports whether the exchange succeeded (any 2xx).
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RateLimited reports whether the upstream throttled the request. Detected
// by status code alone; the body format is not relied on.
func (r *Response) RateLimited() bool {
	return r.StatusCode == http.StatusTooManyRequests
}

// New creates a transport Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("API token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CeilingPerMinute == 0 {
		cfg.CeilingPerMinute = DefaultCeilingPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetricsRecorder()
	}

	var limiter *rate.Limiter
	if cfg.CeilingPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.CeilingPerMinute)/60.0), cfg.CeilingPerMinute)
	}

	// Build middleware chain (applied in reverse order: last = innermost).
	// Order from outside to inside: Observability -> RateLimit -> Auth.
	mws := []httpclient.Middleware{
		middleware.Observability(cfg.Logger, cfg.Metrics),
		middleware.RateLimit(middleware.RateLimitConfig{
			Limiter: limiter,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		}),
		middleware.BearerAuth(cfg.APIToken),
	}
	if cfg.TLS != nil {
		mws = append(mws, middleware.TLSConfig(cfg.TLS))
	}

	opts := []httpclient.Option{
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithMiddleware(mws...),
	}
	if cfg.HTTPClient != nil {
		opts = append([]httpclient.Option{httpclient.WithHTTPClient(cfg.HTTPClient)}, opts...)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpclient.New(opts...),
	}, nil
}

// Do sends one HTTP request. A non-nil body is JSON-encoded. Any network or
// timeout error is returned as an error; every received response, whatever
// its status, comes back as a Response for the caller to classify.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response body for %s %s", method, path)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       data,
	}, nil
}
