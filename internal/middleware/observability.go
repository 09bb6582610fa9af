package middleware

import (
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/caldera-labs/go-caldera/observability"
)

// Observability returns a middleware that logs and records metrics for HTTP requests.
func Observability(logger observability.Logger, metrics observability.MetricsRecorder) func(http.RoundTripper) http.RoundTripper {
	if logger == nil {
		logger = observability.NoopLogger()
	}
	if metrics == nil {
		metrics = observability.NoopMetricsRecorder()
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return &observabilityTransport{
			next:    next,
			logger:  logger,
			metrics: metrics,
		}
	}
}

type observabilityTransport struct {
	next    http.RoundTripper
	logger  observability.Logger
	metrics observability.MetricsRecorder
}

func (t *observabilityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// Compute URL string once to avoid multiple allocations
	urlStr := req.URL.String()

	// Log request
	t.logger.Debug("http request started",
		observability.Field{Key: "method", Value: req.Method},
		observability.Field{Key: "url", Value: urlStr},
		observability.Field{Key: "path", Value: req.URL.Path},
	)

	// Make request
	resp, err := t.next.RoundTrip(req)

	duration := time.Since(start)

	if err != nil {
		// Log error
		t.logger.Error("http request failed",
			observability.Field{Key: "method", Value: req.Method},
			observability.Field{Key: "url", Value: urlStr},
			observability.Field{Key: "duration", Value: duration},
			observability.Field{Key: "error", Value: err.Error()},
		)

		t.metrics.RecordError("http_request", "NetworkError")

		//nolint:wrapcheck // Observability middleware logs error but passes it through unchanged
		return nil, err
	}

	// Log response
	fields := []observability.Field{
		{Key: "method", Value: req.Method},
		{Key: "url", Value: urlStr},
		{Key: "status", Value: resp.StatusCode},
		{Key: "duration", Value: duration},
	}

	if resp.StatusCode >= http.StatusBadRequest {
		t.logger.Warn("http request completed with error", fields...)
	} else {
		t.logger.Debug("http request completed", fields...)
	}

	// Record metrics with normalized path to avoid unbounded cardinality
	normalizedPath := normalizePath(req.URL.Path)
	t.metrics.RecordHTTPRequest(req.Method, normalizedPath, resp.StatusCode, duration)

	return resp, nil
}

var (
	// deviceIDPattern matches the serial-style device identifiers the cloud
	// uses in paths: /devices/{id} and any sub-resource below it.
	deviceIDPattern = regexp.MustCompile(`/devices/[A-Za-z0-9_-]+(/|$)`)

	// normalizedPathCache caches normalized paths so repeated requests to
	// the same endpoints skip the regex. The endpoint set is small in
	// practice, so the cache stays small and almost always hits.
	normalizedPathCache sync.Map
)

// normalizePath replaces device identifiers with a placeholder to prevent
// unbounded cardinality in metrics.
//
// Examples:
//   - /v1/devices/KTL-00A1B2 → /v1/devices/:id
//   - /v1/devices/KTL-00A1B2/status → /v1/devices/:id/status
func normalizePath(path string) string {
	// Fast path: check cache
	if cached, ok := normalizedPathCache.Load(path); ok {
		//nolint:forcetypeassert // Cache only stores strings, type assertion is safe
		return cached.(string)
	}

	normalized := deviceIDPattern.ReplaceAllString(path, "/devices/:id$1")

	// Store in cache for future requests
	normalizedPathCache.Store(path, normalized)

	return normalized
}
