// Package retry classifies request failures and assigns retry budgets.
package retry

import (
	"strconv"
	"time"

	"github.com/caldera-labs/go-caldera/internal/request"
)

// Class is the error taxonomy the execution loop acts on.
type Class int

const (
	// ClassNone means the request succeeded.
	ClassNone Class = iota
	// ClassRateLimited means the upstream returned 429. Detected by status
	// code alone; the response body format is not relied on.
	ClassRateLimited
	// ClassTransient covers network errors, timeouts, and 5xx responses.
	ClassTransient
	// ClassFatal covers non-retryable client errors (4xx except 429).
	ClassFatal
)

// Classify maps a transport outcome to its class. err is any transport or
// timeout error; statusCode is 0 when no response arrived.
func Classify(statusCode int, err error) Class {
	switch {
	case err != nil:
		return ClassTransient
	case statusCode >= 200 && statusCode < 300:
		return ClassNone
	case statusCode == 429:
		return ClassRateLimited
	case statusCode >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// ParseRetryAfter parses the Retry-After HTTP header and returns the duration to wait.
// The Retry-After header can contain either:
//   - Number of seconds (e.g., "120")
//   - HTTP-date (not currently supported, returns 0)
//
// Returns 0 if the header is empty or cannot be parsed.
func ParseRetryAfter(retryAfterHeader string) time.Duration {
	if retryAfterHeader == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfterHeader)
	if err == nil {
		return time.Duration(seconds) * time.Second
	}

	return 0
}

// Transient retry budgets by priority. User-initiated work gets more
// attempts than background reads.
const (
	criticalAttempts = 5
	highAttempts     = 4
	normalAttempts   = 3
	lowAttempts      = 1
)

// MaxAttempts returns how many times a request of the given priority may be
// attempted on transient failures before surfacing failure to the caller.
func MaxAttempts(p request.Priority) int {
	switch p {
	case request.Critical:
		return criticalAttempts
	case request.High:
		return highAttempts
	case request.Normal:
		return normalAttempts
	default:
		return lowAttempts
	}
}

// MaxRateLimitAttempts returns the retry ceiling for rate-limited
// responses. Writes get a higher ceiling than MaxAttempts because giving up
// on a user command is worse than waiting out one more backoff. A 429 is
// the limiter's signal, not the request's fault, so even the lowest lane
// gets one retry riding the backoff before the read is given up on.
func MaxRateLimitAttempts(p request.Priority) int {
	switch p {
	case request.Critical, request.High:
		return MaxAttempts(p) + 2
	case request.Low:
		return lowAttempts + 1
	default:
		return MaxAttempts(p)
	}
}
