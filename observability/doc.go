// Package observability provides interfaces for logging and metrics collection
// in the go-caldera library.
//
// This package defines standard interfaces that allow users to integrate their
// own logging and metrics implementations with the Caldera API client.
//
// # Logger Interface
//
// The Logger interface supports structured logging with key-value pairs:
//
//	logger := myCustomLogger{} // implements observability.Logger
//	client, err := caldera.NewWithConfig(&caldera.ClientConfig{
//		APIToken: token,
//		Logger:   logger,
//	})
//
// A ready-made zerolog adapter is available via NewZerologLogger.
//
// Supported log levels:
//   - Debug: Detailed diagnostic information (scheduler decisions, cache outcomes)
//   - Info: General informational messages
//   - Warn: Warning messages for potentially problematic situations (retries, backoff)
//   - Error: Error messages for failures
//
// # MetricsRecorder Interface
//
// The MetricsRecorder interface tracks API client metrics:
//
//	metrics := myMetricsRecorder{} // implements observability.MetricsRecorder
//	client, err := caldera.NewWithConfig(&caldera.ClientConfig{
//		APIToken: token,
//		Metrics:  metrics,
//	})
//
// Tracked metrics include:
//   - HTTP request count, status codes, and duration
//   - Retry attempts for failed requests
//   - Rate limiting events and wait times
//   - Scheduler queue depth per priority lane
//   - Status cache outcomes (hit, miss, expired, optimistic)
//   - Polling cycle duration and device counts
//
// # Default Behavior
//
// If no logger or metrics recorder is provided, the client uses no-op
// implementations that discard all events. This ensures zero overhead
// when observability is not needed.
package observability
