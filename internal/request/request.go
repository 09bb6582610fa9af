// Package request defines the scheduler's shared vocabulary: priorities,
// operation kinds, queued requests, and their results.
package request

import (
	"time"

	"github.com/google/uuid"

	"github.com/caldera-labs/go-caldera/internal/device"
)

// Priority orders queued requests. Lower values drain first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low

	// NumPriorities is the number of queue lanes.
	NumPriorities = 4
)

// String returns the lane name for logging and metrics.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Operation classifies what a queued request does upstream.
type Operation string

const (
	OpListDevices    Operation = "list_devices"
	OpReadStatus     Operation = "read_status"
	OpSetPower       Operation = "set_power"
	OpSetTemperature Operation = "set_temperature"
)

// Write reports whether the operation mutates device state.
func (o Operation) Write() bool {
	return o == OpSetPower || o == OpSetTemperature
}

// Outcome describes how a request finished.
type Outcome int

const (
	// OutcomeOK means the request executed and succeeded.
	OutcomeOK Outcome = iota
	// OutcomeCanceled means the request was superseded before executing.
	// Cancellation is an expected, successful result, not an error.
	OutcomeCanceled
	// OutcomeSkipped means backpressure rejected the request at enqueue time.
	OutcomeSkipped
	// OutcomeFailed means the request exhausted its retry budget.
	OutcomeFailed
)

// Result is delivered to the caller waiting on a request.
type Result struct {
	Outcome Outcome
	// Status is set for successful reads; nil otherwise.
	Status *device.Status
	// Devices is set for successful list operations; nil otherwise.
	Devices []device.Device
	// Err carries the terminal error for OutcomeFailed.
	Err error
}

// Request is one unit of queued work. Identity is ID, a monotonic counter
// assigned by the queue. The queue owns the request while pending;
// ownership transfers to the execution loop while Executing is true, after
// which the entry is discarded.
type Request struct {
	ID            uint64
	CorrelationID uuid.UUID
	Priority      Priority
	Method        string
	Path          string
	Body          any
	DeviceID      string
	Op            Operation

	// PowerOff marks a pending power-off command. The queue prefers these
	// over other work in the same lane: an unresponsive off switch is the
	// worst user-facing failure mode.
	PowerOff bool

	// Patch carries a write's intended end state. On success the cache
	// applies it as a trusted optimistic update.
	Patch *device.StatusPatch

	EnqueuedAt time.Time
	RetryCount int
	Executing  bool

	done chan Result
}

// New builds a request with a fresh correlation ID and a buffered result
// channel. The queue assigns ID and EnqueuedAt.
func New(priority Priority, method, path string, body any, deviceID string, op Operation) *Request {
	return &Request{
		CorrelationID: uuid.New(),
		Priority:      priority,
		Method:        method,
		Path:          path,
		Body:          body,
		DeviceID:      deviceID,
		Op:            op,
		done:          make(chan Result, 1),
	}
}

// Resolve delivers the result to the waiting caller. Resolving twice is a
// programmer error; the buffered channel keeps the first result.
func (r *Request) Resolve(res Result) {
	select {
	case r.done <- res:
	default:
	}
}

// Done returns the channel the caller waits on.
func (r *Request) Done() <-chan Result {
	return r.done
}
