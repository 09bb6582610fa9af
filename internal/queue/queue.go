// Package queue implements the priority request queue that feeds the
// execution loop. Four lanes (critical, high, normal, low), strict FIFO
// within a lane, with one tie-break: a pending power-off command is served
// before other entries in the same lane.
package queue

import (
	"sync"
	"time"

	"github.com/caldera-labs/go-caldera/internal/request"
	"github.com/caldera-labs/go-caldera/observability"
)

// Queue holds not-yet-executed requests. Enqueue and Cancel may be called
// from any goroutine; DequeueNext and Remove are called only by the
// execution loop.
type Queue struct {
	mu     sync.Mutex
	lanes  [request.NumPriorities][]*request.Request
	nextID uint64

	now     func() time.Time
	logger  observability.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue's logger.
func WithLogger(logger observability.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMetrics sets the queue's metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(q *Queue) { q.metrics = metrics }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		now:     time.Now,
		logger:  observability.NoopLogger(),
		metrics: observability.NoopMetricsRecorder(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue assigns the request its identity and appends it to its lane.
// The returned request doubles as the caller's handle: wait on Done().
func (q *Queue) Enqueue(req *request.Request) *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	req.ID = q.nextID
	req.EnqueuedAt = q.now()
	q.lanes[req.Priority] = append(q.lanes[req.Priority], req)

	q.logger.Debug("request enqueued",
		observability.Field{Key: "id", Value: req.ID},
		observability.Field{Key: "correlation_id", Value: req.CorrelationID},
		observability.Field{Key: "priority", Value: req.Priority.String()},
		observability.Field{Key: "op", Value: string(req.Op)},
		observability.Field{Key: "device_id", Value: req.DeviceID},
	)
	q.metrics.RecordQueueDepth(req.Priority.String(), len(q.lanes[req.Priority]))

	return req
}

// PeekNext returns the next request DequeueNext would hand out, without
// marking it executing. The execution loop peeks to consult the rate
// limiter first: a request held back by the limiter stays pending and can
// still be canceled by a newer command.
func (q *Queue) PeekNext() *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.selectNext()
}

// DequeueNext returns the next request to execute and marks it executing,
// or nil if nothing is pending. Selection order: critical oldest-first,
// then high, normal, low. Within each lane a pending power-off command is
// preferred over plain FIFO order. Entries already executing are never
// returned.
func (q *Queue) DequeueNext() *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	req := q.selectNext()
	if req != nil {
		req.Executing = true
	}
	return req
}

func (q *Queue) selectNext() *request.Request {
	for p := request.Critical; p <= request.Low; p++ {
		lane := q.lanes[p]

		if req := firstPending(lane, func(r *request.Request) bool { return r.PowerOff }); req != nil {
			return req
		}

		if req := firstPending(lane, func(*request.Request) bool { return true }); req != nil {
			return req
		}
	}
	return nil
}

func firstPending(lane []*request.Request, match func(*request.Request) bool) *request.Request {
	for _, r := range lane {
		if !r.Executing && match(r) {
			return r
		}
	}
	return nil
}

// Cancel removes all non-executing entries for the device, optionally
// narrowed to one operation type, and resolves each caller with a canceled
// result. Canceling on an empty queue is a no-op; canceling twice has the
// same observable effect as once.
func (q *Queue) Cancel(deviceID string, ops ...request.Operation) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	canceled := 0
	for p := range q.lanes {
		kept := q.lanes[p][:0]
		for _, r := range q.lanes[p] {
			if r.Executing || r.DeviceID != deviceID || !matchesOp(r, ops) {
				kept = append(kept, r)
				continue
			}
			r.Resolve(request.Result{Outcome: request.OutcomeCanceled})
			canceled++
			q.logger.Debug("request canceled",
				observability.Field{Key: "id", Value: r.ID},
				observability.Field{Key: "op", Value: string(r.Op)},
				observability.Field{Key: "device_id", Value: r.DeviceID},
			)
		}
		q.lanes[p] = kept
	}
	return canceled
}

func matchesOp(r *request.Request, ops []request.Operation) bool {
	if len(ops) == 0 {
		return true
	}
	for _, op := range ops {
		if r.Op == op {
			return true
		}
	}
	return false
}

// CancelWrites removes pending write commands for the device. Used when a
// newer write supersedes queued ones.
func (q *Queue) CancelWrites(deviceID string) int {
	return q.Cancel(deviceID, request.OpSetPower, request.OpSetTemperature)
}

// Release clears the executing mark on the entry with the given id,
// returning it to the pending pool. The execution loop releases a request
// before sleeping between retry attempts so that a newer command can still
// cancel it.
func (q *Queue) Release(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.lanes {
		for _, r := range q.lanes[p] {
			if r.ID == id {
				r.Executing = false
				return
			}
		}
	}
}

// Remove deletes the entry with the given id, regardless of executing
// state. The execution loop calls this after a request runs to completion.
func (q *Queue) Remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.lanes {
		for i, r := range q.lanes[p] {
			if r.ID == id {
				q.lanes[p] = append(q.lanes[p][:i], q.lanes[p][i+1:]...)
				q.metrics.RecordQueueDepth(request.Priority(p).String(), len(q.lanes[p]))
				return
			}
		}
	}
}

// Len returns the total number of entries, pending and executing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// CriticalHighDepth returns the combined critical and high lane length.
// The orchestrator uses it for backpressure: past a small threshold it
// fast-fails new low-priority reads instead of letting the queue grow.
func (q *Queue) CriticalHighDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[request.Critical]) + len(q.lanes[request.High])
}

// ExecutingWrites returns the number of write requests currently marked
// executing for the device. The single-flight invariant keeps this at most 1.
func (q *Queue) ExecutingWrites(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, lane := range q.lanes {
		for _, r := range lane {
			if r.Executing && r.DeviceID == deviceID && r.Op.Write() {
				n++
			}
		}
	}
	return n
}
