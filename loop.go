package caldera

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/caldera-labs/go-caldera/internal/polling"
	"github.com/caldera-labs/go-caldera/internal/request"
	"github.com/caldera-labs/go-caldera/internal/retry"
	"github.com/caldera-labs/go-caldera/internal/statuscache"
	"github.com/caldera-labs/go-caldera/internal/transport"
	"github.com/caldera-labs/go-caldera/observability"
)

const (
	// defaultRetryWait seeds the exponential wait between transient-error
	// retries of a single request.
	defaultRetryWait = time.Second

	// transientWaitMax caps that wait.
	transientWaitMax = 30 * time.Second
)

// run is the execution loop: the only goroutine that consumes limiter
// permits, records limiter feedback, dequeues work, or writes the cache.
// Everything else just enqueues and waits.
func (c *Client) run() {
	defer close(c.done)
	defer c.drainRemaining()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		c.drain()
	}
}

// drain services the queue until it is empty, then returns to idle. One
// attempt dispatches at a time; its outcome feeds the limiter and cache
// before the next entry is picked. The loop peeks before consulting the
// limiter and only marks a request executing once a permit is granted, so
// a request held back by the limiter (or waiting between retry attempts)
// stays cancelable and a newly arrived power-off can jump ahead of it.
func (c *Client) drain() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		next := c.queue.PeekNext()
		if next == nil {
			return
		}

		decision := c.limiter.Decide(next.Priority)
		if !decision.Allowed {
			c.logger.Debug("holding for rate limiter",
				observability.Field{Key: "wait", Value: decision.Wait},
				observability.Field{Key: "reason", Value: string(decision.Reason)},
			)
			if !c.sleep(decision.Wait) {
				return
			}
			continue
		}

		// The permit is spent either way; re-selection may hand out a
		// different request than the one peeked if a cancel raced in.
		req := c.queue.DequeueNext()
		if req == nil {
			continue
		}

		done, wait := c.attempt(req)
		if done {
			c.queue.Remove(req.ID)
			continue
		}

		c.queue.Release(req.ID)
		if wait > 0 && !c.sleep(wait) {
			return
		}
	}
}

// drainRemaining resolves whatever is still queued at shutdown as canceled.
func (c *Client) drainRemaining() {
	for {
		req := c.queue.DequeueNext()
		if req == nil {
			return
		}
		req.Resolve(request.Result{Outcome: request.OutcomeCanceled})
		c.queue.Remove(req.ID)
	}
}

// attempt dispatches the request once and classifies the outcome. It
// returns done=true when the request resolved (success, fatal error, or an
// exhausted retry budget), and otherwise the wait the loop should observe
// before the next attempt. Retryable failures leave the request in the
// queue; the loop releases and re-selects it.
func (c *Client) attempt(req *request.Request) (done bool, wait time.Duration) {
	log := c.logger.With(
		observability.Field{Key: "correlation_id", Value: req.CorrelationID},
		observability.Field{Key: "op", Value: string(req.Op)},
		observability.Field{Key: "device_id", Value: req.DeviceID},
	)

	resp, err := c.transport.Do(c.ctx, req.Method, req.Path, req.Body)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}

	switch retry.Classify(statusCode, err) {
	case retry.ClassNone:
		c.limiter.Record(req.Priority, true, false)
		c.complete(req, resp, log)
		return true, 0

	case retry.ClassRateLimited:
		c.limiter.Record(req.Priority, false, true)
		req.RetryCount++
		if req.RetryCount >= retry.MaxRateLimitAttempts(req.Priority) {
			if req.Priority == request.Low {
				// A throttled background read is shed, not failed: the
				// subscriber keeps its last snapshot and the next cycle
				// tries again once the backoff clears.
				log.Debug("rate limit budget spent, shedding background read")
				req.Resolve(request.Result{Outcome: request.OutcomeSkipped})
				return true, 0
			}
			c.metrics.RecordError(string(req.Op), "RateLimited")
			req.Resolve(request.Result{
				Outcome: request.OutcomeFailed,
				Err:     errors.Newf("rate limited after %d attempts", req.RetryCount),
			})
			return true, 0
		}
		// The server sometimes knows better than our model; honor a
		// Retry-After longer than the limiter's own backoff. The next
		// Decide call adds the backoff hold on top.
		if resp != nil && resp.RetryAfter > 0 {
			return false, resp.RetryAfter
		}
		return false, 0

	case retry.ClassTransient:
		c.limiter.Record(req.Priority, false, false)
		req.RetryCount++
		if req.RetryCount >= retry.MaxAttempts(req.Priority) {
			c.metrics.RecordError(string(req.Op), "Transient")
			req.Resolve(request.Result{
				Outcome: request.OutcomeFailed,
				Err:     c.transientErr(statusCode, err, req.RetryCount),
			})
			return true, 0
		}
		c.metrics.RecordRetry(req.RetryCount, req.Path)
		log.Warn("retrying request",
			observability.Field{Key: "attempt", Value: req.RetryCount},
			observability.Field{Key: "status", Value: statusCode},
		)
		return false, c.transientWait(req.RetryCount)

	default: // retry.ClassFatal
		c.limiter.Record(req.Priority, false, false)
		c.metrics.RecordError(string(req.Op), "Fatal")
		req.Resolve(request.Result{
			Outcome: request.OutcomeFailed,
			Err:     errors.Newf("API error: status=%d", statusCode),
		})
		return true, 0
	}
}

// complete handles a 2xx response: decode, update cache and polling state,
// resolve the caller.
func (c *Client) complete(req *request.Request, resp *transport.Response, log observability.Logger) {
	switch req.Op {
	case request.OpListDevices:
		devices, err := transport.DecodeDevices(resp.Body)
		if err != nil {
			log.Error("malformed list response", observability.Field{Key: "error", Value: err.Error()})
			c.metrics.RecordError(string(req.Op), "MalformedResponse")
			req.Resolve(request.Result{Outcome: request.OutcomeFailed, Err: err})
			return
		}
		req.Resolve(request.Result{Outcome: request.OutcomeOK, Devices: devices})

	case request.OpReadStatus:
		status, err := transport.DecodeStatus(resp.Body)
		if err != nil {
			// A garbled body is a failed read, never a crashed loop.
			log.Error("malformed status response", observability.Field{Key: "error", Value: err.Error()})
			c.metrics.RecordError(string(req.Op), "MalformedResponse")
			req.Resolve(request.Result{Outcome: request.OutcomeFailed, Err: err})
			return
		}

		c.cache.Put(req.DeviceID, *status, statuscache.SourceRead, statuscache.ConfidenceHigh)
		c.adjustPollingPace(req.DeviceID, status.ThermalState)
		req.Resolve(request.Result{Outcome: request.OutcomeOK, Status: status})

	case request.OpSetPower, request.OpSetTemperature:
		// Trust-based optimistic update: the server accepted the command,
		// so the cache reflects the intended end state. Verification is
		// left to the next natural poll to conserve request budget.
		var entry statuscache.Entry
		if req.Patch != nil {
			entry = c.cache.ApplyTrustedWrite(req.DeviceID, *req.Patch)
			c.adjustPollingPace(req.DeviceID, entry.Status.ThermalState)
		}
		status := entry.Status
		req.Resolve(request.Result{Outcome: request.OutcomeOK, Status: &status})

	default:
		req.Resolve(request.Result{Outcome: request.OutcomeFailed,
			Err: errors.Newf("unknown operation %q", req.Op)})
	}
}

// adjustPollingPace moves the device between the fast and slow polling
// paths based on its thermal state.
func (c *Client) adjustPollingPace(deviceID string, state ThermalState) {
	switch {
	case state.Active():
		c.polling.NotifyActive(deviceID)
	case state.Idle():
		c.polling.NotifyInactive(deviceID)
	}
}

func (c *Client) transientErr(statusCode int, err error, attempts int) error {
	if err != nil {
		return errors.Wrapf(err, "request failed after %d attempts", attempts)
	}
	return errors.Newf("server error %d after %d attempts", statusCode, attempts)
}

// sleep pauses the loop for d, returning early when new work arrives so a
// freshly enqueued critical command is re-examined without waiting out the
// full hold. Returns false when the client closed during the wait.
func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.wake:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// transientWait computes the exponential wait before the next transient
// retry: base * 2^(attempt-1), capped.
func (c *Client) transientWait(attempt int) time.Duration {
	wait := c.retryWait << (attempt - 1)
	if wait > transientWaitMax {
		return transientWaitMax
	}
	return wait
}

// pollLoop drives the polling coordinator's shared cycle and the periodic
// cache sweep.
func (c *Client) pollLoop() {
	ticker := time.NewTicker(c.polling.Interval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.polling.Tick()
			ticks++
			if ticks%sweepEvery == 0 {
				c.cache.Sweep(c.now())
			}
		}
	}
}

// pollDevice is the polling coordinator's callback: refresh one device as
// background work and deliver the snapshot to its subscriber. Cache-valid
// devices are served without touching the network.
func (c *Client) pollDevice(pr polling.PollRequest) {
	if !pr.ForceFresh {
		if entry, ok := c.cache.Get(pr.DeviceID); ok && c.cache.IsValid(pr.DeviceID, entry, c.now()) {
			c.metrics.RecordCacheOutcome(pr.DeviceID, "hit")
			c.deliverStatus(pr.DeviceID, entry.Status)
			return
		}
	}

	// Scheduled background polls ride the Low lane and may be shed under
	// backpressure. First polls (cold start) and user-requested immediate
	// polls run at Normal so they always land.
	priority := request.Low
	if pr.ForceFresh || pr.Immediate {
		priority = request.Normal
	}

	go func() {
		status, err := c.readStatus(c.ctx, pr.DeviceID, priority)
		switch {
		case err != nil:
			c.deliverError(pr.DeviceID, err)
		case status != nil:
			c.deliverStatus(pr.DeviceID, *status)
		}
		// A nil status with nil error means the read was skipped under
		// backpressure or canceled; the subscriber keeps its last snapshot.
	}()
}

func (c *Client) deliverStatus(deviceID string, status DeviceStatus) {
	c.subsMu.Lock()
	sub, ok := c.subs[deviceID]
	c.subsMu.Unlock()

	if ok && sub.onStatus != nil {
		sub.onStatus(deviceID, status)
	}
}

func (c *Client) deliverError(deviceID string, err error) {
	c.subsMu.Lock()
	sub, ok := c.subs[deviceID]
	c.subsMu.Unlock()

	if ok && sub.onError != nil {
		sub.onError(deviceID, err)
	}
}
