package caldera

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/caldera-labs/go-caldera/internal/device"
	"github.com/caldera-labs/go-caldera/internal/polling"
	"github.com/caldera-labs/go-caldera/internal/queue"
	"github.com/caldera-labs/go-caldera/internal/ratelimit"
	"github.com/caldera-labs/go-caldera/internal/request"
	"github.com/caldera-labs/go-caldera/internal/statuscache"
	"github.com/caldera-labs/go-caldera/internal/transport"
	"github.com/caldera-labs/go-caldera/observability"
)

const (
	// DefaultBaseURL is the production Caldera cloud endpoint.
	DefaultBaseURL = transport.DefaultBaseURL

	// DefaultBackpressureThreshold is the combined critical+high queue
	// depth past which new low-priority reads are skipped outright.
	DefaultBackpressureThreshold = 3

	// sweepEvery is how many polling ticks pass between cache sweeps.
	sweepEvery = 16
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

// Client is the device control client. It owns the request queue, the
// adaptive rate limiter, the status cache, and the polling coordinator,
// and runs the single execution loop that drains the queue under the
// limiter's control. All methods are safe for concurrent use.
type Client struct {
	transport *transport.Client
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	cache     *statuscache.Cache
	polling   *polling.Manager

	logger  observability.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	backpressure int
	retryWait    time.Duration

	subsMu sync.Mutex
	subs   map[string]subscriber

	closeOnce sync.Once
}

type subscriber struct {
	onStatus StatusCallback
	onError  ErrorCallback
}

// ClientConfig holds configuration for the client. Zero-value fields select
// documented defaults.
type ClientConfig struct {
	// APIToken is the account bearer token. Required.
	APIToken string

	// BaseURL is the API base URL (defaults to https://api.caldera.cloud).
	BaseURL string

	// HTTPClient overrides the underlying HTTP client (optional).
	HTTPClient *http.Client

	// Timeout bounds each HTTP attempt (defaults to 15s).
	Timeout time.Duration

	// RateLimitCapacity and RateLimitRefillInterval shape the scheduler's
	// token bucket (defaults: 8 permits, one regained every 15s with a 20%
	// safety margin).
	RateLimitCapacity       int
	RateLimitRefillInterval time.Duration

	// RateLimitSafetyMargin keeps the effective rate that fraction below
	// the configured one.
	RateLimitSafetyMargin float64

	// UseWindowModel selects the discrete-window capacity model instead of
	// the default continuous token bucket. The window is one minute,
	// allowing RateLimitCapacity requests per aligned window.
	UseWindowModel bool

	// TransportCeilingPerMinute sets the transport safety-net limiter
	// (defaults to 30; negative disables).
	TransportCeilingPerMinute int

	// CacheValidity is the validity window of a verified read (defaults
	// to 45s). Write-sourced entries live up to 3x longer.
	CacheValidity time.Duration

	// PollInterval is the slow baseline polling interval (defaults to 2m).
	// Active devices poll at a quarter of it.
	PollInterval time.Duration

	// ActiveCeiling auto-reverts a device to slow polling after it has
	// been active this long (defaults to 30m).
	ActiveCeiling time.Duration

	// BackpressureThreshold is the combined critical+high queue depth past
	// which low-priority reads are skipped (defaults to 3).
	BackpressureThreshold int

	// RetryWaitTime seeds the exponential wait between retries of a
	// transiently failed request (defaults to 1s).
	RetryWaitTime time.Duration

	// TLS optionally overrides TLS settings (development stubs only).
	TLS *tls.Config

	// Logger for observability (optional, uses noop logger if nil).
	Logger observability.Logger

	// Metrics recorder for observability (optional, uses noop recorder if nil).
	Metrics observability.MetricsRecorder

	// Clock overrides the client's clock. Used by tests.
	Clock func() time.Time
}

// New creates a client with default settings.
//
// For custom configuration, use NewWithConfig.
//
// Example:
//
//	client, err := caldera.New(token)
func New(apiToken string) (*Client, error) {
	return NewWithConfig(&ClientConfig{APIToken: apiToken})
}

// NewWithConfig creates a client with custom configuration and starts its
// execution loop and polling cycle. Call Close to release them.
func NewWithConfig(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.APIToken == "" {
		return nil, errors.New("API token is required")
	}
	if cfg.BackpressureThreshold == 0 {
		cfg.BackpressureThreshold = DefaultBackpressureThreshold
	}
	if cfg.RetryWaitTime == 0 {
		cfg.RetryWaitTime = defaultRetryWait
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetricsRecorder()
	}

	tp, err := transport.New(transport.Config{
		BaseURL:          cfg.BaseURL,
		APIToken:         cfg.APIToken,
		HTTPClient:       cfg.HTTPClient,
		Timeout:          cfg.Timeout,
		CeilingPerMinute: cfg.TransportCeilingPerMinute,
		TLS:              cfg.TLS,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transport")
	}

	limiterCfg := ratelimit.Config{
		Capacity:       cfg.RateLimitCapacity,
		RefillInterval: cfg.RateLimitRefillInterval,
		SafetyMargin:   cfg.RateLimitSafetyMargin,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}
	if cfg.UseWindowModel {
		capacity := cfg.RateLimitCapacity
		if capacity == 0 {
			capacity = ratelimit.DefaultCapacity
		}
		limiterCfg.Strategy = ratelimit.NewFixedWindow(capacity, time.Minute, cfg.Clock())
	}
	limiter, err := ratelimit.New(limiterCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rate limiter")
	}

	cache, err := statuscache.New(statuscache.Config{
		BaseValidity: cfg.CacheValidity,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create status cache")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		transport:    tp,
		queue:        queue.New(queue.WithClock(cfg.Clock), queue.WithLogger(cfg.Logger), queue.WithMetrics(cfg.Metrics)),
		limiter:      limiter,
		cache:        cache,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		backpressure: cfg.BackpressureThreshold,
		retryWait:    cfg.RetryWaitTime,
		subs:         make(map[string]subscriber),
	}

	c.polling = polling.New(polling.Config{
		BaseInterval:  cfg.PollInterval,
		ActiveCeiling: cfg.ActiveCeiling,
		Poll:          c.pollDevice,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
	})

	go c.run()
	go c.pollLoop()

	return c, nil
}

// Close stops the execution loop and the polling cycle. Queued requests
// resolve as canceled.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

// ListDevices retrieves all devices registered to the account.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	req := request.New(request.Normal, transport.MethodList, transport.DevicesPath, nil, "", request.OpListDevices)
	res, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Outcome != request.OutcomeOK {
		return nil, errors.Wrap(res.Err, "failed to list devices")
	}
	return res.Devices, nil
}

// GetStatus returns the device's status, serving from the cache when a
// valid entry exists. With forceFresh the cache is bypassed and the read
// runs at high priority. Returns nil with an error when the read exhausted
// its retries; callers tolerant of staleness may fall back to their last
// known snapshot.
func (c *Client) GetStatus(ctx context.Context, deviceID string, forceFresh bool) (*DeviceStatus, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}

	if !forceFresh {
		if entry, ok := c.cache.Get(deviceID); ok && c.cache.IsValid(deviceID, entry, c.now()) {
			c.metrics.RecordCacheOutcome(deviceID, "hit")
			status := entry.Status
			return &status, nil
		}
		c.metrics.RecordCacheOutcome(deviceID, "miss")
	}

	priority := request.Normal
	if forceFresh {
		priority = request.High
	}

	return c.readStatus(ctx, deviceID, priority)
}

// SetPower turns the device on or off, optionally setting a target
// temperature (Celsius) together with power-on. It returns true when the
// command executed and succeeded, and false with a nil error when a newer
// command for the same device superseded it before it ran.
func (c *Client) SetPower(ctx context.Context, deviceID string, on bool, targetTemp *float64) (bool, error) {
	if deviceID == "" {
		return false, errors.New("device id is required")
	}

	patch := &device.StatusPatch{}
	power := PowerOff
	thermal := ThermalStandby
	if on {
		power = PowerOn
		thermal = ThermalHeating
	}
	patch.PowerState = &power
	patch.ThermalState = &thermal
	patch.TargetTemperature = targetTemp

	req := request.New(request.Critical, transport.MethodWrite, transport.DevicePath(deviceID),
		transport.PowerBody(on, targetTemp), deviceID, request.OpSetPower)
	req.PowerOff = !on
	req.Patch = patch

	return c.submitWrite(ctx, deviceID, req)
}

// SetTemperature sets the device's target temperature in Celsius. Returns
// like SetPower.
func (c *Client) SetTemperature(ctx context.Context, deviceID string, temp float64) (bool, error) {
	if deviceID == "" {
		return false, errors.New("device id is required")
	}

	req := request.New(request.Critical, transport.MethodWrite, transport.DevicePath(deviceID),
		transport.TemperatureBody(temp), deviceID, request.OpSetTemperature)
	req.Patch = &device.StatusPatch{TargetTemperature: &temp}

	return c.submitWrite(ctx, deviceID, req)
}

// RegisterForPolling adds the device to the shared polling cycle. The
// status callback fires on every refreshed snapshot, the error callback on
// failed reads. The device's first poll is a forced-fresh read.
func (c *Client) RegisterForPolling(deviceID string, onStatus StatusCallback, onError ErrorCallback) {
	c.subsMu.Lock()
	c.subs[deviceID] = subscriber{onStatus: onStatus, onError: onError}
	c.subsMu.Unlock()

	c.polling.Register(deviceID)
}

// UnregisterFromPolling removes the device from the polling cycle.
func (c *Client) UnregisterFromPolling(deviceID string) {
	c.polling.Unregister(deviceID)

	c.subsMu.Lock()
	delete(c.subs, deviceID)
	c.subsMu.Unlock()
}

// NotifyDeviceActive flips the device onto the fast polling path.
func (c *Client) NotifyDeviceActive(deviceID string) {
	c.polling.NotifyActive(deviceID)
}

// NotifyDeviceInactive reverts the device to the slow polling path.
func (c *Client) NotifyDeviceInactive(deviceID string) {
	c.polling.NotifyInactive(deviceID)
}

// RequestImmediatePoll schedules one out-of-band poll for the device unless
// a scheduled poll is already imminent. Intended for use right after a user
// action that wants prompt verification.
func (c *Client) RequestImmediatePoll(deviceID string) bool {
	return c.polling.RequestImmediatePollIfNeeded(deviceID)
}

// readStatus enqueues a status read and waits for the loop to serve it.
func (c *Client) readStatus(ctx context.Context, deviceID string, priority request.Priority) (*DeviceStatus, error) {
	// Backpressure: when user-facing work is stacked up, background reads
	// are skipped rather than queued behind it.
	if priority == request.Low && c.queue.CriticalHighDepth() > c.backpressure {
		c.metrics.RecordCacheOutcome(deviceID, "skipped")
		return nil, nil
	}

	req := request.New(priority, transport.MethodRead, transport.DevicePath(deviceID), nil, deviceID, request.OpReadStatus)
	res, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case request.OutcomeOK:
		return res.Status, nil
	case request.OutcomeCanceled, request.OutcomeSkipped:
		return nil, nil
	default:
		return nil, errors.Wrapf(res.Err, "status read failed for device %s", deviceID)
	}
}

// submitWrite enforces the one-pending-write-per-device rule: any queued
// write for the device is canceled before the new one is enqueued, so a
// stale command can never land after a newer one.
func (c *Client) submitWrite(ctx context.Context, deviceID string, req *request.Request) (bool, error) {
	c.queue.CancelWrites(deviceID)

	res, err := c.submit(ctx, req)
	if err != nil {
		return false, err
	}

	switch res.Outcome {
	case request.OutcomeOK:
		return true, nil
	case request.OutcomeCanceled:
		// Superseded by a newer command: an expected no-op, not a failure.
		return false, nil
	default:
		return false, errors.Wrapf(res.Err, "%s failed for device %s", req.Op, deviceID)
	}
}

// submit enqueues the request, wakes the loop, and waits for resolution.
func (c *Client) submit(ctx context.Context, req *request.Request) (request.Result, error) {
	select {
	case <-c.ctx.Done():
		return request.Result{}, ErrClosed
	default:
	}

	c.queue.Enqueue(req)
	c.wakeLoop()

	select {
	case res := <-req.Done():
		return res, nil
	case <-ctx.Done():
		// The caller gave up; the queued entry may still execute. Cancel it
		// if it has not been dispatched yet.
		c.queue.Remove(req.ID)
		return request.Result{}, errors.Wrap(ctx.Err(), "request abandoned")
	case <-c.ctx.Done():
		return request.Result{}, ErrClosed
	}
}

func (c *Client) wakeLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
