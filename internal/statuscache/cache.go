// Package statuscache implements the trust-based device status cache.
// Entries carry how they were obtained (fresh read, inferred from a write,
// or optimistic guess) and a confidence level; the validity window of an
// entry scales with both. A write-sourced entry is trusted strongly -- the
// caller just told the server what to set -- so it lives up to three times
// longer than a verified read before the scheduler re-verifies it.
package statuscache

import (
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caldera-labs/go-caldera/internal/device"
	"github.com/caldera-labs/go-caldera/observability"
)

// Source records how an entry's status was obtained.
type Source string

const (
	SourceRead     Source = "read"
	SourceWrite    Source = "write"
	SourceInferred Source = "inferred"
)

// Confidence grades how much an entry is trusted.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Entry is one device's last-known status plus trust metadata.
type Entry struct {
	Status     device.Status
	CachedAt   time.Time
	Optimistic bool
	Confidence Confidence
	Source     Source
}

const (
	// DefaultBaseValidity is the validity window of a verified read.
	DefaultBaseValidity = 45 * time.Second

	// DefaultMaxEntries bounds the LRU backing store.
	DefaultMaxEntries = 256

	// jitterSpread is the maximum deterministic per-device jitter added to
	// a validity window, as a fraction of the base window.
	jitterSpread = 0.25
)

// Config configures a Cache. Zero-value fields select defaults.
type Config struct {
	// BaseValidity is the validity window for a verified read-sourced entry.
	BaseValidity time.Duration

	// MaxEntries bounds the backing store; least-recently-used entries are
	// evicted past it.
	MaxEntries int

	// Clock overrides the cache's clock. Used by tests.
	Clock func() time.Time

	Logger  observability.Logger
	Metrics observability.MetricsRecorder
}

// Cache maps device IDs to their last-known status. Reads come from any
// goroutine; writes come from the execution loop.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, Entry]

	base    time.Duration
	now     func() time.Time
	logger  observability.Logger
	metrics observability.MetricsRecorder
}

// New creates a Cache from cfg.
func New(cfg Config) (*Cache, error) {
	if cfg.BaseValidity == 0 {
		cfg.BaseValidity = DefaultBaseValidity
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
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

	entries, err := lru.New[string, Entry](cfg.MaxEntries)
	if err != nil {
		return nil, err //nolint:wrapcheck // lru only errors on non-positive size, validated above
	}

	return &Cache{
		entries: entries,
		base:    cfg.BaseValidity,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Get returns the entry for the device, if any. The entry may be stale;
// check IsValid.
func (c *Cache) Get(deviceID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Get(deviceID)
}

// Put stores a whole status snapshot for the device, overwriting any prior
// entry. Write- and inferred-sourced snapshots pass through the same
// power/thermal reconciliation as ApplyTrustedWrite; a read-sourced
// snapshot is stored verbatim, the server being authoritative for its own
// reports.
func (c *Cache) Put(deviceID string, status device.Status, source Source, confidence Confidence) {
	if source != SourceRead {
		status = reconcile(status)
	}

	entry := Entry{
		Status:     status,
		CachedAt:   c.now(),
		Optimistic: source != SourceRead && confidence == ConfidenceLow,
		Confidence: confidence,
		Source:     source,
	}

	c.mu.Lock()
	c.entries.Add(deviceID, entry)
	c.mu.Unlock()

	c.logger.Debug("cache entry stored",
		observability.Field{Key: "device_id", Value: deviceID},
		observability.Field{Key: "source", Value: string(source)},
		observability.Field{Key: "confidence", Value: string(confidence)},
	)
}

// ApplyTrustedWrite merges a successful command's fields over the device's
// previous snapshot and stores the result as a high-confidence
// write-sourced entry. The merged snapshot is reconciled so the two fields
// never disagree after a trusted write, even when the command only supplied
// one of them.
func (c *Cache) ApplyTrustedWrite(deviceID string, patch device.StatusPatch) Entry {
	var status device.Status
	if prev, ok := c.Get(deviceID); ok {
		status = prev.Status
	}

	if patch.TargetTemperature != nil {
		status.TargetTemperature = *patch.TargetTemperature
	}
	if patch.ThermalState != nil {
		status.ThermalState = *patch.ThermalState
	}
	if patch.PowerState != nil {
		status.PowerState = *patch.PowerState
	}

	status = reconcile(status)
	if patch.PowerState != nil && !status.ThermalState.Idle() && !status.ThermalState.Active() {
		// Power-only command with no thermal signal yet; infer one.
		if status.PowerState == device.PowerOff {
			status.ThermalState = device.ThermalStandby
		} else {
			status.ThermalState = device.ThermalHeating
		}
	}

	entry := Entry{
		Status:     status,
		CachedAt:   c.now(),
		Confidence: ConfidenceHigh,
		Source:     SourceWrite,
	}

	c.mu.Lock()
	c.entries.Add(deviceID, entry)
	c.mu.Unlock()

	c.logger.Debug("trusted write applied",
		observability.Field{Key: "device_id", Value: deviceID},
		observability.Field{Key: "power_state", Value: string(status.PowerState)},
		observability.Field{Key: "thermal_state", Value: string(status.ThermalState)},
	)
	return entry
}

// reconcile forces a trusted snapshot's power and thermal fields to agree:
// an idle thermal state means the kettle is off, an active one means it is
// on.
func reconcile(status device.Status) device.Status {
	switch {
	case status.ThermalState.Idle():
		status.PowerState = device.PowerOff
	case status.ThermalState.Active():
		status.PowerState = device.PowerOn
	}
	return status
}

// IsValid reports whether the entry is still inside its validity window at
// the given instant.
func (c *Cache) IsValid(deviceID string, entry Entry, now time.Time) bool {
	return now.Sub(entry.CachedAt) < c.Validity(deviceID, entry)
}

// Validity computes the entry's dynamic validity window: the base window
// scaled by source and confidence, plus a small deterministic per-device
// jitter so devices sharing a base interval do not all expire in the same
// tick.
func (c *Cache) Validity(deviceID string, entry Entry) time.Duration {
	window := c.base

	switch {
	case entry.Source == SourceWrite && entry.Confidence == ConfidenceHigh:
		window *= 3
	case entry.Source == SourceWrite || entry.Source == SourceInferred:
		window *= 2
	}

	if entry.Optimistic || entry.Confidence == ConfidenceLow {
		window /= 2
	}

	return window + jitter(deviceID, c.base)
}

// Sweep evicts entries older than roughly twice their maximum validity
// window, bounding memory between LRU evictions.
func (c *Cache) Sweep(now time.Time) int {
	maxAge := 2 * 3 * c.base

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, id := range c.entries.Keys() {
		entry, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(entry.CachedAt) > maxAge+jitter(id, c.base) {
			c.entries.Remove(id)
			evicted++
		}
	}

	if evicted > 0 {
		c.logger.Debug("cache sweep",
			observability.Field{Key: "evicted", Value: evicted},
		)
	}
	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// jitter derives a stable per-device offset in [0, jitterSpread*base) from
// an FNV-1a hash of the device ID. Deterministic on purpose: the same
// device always expires at the same phase, it just differs from its
// neighbors.
func jitter(deviceID string, base time.Duration) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	spread := float64(base) * jitterSpread
	return time.Duration(float64(h.Sum32()%1000) / 1000 * spread)
}
