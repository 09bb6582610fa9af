// Package polling coordinates status refreshes across every registered
// device as one shared cycle instead of one timer per device. Devices that
// were recently commanded or are visibly heating poll on a fast interval;
// everything else ticks along at the slow baseline, with the status cache
// and rate limiter keeping redundant network calls off the wire.
package polling

import (
	"sync"
	"time"

	"github.com/caldera-labs/go-caldera/observability"
)

const (
	// DefaultBaseInterval is the slow baseline polling interval.
	DefaultBaseInterval = 2 * time.Minute

	// activeDivisor derives the fast interval from the baseline.
	activeDivisor = 4

	// DefaultActiveCeiling bounds how long a device may stay on the fast
	// path without a fresh activity signal. A stuck active flag would
	// otherwise permanently consume extra request budget.
	DefaultActiveCeiling = 30 * time.Minute

	// DefaultJoinWindow is the "imminent poll" horizon: an immediate poll
	// request joins a scheduled poll due within this window instead of
	// scheduling its own.
	DefaultJoinWindow = 5 * time.Second

	// DefaultImmediateCooldown bounds out-of-band polls per device so a
	// burst of user actions cannot become a burst of polls.
	DefaultImmediateCooldown = 10 * time.Second
)

// PollRequest describes one device the manager wants refreshed.
type PollRequest struct {
	DeviceID string
	// ForceFresh bypasses the status cache. Set on a device's first poll
	// after registration: cold start makes no assumption about prior state.
	ForceFresh bool

	// Immediate marks an out-of-band poll requested after a user action.
	// The orchestrator runs these ahead of background reads so the
	// verifying snapshot cannot be shed under backpressure.
	Immediate bool
}

// PollFunc is supplied by the orchestrator. The manager never touches the
// queue or limiter itself; it only says which devices are due.
type PollFunc func(req PollRequest)

// entry is the per-device polling bookkeeping.
type entry struct {
	deviceID      string
	lastPolledAt  time.Time
	polledOnce    bool
	active        bool
	activeSince   time.Time
	lastImmediate time.Time
}

// Config configures a Manager. Zero-value fields select defaults.
type Config struct {
	// BaseInterval is the slow baseline polling interval. Active devices
	// poll at BaseInterval / 4.
	BaseInterval time.Duration

	// ActiveCeiling auto-reverts a device to the slow path after it has
	// been active this long.
	ActiveCeiling time.Duration

	// JoinWindow and ImmediateCooldown tune RequestImmediatePollIfNeeded.
	JoinWindow        time.Duration
	ImmediateCooldown time.Duration

	// Poll is called for each due device. Required.
	Poll PollFunc

	// Clock overrides the manager's clock. Used by tests.
	Clock func() time.Time

	Logger  observability.Logger
	Metrics observability.MetricsRecorder
}

// Manager tracks registered devices and decides, on each tick, which are
// due for a refresh.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	base     time.Duration
	ceiling  time.Duration
	join     time.Duration
	cooldown time.Duration
	poll     PollFunc
	now      func() time.Time
	logger   observability.Logger
	metrics  observability.MetricsRecorder
}

// New creates a Manager from cfg.
func New(cfg Config) *Manager {
	if cfg.BaseInterval == 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.ActiveCeiling == 0 {
		cfg.ActiveCeiling = DefaultActiveCeiling
	}
	if cfg.JoinWindow == 0 {
		cfg.JoinWindow = DefaultJoinWindow
	}
	if cfg.ImmediateCooldown == 0 {
		cfg.ImmediateCooldown = DefaultImmediateCooldown
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

	return &Manager{
		entries:  make(map[string]*entry),
		base:     cfg.BaseInterval,
		ceiling:  cfg.ActiveCeiling,
		join:     cfg.JoinWindow,
		cooldown: cfg.ImmediateCooldown,
		poll:     cfg.Poll,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Register adds a device to the shared cycle. Registering an already
// registered device is a no-op.
func (m *Manager) Register(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[deviceID]; ok {
		return
	}
	m.entries[deviceID] = &entry{deviceID: deviceID}
	m.logger.Debug("device registered for polling",
		observability.Field{Key: "device_id", Value: deviceID},
	)
}

// Unregister removes a device from the cycle.
func (m *Manager) Unregister(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, deviceID)
}

// NotifyActive flips the device onto the fast polling path. Called when a
// command is sent or a poll shows the device heating.
func (m *Manager) NotifyActive(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[deviceID]
	if !ok {
		return
	}
	if !e.active {
		e.active = true
		e.activeSince = m.now()
		m.logger.Debug("device active, polling fast",
			observability.Field{Key: "device_id", Value: deviceID},
		)
	}
}

// NotifyInactive reverts the device to the slow path.
func (m *Manager) NotifyInactive(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[deviceID]; ok {
		e.active = false
		e.activeSince = time.Time{}
	}
}

// IsActive reports whether the device is on the fast path.
func (m *Manager) IsActive(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[deviceID]
	return ok && e.active
}

// RequestImmediatePollIfNeeded schedules one out-of-band poll for the
// device, unless a scheduled poll is already imminent (within the join
// window) or an immediate poll ran within the cooldown. Used right after a
// user command so the verifying read lands promptly without bursting.
func (m *Manager) RequestImmediatePollIfNeeded(deviceID string) bool {
	m.mu.Lock()

	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	if !e.lastImmediate.IsZero() && now.Sub(e.lastImmediate) < m.cooldown {
		m.mu.Unlock()
		return false
	}
	if e.polledOnce && m.dueAt(e).Sub(now) <= m.join {
		// A scheduled poll lands within the join window; ride along.
		m.mu.Unlock()
		return false
	}

	e.lastImmediate = now
	e.lastPolledAt = now
	first := !e.polledOnce
	e.polledOnce = true
	m.mu.Unlock()

	m.poll(PollRequest{DeviceID: deviceID, ForceFresh: first, Immediate: true})
	return true
}

// Tick runs one shared polling cycle: every registered device whose
// interval has elapsed gets handed to the poll callback. Also auto-reverts
// devices that outstayed the active ceiling.
func (m *Manager) Tick() {
	now := m.now()
	start := now

	m.mu.Lock()
	var due []PollRequest
	for _, e := range m.entries {
		if e.active && now.Sub(e.activeSince) > m.ceiling {
			e.active = false
			e.activeSince = time.Time{}
			m.logger.Debug("active ceiling reached, reverting to slow poll",
				observability.Field{Key: "device_id", Value: e.deviceID},
			)
		}

		if !e.polledOnce {
			due = append(due, PollRequest{DeviceID: e.deviceID, ForceFresh: true})
			e.polledOnce = true
			e.lastPolledAt = now
			continue
		}

		if !now.Before(m.dueAt(e)) {
			due = append(due, PollRequest{DeviceID: e.deviceID})
			e.lastPolledAt = now
		}
	}
	m.mu.Unlock()

	for _, req := range due {
		m.poll(req)
	}

	if len(due) > 0 {
		m.metrics.RecordPollCycle(len(due), m.now().Sub(start))
	}
}

// Interval returns the tick granularity the owner should drive Tick with:
// a quarter of the fast interval keeps due times reasonably sharp.
func (m *Manager) Interval() time.Duration {
	return m.base / activeDivisor / activeDivisor
}

// dueAt computes when the entry's next scheduled poll is due. Callers hold mu.
func (m *Manager) dueAt(e *entry) time.Time {
	interval := m.base
	if e.active {
		interval = m.base / activeDivisor
	}
	return e.lastPolledAt.Add(interval)
}
