package polling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type pollRecorder struct {
	polls []PollRequest
}

func (r *pollRecorder) record(req PollRequest) {
	r.polls = append(r.polls, req)
}

func (r *pollRecorder) reset() { r.polls = nil }

func newTestManager(clock *fakeClock, rec *pollRecorder) *Manager {
	return New(Config{
		BaseInterval:      2 * time.Minute,
		ActiveCeiling:     20 * time.Minute,
		JoinWindow:        5 * time.Second,
		ImmediateCooldown: 10 * time.Second,
		Poll:              rec.record,
		Clock:             clock.Now,
	})
}

func TestFirstPollIsForcedFresh(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()

	require.Len(t, rec.polls, 1)
	assert.Equal(t, "d1", rec.polls[0].DeviceID)
	assert.True(t, rec.polls[0].ForceFresh, "cold start must not trust prior state")
}

func TestBaselineCadence(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	// Not due yet.
	clock.Advance(time.Minute)
	m.Tick()
	assert.Empty(t, rec.polls)

	clock.Advance(time.Minute)
	m.Tick()
	require.Len(t, rec.polls, 1)
	assert.False(t, rec.polls[0].ForceFresh)
	assert.False(t, rec.polls[0].Immediate)
}

func TestSharedCycleBatchesAllDevices(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	for _, id := range []string{"d1", "d2", "d3"} {
		m.Register(id)
	}
	m.Tick()
	rec.reset()

	clock.Advance(2 * time.Minute)
	m.Tick()

	// One cycle covers every registered device; no per-device timers.
	assert.Len(t, rec.polls, 3)
}

func TestActiveDevicePollsFaster(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	m.NotifyActive("d1")
	require.True(t, m.IsActive("d1"))

	// Active interval is baseline/4 = 30s.
	clock.Advance(30 * time.Second)
	m.Tick()
	assert.Len(t, rec.polls, 1)

	m.NotifyInactive("d1")
	rec.reset()
	clock.Advance(30 * time.Second)
	m.Tick()
	assert.Empty(t, rec.polls, "inactive device reverts to the slow cadence")
}

func TestActiveCeilingAutoReverts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	m.NotifyActive("d1")

	// Past the ceiling a stuck active flag stops burning request budget.
	clock.Advance(21 * time.Minute)
	m.Tick()
	assert.False(t, m.IsActive("d1"))
}

func TestUnregisterStopsPolling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	m.Unregister("d1")
	clock.Advance(time.Hour)
	m.Tick()
	assert.Empty(t, rec.polls)
}

func TestImmediatePollJoinsImminentPoll(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	// Next scheduled poll is 4s away, inside the join window: ride along.
	clock.Advance(2*time.Minute - 4*time.Second)
	assert.False(t, m.RequestImmediatePollIfNeeded("d1"))
	assert.Empty(t, rec.polls)
}

func TestImmediatePollSchedulesWhenFarOff(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	clock.Advance(30 * time.Second)
	assert.True(t, m.RequestImmediatePollIfNeeded("d1"))
	require.Len(t, rec.polls, 1)
	assert.Equal(t, "d1", rec.polls[0].DeviceID)
	assert.True(t, rec.polls[0].Immediate, "out-of-band polls must not be shed as background reads")
	assert.False(t, rec.polls[0].ForceFresh)

	// The out-of-band poll resets the schedule: nothing due at the old
	// boundary.
	rec.reset()
	clock.Advance(2*time.Minute - 30*time.Second)
	m.Tick()
	assert.Empty(t, rec.polls)
}

func TestImmediatePollCooldownBoundsBursts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	m.Register("d1")
	m.Tick()
	rec.reset()

	clock.Advance(30 * time.Second)
	require.True(t, m.RequestImmediatePollIfNeeded("d1"))

	// A burst of user actions yields one poll, not a poll per action.
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.False(t, m.RequestImmediatePollIfNeeded("d1"))
	}
	assert.Len(t, rec.polls, 1)
}

func TestImmediatePollUnknownDevice(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &pollRecorder{}
	m := newTestManager(clock, rec)

	assert.False(t, m.RequestImmediatePollIfNeeded("ghost"))
}
