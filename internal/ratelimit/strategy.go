package ratelimit

import "time"

// Strategy models the upstream limiter's capacity. Empirical probing of the
// Caldera cloud produced contradictory evidence for a continuous token
// bucket and a discrete per-minute window, so the capacity model is
// pluggable. TokenBucket is the conservative default.
type Strategy interface {
	// Take reserves one permit if available. When no permit is available it
	// returns false and the wait until the next permit becomes available.
	Take(now time.Time) (ok bool, wait time.Duration)

	// Exhaust discards all remaining capacity until it naturally
	// replenishes. Called after an observed 429: whatever our model said,
	// the server considers the current window spent.
	Exhaust(now time.Time)

	// Remaining reports the currently available permits. Fractional for
	// continuous models.
	Remaining(now time.Time) float64
}

// TokenBucket is a continuous-refill token bucket: capacity permits,
// one permit regained every refill interval. The bucket starts full so a
// freshly started process can serve a small burst of user actions.
type TokenBucket struct {
	capacity float64
	interval time.Duration

	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket with the given capacity and per-token
// refill interval.
func NewTokenBucket(capacity int, interval time.Duration, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		interval:   interval,
		tokens:     float64(capacity),
		lastRefill: now,
	}
}

// tokenEpsilon absorbs float rounding at the refill boundary so a caller
// that waited exactly the advised duration is not denied by one ulp.
const tokenEpsilon = 1e-9

// Take implements Strategy.
func (b *TokenBucket) Take(now time.Time) (bool, time.Duration) {
	b.refill(now)

	if b.tokens >= 1-tokenEpsilon {
		b.tokens--
		if b.tokens < 0 {
			b.tokens = 0
		}
		return true, 0
	}

	wait := time.Duration((1 - b.tokens) * float64(b.interval))
	return false, wait
}

// Exhaust implements Strategy. The refill anchor moves to now so the next
// token is a full interval away.
func (b *TokenBucket) Exhaust(now time.Time) {
	b.tokens = 0
	b.lastRefill = now
}

// Remaining implements Strategy.
func (b *TokenBucket) Remaining(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// refill credits tokens for elapsed time. A backward clock jump simply
// yields no credit; the anchor resets so refill resumes from the new time.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		b.lastRefill = now
		return
	}
	b.tokens += float64(elapsed) / float64(b.interval)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// FixedWindow allows at most limit requests per wall-clock-aligned window.
// Alignment uses floor division of wall time (time.Truncate), not an
// internal counter, so a process restart stays in phase with the server's
// own window.
type FixedWindow struct {
	limit  int
	window time.Duration

	windowStart time.Time
	used        int
}

// NewFixedWindow creates a window strategy allowing limit requests per
// window duration.
func NewFixedWindow(limit int, window time.Duration, now time.Time) *FixedWindow {
	return &FixedWindow{
		limit:       limit,
		window:      window,
		windowStart: now.Truncate(window),
	}
}

// Take implements Strategy.
func (w *FixedWindow) Take(now time.Time) (bool, time.Duration) {
	w.roll(now)

	if w.used < w.limit {
		w.used++
		return true, 0
	}

	return false, w.windowStart.Add(w.window).Sub(now)
}

// Exhaust implements Strategy.
func (w *FixedWindow) Exhaust(now time.Time) {
	w.roll(now)
	w.used = w.limit
}

// Remaining implements Strategy.
func (w *FixedWindow) Remaining(now time.Time) float64 {
	w.roll(now)
	return float64(w.limit - w.used)
}

func (w *FixedWindow) roll(now time.Time) {
	start := now.Truncate(w.window)
	if !start.Equal(w.windowStart) {
		w.windowStart = start
		w.used = 0
	}
}
