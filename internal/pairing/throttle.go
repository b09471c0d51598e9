package pairing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate limits anonymous pairing challenges. Attempts from a device
// that already paired draw from that device's own bucket; attempts naming an
// unknown device draw from the caller's network bucket. A legitimate known
// device is therefore never starved by guessing traffic aimed at other ids.
type Throttle struct {
	mu       sync.Mutex
	buckets  map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	lastSwep time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows at most attempts per window in each bucket.
func NewThrottle(attempts int, window time.Duration) *Throttle {
	if attempts <= 0 {
		attempts = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{
		buckets:  make(map[string]*throttleEntry),
		limit:    rate.Every(window / time.Duration(attempts)),
		burst:    attempts,
		lastSwep: time.Now(),
	}
}

// AllowKnownDevice draws from the per-device bucket.
func (t *Throttle) AllowKnownDevice(deviceID string) bool {
	return t.allow("device:" + deviceID)
}

// AllowUnknown draws from the caller-network bucket shared by all attempts
// naming devices that never paired.
func (t *Throttle) AllowUnknown(callerIP string) bool {
	return t.allow("net:" + callerIP)
}

func (t *Throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.sweepLocked(now)

	entry, ok := t.buckets[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked drops buckets idle long enough to be full again.
func (t *Throttle) sweepLocked(now time.Time) {
	if now.Sub(t.lastSwep) < 10*time.Minute {
		return
	}
	t.lastSwep = now
	for key, entry := range t.buckets {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(t.buckets, key)
		}
	}
}
