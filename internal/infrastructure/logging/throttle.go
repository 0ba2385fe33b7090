package logging

import (
	"sync"
	"time"
)

// Throttle suppresses repeated occurrences of the same keyed event for a
// per-call window. Protocol engines use it so a device stuck in an error
// loop produces one log line per window instead of one per poll.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Throttle struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewThrottle creates an empty Throttle.
func NewThrottle() *Throttle {
	return &Throttle{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Allow reports whether an event identified by key may be logged now.
// The first call for a key always returns true; subsequent calls return
// false until window has elapsed since the last allowed one.
//
// Parameters:
//   - key: Identity of the event (message plus distinguishing args)
//   - window: Suppression interval
//
// Returns:
//   - bool: true when the caller should emit the log line
func (t *Throttle) Allow(key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.seen[key]; ok && now.Sub(last) < window {
		return false
	}
	t.seen[key] = now
	return true
}

// Reset clears the suppression state for a key so the next Allow returns
// true. Used when the underlying condition is known to have recovered.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, key)
}

// Prune drops entries older than maxAge to bound memory on long-running
// processes with high key cardinality.
func (t *Throttle) Prune(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	for key, last := range t.seen {
		if last.Before(cutoff) {
			delete(t.seen, key)
		}
	}
}
