// ABOUTME: Thread-safe weighted fixed-window counters keyed by entity string.
// ABOUTME: Includes a warn-once-per-window tracker to prevent log spam.

package ratelimit

import (
	"sync"
	"time"
)

// window tracks the accumulated weight inside the current fixed window.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter provides fixed-window counters keyed by an arbitrary string.
// Byte-based limits reuse the same mechanism with byte counts as weights.
// A background goroutine sweeps expired windows so idle keys do not
// accumulate without bound.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	warns   map[string]time.Time
	done    chan struct{}
	closed  bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Limiter and starts its background sweep goroutine.
func New() *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		warns:   make(map[string]time.Time),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweep()
	return l
}

// Allow records one unit of weight against key and reports whether the call
// is within the limit of max per windowDur.
func (l *Limiter) Allow(key string, max int, windowDur time.Duration) bool {
	return l.AllowN(key, 1, max, windowDur)
}

// AllowN records weight units against key. On first use or window expiry the
// counter resets to weight and the window is extended; otherwise the counter
// is incremented and compared to max. Calls that exceed max still consume
// their weight, so a continually abusive sender stays rejected until the
// window rolls over.
func (l *Limiter) AllowN(key string, weight, max int, windowDur time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: weight, resetAt: now.Add(windowDur)}
		return weight <= max
	}

	w.count += weight
	return w.count <= max
}

// WarnOnce reports true at most once per windowDur for a given key. Callers
// use it to log a single throttle warning per window instead of one line per
// dropped message.
func (l *Limiter) WarnOnce(key string, windowDur time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.warns[key]
	if ok && now.Before(last.Add(windowDur)) {
		return false
	}
	l.warns[key] = now
	return true
}

// sweep periodically removes expired windows and stale warn stamps.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runSweep()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) runSweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
	for key, last := range l.warns {
		if now.Sub(last) > time.Hour {
			delete(l.warns, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
