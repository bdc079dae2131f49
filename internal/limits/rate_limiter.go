// Package limits provides the two rate-limiting layers at the transport
// edge: a sliding-window limiter applied per remote address to inbound
// traffic (method frames and HTTP requests), and a token-bucket
// connection limiter guarding the handshake path.
package limits

import (
	"sync"
	"time"
)

// Defaults for the sliding window.
const (
	DefaultMax    = 120
	DefaultWindow = 60 * time.Second
)

// SlidingWindow allows at most max hits per remote address within the
// trailing window. Expired hits are pruned lazily on the next check for
// that address, so idle addresses cost nothing until touched again.
type SlidingWindow struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow builds a limiter; zero arguments select the defaults.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit for addr and reports whether it stays within the
// window budget.
func (l *SlidingWindow) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	hits := l.hits[addr]
	live := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.max {
		l.hits[addr] = live
		return false
	}

	l.hits[addr] = append(live, now)
	return true
}

// Forget drops all state for addr. Called when the last connection from
// an address goes away so the map does not grow unbounded.
func (l *SlidingWindow) Forget(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, addr)
}

// Tracked returns the number of addresses currently holding state.
func (l *SlidingWindow) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
