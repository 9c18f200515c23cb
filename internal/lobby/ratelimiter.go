package lobby

import (
	"sync"
	"time"
)

// RequestLimiter caps matchmaking requests per connection inside a sliding
// window so a misbehaving client cannot flood the queue.
type RequestLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewRequestLimiter allows up to limit requests per key within window. A
// non-positive window or limit disables limiting.
func NewRequestLimiter(window time.Duration, limit int, timeSource func() time.Time) *RequestLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &RequestLimiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		history: make(map[string][]time.Time),
	}
}

// Allow reports whether the key may issue another request right now.
func (l *RequestLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.history[key][:0]
	for _, ts := range l.history[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.history[key] = kept
		return false
	}
	l.history[key] = append(kept, now)
	return true
}

// Forget drops the history for a disconnected key.
func (l *RequestLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.history, key)
	l.mu.Unlock()
}
