package server

import "time"

// rateLimiter enforces the per-identity message cooldown. It keys on
// the external identity, not the connection, so reconnecting does not
// reset the window. Owned by the dispatch loop.
type rateLimiter struct {
	last map[string]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{last: make(map[string]time.Time)}
}

// allow reports whether a message from id may be accepted at now, and
// stamps the acceptance time when it may.
func (r *rateLimiter) allow(id string, now time.Time, window time.Duration) bool {
	last, ok := r.last[id]
	if !ok || now.Sub(last) > window {
		r.last[id] = now
		return true
	}
	return false
}

// touch refreshes the stamp without accepting anything, so impatient
// retries keep pushing the lockout forward.
func (r *rateLimiter) touch(id string, now time.Time) {
	r.last[id] = now
}
