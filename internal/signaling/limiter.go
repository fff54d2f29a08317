package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/failure"
)

// Limiter caps connection attempts inside a sliding window. Once the cap is
// hit every attempt is rejected until the cooldown elapses, after which the
// history starts over.
type Limiter struct {
	mu           sync.Mutex
	attempts     []time.Time
	blockedUntil time.Time

	limit    int
	window   time.Duration
	cooldown time.Duration

	now func() time.Time
}

// NewLimiter returns a limiter allowing limit attempts per window.
// A limit <= 0 disables limiting.
func NewLimiter(limit int, window, cooldown time.Duration) *Limiter {
	return &Limiter{
		limit:    limit,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow records an attempt, or returns an error wrapping
// failure.ErrRateLimited when the attempt is rejected.
func (l *Limiter) Allow() error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return fmt.Errorf("%w: retry in %s", failure.ErrRateLimited, l.blockedUntil.Sub(now).Round(time.Millisecond))
	}
	if !l.blockedUntil.IsZero() {
		l.blockedUntil = time.Time{}
		l.attempts = nil
	}

	windowStart := now.Add(-l.window)
	fresh := l.attempts[:0]
	for _, t := range l.attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.attempts = fresh
		l.blockedUntil = now.Add(l.cooldown)
		return fmt.Errorf("%w: %d attempts in %s, cooling down for %s",
			failure.ErrRateLimited, len(fresh), l.window, l.cooldown)
	}

	l.attempts = append(fresh, now)
	return nil
}
