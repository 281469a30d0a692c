// Package ratelimit provides a minute-window request limiter shared by the
// external API clients.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most perMinute requests in any sliding 60 second window.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	window    time.Duration
	stamps    []time.Time
}

// New creates a limiter. perMinute <= 0 disables limiting.
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		window:    time.Minute,
	}
}

// Wait blocks until a request slot is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.perMinute <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.stamps) < l.perMinute {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		// Sleep until the oldest stamp leaves the window.
		wait := l.window - now.Sub(l.stamps[0])
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]
}
