package relay

import (
	"context"
	"time"
)

// Backoff is the single retry policy both loops share: exponential from Base
// up to Max, reset after any successful iteration. Not safe for concurrent
// use; each loop owns its own.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max < base {
		max = 8 * base
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d >= b.Max || d <= 0 {
		return b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
