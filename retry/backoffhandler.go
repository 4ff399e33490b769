package retry

import (
	"context"
	"time"
)

const (
	// DefaultReconnectInterval is how long an agent sleeps between
	// control-channel connection attempts. The interval is flat; the
	// server is expected to come back, not to be backed away from.
	DefaultReconnectInterval = 5 * time.Second
)

// Redeclare time functions so they can be overridden in tests.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// BackoffHandler paces retries at a fixed interval and optionally limits
// how many are attempted.
type BackoffHandler struct {
	// maxRetries caps the number of waits. 0 means retry forever.
	maxRetries uint
	// interval is the flat wait between attempts.
	interval time.Duration

	retries uint

	Clock Clock
}

func NewBackoff(maxRetries uint, interval time.Duration) BackoffHandler {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	return BackoffHandler{
		maxRetries: maxRetries,
		interval:   interval,
		Clock:      Clock{Now: time.Now, After: time.After},
	}
}

// Backoff waits one interval. Returns false if the retry budget is spent
// or the context is cancelled before the interval elapses.
func (b *BackoffHandler) Backoff(ctx context.Context) bool {
	if b.maxRetries > 0 && b.retries >= b.maxRetries {
		return false
	}
	b.retries++
	select {
	case <-b.Clock.After(b.interval):
		return true
	case <-ctx.Done():
		return false
	}
}

// Retries returns the number of waits consumed so far.
func (b *BackoffHandler) Retries() int {
	return int(b.retries)
}

// ResetNow clears the retry count, typically after a connection survives
// long enough to be considered established.
func (b *BackoffHandler) ResetNow() {
	b.retries = 0
}

func (b *BackoffHandler) Interval() time.Duration {
	return b.interval
}
