package syncer

import (
	"math/rand"
	"time"
)

// backoff computes jittered exponential delays for retrying the queue head.
type backoff struct {
	base time.Duration
	cap  time.Duration
}

func newBackoff(base, cap time.Duration) backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = 30 * time.Second
	}
	return backoff{base: base, cap: cap}
}

// delay returns the wait before the given attempt (1-based), doubling each
// attempt up to the cap, with ±20% jitter to avoid thundering retries.
func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	wait := b.base
	for i := 1; i < attempt && wait < b.cap; i++ {
		wait *= 2
	}
	if wait > b.cap {
		wait = b.cap
	}

	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(wait))
	if wait+jitter < b.base {
		return b.base
	}
	return wait + jitter
}
