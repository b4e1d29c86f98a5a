package syncer

import "time"

// Backoff computes a retry delay that doubles per consecutive failure,
// bounded by Cap. The ceiling is a tunable, not a protocol constant —
// 5 minutes by default.
type Backoff struct {
	// Base is the delay after the first failure. Default: 1s.
	Base time.Duration
	// Cap bounds the delay. Default: 5m.
	Cap time.Duration
}

// Delay returns the wait before the next attempt given the current
// consecutive-failure count. Zero failures means no wait.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceil := b.Cap
	if ceil <= 0 {
		ceil = 5 * time.Minute
	}

	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		// Doubling can overflow for large counters; the cap check also
		// catches the wraparound to negative.
		if d >= ceil || d <= 0 {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}
