package poller

import "time"

// Backoff produces exponentially growing delays for consecutive fetch
// failures: 2x base, then 4x, 8x, up to max. Reset returns the schedule to
// the base interval after a success. Not safe for concurrent use; each
// poller owns one.
type Backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 5 * time.Minute
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

// Reset returns the schedule to the base interval.
func (b *Backoff) Reset() {
	b.cur = 0
}

// Base returns the normal between-cycle interval.
func (b *Backoff) Base() time.Duration {
	return b.base
}
