package retry

import (
	"context"
	"time"
)

// Backoff yields exponentially growing delays between Min and Max.
// Min is also the floor: a zero or negative Min is raised to DefaultMin so
// callers can never busy-loop.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

// DefaultMin is the delay floor applied when Min is not set.
const DefaultMin = 100 * time.Millisecond

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = DefaultMin
	}
	if hi < lo {
		hi = lo
	}

	d := lo
	for i := 0; i < b.attempt && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	b.attempt++
	return d
}

// Reset restarts the sequence at Min.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
