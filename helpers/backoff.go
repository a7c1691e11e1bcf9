package helpers

import (
	"time"
)

// Limited exponential backoff for poll periods.
// Idle (or successful) period is Default.
// First Failure() jumps to floor Min, each next one multiplies by K up to Max.
// Reset() returns to Default.
// Not safe for concurrent use, intended for single event loop goroutine.
type Backoff struct {
	current time.Duration

	Default time.Duration
	Min     time.Duration
	Max     time.Duration
	K       float32
	Res     time.Duration // period resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   err := op()
//   timer.SetPeriod(backoff.Update(err==nil))
// }
func (b *Backoff) Update(success bool) time.Duration {
	if success {
		return b.Reset()
	}
	return b.Failure()
}

func (b *Backoff) Current() time.Duration {
	if b.current == 0 {
		return b.round(b.Default)
	}
	return b.current
}

// Increase next period, returns new value.
func (b *Backoff) Failure() time.Duration {
	next := b.Current()
	if next < b.Min {
		next = b.Min
	} else {
		k := b.K
		if k < 1 {
			k = 2
		}
		next = time.Duration(float64(next) * float64(k))
	}
	b.current = b.limit(next)
	return b.current
}

func (b *Backoff) Reset() time.Duration {
	b.current = b.round(b.Default)
	return b.current
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
