package helpers

import (
	"sync/atomic"
	"time"

	"github.com/watertank/tanknode/helpers/atomic_clock"
)

// Backoff is limited exponential retry delay, safe for concurrent use.
// Zero value with Min, Max, K set is ready. First delay is always 0.
//
//	if d := b.DelayBefore(); d > 0 { return errBusy }
//	err := op()
//	b.Update(err == nil)
type Backoff struct {
	next atomic.Int64
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// DelayAfter records result and returns delay before next attempt.
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.next.CompareAndSwap(0, int64(b.Min))
	b.Update(success)
	return b.DelayBefore()
}

// DelayBefore is remaining wait since last recorded attempt.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(b.next.Load())
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Failure multiplies next delay by K, within Min..Max.
func (b *Backoff) Failure() {
	next := time.Duration(float32(b.next.Load()) * b.K)
	b.last.SetNow()
	b.next.Store(int64(b.limit(next)))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	b.next.Store(int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
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
		res = time.Millisecond
	}
	return d / res * res
}
