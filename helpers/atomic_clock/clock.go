// Package atomic_clock is lock-free wall clock timestamp, nanoseconds since epoch.
// Used for "last activity" accounting shared between goroutines. Zero means never.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v atomic.Int64 }

func source() int64 { return time.Now().UnixNano() }

func (c *Clock) IsZero() bool { return c.v.Load() == 0 }

func (c *Clock) Set(new int64)       { c.v.Store(new) }
func (c *Clock) SetIfZero(new int64) { c.v.CompareAndSwap(0, new) }
func (c *Clock) SetNow()             { c.v.Store(source()) }
func (c *Clock) SetNowIfZero()       { c.v.CompareAndSwap(0, source()) }
func (c *Clock) SetTime(t time.Time) { c.v.Store(t.UnixNano()) }

func (c *Clock) Sub(begin *Clock) time.Duration { return time.Duration(c.v.Load() - begin.v.Load()) }

func (c *Clock) Unix() int64     { return c.v.Load() / int64(time.Second) }
func (c *Clock) UnixNano() int64 { return c.v.Load() }
func (c *Clock) Time() time.Time { return time.Unix(0, c.v.Load()) }

func New(v int64) *Clock {
	c := &Clock{}
	c.v.Store(v)
	return c
}
func Now() *Clock { return New(source()) }

func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.v.Load()) }
func Source() int64                    { return source() }
