package w5500

import (
	"sync"
	"time"
)

type deadlines struct {
	mu    sync.Mutex
	read  time.Time
	write time.Time
}

func (d *deadlines) SetDeadline(t time.Time) error {
	d.mu.Lock()
	d.read, d.write = t, t
	d.mu.Unlock()
	return nil
}

func (d *deadlines) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	d.read = t
	d.mu.Unlock()
	return nil
}

func (d *deadlines) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	d.write = t
	d.mu.Unlock()
	return nil
}

func (d *deadlines) readExpired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.read.IsZero() && !now.Before(d.read)
}

func (d *deadlines) writeExpired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.write.IsZero() && !now.Before(d.write)
}

// Zero write deadline allows exactly one bounded send attempt.
func (d *deadlines) writeRetry(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.write.IsZero() && now.Before(d.write)
}
