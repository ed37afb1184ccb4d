// Package watchdog feeds systemd service watchdog.
// Feed is cheap and safe to call from every bounded poll loop,
// actual notifications are sent at most twice per watchdog interval.
package watchdog

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers/atomic_clock"
	"github.com/watertank/tanknode/log2"
)

type Config struct {
	Enable bool `hcl:"enable"`
}

type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Feeder struct {
	Log      *log2.Log
	notify   notifyFunc
	interval time.Duration
	last     atomic_clock.Clock
	sent     uint32
}

// NewFeeder reads WATCHDOG_USEC from environment.
// Disabled config or missing systemd watchdog yields a Feeder that only sends READY/STOPPING.
func NewFeeder(c Config, log *log2.Log) (*Feeder, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, errors.Annotate(err, "watchdog")
	}
	if !c.Enable {
		interval = 0
	}
	return newFeeder(log, daemon.SdNotify, interval), nil
}

func newFeeder(log *log2.Log, notify notifyFunc, interval time.Duration) *Feeder {
	if interval != 0 {
		log.Debugf("watchdog interval=%v", interval)
	}
	return &Feeder{Log: log, notify: notify, interval: interval}
}

func (f *Feeder) Enabled() bool           { return f != nil && f.interval != 0 }
func (f *Feeder) Interval() time.Duration { return f.interval }
func (f *Feeder) Sent() uint32            { return atomic.LoadUint32(&f.sent) }

// Feed fits w5500.KeepAliveFunc.
func (f *Feeder) Feed() {
	if !f.Enabled() {
		return
	}
	if !f.last.IsZero() && atomic_clock.Since(&f.last) < f.interval/2 {
		return
	}
	f.last.SetNow()
	if _, err := f.notify(false, daemon.SdNotifyWatchdog); err != nil {
		f.Log.Errorf("watchdog notify err=%v", err)
		return
	}
	atomic.AddUint32(&f.sent, 1)
}

// Ready reports whether service manager received notification.
// false,nil means not running under systemd.
func (f *Feeder) Ready() (bool, error) {
	if f == nil {
		return false, nil
	}
	ok, err := f.notify(false, daemon.SdNotifyReady)
	return ok, errors.Annotate(err, "watchdog ready")
}

func (f *Feeder) Stopping() {
	if f == nil {
		return
	}
	if _, err := f.notify(false, daemon.SdNotifyStopping); err != nil {
		f.Log.Errorf("watchdog stopping err=%v", err)
	}
}

// Status sets free-form service status line shown by systemctl.
func (f *Feeder) Status(s string) {
	if f == nil {
		return
	}
	if _, err := f.notify(false, "STATUS="+s); err != nil {
		f.Log.Debugf("watchdog status err=%v", err)
	}
}
