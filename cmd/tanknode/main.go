package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network"
	"github.com/watertank/tanknode/state"
	"github.com/watertank/tanknode/tele"
)

const linkRetryDelay = 5 * time.Second

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "tanknode.hcl", "")
	flag.Parse()

	if sdnotify("STATUS=start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	config := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", config)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		g.Log.Infof("signal=%v stopping", s)
		g.Alive.Stop()
	}()

	if err := run(ctx); err != nil {
		g.Error(err)
		_ = g.Stop()
		os.Exit(1)
	}
	if err := g.Stop(); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func run(ctx context.Context) error {
	g := state.GetGlobal(ctx)

	if err := bringUp(ctx); err != nil {
		return err
	}
	if !g.Alive.IsRunning() {
		return nil
	}
	if err := g.StartTele(); err != nil {
		return err
	}
	if err := g.StartWeb(); err != nil {
		// status page is optional, node keeps reporting via tele
		g.Error(err)
	}
	if _, err := g.Watchdog.Ready(); err != nil {
		return err
	}
	g.Log.Infof("tanknode init complete, running")
	publish(g)

	leaseTicker := time.NewTicker(g.Network.LeaseCheckPeriod())
	defer leaseTicker.Stop()
	publishTicker := time.NewTicker(g.Config.Tele.PublishPeriod())
	defer publishTicker.Stop()
	feedTicker := time.NewTicker(feedPeriod(g))
	defer feedTicker.Stop()

	stopCh := g.Alive.StopChan()
	for g.Alive.IsRunning() {
		select {
		case <-stopCh:
		case now := <-leaseTicker.C:
			before, _ := g.Network.Info()
			if err := g.Network.CheckLease(now); err != nil {
				g.Error(err)
				continue
			}
			if after, err := g.Network.Info(); err == nil && after.IP != before.IP {
				g.Log.Infof("network address changed %s -> %s", before.IP, after.IP)
				publish(g)
			}
		case <-publishTicker.C:
			publish(g)
		case <-feedTicker.C:
			g.KeepAlive()
			if err := g.Tele.Ping(); err != nil && errors.Cause(err) != tele.ErrNotConnected {
				g.Log.Debugf("tele ping err=%v", err)
			}
		}
	}
	return nil
}

// bringUp retries while cable is unplugged, any other failure is fatal.
func bringUp(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	for g.Alive.IsRunning() {
		err := g.StartNetwork()
		if err == nil {
			return nil
		}
		if errors.Cause(err) != network.ErrLinkDown {
			return errors.Annotate(err, "bring-up")
		}
		g.Log.Errorf("network link down, retry in %v", linkRetryDelay)
		g.Watchdog.Status("waiting for link")
		select {
		case <-g.Alive.StopChan():
		case <-time.After(linkRetryDelay):
		}
	}
	return nil
}

func publish(g *state.Global) {
	info, err := g.Network.Info()
	if err != nil {
		g.Error(err)
		return
	}
	g.Watchdog.Status(info.String())
	now := time.Now()
	err = g.Tele.PublishNetwork(info, now)
	if err == nil {
		err = g.Tele.PublishUptime(g.Uptime(), now)
	}
	switch errors.Cause(err) {
	case nil, tele.ErrDisabled:
	case tele.ErrBackoff:
		g.Log.Debugf("tele publish skipped: %v", err)
	default:
		g.Error(err, "tele publish")
	}
}

func feedPeriod(g *state.Global) time.Duration {
	if g.Watchdog.Enabled() {
		return g.Watchdog.Interval() / 2
	}
	return time.Second
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
