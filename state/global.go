package state

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/watertank/tanknode/hardware/w5500"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network"
	"github.com/watertank/tanknode/tele"
	"github.com/watertank/tanknode/watchdog"
	"github.com/watertank/tanknode/web"
)

type Global struct {
	Alive    *alive.Alive
	Config   *Config
	Hardware struct {
		W5500 *w5500.Driver
		// Link may be set before Init by tests, then W5500 stays nil.
		Link network.Link
	}
	Log      *log2.Log
	Network  *network.Manager
	Tele     *tele.Publisher
	Watchdog *watchdog.Feeder
	Web      *web.Server

	Started time.Time

	initLinkOnce sync.Once
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:   alive.NewAlive(),
		Log:     log,
		Started: time.Now(),
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init prepares everything that does not talk to the network chip.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	level, err := log2.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Annotate(err, "config")
	}
	g.Log.SetLevel(level)

	// watchdog is fed from the first SPI poll on, must exist before hardware
	if g.Watchdog, err = watchdog.NewFeeder(cfg.Watchdog, g.Log); err != nil {
		return err
	}
	return cfg.Validate()
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// StartNetwork brings the interface up: chip, link, DHCP or static address, resolver.
// Manager is kept on ErrLinkDown so caller may retry Initialize.
func (g *Global) StartNetwork() error {
	link, err := g.Link()
	if err != nil {
		return err
	}
	if g.Network == nil {
		m, err := network.NewManager(link, g.Config.Network, g.Log)
		if err != nil {
			return errors.Annotate(err, "network")
		}
		g.Log.SetErrorFunc(m.CountError)
		g.Network = m
	}
	return g.Network.Initialize()
}

// StartTele prepares publisher, connection is made on first publish.
func (g *Global) StartTele() error {
	if g.Network == nil {
		return errors.Errorf("code error StartTele() before StartNetwork()")
	}
	telelog := g.Log.Clone(log2.LInfo)
	if g.Config.Tele.LogDebug {
		telelog.SetLevel(log2.LDebug)
	}
	p, err := tele.NewPublisher(g.Config.Tele, g.dialTCP, telelog)
	if err != nil {
		return errors.Annotate(err, "tele")
	}
	g.Tele = p
	return nil
}

// StartWeb listens on a chip TCP socket and serves in background.
func (g *Global) StartWeb() error {
	if !g.Config.Web.Enable {
		return nil
	}
	link, err := g.Link()
	if err != nil {
		return err
	}
	sources := web.Sources{Tele: g.Tele}
	if g.Network != nil {
		sources.Info = g.Network.Info
		sources.NetworkStat = g.Network.Stat
	}
	if d := g.Hardware.W5500; d != nil {
		sources.DriverStat = d.Stat
	}
	s, err := web.NewServer(g.Config.Web, sources, g.Log)
	if err != nil {
		return err
	}
	ln, err := link.ListenTCP(g.Config.Web.ListenPort())
	if err != nil {
		return errors.Annotate(err, "web listen")
	}
	if !g.Alive.Add(1) {
		_ = ln.Close()
		return errors.Errorf("web start after stop")
	}
	g.Web = s
	go func() {
		defer g.Alive.Done()
		g.Error(s.Serve(ln))
	}()
	return nil
}

// KeepAlive is passed to hardware as the bounded poll hook.
func (g *Global) KeepAlive() { g.Watchdog.Feed() }

func (g *Global) Uptime() time.Duration { return time.Since(g.Started) }

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

// Stop closes started components in reverse order and waits for background tasks.
func (g *Global) Stop() error {
	g.Watchdog.Stopping()
	g.Alive.Stop()
	errs := make([]error, 0, 4)
	if g.Web != nil {
		errs = append(errs, g.Web.Close())
	}
	if g.Tele != nil {
		errs = append(errs, g.Tele.Close())
	}
	if g.Network != nil {
		errs = append(errs, g.Network.Close())
	}
	g.Alive.Wait()
	if g.Hardware.W5500 != nil {
		errs = append(errs, g.Hardware.W5500.Shutdown())
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) dialTCP(host string, port uint16) (net.Conn, error) {
	ip, err := g.Network.Resolve(host)
	if err != nil {
		return nil, err
	}
	link, err := g.Link()
	if err != nil {
		return nil, err
	}
	return link.DialTCP(ip, port)
}
