package main

import (
	"encoding/hex"
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/watertank/tanknode/hardware/w5500"
	"github.com/watertank/tanknode/helpers/cli"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network/dhcp"
	"github.com/watertank/tanknode/state"
)

const usage = `syntax: commands separated by whitespace
(main)
- up           bring network up per config (DHCP or static)
- link         PHY link status
- regs         dump common register block
- sock         socket table
- info         network address, lease
- stat         counters
- renew        force DHCP renew
- rebind       force DHCP rebind
- reacquire    force DHCP discover
- resolve=H    DNS A lookup
- tcp=IP:PORT  TCP connect test
- sN           pause N milliseconds

(meta)
- log=yes  enable register debug logging
- log=no   disable register debug logging
- loop=N   repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

type command func(g *state.Global) error

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "tanknode.hcl", "")
	spiBus := cmdline.String("spi", "", "override hardware.w5500.spi")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	config := state.MustReadConfig(log, state.NewOsFullReader("."), *configPath)
	config.Watchdog.Enable = false
	config.Web.Enable = false
	if *spiBus != "" {
		config.Hardware.W5500.SpiBus = *spiBus
	}

	ctx, g := state.NewContext(log)
	g.MustInit(ctx, config)
	g.Log.SetLevel(log2.LDebug)
	if _, err := g.Link(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer func() { _ = g.Stop() }()

	cli.MainLoop("w5500-cli", newExecutor(g), newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "up", Description: "bring network up"},
		{Text: "link", Description: "PHY link status"},
		{Text: "regs", Description: "dump common registers"},
		{Text: "sock", Description: "socket table"},
		{Text: "info", Description: "network info"},
		{Text: "stat", Description: "counters"},
		{Text: "renew", Description: "force DHCP renew"},
		{Text: "rebind", Description: "force DHCP rebind"},
		{Text: "reacquire", Description: "force DHCP discover"},
		{Text: "resolve=", Description: "DNS A lookup"},
		{Text: "tcp=", Description: "TCP connect test"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(g *state.Global) func(string) {
	return func(line string) {
		cmds, loopn, err := parseLine(line)
		if err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
			return
		}
		if loopn == 0 {
			loopn = 1
		}
		for i := uint(0); i < loopn; i++ {
			for _, c := range cmds {
				if err := c(g); err != nil {
					g.Log.Errorf(errors.ErrorStack(err))
					return
				}
			}
		}
	}
}

func parseLine(line string) ([]command, uint, error) {
	words := strings.Fields(line)
	loopn := uint(0)
	cmds := make([]command, 0, len(words))
	for _, word := range words {
		switch {
		case word == "help":
			return []command{doUsage}, 0, nil
		case strings.HasPrefix(word, "loop="):
			if loopn != 0 {
				return nil, 0, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return nil, 0, errors.Annotatef(err, "word=%s", word)
			}
			loopn = uint(i)
		default:
			c, err := parseCommand(word)
			if err != nil {
				return nil, 0, err
			}
			cmds = append(cmds, c)
		}
	}
	return cmds, loopn, nil
}

func parseCommand(word string) (command, error) {
	switch {
	case word == "log=yes":
		return doLogLevel(log2.LDebug), nil
	case word == "log=no":
		return doLogLevel(log2.LInfo), nil
	case word == "up":
		return doUp, nil
	case word == "link":
		return doLink, nil
	case word == "regs":
		return doRegs, nil
	case word == "sock":
		return doSockets, nil
	case word == "info":
		return doInfo, nil
	case word == "stat":
		return doStat, nil
	case word == "renew":
		return doLease(dhcp.ActionRenew), nil
	case word == "rebind":
		return doLease(dhcp.ActionRebind), nil
	case word == "reacquire":
		return doLease(dhcp.ActionReacquire), nil
	case strings.HasPrefix(word, "resolve="):
		return doResolve(word[8:]), nil
	case strings.HasPrefix(word, "tcp="):
		host, portString, err := net.SplitHostPort(word[4:])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		port, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return doTCP(host, uint16(port)), nil
	case word[0] == 's':
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(*state.Global) error {
			time.Sleep(time.Duration(i) * time.Millisecond)
			return nil
		}, nil
	default:
		return nil, errors.Errorf("error: invalid command: '%s'", word)
	}
}

func doUsage(g *state.Global) error {
	g.Log.Infof(usage)
	return nil
}

func doLogLevel(level log2.Level) command {
	return func(g *state.Global) error {
		d, err := driver(g)
		if err != nil {
			return err
		}
		d.Transport().Log.SetLevel(level)
		return nil
	}
}

func doUp(g *state.Global) error {
	if err := g.StartNetwork(); err != nil {
		return err
	}
	return doInfo(g)
}

func doLink(g *state.Global) error {
	d, err := driver(g)
	if err != nil {
		return err
	}
	ls, err := d.LinkStatus()
	if err != nil {
		return err
	}
	g.Log.Infof("link %s", ls.String())
	return nil
}

func doRegs(g *state.Global) error {
	const commonLength = 0x3a
	d, err := driver(g)
	if err != nil {
		return err
	}
	b, err := d.Transport().ReadRegister(0, w5500.BlockCommon, commonLength)
	if err != nil {
		return err
	}
	g.Log.Infof("common registers:\n%s", hex.Dump(b))
	return nil
}

func doSockets(g *state.Global) error {
	d, err := driver(g)
	if err != nil {
		return err
	}
	for s := w5500.Socket(0); s < w5500.MaxSockets; s++ {
		si, err := d.Info(s)
		if err != nil {
			return err
		}
		g.Log.Infof("socket=%s used=%t proto=%s port=%d status=%s", si.Socket, si.Used, si.Protocol, si.Port, si.Status)
	}
	return nil
}

func doInfo(g *state.Global) error {
	if g.Network == nil {
		return errors.Errorf("network not up, use `up` first")
	}
	info, err := g.Network.Info()
	if err != nil {
		return err
	}
	g.Log.Infof("%s lease=%ds state=%s", info.String(), info.LeaseSeconds, info.DHCPState)
	return nil
}

func doStat(g *state.Global) error {
	if d := g.Hardware.W5500; d != nil {
		g.Log.Infof("w5500 %s", d.Stat().String())
	}
	if g.Network != nil {
		g.Log.Infof("network %s", g.Network.Stat().String())
	}
	return nil
}

func doLease(action dhcp.Action) command {
	return func(g *state.Global) error {
		if g.Network == nil {
			return errors.Errorf("network not up, use `up` first")
		}
		if err := g.Network.ForceLease(action); err != nil {
			return err
		}
		return doInfo(g)
	}
}

func doResolve(host string) command {
	return func(g *state.Global) error {
		if g.Network == nil {
			return errors.Errorf("network not up, use `up` first")
		}
		ip, err := g.Network.Resolve(host)
		if err != nil {
			return err
		}
		g.Log.Infof("%s -> %s", host, ip)
		return nil
	}
}

func doTCP(host string, port uint16) command {
	return func(g *state.Global) error {
		if g.Network == nil {
			return errors.Errorf("network not up, use `up` first")
		}
		ip, err := g.Network.Resolve(host)
		if err != nil {
			return err
		}
		if err = g.Network.TestConnection(ip, port); err != nil {
			return err
		}
		g.Log.Infof("tcp %s:%d ok", ip, port)
		return nil
	}
}

func driver(g *state.Global) (*w5500.Driver, error) {
	if _, err := g.Link(); err != nil {
		return nil, err
	}
	if g.Hardware.W5500 == nil {
		return nil, errors.Errorf("no w5500 driver")
	}
	return g.Hardware.W5500, nil
}
