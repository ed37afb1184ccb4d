package state

import (
	"github.com/juju/errors"
	"github.com/watertank/tanknode/hardware/w5500"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/network"
)

// Link opens network chip once. Later calls return the same link or error.
func (g *Global) Link() (network.Link, error) {
	var err error
	g.initLinkOnce.Do(func() {
		defer recoverFatal(g.Log) // fix sync.Once silent panic

		// This may only be already set by tests
		if g.Hardware.Link != nil {
			return
		}
		var d *w5500.Driver
		d, err = w5500.Open(&g.Config.Hardware.W5500, g.Log, g.KeepAlive)
		if err != nil {
			err = errors.Annotatef(err, "config: w5500 spi=%s", g.Config.Hardware.W5500.SpiBus)
			return
		}
		g.Hardware.W5500 = d
		g.Hardware.Link = network.NewDriverLink(d)
	})
	if err != nil {
		return nil, err
	}
	if g.Hardware.Link == nil {
		return nil, errors.Errorf("hardware problem, see logs")
	}
	return g.Hardware.Link, nil
}

func recoverFatal(f helpers.Fataler) {
	if x := recover(); x != nil {
		f.Fatal(x)
	}
}
