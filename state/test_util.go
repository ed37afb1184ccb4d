package state

import (
	"context"
	"testing"

	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network"
)

// NewTestContext reads inline config and inits Global over given link.
// link=nil leaves hardware for Link() to open, which fails without SPI.
func NewTestContext(t testing.TB, confString string, link network.Link) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.Hardware.Link = link
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	return ctx, g
}
