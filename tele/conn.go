package tele

import (
	"expvar"
	"fmt"
	"io"
	"net"

	"github.com/256dpi/gomqtt/packet"
	"github.com/watertank/tanknode/helpers"
)

// statConn counts bytes both ways into publisher stat.
type statConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func newStatConn(c net.Conn, in, out *expvar.Int) *statConn {
	return &statConn{
		Conn: c,
		r:    helpers.NewStatReader(c, in),
		w:    helpers.NewStatWriter(c, out),
	}
}

func (c *statConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *statConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// PUBLISH payload as text, readable in logs
func packetString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		m := &pub.Message
		return fmt.Sprintf("<Publish Topic=%q QOS=%d Retain=%t Payload=%s>", m.Topic, m.QOS, m.Retain, m.Payload)
	}
	return p.String()
}
