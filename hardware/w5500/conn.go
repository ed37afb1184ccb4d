package w5500

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

// Conn is net.Conn over one TCP socket.
// Without read deadline Read waits for data or peer close.
// Without write deadline each chunk gets one bounded send attempt.
type Conn struct {
	deadlines
	d      *Driver
	s      Socket
	local  *net.TCPAddr
	remote *net.TCPAddr
	closed uint32
}

var _ net.Conn = (*Conn)(nil)

func (d *Driver) DialTCP(ip net.IP, port uint16) (*Conn, error) {
	s, err := d.Allocate()
	if err != nil {
		return nil, err
	}
	ok, err := d.Open(s, ProtoTCP, 0)
	if err == nil && ok {
		ok, err = d.Connect(s, ip, port)
	}
	if err != nil || !ok {
		_, _ = d.Close(s)
		if err == nil {
			err = errors.Annotatef(ErrConnect, "%s:%d", ip, port)
		}
		return nil, err
	}
	return d.newConn(s)
}

func (d *Driver) newConn(s Socket) (*Conn, error) {
	ip, port, err := d.Remote(s)
	if err != nil {
		return nil, err
	}
	info, err := d.Info(s)
	if err != nil {
		return nil, err
	}
	a, err := d.Address()
	if err != nil {
		return nil, err
	}
	return &Conn{
		d:      d,
		s:      s,
		local:  &net.TCPAddr{IP: a.IP, Port: int(info.Port)},
		remote: &net.TCPAddr{IP: ip, Port: int(port)},
	}, nil
}

func (c *Conn) Socket() Socket { return c.s }

func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if atomic.LoadUint32(&c.closed) != 0 {
			return 0, net.ErrClosed
		}
		b, err := c.d.Receive(c.s, len(p))
		if err != nil {
			return 0, err
		}
		if len(b) != 0 {
			return copy(p, b), nil
		}
		st, err := c.d.Status(c.s)
		if err != nil {
			return 0, err
		}
		if st != StatusEstablished {
			return 0, io.EOF
		}
		if c.readExpired(time.Now()) {
			return 0, &timeoutError{op: "read"}
		}
		c.d.keepAlive()
		c.d.sleep(c.d.timing.recv)
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if atomic.LoadUint32(&c.closed) != 0 {
			return total, net.ErrClosed
		}
		n, err := c.d.Send(c.s, p[total:])
		if err != nil {
			return total, err
		}
		if n != 0 {
			total += n
			continue
		}
		st, err := c.d.Status(c.s)
		if err != nil {
			return total, err
		}
		if st != StatusEstablished && st != StatusCloseWait {
			return total, io.ErrClosedPipe
		}
		if !c.writeRetry(time.Now()) {
			return total, &timeoutError{op: "write"}
		}
	}
	return total, nil
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	_, err := c.d.Disconnect(c.s)
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }
