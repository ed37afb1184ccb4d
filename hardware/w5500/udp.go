package w5500

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

// UDPConn is net.PacketConn over one hardware socket.
// Broadcast is allowed: chip only blocks it when Sn_MR.BCASTB is set.
type UDPConn struct {
	deadlines
	d      *Driver
	s      Socket
	port   uint16
	closed uint32
}

var _ net.PacketConn = (*UDPConn)(nil)

// ListenUDP allocates a socket and opens it in UDP mode. port=0 picks ephemeral.
func (d *Driver) ListenUDP(port uint16) (*UDPConn, error) {
	s, err := d.Allocate()
	if err != nil {
		return nil, err
	}
	ok, err := d.Open(s, ProtoUDP, port)
	if err != nil || !ok {
		_, _ = d.Close(s)
		if err == nil {
			err = errors.Timeoutf("%s %s open udp port=%d", modName, s, port)
		}
		return nil, err
	}
	info, err := d.Info(s)
	if err != nil {
		_, _ = d.Close(s)
		return nil, err
	}
	return &UDPConn{d: d, s: s, port: info.Port}, nil
}

func (c *UDPConn) Socket() Socket { return c.s }

// ReadFrom polls for a datagram until read deadline. Keep-alive is fed while waiting.
func (c *UDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		if atomic.LoadUint32(&c.closed) != 0 {
			return 0, nil, net.ErrClosed
		}
		b, addr, err := c.d.ReceiveFrom(c.s, len(p))
		if err != nil {
			return 0, nil, err
		}
		if addr != nil {
			return copy(p, b), addr, nil
		}
		if c.readExpired(time.Now()) {
			return 0, nil, &timeoutError{op: "read"}
		}
		c.d.keepAlive()
		c.d.sleep(c.d.timing.recv)
	}
}

func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if atomic.LoadUint32(&c.closed) != 0 {
		return 0, net.ErrClosed
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.NotValidf("%s udp destination %v", modName, addr)
	}
	if len(p) > BufferSize {
		return 0, errors.NotValidf("%s udp datagram length=%d > max=%d", modName, len(p), BufferSize)
	}
	for {
		n, err := c.d.SendTo(c.s, ua.IP, uint16(ua.Port), p)
		if err != nil {
			return 0, err
		}
		if n != 0 {
			return n, nil
		}
		if !c.writeRetry(time.Now()) {
			return 0, &timeoutError{op: "write"}
		}
	}
}

func (c *UDPConn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	_, err := c.d.Close(c.s)
	return err
}

func (c *UDPConn) LocalAddr() net.Addr {
	a, _ := c.d.Address()
	return &net.UDPAddr{IP: a.IP, Port: int(c.port)}
}
