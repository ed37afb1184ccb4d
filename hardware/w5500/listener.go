package w5500

import (
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Listener keeps one socket in LISTEN state. Accepted socket becomes Conn
// and a fresh socket is armed for the next client.
type Listener struct {
	d     *Driver
	port  uint16
	alive *alive.Alive

	mu    sync.Mutex
	s     Socket
	armed bool
}

var _ net.Listener = (*Listener)(nil)

func (d *Driver) ListenTCP(port uint16) (*Listener, error) {
	if port == 0 {
		return nil, errors.NotValidf("%s listen port=0", modName)
	}
	l := &Listener{d: d, port: port, alive: alive.NewAlive()}
	if err := l.arm(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) arm() error {
	s, err := l.d.Allocate()
	if err != nil {
		return err
	}
	ok, err := l.d.Open(s, ProtoTCP, l.port)
	if err == nil && ok {
		ok, err = l.d.Listen(s)
	}
	if err != nil || !ok {
		_, _ = l.d.Close(s)
		if err == nil {
			err = errors.Timeoutf("%s %s listen port=%d", modName, s, l.port)
		}
		return err
	}
	l.mu.Lock()
	l.s, l.armed = s, true
	l.mu.Unlock()
	return nil
}

func (l *Listener) current() (Socket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s, l.armed
}

func (l *Listener) Accept() (net.Conn, error) {
	if !l.alive.Add(1) {
		return nil, net.ErrClosed
	}
	defer l.alive.Done()

	interval := l.d.timing.connect.Interval
	for {
		s, armed := l.current()
		if !armed {
			if err := l.arm(); err != nil {
				l.d.Log.Debugf("%s listen port=%d rearm: %v", modName, l.port, err)
			}
		} else {
			st, err := l.d.Status(s)
			if err != nil {
				return nil, err
			}
			switch st {
			case StatusEstablished, StatusCloseWait:
				l.mu.Lock()
				l.armed = false
				l.mu.Unlock()
				c, err := l.d.newConn(s)
				if err != nil {
					_, _ = l.d.Close(s)
					return nil, err
				}
				if err = l.arm(); err != nil {
					l.d.Log.Errorf("%s listen port=%d next socket: %v", modName, l.port, err)
				}
				return c, nil
			case StatusClosed:
				// peer reset before accept, listen again on the same socket
				ok, err := l.d.Open(s, ProtoTCP, l.port)
				if err == nil && ok {
					_, err = l.d.Listen(s)
				}
				if err != nil {
					return nil, err
				}
			}
		}
		select {
		case <-l.alive.StopChan():
			return nil, net.ErrClosed
		case <-time.After(interval):
		}
	}
}

func (l *Listener) Close() error {
	l.alive.Stop()
	l.alive.Wait()
	s, armed := l.current()
	if !armed {
		return nil
	}
	l.mu.Lock()
	l.armed = false
	l.mu.Unlock()
	_, err := l.d.Close(s)
	return err
}

func (l *Listener) Addr() net.Addr {
	a, _ := l.d.Address()
	return &net.TCPAddr{IP: a.IP, Port: int(l.port)}
}
