// Package dns resolves host names with one UDP query per lookup.
// No cache, no retry, no TCP fallback.
package dns

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/log2"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultRecvTimeout = 1 * time.Second
)

type Network interface {
	ListenUDP(port uint16) (net.PacketConn, error)
}

type Options struct {
	Timeout     time.Duration
	RecvTimeout time.Duration
	// Required, called on every receive wait iteration.
	KeepAlive func()
	Log       *log2.Log
	Rand      *rand.Rand
}

type Resolver struct {
	n   Network
	opt Options
	log *log2.Log

	mu     sync.Mutex
	server net.IP
	rand   *rand.Rand
}

func NewResolver(n Network, server net.IP, opt Options) (*Resolver, error) {
	if n == nil {
		return nil, errors.NotValidf("dns network=nil")
	}
	if opt.KeepAlive == nil {
		return nil, errors.NotValidf("dns keepalive=nil")
	}
	if server.To4() == nil {
		return nil, errors.NotValidf("dns server=%s", server)
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.RecvTimeout <= 0 || opt.RecvTimeout > opt.Timeout {
		opt.RecvTimeout = opt.Timeout
		if opt.RecvTimeout > DefaultRecvTimeout {
			opt.RecvTimeout = DefaultRecvTimeout
		}
	}
	r := &Resolver{n: n, opt: opt, log: opt.Log, server: server.To4(), rand: opt.Rand}
	if r.rand == nil {
		r.rand = helpers.RandUnix()
	}
	return r, nil
}

func (r *Resolver) Server() net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}

func (r *Resolver) SetServer(ip net.IP) error {
	ip4 := ip.To4()
	if ip4 == nil || ip4.Equal(net.IPv4zero) {
		return errors.NotValidf("dns server=%s", ip)
	}
	r.mu.Lock()
	r.server = ip4
	r.mu.Unlock()
	return nil
}

// Resolve sends one query and waits for matching response.
// Responses with foreign id are dropped, the wait goes on until Timeout.
func (r *Resolver) Resolve(name string, t Type) (string, error) {
	r.mu.Lock()
	id := uint16(r.rand.Uint32())
	server := r.server
	r.mu.Unlock()

	q, err := BuildQuery(id, name, t)
	if err != nil {
		return "", err
	}
	conn, err := r.n.ListenUDP(0)
	if err != nil {
		return "", errors.Annotatef(err, "dns resolve %s", name)
	}
	defer conn.Close()

	r.log.Debugf("dns query id=%04x %s %s server=%s", id, t, name, server)
	if _, err = conn.WriteTo(q, &net.UDPAddr{IP: server, Port: Port}); err != nil {
		return "", errors.Annotatef(err, "dns send %s", name)
	}

	deadline := time.Now().Add(r.opt.Timeout)
	buf := make([]byte, 512)
	for {
		r.opt.KeepAlive()
		now := time.Now()
		if !now.Before(deadline) {
			return "", errors.Timeoutf("dns resolve %s %s", t, name)
		}
		rd := now.Add(r.opt.RecvTimeout)
		if rd.After(deadline) {
			rd = deadline
		}
		if err = conn.SetReadDeadline(rd); err != nil {
			return "", errors.Annotate(err, "dns set deadline")
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return "", errors.Annotatef(err, "dns receive %s", name)
		}
		addr, err := ParseResponse(buf[:n], id, t)
		if errors.Cause(err) == errIDMismatch {
			r.log.Debugf("dns discard from=%v %v", from, err)
			continue
		}
		if err != nil {
			return "", errors.Annotatef(err, "dns resolve %s %s", t, name)
		}
		r.log.Debugf("dns %s %s = %s", t, name, addr)
		return addr, nil
	}
}

// LookupIP resolves A record.
func (r *Resolver) LookupIP(name string) (net.IP, error) {
	s, err := r.Resolve(name, TypeA)
	if err != nil {
		return nil, err
	}
	return net.ParseIP(s).To4(), nil
}

func isTimeout(err error) bool {
	err = errors.Cause(err)
	if errors.IsTimeout(err) {
		return true
	}
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
