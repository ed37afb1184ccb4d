// Package dhcp is a minimal DHCPv4 client for a single interface.
// It drives DISCOVER/OFFER/REQUEST/ACK over a borrowed UDP socket, keeps the
// bound lease and applies it through Network.SetStaticAddress.
package dhcp

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/log2"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultRecvTimeout = 1 * time.Second

	HostnamePrefix = "tank-"
)

var (
	ErrNak          = errors.New("dhcp server replied NAK")
	ErrInvalidState = errors.New("dhcp invalid state")
)

// parameters requested from server: subnet, router, dns, lease time
var paramRequestList = []byte{
	byte(OptionSubnetMask),
	byte(OptionRouter),
	byte(OptionDNS),
	byte(OptionLeaseTime),
}

// Network is what the client needs from the link below it.
type Network interface {
	ListenUDP(port uint16) (net.PacketConn, error)
	HardwareAddr() (net.HardwareAddr, error)
	SetStaticAddress(ip, subnet, gateway, dns net.IP) error
}

type Options struct {
	// default tank-XXXXXX from last three MAC bytes
	Hostname    string
	Timeout     time.Duration
	RecvTimeout time.Duration
	// Required, called on every receive wait iteration.
	KeepAlive func()
	Log       *log2.Log
	Rand      *rand.Rand
	Now       func() time.Time
}

type Lease struct {
	IP       net.IP
	Subnet   net.IP
	Router   net.IP
	DNS      net.IP
	Server   net.IP
	Duration time.Duration // 0 = infinite
	Acquired time.Time
}

func (l Lease) Renew() time.Duration  { return l.Duration / 2 }
func (l Lease) Rebind() time.Duration { return l.Duration * 7 / 8 }

func (l Lease) String() string {
	return fmt.Sprintf("ip=%s subnet=%s router=%s dns=%s server=%s duration=%s",
		l.IP, l.Subnet, l.Router, l.DNS, l.Server, l.Duration)
}

type Client struct {
	n   Network
	opt Options
	log *log2.Log

	mu    sync.Mutex
	state State
	lease Lease
	xid   uint32
	mac   net.HardwareAddr
}

func NewClient(n Network, opt Options) (*Client, error) {
	if n == nil {
		return nil, errors.NotValidf("dhcp network=nil")
	}
	if opt.KeepAlive == nil {
		return nil, errors.NotValidf("dhcp keepalive=nil")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.RecvTimeout <= 0 {
		opt.RecvTimeout = DefaultRecvTimeout
	}
	if opt.RecvTimeout > opt.Timeout {
		opt.RecvTimeout = opt.Timeout
	}
	if opt.Rand == nil {
		opt.Rand = helpers.RandUnix()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if len(opt.Hostname) > 255 {
		return nil, errors.NotValidf("dhcp hostname length=%d", len(opt.Hostname))
	}
	return &Client{n: n, opt: opt, log: opt.Log, state: StateInit}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns current lease and true only when one is held.
func (c *Client) Lease() (Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateBound, StateRenewing, StateRebinding:
		return c.lease, true
	}
	return Lease{}, false
}

func (c *Client) Hostname() string { return c.opt.Hostname }

// Due reports lease maintenance needed at now.
func (c *Client) Due(now time.Time) Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateBound, StateRenewing, StateRebinding:
	default:
		return ActionNone
	}
	l := c.lease
	if l.Duration == 0 {
		return ActionNone
	}
	elapsed := now.Sub(l.Acquired)
	switch {
	case elapsed >= l.Duration:
		return ActionReacquire
	case elapsed >= l.Rebind():
		return ActionRebind
	case elapsed >= l.Renew():
		return ActionRenew
	}
	return ActionNone
}

// AcquireLease runs full exchange from INIT. On success lease is applied to
// the network and state is BOUND. Any failure leaves state INIT.
func (c *Client) AcquireLease() error {
	const tag = "dhcp acquire"
	mac, err := c.n.HardwareAddr()
	if err != nil {
		return errors.Annotate(err, tag)
	}
	c.mu.Lock()
	c.mac = mac
	if c.opt.Hostname == "" {
		c.opt.Hostname = DefaultHostname(mac)
	}
	c.mu.Unlock()

	conn, err := c.n.ListenUDP(ClientPort)
	if err != nil {
		c.setState(StateInit)
		return errors.Annotate(err, tag)
	}
	defer conn.Close()

	c.newXid()
	c.setState(StateSelecting)
	discover := c.newRequest(MessageDiscover, FlagBroadcast, nil)
	c.addHostParams(discover)
	if err = c.send(conn, discover, net.IPv4bcast); err != nil {
		c.setState(StateInit)
		return errors.Annotate(err, tag)
	}
	offer, err := c.await(conn, MessageOffer)
	if err != nil {
		c.setState(StateInit)
		return errors.Annotate(err, tag)
	}
	server := offer.ServerID()
	if offer.YIAddr == nil || offer.YIAddr.Equal(net.IPv4zero) || server == nil {
		c.setState(StateInit)
		return errors.NotValidf("%s offer yiaddr=%s server=%s", tag, offer.YIAddr, server)
	}
	c.log.Debugf("dhcp offer ip=%s server=%s", offer.YIAddr, server)

	c.setState(StateRequesting)
	request := c.newRequest(MessageRequest, FlagBroadcast, nil)
	request.Options.Add(OptionRequestedIP, offer.YIAddr.To4()...)
	request.Options.Add(OptionServerID, server.To4()...)
	c.addHostParams(request)
	if err = c.send(conn, request, net.IPv4bcast); err != nil {
		c.setState(StateInit)
		return errors.Annotate(err, tag)
	}
	return errors.Annotate(c.finish(conn, server), tag)
}

// RenewLease unicasts REQUEST to the lease server. Allowed from BOUND or
// RENEWING only; other states fail without sending anything.
func (c *Client) RenewLease() error {
	const tag = "dhcp renew"
	lease, err := c.requireState(StateBound, StateRenewing)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	conn, err := c.n.ListenUDP(ClientPort)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	defer conn.Close()

	c.newXid()
	c.setState(StateRenewing)
	request := c.newRequest(MessageRequest, 0, lease.IP)
	c.addHostParams(request)
	if err = c.send(conn, request, lease.Server); err != nil {
		return errors.Annotate(err, tag)
	}
	return errors.Annotate(c.finish(conn, lease.Server), tag)
}

// RebindLease broadcasts REQUEST to any server after renewal failed.
func (c *Client) RebindLease() error {
	const tag = "dhcp rebind"
	lease, err := c.requireState(StateBound, StateRenewing, StateRebinding)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	conn, err := c.n.ListenUDP(ClientPort)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	defer conn.Close()

	c.newXid()
	c.setState(StateRebinding)
	request := c.newRequest(MessageRequest, 0, lease.IP)
	c.addHostParams(request)
	if err = c.send(conn, request, net.IPv4bcast); err != nil {
		return errors.Annotate(err, tag)
	}
	return errors.Annotate(c.finish(conn, nil), tag)
}

// Release gives lease back to server and returns to INIT. No reply expected.
func (c *Client) Release() error {
	const tag = "dhcp release"
	lease, err := c.requireState(StateBound, StateRenewing, StateRebinding)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	conn, err := c.n.ListenUDP(ClientPort)
	if err != nil {
		return errors.Annotate(err, tag)
	}
	defer conn.Close()

	c.newXid()
	p := c.newRequest(MessageRelease, 0, lease.IP)
	p.Options = OptionList{p.Options[0]}
	p.Options.Add(OptionServerID, lease.Server.To4()...)
	p.Options.Add(OptionClientID, clientID(c.mac)...)
	err = c.send(conn, p, lease.Server)
	c.mu.Lock()
	c.state = StateInit
	c.lease = Lease{}
	c.mu.Unlock()
	return errors.Annotate(err, tag)
}

func DefaultHostname(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return HostnamePrefix + hex.EncodeToString(mac)
	}
	return HostnamePrefix + hex.EncodeToString(mac[len(mac)-3:])
}

// finish waits ACK/NAK and binds. server=nil accepts any server (rebind).
func (c *Client) finish(conn net.PacketConn, server net.IP) error {
	reply, err := c.await(conn, MessageAck, MessageNak)
	if err != nil {
		// timeout in renewing keeps state so caller may retry or rebind
		if c.State() == StateRequesting {
			c.setState(StateInit)
		}
		return err
	}
	if reply.MessageType() == MessageNak {
		c.mu.Lock()
		c.state = StateInit
		c.lease = Lease{}
		c.mu.Unlock()
		c.log.Infof("dhcp NAK from server=%s", reply.ServerID())
		return ErrNak
	}

	lease := leaseFromPacket(reply, c.opt.Now())
	if lease.Server == nil {
		lease.Server = server
	}
	if lease.IP == nil || lease.IP.Equal(net.IPv4zero) {
		c.setState(StateInit)
		return errors.NotValidf("ack yiaddr=%s", reply.YIAddr)
	}
	if err = c.n.SetStaticAddress(lease.IP, lease.Subnet, lease.Router, lease.DNS); err != nil {
		c.setState(StateInit)
		return errors.Annotate(err, "apply lease")
	}
	c.mu.Lock()
	c.state = StateBound
	c.lease = lease
	c.mu.Unlock()
	c.log.Infof("dhcp bound %s", lease.String())
	return nil
}

func leaseFromPacket(p *Packet, now time.Time) Lease {
	l := Lease{
		IP:       p.YIAddr,
		Subnet:   p.Options.ip4(OptionSubnetMask),
		Router:   p.Options.ip4(OptionRouter),
		DNS:      p.Options.ip4(OptionDNS),
		Server:   p.ServerID(),
		Acquired: now,
	}
	if secs, ok := p.Options.uint32(OptionLeaseTime); ok && secs != 0xffffffff {
		l.Duration = time.Duration(secs) * time.Second
	}
	for _, ip := range []*net.IP{&l.Subnet, &l.Router, &l.DNS} {
		if *ip == nil {
			*ip = net.IPv4(0, 0, 0, 0).To4()
		}
	}
	return l
}

// await reads replies until one of wanted types with matching xid arrives
// or Timeout elapses. Everything else is dropped.
func (c *Client) await(conn net.PacketConn, wanted ...MessageType) (*Packet, error) {
	deadline := time.Now().Add(c.opt.Timeout)
	buf := make([]byte, 1500)
	for {
		c.opt.KeepAlive()
		now := time.Now()
		if !now.Before(deadline) {
			return nil, errors.Timeoutf("dhcp wait %v xid=%08x", wanted, c.xid)
		}
		rd := now.Add(c.opt.RecvTimeout)
		if rd.After(deadline) {
			rd = deadline
		}
		if err := conn.SetReadDeadline(rd); err != nil {
			return nil, errors.Annotate(err, "dhcp set deadline")
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, errors.Annotate(err, "dhcp receive")
		}
		p, err := Decode(buf[:n])
		if err != nil {
			c.log.Debugf("dhcp discard from=%v err=%v", from, err)
			continue
		}
		if p.Op != BootReply || p.Xid != c.xid {
			c.log.Debugf("dhcp discard from=%v op=%s xid=%08x", from, p.Op, p.Xid)
			continue
		}
		mt := p.MessageType()
		for _, w := range wanted {
			if mt == w {
				return p, nil
			}
		}
		c.log.Debugf("dhcp discard from=%v type=%s", from, mt)
	}
}

func (c *Client) send(conn net.PacketConn, p *Packet, to net.IP) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	c.log.Debugf("dhcp send to=%s %s", to, p.String())
	_, err = conn.WriteTo(b, &net.UDPAddr{IP: to, Port: ServerPort})
	return errors.Annotate(err, "dhcp send")
}

func (c *Client) newRequest(mt MessageType, flags uint16, ciaddr net.IP) *Packet {
	p := &Packet{
		Op:     BootRequest,
		Xid:    c.xid,
		Flags:  flags,
		CIAddr: ciaddr,
		CHAddr: c.mac,
	}
	p.Options.Add(OptionMessageType, byte(mt))
	p.Options.Add(OptionClientID, clientID(c.mac)...)
	return p
}

func (c *Client) addHostParams(p *Packet) {
	p.Options.Add(OptionHostname, []byte(c.opt.Hostname)...)
	p.Options.Add(OptionParamRequest, paramRequestList...)
}

func (c *Client) newXid() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xid = 0
	for c.xid == 0 {
		c.xid = c.opt.Rand.Uint32()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) requireState(allowed ...State) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allowed {
		if c.state == s {
			return c.lease, nil
		}
	}
	return Lease{}, errors.Annotatef(ErrInvalidState, "state=%s", c.state)
}

func clientID(mac net.HardwareAddr) []byte {
	return append([]byte{htypeEthernet}, mac...)
}

func isTimeout(err error) bool {
	err = errors.Cause(err)
	if errors.IsTimeout(err) {
		return true
	}
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
