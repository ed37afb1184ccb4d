package dhcp

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/watertank/tanknode/log2"
)

// Helpers for testing dhcp package

var (
	testMAC    = net.HardwareAddr{0x02, 0x00, 0x00, 0xab, 0xcd, 0xef}
	testServer = net.IPv4(192, 168, 1, 1).To4()
)

type testTimeout struct{}

func (testTimeout) Error() string   { return "test i/o timeout" }
func (testTimeout) Timeout() bool   { return true }
func (testTimeout) Temporary() bool { return true }

type sentPacket struct {
	p  *Packet
	b  []byte
	to *net.UDPAddr
}

type address struct{ ip, subnet, gateway, dns net.IP }

// fakeNet plays both the link and the DHCP server. handle returns raw replies
// queued for the next ReadFrom.
type fakeNet struct {
	t         testing.TB
	mu        sync.Mutex
	handle    func(req *Packet, to *net.UDPAddr) [][]byte
	inbox     [][]byte
	sent      []sentPacket
	applied   []address
	listens   int
	open      int
	listenErr error
}

func newFakeNet(t testing.TB) *fakeNet { return &fakeNet{t: t} }

func (n *fakeNet) HardwareAddr() (net.HardwareAddr, error) { return testMAC, nil }

func (n *fakeNet) SetStaticAddress(ip, subnet, gateway, dns net.IP) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, address{ip, subnet, gateway, dns})
	return nil
}

func (n *fakeNet) ListenUDP(port uint16) (net.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listens++
	if n.listenErr != nil {
		return nil, n.listenErr
	}
	require.Equal(n.t, uint16(ClientPort), port)
	n.open++
	return &fakeConn{n: n}, nil
}

func (n *fakeNet) sentPackets() []sentPacket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentPacket(nil), n.sent...)
}

type fakeConn struct {
	n        *fakeNet
	deadline time.Time
	closed   bool
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.n.mu.Lock()
		if len(c.n.inbox) > 0 {
			msg := c.n.inbox[0]
			c.n.inbox = c.n.inbox[1:]
			c.n.mu.Unlock()
			return copy(b, msg), &net.UDPAddr{IP: testServer, Port: ServerPort}, nil
		}
		c.n.mu.Unlock()
		if !c.deadline.IsZero() && !time.Now().Before(c.deadline) {
			return 0, nil, testTimeout{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	p, err := Decode(b)
	require.NoError(c.n.t, err)
	to := addr.(*net.UDPAddr)
	c.n.mu.Lock()
	c.n.sent = append(c.n.sent, sentPacket{p: p, b: append([]byte(nil), b...), to: to})
	handle := c.n.handle
	c.n.mu.Unlock()
	if handle != nil {
		replies := handle(p, to)
		c.n.mu.Lock()
		c.n.inbox = append(c.n.inbox, replies...)
		c.n.mu.Unlock()
	}
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.n.open--
	}
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{Port: ClientPort} }
func (c *fakeConn) SetDeadline(t time.Time) error      { c.deadline = t; return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { c.deadline = t; return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type tenv struct {
	t         testing.TB
	net       *fakeNet
	client    *Client
	keepAlive uint32
	now       time.Time
}

func testEnv(t testing.TB) *tenv {
	env := &tenv{t: t, net: newFakeNet(t), now: time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)}
	c, err := NewClient(env.net, Options{
		Timeout:     200 * time.Millisecond,
		RecvTimeout: 20 * time.Millisecond,
		KeepAlive:   func() { atomic.AddUint32(&env.keepAlive, 1) },
		Log:         log2.NewTest(t, log2.LDebug),
		Rand:        rand.New(rand.NewSource(1)),
		Now:         func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.client = c
	return env
}

func (env *tenv) fed() uint32 { return atomic.LoadUint32(&env.keepAlive) }

func ip4(s string) net.IP { return net.ParseIP(s).To4() }

func leaseOptions(secs uint32) OptionList {
	var o OptionList
	o.Add(OptionServerID, testServer...)
	o.Add(OptionSubnetMask, 255, 255, 255, 0)
	o.Add(OptionRouter, 192, 168, 1, 1)
	o.Add(OptionDNS, 8, 8, 8, 8, 8, 8, 4, 4)
	lt := make([]byte, 4)
	binary.BigEndian.PutUint32(lt, secs)
	o.Add(OptionLeaseTime, lt...)
	return o
}

func reply(t testing.TB, req *Packet, mt MessageType, yiaddr net.IP, opts OptionList) []byte {
	p := &Packet{Op: BootReply, Xid: req.Xid, YIAddr: yiaddr, CHAddr: req.CHAddr}
	p.Options.Add(OptionMessageType, byte(mt))
	p.Options = append(p.Options, opts...)
	b, err := p.Encode()
	require.NoError(t, err)
	return b
}

// standardServer offers 192.168.1.50 and acks every request.
func standardServer(t testing.TB, secs uint32) func(*Packet, *net.UDPAddr) [][]byte {
	return func(req *Packet, to *net.UDPAddr) [][]byte {
		switch req.MessageType() {
		case MessageDiscover:
			return [][]byte{reply(t, req, MessageOffer, ip4("192.168.1.50"), leaseOptions(secs))}
		case MessageRequest:
			return [][]byte{reply(t, req, MessageAck, ip4("192.168.1.50"), leaseOptions(secs))}
		}
		return nil
	}
}

func optionCodes(p *Packet) []OptionCode {
	codes := make([]OptionCode, 0, len(p.Options))
	for _, o := range p.Options {
		codes = append(codes, o.Code)
	}
	return codes
}
