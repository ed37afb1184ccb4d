package network

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"github.com/watertank/tanknode/hardware/w5500"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network/dhcp"
)

// Helpers for testing network package

type testTimeout struct{}

func (testTimeout) Error() string   { return "test i/o timeout" }
func (testTimeout) Timeout() bool   { return true }
func (testTimeout) Temporary() bool { return true }

// fakeLink is socket driver plus DHCP and DNS servers behind it.
type fakeLink struct {
	t         testing.TB
	mu        sync.Mutex
	linkAfter int // LinkStatus calls before link comes up, <0 never
	linkCalls int
	mac       net.HardwareAddr
	setMACs   int
	addr      w5500.Address
	fed       uint32
	listens   int
	inbox     [][]byte
	sent      []*net.UDPAddr
	dhcpSent  []*dhcp.Packet
	dialErr   error
	dials     []string

	dhcpHandle func(req *dhcp.Packet) [][]byte
	dnsHandle  func(q []byte) [][]byte
}

func newFakeLink(t testing.TB) *fakeLink {
	zero := net.IPv4(0, 0, 0, 0).To4()
	return &fakeLink{
		t:    t,
		mac:  make(net.HardwareAddr, 6),
		addr: w5500.Address{IP: zero, Subnet: zero, Gateway: zero, DNS: zero},
	}
}

func (l *fakeLink) KeepAlive() { atomic.AddUint32(&l.fed, 1) }

func (l *fakeLink) LinkStatus() (w5500.LinkStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkCalls++
	up := l.linkAfter >= 0 && l.linkCalls > l.linkAfter
	return w5500.LinkStatus{Linked: up, Speed: 100, FullDuplex: up}, nil
}

func (l *fakeLink) HardwareAddr() (net.HardwareAddr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(net.HardwareAddr(nil), l.mac...), nil
}

func (l *fakeLink) SetMAC(mac net.HardwareAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setMACs++
	l.mac = append(net.HardwareAddr(nil), mac...)
	return nil
}

func (l *fakeLink) SetStaticAddress(ip, subnet, gateway, dns net.IP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addr = w5500.Address{IP: ip.To4(), Subnet: subnet.To4(), Gateway: gateway.To4(), DNS: dns.To4()}
	return nil
}

func (l *fakeLink) Address() (w5500.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr, nil
}

func (l *fakeLink) ListenUDP(port uint16) (net.PacketConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listens++
	l.inbox = nil
	return &fakeConn{l: l}, nil
}

func (l *fakeLink) DialTCP(ip net.IP, port uint16) (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dials = append(l.dials, (&net.TCPAddr{IP: ip, Port: int(port)}).String())
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (l *fakeLink) ListenTCP(port uint16) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:")
}

func (l *fakeLink) lastDHCP() *dhcp.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.dhcpSent) == 0 {
		return nil
	}
	return l.dhcpSent[len(l.dhcpSent)-1]
}

type fakeConn struct {
	l        *fakeLink
	deadline time.Time
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.l.mu.Lock()
		if len(c.l.inbox) > 0 {
			msg := c.l.inbox[0]
			c.l.inbox = c.l.inbox[1:]
			c.l.mu.Unlock()
			return copy(b, msg), &net.UDPAddr{}, nil
		}
		c.l.mu.Unlock()
		if !time.Now().Before(c.deadline) {
			return 0, nil, testTimeout{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	to := addr.(*net.UDPAddr)
	var replies [][]byte
	c.l.mu.Lock()
	c.l.sent = append(c.l.sent, to)
	dhcpHandle, dnsHandle := c.l.dhcpHandle, c.l.dnsHandle
	c.l.mu.Unlock()
	switch to.Port {
	case dhcp.ServerPort:
		p, err := dhcp.Decode(b)
		require.NoError(c.l.t, err)
		c.l.mu.Lock()
		c.l.dhcpSent = append(c.l.dhcpSent, p)
		c.l.mu.Unlock()
		if dhcpHandle != nil {
			replies = dhcpHandle(p)
		}
	case 53:
		if dnsHandle != nil {
			replies = dnsHandle(append([]byte(nil), b...))
		}
	}
	c.l.mu.Lock()
	c.l.inbox = append(c.l.inbox, replies...)
	c.l.mu.Unlock()
	return len(b), nil
}

func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { c.deadline = t; return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { c.deadline = t; return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func dhcpReply(t testing.TB, req *dhcp.Packet, mt dhcp.MessageType, ip string, dns string, secs uint32) []byte {
	p := &dhcp.Packet{Op: dhcp.BootReply, Xid: req.Xid, YIAddr: net.ParseIP(ip).To4(), CHAddr: req.CHAddr}
	p.Options.Add(dhcp.OptionMessageType, byte(mt))
	p.Options.Add(dhcp.OptionServerID, 192, 168, 1, 1)
	p.Options.Add(dhcp.OptionSubnetMask, 255, 255, 255, 0)
	p.Options.Add(dhcp.OptionRouter, 192, 168, 1, 1)
	p.Options.Add(dhcp.OptionDNS, net.ParseIP(dns).To4()...)
	lt := make([]byte, 4)
	binary.BigEndian.PutUint32(lt, secs)
	p.Options.Add(dhcp.OptionLeaseTime, lt...)
	b, err := p.Encode()
	require.NoError(t, err)
	return b
}

func dhcpServer(t testing.TB, ip, dns string, secs uint32) func(*dhcp.Packet) [][]byte {
	return func(req *dhcp.Packet) [][]byte {
		switch req.MessageType() {
		case dhcp.MessageDiscover:
			return [][]byte{dhcpReply(t, req, dhcp.MessageOffer, ip, dns, secs)}
		case dhcp.MessageRequest:
			return [][]byte{dhcpReply(t, req, dhcp.MessageAck, ip, dns, secs)}
		}
		return nil
	}
}

func dnsServer(t testing.TB, answer string) func([]byte) [][]byte {
	return func(q []byte) [][]byte {
		m := new(mdns.Msg)
		require.NoError(t, m.Unpack(q))
		r := new(mdns.Msg)
		r.SetReply(m)
		r.Answer = append(r.Answer, &mdns.A{
			Hdr: mdns.RR_Header{Name: m.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
			A:   net.ParseIP(answer),
		})
		b, err := r.Pack()
		require.NoError(t, err)
		return [][]byte{b}
	}
}

func testConfig() Config {
	return Config{
		UseDHCP:  true,
		Hostname: "tank-test",
		Static: StaticConfig{
			IP:      "192.168.1.100",
			Subnet:  "255.255.255.0",
			Gateway: "192.168.1.1",
			DNS:     "8.8.4.4",
		},
	}
}

func testManager(t testing.TB, link *fakeLink, c Config) *Manager {
	m, err := NewManager(link, c, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	m.sleep = func(time.Duration) { time.Sleep(time.Millisecond) }
	m.timing.linkTimeout = 50 * time.Millisecond
	m.timing.dhcpTimeout = 80 * time.Millisecond
	m.timing.dhcpRecv = 10 * time.Millisecond
	m.timing.dnsTimeout = 80 * time.Millisecond
	return m
}
