package network

import (
	"io/ioutil"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watertank/tanknode/network/dhcp"
)

func TestInitializeLinkDown(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.linkAfter = -1
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "192.168.1.53", 600)
	m := testManager(t, link, testConfig())

	err := m.Initialize()
	require.Error(t, err)
	assert.Equal(t, ErrLinkDown, errors.Cause(err))
	assert.Equal(t, 0, link.listens, "dhcp never attempted")
	assert.Empty(t, link.dhcpSent)
	assert.NotZero(t, atomic.LoadUint32(&link.fed))
	assert.Equal(t, uint32(1), m.Stat().LinkDown)
	assert.False(t, m.Connected())
	_, err = m.Resolve("example.com")
	assert.Equal(t, ErrNotReady, err)
	assert.Equal(t, ErrNotReady, m.TestConnection(net.IPv4(8, 8, 8, 8), 53))
}

func TestInitializeDHCP(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.linkAfter = 2
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "192.168.1.53", 120)
	link.dnsHandle = dnsServer(t, "93.184.216.34")
	c := testConfig()
	c.MachineIDPath = filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, ioutil.WriteFile(c.MachineIDPath, []byte("0123456789abcdef0123456789abcdef\n"), 0644))
	m := testManager(t, link, c)

	require.NoError(t, m.Initialize())
	assert.True(t, m.Connected())
	assert.Equal(t, "02:01:23:45:67:89", link.mac.String())

	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, Info{
		IP:           "192.168.1.50",
		Subnet:       "255.255.255.0",
		Gateway:      "192.168.1.1",
		DNS:          "192.168.1.53",
		MAC:          "02:01:23:45:67:89",
		Connected:    true,
		Speed:        100,
		FullDuplex:   true,
		DHCP:         true,
		DHCPState:    "BOUND",
		LeaseSeconds: 120,
	}, info)
	hostname, _ := link.dhcpSent[0].Options.Get(dhcp.OptionHostname)
	assert.Equal(t, "tank-test", string(hostname))

	ip, err := m.Resolve("example.com")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip.String())
	assert.Equal(t, "192.168.1.53:53", link.sent[len(link.sent)-1].String())
	ip, err = m.Resolve("10.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", ip.String(), "literal address skips dns")

	s := m.Stat()
	assert.Equal(t, uint32(1), s.DhcpAcquired)
	assert.Equal(t, uint32(1), s.DnsQueries)
	assert.Equal(t, uint32(0), s.StaticFallbacks)
}

func TestInitializeDHCPFallback(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	m := testManager(t, link, testConfig())

	require.NoError(t, m.Initialize())
	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", info.IP)
	assert.Equal(t, "8.8.4.4", info.DNS)
	assert.Equal(t, "INIT", info.DHCPState)
	s := m.Stat()
	assert.Equal(t, uint32(1), s.DhcpFailures)
	assert.Equal(t, uint32(1), s.StaticFallbacks)
}

func TestInitializeStatic(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.mac = net.HardwareAddr{0x02, 1, 2, 3, 4, 5}
	c := testConfig()
	c.UseDHCP = false
	c.Static.DNS = "0.0.0.0"
	c.DNS.Fallback = "1.1.1.1"
	m := testManager(t, link, c)

	require.NoError(t, m.Initialize())
	assert.Equal(t, 0, link.listens)
	assert.Equal(t, 0, link.setMACs, "chip mac kept")
	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", info.IP)
	assert.Equal(t, "1.1.1.1", info.DNS, "fallback resolver")
	assert.Equal(t, "", info.DHCPState)
	assert.NoError(t, m.CheckLease(time.Now().Add(1000*time.Hour)), "static mode no-op")
	assert.Equal(t, uint32(0), m.Stat().StaticFallbacks)
}

func TestCheckLease(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "192.168.1.53", 100)
	m := testManager(t, link, testConfig())
	require.NoError(t, m.Initialize())
	start := time.Now()
	sent := len(link.dhcpSent)

	require.NoError(t, m.CheckLease(start.Add(10*time.Second)))
	assert.Len(t, link.dhcpSent, sent, "nothing due")

	link.mu.Lock()
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "10.0.0.53", 100)
	link.mu.Unlock()
	require.NoError(t, m.CheckLease(start.Add(60*time.Second)))
	renew := link.lastDHCP()
	assert.Equal(t, dhcp.MessageRequest, renew.MessageType())
	assert.Equal(t, "192.168.1.50", renew.CIAddr.String())
	assert.Equal(t, "192.168.1.1:67", link.sent[len(link.sent)-1].String())
	info, _ := m.Info()
	assert.Equal(t, "10.0.0.53", info.DNS, "resolver follows lease")
	assert.Equal(t, uint32(1), m.Stat().DhcpRenewed)
}

func TestCheckLeaseNak(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	good := dhcpServer(t, "192.168.1.50", "192.168.1.53", 100)
	link.dhcpHandle = good
	m := testManager(t, link, testConfig())
	require.NoError(t, m.Initialize())

	link.mu.Lock()
	link.dhcpHandle = func(req *dhcp.Packet) [][]byte {
		return [][]byte{dhcpReply(t, req, dhcp.MessageNak, "0.0.0.0", "0.0.0.0", 0)}
	}
	link.mu.Unlock()
	err := m.CheckLease(time.Now().Add(60 * time.Second))
	assert.Equal(t, dhcp.ErrNak, errors.Cause(err))
	assert.Equal(t, uint32(1), m.Stat().DhcpFailures)

	link.mu.Lock()
	link.dhcpHandle = good
	link.mu.Unlock()
	require.NoError(t, m.CheckLease(time.Now()))
	assert.Equal(t, dhcp.MessageRequest, link.lastDHCP().MessageType())
	assert.Equal(t, uint32(2), m.Stat().DhcpAcquired)
	info, _ := m.Info()
	assert.Equal(t, "BOUND", info.DHCPState)
}

func TestTestConnection(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	c := testConfig()
	c.UseDHCP = false
	m := testManager(t, link, c)
	require.NoError(t, m.Initialize())

	require.NoError(t, m.TestConnection(net.IPv4(8, 8, 8, 8), 53))
	link.dialErr = errors.New("refused")
	err := m.TestConnection(net.IPv4(10, 0, 0, 1), 80)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, []string{"8.8.8.8:53", "10.0.0.1:80"}, link.dials)
}

func TestCloseReleasesLease(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "192.168.1.53", 100)
	m := testManager(t, link, testConfig())
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Close())
	assert.Equal(t, dhcp.MessageRelease, link.lastDHCP().MessageType())
	require.NoError(t, m.Close(), "second close no-op")
}

func TestForceLease(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t)
	link.dhcpHandle = dhcpServer(t, "192.168.1.50", "192.168.1.53", 3600)
	m := testManager(t, link, testConfig())
	require.NoError(t, m.Initialize())

	require.NoError(t, m.ForceLease(dhcp.ActionRebind))
	rebind := link.lastDHCP()
	assert.Equal(t, dhcp.MessageRequest, rebind.MessageType())
	assert.Equal(t, "192.168.1.50", rebind.CIAddr.String())
	assert.Equal(t, "255.255.255.255:67", link.sent[len(link.sent)-1].String())
	assert.Equal(t, uint32(1), m.Stat().DhcpRebound)

	static := testConfig()
	static.UseDHCP = false
	ms := testManager(t, newFakeLink(t), static)
	require.NoError(t, ms.Initialize())
	assert.Equal(t, ErrNotReady, errors.Cause(ms.ForceLease(dhcp.ActionRenew)))
}
