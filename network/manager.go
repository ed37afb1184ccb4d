// Package network brings the node online: link wait, DHCP lease or static
// address, resolver setup. Later it keeps the lease fresh.
package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network/dhcp"
	"github.com/watertank/tanknode/network/dns"
)

var (
	ErrLinkDown = errors.New("network link down")
	ErrNotReady = errors.New("network not initialized")
)

type Info struct {
	IP           string `json:"ip"`
	Subnet       string `json:"subnet"`
	Gateway      string `json:"gateway"`
	DNS          string `json:"dns"`
	MAC          string `json:"mac"`
	Connected    bool   `json:"connected"`
	Speed        int    `json:"speed"`
	FullDuplex   bool   `json:"full_duplex"`
	DHCP         bool   `json:"dhcp_enabled"`
	DHCPState    string `json:"dhcp_state,omitempty"`
	LeaseSeconds int64  `json:"dhcp_lease_time"`
}

func (i Info) String() string {
	return fmt.Sprintf("ip=%s subnet=%s gateway=%s dns=%s mac=%s connected=%t dhcp=%t",
		i.IP, i.Subnet, i.Gateway, i.DNS, i.MAC, i.Connected, i.DHCP)
}

type Manager struct {
	Log    *log2.Log
	config Config
	link   Link
	timing timing
	sleep  func(time.Duration)

	mu          sync.Mutex
	initialized bool
	mac         net.HardwareAddr
	dhcp        *dhcp.Client
	resolver    *dns.Resolver
	stat        Stat
}

func NewManager(link Link, c Config, log *log2.Log) (*Manager, error) {
	if link == nil {
		return nil, errors.NotValidf("network link=nil")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.MachineIDPath == "" {
		c.MachineIDPath = DefaultMachineIDPath
	}
	return &Manager{
		Log:    log,
		config: c,
		link:   link,
		timing: c.timing(),
		sleep:  time.Sleep,
	}, nil
}

func (m *Manager) Stat() Stat                      { return m.stat.Snapshot() }
func (m *Manager) CountError(err error)            { m.stat.CountError(err) }
func (m *Manager) LeaseCheckPeriod() time.Duration { return m.timing.leaseCheck }

// Initialize runs bring-up once. Link down is ErrLinkDown and DHCP is not
// attempted. DHCP failure falls back to static configuration.
func (m *Manager) Initialize() error {
	if err := m.setupMAC(); err != nil {
		return errors.Annotate(err, "network init")
	}
	if err := m.waitLink(); err != nil {
		return errors.Annotate(err, "network init")
	}

	var client *dhcp.Client
	if m.config.UseDHCP {
		var err error
		client, err = dhcp.NewClient(m.link, dhcp.Options{
			Hostname:    m.config.Hostname,
			Timeout:     m.timing.dhcpTimeout,
			RecvTimeout: m.timing.dhcpRecv,
			KeepAlive:   m.link.KeepAlive,
			Log:         m.Log,
		})
		if err != nil {
			return errors.Annotate(err, "network init")
		}
		m.Log.Infof("network dhcp start")
		if err = client.AcquireLease(); err != nil {
			inc(&m.stat.DhcpFailures)
			m.Log.Errorf("network dhcp failed, using static: %v", err)
			if err = m.applyStatic(); err != nil {
				return errors.Annotate(err, "network init")
			}
		} else {
			inc(&m.stat.DhcpAcquired)
		}
	} else if err := m.applyStatic(); err != nil {
		return errors.Annotate(err, "network init")
	}

	addr, err := m.link.Address()
	if err != nil {
		return errors.Annotate(err, "network init")
	}
	server := addr.DNS
	if server == nil || server.Equal(net.IPv4zero) {
		server = m.config.fallbackDNS()
	}
	resolver, err := dns.NewResolver(m.link, server, dns.Options{
		Timeout:   m.timing.dnsTimeout,
		KeepAlive: m.link.KeepAlive,
		Log:       m.Log,
	})
	if err != nil {
		return errors.Annotate(err, "network init")
	}

	m.mu.Lock()
	m.dhcp = client
	m.resolver = resolver
	m.initialized = true
	m.mu.Unlock()
	m.Log.Infof("network connected %s", addr.String())
	return nil
}

// CheckLease is the periodic lease maintenance step. Renew at T1, rebind at
// T2, full acquire after expiry or NAK. Static mode is no-op.
func (m *Manager) CheckLease(now time.Time) error {
	client, resolver := m.clients()
	if client == nil {
		return nil
	}
	action := client.Due(now)
	if action == dhcp.ActionNone && client.State() == dhcp.StateInit {
		action = dhcp.ActionReacquire
	}
	return m.runLease(client, resolver, action)
}

// ForceLease runs lease action regardless of timing, for diagnostics.
func (m *Manager) ForceLease(action dhcp.Action) error {
	client, resolver := m.clients()
	if client == nil {
		return errors.Annotate(ErrNotReady, "network lease (static mode)")
	}
	return m.runLease(client, resolver, action)
}

func (m *Manager) runLease(client *dhcp.Client, resolver *dns.Resolver, action dhcp.Action) error {
	var err error
	switch action {
	case dhcp.ActionNone:
		return nil
	case dhcp.ActionRenew:
		m.Log.Infof("network dhcp renew")
		if err = client.RenewLease(); err == nil {
			inc(&m.stat.DhcpRenewed)
		}
	case dhcp.ActionRebind:
		m.Log.Infof("network dhcp rebind")
		if err = client.RebindLease(); err == nil {
			inc(&m.stat.DhcpRebound)
		}
	case dhcp.ActionReacquire:
		m.Log.Infof("network dhcp reacquire")
		if err = client.AcquireLease(); err == nil {
			inc(&m.stat.DhcpAcquired)
		}
	}
	if err != nil {
		inc(&m.stat.DhcpFailures)
		return errors.Annotatef(err, "network lease %s", action)
	}

	addr, err := m.link.Address()
	if err != nil {
		return errors.Annotate(err, "network lease")
	}
	if addr.DNS != nil && !addr.DNS.Equal(net.IPv4zero) && !addr.DNS.Equal(resolver.Server()) {
		m.Log.Infof("network dns server %s -> %s", resolver.Server(), addr.DNS)
		if err = resolver.SetServer(addr.DNS); err != nil {
			return errors.Annotate(err, "network lease")
		}
	}
	return nil
}

func (m *Manager) Resolve(host string) (net.IP, error) {
	_, resolver := m.clients()
	if resolver == nil {
		return nil, ErrNotReady
	}
	if ip := net.ParseIP(host).To4(); ip != nil {
		return ip, nil
	}
	inc(&m.stat.DnsQueries)
	ip, err := resolver.LookupIP(host)
	if err != nil {
		inc(&m.stat.DnsFailures)
		return nil, err
	}
	return ip, nil
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	ok := m.initialized
	m.mu.Unlock()
	if !ok {
		return false
	}
	ls, err := m.link.LinkStatus()
	return err == nil && ls.Linked
}

func (m *Manager) Info() (Info, error) {
	addr, err := m.link.Address()
	if err != nil {
		return Info{}, errors.Annotate(err, "network info")
	}
	ls, err := m.link.LinkStatus()
	if err != nil {
		return Info{}, errors.Annotate(err, "network info")
	}
	client, resolver := m.clients()
	m.mu.Lock()
	info := Info{
		IP:         addr.IP.String(),
		Subnet:     addr.Subnet.String(),
		Gateway:    addr.Gateway.String(),
		DNS:        addr.DNS.String(),
		MAC:        m.mac.String(),
		Connected:  m.initialized && ls.Linked,
		Speed:      ls.Speed,
		FullDuplex: ls.FullDuplex,
		DHCP:       m.config.UseDHCP,
	}
	m.mu.Unlock()
	if resolver != nil {
		info.DNS = resolver.Server().String()
	}
	if client != nil {
		info.DHCPState = client.State().String()
		if lease, ok := client.Lease(); ok {
			info.LeaseSeconds = int64(lease.Duration / time.Second)
		}
	}
	return info, nil
}

// TestConnection opens and closes TCP connection to ip:port.
func (m *Manager) TestConnection(ip net.IP, port uint16) error {
	m.mu.Lock()
	ok := m.initialized
	m.mu.Unlock()
	if !ok {
		return ErrNotReady
	}
	conn, err := m.link.DialTCP(ip, port)
	if err != nil {
		return errors.Annotatef(err, "network test %s:%d", ip, port)
	}
	m.Log.Debugf("network test %s:%d ok", ip, port)
	return conn.Close()
}

// Close gives DHCP lease back when one is held.
func (m *Manager) Close() error {
	client, _ := m.clients()
	if client == nil {
		return nil
	}
	if _, ok := client.Lease(); !ok {
		return nil
	}
	return client.Release()
}

func (m *Manager) clients() (*dhcp.Client, *dns.Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dhcp, m.resolver
}

// setupMAC keeps address already set on chip, otherwise derives one from machine id.
func (m *Manager) setupMAC() error {
	mac, err := m.link.HardwareAddr()
	if err != nil {
		return err
	}
	if zeroMAC(mac) {
		mac = machineMAC(m.config.MachineIDPath)
		if err = m.link.SetMAC(mac); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.mac = mac
	m.mu.Unlock()
	m.Log.Infof("network mac=%s", mac)
	return nil
}

func (m *Manager) waitLink() error {
	deadline := time.Now().Add(m.timing.linkTimeout)
	for {
		ls, err := m.link.LinkStatus()
		if err != nil {
			return err
		}
		if ls.Linked {
			m.Log.Debugf("network link %s", ls.String())
			return nil
		}
		if !time.Now().Before(deadline) {
			inc(&m.stat.LinkDown)
			return errors.Annotatef(ErrLinkDown, "waited %s", m.timing.linkTimeout)
		}
		m.link.KeepAlive()
		m.sleep(m.timing.linkPoll)
	}
}

func (m *Manager) applyStatic() error {
	ip, subnet, gateway, dnsServer, err := m.config.Static.Parse()
	if err != nil {
		return err
	}
	if m.config.UseDHCP {
		inc(&m.stat.StaticFallbacks)
	}
	return m.link.SetStaticAddress(ip, subnet, gateway, dnsServer)
}
