package network

import (
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers"
)

const (
	DefaultLinkTimeout   = 10 * time.Second
	DefaultLinkPoll      = 500 * time.Millisecond
	DefaultLeaseCheck    = 60 * time.Second
	DefaultTestTimeout   = 5 * time.Second
	DefaultFallbackDNS   = "8.8.8.8"
	DefaultMachineIDPath = "/etc/machine-id"
)

type Config struct {
	UseDHCP        bool         `hcl:"use_dhcp"`
	Hostname       string       `hcl:"hostname"`
	LinkTimeoutSec int          `hcl:"link_timeout_sec"`
	LinkPollMs     int          `hcl:"link_poll_ms"`
	LeaseCheckSec  int          `hcl:"lease_check_sec"`
	MachineIDPath  string       `hcl:"machine_id_path"`
	DHCP           DHCPConfig   `hcl:"dhcp"`
	DNS            DNSConfig    `hcl:"dns"`
	Static         StaticConfig `hcl:"static"`
}

type DHCPConfig struct {
	TimeoutSec    int `hcl:"timeout_sec"`
	RecvTimeoutMs int `hcl:"recv_timeout_ms"`
}

type DNSConfig struct {
	TimeoutSec int    `hcl:"timeout_sec"`
	Fallback   string `hcl:"fallback"`
}

type StaticConfig struct {
	IP      string `hcl:"ip"`
	Subnet  string `hcl:"subnet"`
	Gateway string `hcl:"gateway"`
	DNS     string `hcl:"dns"`
}

// Parse validates all four as IPv4 dotted quads.
func (s StaticConfig) Parse() (ip, subnet, gateway, dns net.IP, err error) {
	fields := []struct {
		name string
		s    string
		dst  *net.IP
	}{
		{"ip", s.IP, &ip},
		{"subnet", s.Subnet, &subnet},
		{"gateway", s.Gateway, &gateway},
		{"dns", s.DNS, &dns},
	}
	for _, f := range fields {
		*f.dst = net.ParseIP(f.s).To4()
		if *f.dst == nil {
			return nil, nil, nil, nil, errors.NotValidf("network static %s=%q", f.name, f.s)
		}
	}
	return ip, subnet, gateway, dns, nil
}

type timing struct {
	linkTimeout time.Duration
	linkPoll    time.Duration
	leaseCheck  time.Duration
	dhcpTimeout time.Duration
	dhcpRecv    time.Duration
	dnsTimeout  time.Duration
	testTimeout time.Duration
}

func (c *Config) timing() timing {
	return timing{
		linkTimeout: helpers.IntSecondDefault(c.LinkTimeoutSec, DefaultLinkTimeout),
		linkPoll:    helpers.IntMillisecondDefault(c.LinkPollMs, DefaultLinkPoll),
		leaseCheck:  helpers.IntSecondDefault(c.LeaseCheckSec, DefaultLeaseCheck),
		dhcpTimeout: helpers.IntSecondDefault(c.DHCP.TimeoutSec, 0),
		dhcpRecv:    helpers.IntMillisecondDefault(c.DHCP.RecvTimeoutMs, 0),
		dnsTimeout:  helpers.IntSecondDefault(c.DNS.TimeoutSec, 0),
		testTimeout: DefaultTestTimeout,
	}
}

// Validate checks what must be right before touching hardware.
func (c *Config) Validate() error {
	if !c.UseDHCP || c.Static.IP != "" {
		if _, _, _, _, err := c.Static.Parse(); err != nil {
			return err
		}
	}
	if c.DNS.Fallback != "" && net.ParseIP(c.DNS.Fallback).To4() == nil {
		return errors.NotValidf("network dns fallback=%q", c.DNS.Fallback)
	}
	if len(c.Hostname) > 255 {
		return errors.NotValidf("network hostname length=%d", len(c.Hostname))
	}
	return nil
}

func (c *Config) fallbackDNS() net.IP {
	if ip := net.ParseIP(c.DNS.Fallback).To4(); ip != nil {
		return ip
	}
	return net.ParseIP(DefaultFallbackDNS).To4()
}
