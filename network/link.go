package network

import (
	"net"

	"github.com/watertank/tanknode/hardware/w5500"
)

// Link is the part of socket driver the manager drives.
type Link interface {
	KeepAlive()
	LinkStatus() (w5500.LinkStatus, error)
	HardwareAddr() (net.HardwareAddr, error)
	SetMAC(mac net.HardwareAddr) error
	SetStaticAddress(ip, subnet, gateway, dns net.IP) error
	Address() (w5500.Address, error)
	ListenUDP(port uint16) (net.PacketConn, error)
	DialTCP(ip net.IP, port uint16) (net.Conn, error)
	ListenTCP(port uint16) (net.Listener, error)
}

type driverLink struct{ d *w5500.Driver }

func NewDriverLink(d *w5500.Driver) Link { return driverLink{d} }

func (l driverLink) KeepAlive()                              { l.d.KeepAlive() }
func (l driverLink) LinkStatus() (w5500.LinkStatus, error)   { return l.d.LinkStatus() }
func (l driverLink) HardwareAddr() (net.HardwareAddr, error) { return l.d.MAC() }
func (l driverLink) SetMAC(mac net.HardwareAddr) error       { return l.d.SetMAC(mac) }
func (l driverLink) Address() (w5500.Address, error)         { return l.d.Address() }

func (l driverLink) SetStaticAddress(ip, subnet, gateway, dns net.IP) error {
	return l.d.SetStaticAddress(ip, subnet, gateway, dns)
}

func (l driverLink) ListenUDP(port uint16) (net.PacketConn, error) {
	c, err := l.d.ListenUDP(port)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l driverLink) DialTCP(ip net.IP, port uint16) (net.Conn, error) {
	c, err := l.d.DialTCP(ip, port)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l driverLink) ListenTCP(port uint16) (net.Listener, error) {
	ln, err := l.d.ListenTCP(port)
	if err != nil {
		return nil, err
	}
	return ln, nil
}
