package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/juju/errors"
)

const (
	ServerPort = 67
	ClientPort = 68

	// fixed size datagram, BOOTP header + cookie + options area
	PacketSize  = 548
	MagicCookie = 0x63825363

	cookieOffset  = 236
	optionsOffset = 240

	FlagBroadcast uint16 = 0x8000

	htypeEthernet = 1
	hlenEthernet  = 6
)

type Option struct {
	Code OptionCode
	Data []byte
}

// OptionList keeps wire order.
type OptionList []Option

func (o *OptionList) Add(code OptionCode, data ...byte) {
	*o = append(*o, Option{Code: code, Data: data})
}

func (o OptionList) Get(code OptionCode) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Data, true
		}
	}
	return nil, false
}

// ip4 returns first address of option when it carries at least one.
func (o OptionList) ip4(code OptionCode) net.IP {
	if b, ok := o.Get(code); ok && len(b) >= 4 {
		return net.IPv4(b[0], b[1], b[2], b[3]).To4()
	}
	return nil
}

func (o OptionList) uint32(code OptionCode) (uint32, bool) {
	if b, ok := o.Get(code); ok && len(b) == 4 {
		return binary.BigEndian.Uint32(b), true
	}
	return 0, false
}

type Packet struct {
	Op      OpCode
	Hops    uint8
	Xid     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP // client
	YIAddr  net.IP // your (assigned)
	SIAddr  net.IP // next server
	GIAddr  net.IP // relay
	CHAddr  net.HardwareAddr
	Options OptionList
}

func (p *Packet) MessageType() MessageType {
	if b, ok := p.Options.Get(OptionMessageType); ok && len(b) == 1 {
		return MessageType(b[0])
	}
	return 0
}

func (p *Packet) ServerID() net.IP { return p.Options.ip4(OptionServerID) }

func (p *Packet) String() string {
	opts := make([]string, 0, len(p.Options))
	for _, o := range p.Options {
		opts = append(opts, fmt.Sprintf("%s=%x", o.Code, o.Data))
	}
	return fmt.Sprintf("%s %s xid=%08x flags=%04x ciaddr=%s yiaddr=%s chaddr=%s options=[%s]",
		p.Op, p.MessageType(), p.Xid, p.Flags, p.CIAddr, p.YIAddr, p.CHAddr, strings.Join(opts, " "))
}

// Encode into PacketSize bytes, options in order, then end tag, zero padded.
func (p *Packet) Encode() ([]byte, error) {
	b := make([]byte, PacketSize)
	b[0] = byte(p.Op)
	b[1] = htypeEthernet
	b[2] = hlenEthernet
	b[3] = p.Hops
	binary.BigEndian.PutUint32(b[4:8], p.Xid)
	binary.BigEndian.PutUint16(b[8:10], p.Secs)
	binary.BigEndian.PutUint16(b[10:12], p.Flags)
	for i, ip := range []net.IP{p.CIAddr, p.YIAddr, p.SIAddr, p.GIAddr} {
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, errors.NotValidf("dhcp encode address=%s", ip)
		}
		copy(b[12+4*i:], ip4)
	}
	if len(p.CHAddr) > 16 {
		return nil, errors.NotValidf("dhcp encode chaddr=%s", p.CHAddr)
	}
	copy(b[28:44], p.CHAddr)
	// 44:108 server name, 108:236 boot file stay zero
	binary.BigEndian.PutUint32(b[cookieOffset:], MagicCookie)

	i := optionsOffset
	for _, o := range p.Options {
		if len(o.Data) > 255 {
			return nil, errors.NotValidf("dhcp encode option=%s length=%d", o.Code, len(o.Data))
		}
		if i+2+len(o.Data) >= PacketSize {
			return nil, errors.NotValidf("dhcp encode options overflow at %s", o.Code)
		}
		b[i] = byte(o.Code)
		b[i+1] = byte(len(o.Data))
		copy(b[i+2:], o.Data)
		i += 2 + len(o.Data)
	}
	b[i] = byte(OptionEnd)
	return b, nil
}

// Decode validates cookie and walks options. Any option running past the
// datagram makes the whole packet invalid.
func Decode(b []byte) (*Packet, error) {
	if len(b) < optionsOffset {
		return nil, errors.NotValidf("dhcp packet length=%d < min=%d", len(b), optionsOffset)
	}
	if cookie := binary.BigEndian.Uint32(b[cookieOffset:]); cookie != MagicCookie {
		return nil, errors.NotValidf("dhcp magic cookie=%08x", cookie)
	}
	hlen := int(b[2])
	if hlen > 16 {
		return nil, errors.NotValidf("dhcp hlen=%d", hlen)
	}
	p := &Packet{
		Op:     OpCode(b[0]),
		Hops:   b[3],
		Xid:    binary.BigEndian.Uint32(b[4:8]),
		Secs:   binary.BigEndian.Uint16(b[8:10]),
		Flags:  binary.BigEndian.Uint16(b[10:12]),
		CIAddr: copyIP(b[12:16]),
		YIAddr: copyIP(b[16:20]),
		SIAddr: copyIP(b[20:24]),
		GIAddr: copyIP(b[24:28]),
		CHAddr: net.HardwareAddr(append([]byte(nil), b[28:28+hlen]...)),
	}

	for i := optionsOffset; i < len(b); {
		code := OptionCode(b[i])
		if code == OptionEnd {
			break
		}
		if code == OptionPad {
			i++
			continue
		}
		if i+1 >= len(b) {
			return nil, errors.NotValidf("dhcp option=%s truncated at %d", code, i)
		}
		length := int(b[i+1])
		if i+2+length > len(b) {
			return nil, errors.NotValidf("dhcp option=%s length=%d exceeds packet at %d", code, length, i)
		}
		p.Options = append(p.Options, Option{Code: code, Data: append([]byte(nil), b[i+2:i+2+length]...)})
		i += 2 + length
	}
	return p, nil
}

func copyIP(b []byte) net.IP { return net.IPv4(b[0], b[1], b[2], b[3]).To4() }
