// Package w5500 drives WIZnet W5500 Ethernet controller: 8 hardware TCP/UDP sockets over SPI.
//
// Lifecycle operations report expected failures (poll timeout, connection refused)
// as false/0 with nil error. Non-nil error means the bus or the caller is broken.
package w5500

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/log2"
)

const ephemeralPortMin uint16 = 0x8000

var ErrChipNotFound = errors.New("w5500 chip not found")

// errPollAbort stops bounded poll early with expected failure.
var errPollAbort = errors.New("poll abort")

// KeepAliveFunc is invoked on every bounded poll iteration.
type KeepAliveFunc func()

type LinkStatus struct {
	Linked     bool
	Speed      int // Mbps
	FullDuplex bool
}

func (l LinkStatus) String() string {
	if !l.Linked {
		return "down"
	}
	duplex := "half"
	if l.FullDuplex {
		duplex = "full"
	}
	return fmt.Sprintf("up %dMbps %s-duplex", l.Speed, duplex)
}

// Address is active network configuration held by the chip.
// DNS is not a chip register, driver keeps it for consumers.
type Address struct {
	IP      net.IP
	Subnet  net.IP
	Gateway net.IP
	DNS     net.IP
}

func (a Address) String() string {
	return fmt.Sprintf("ip=%s subnet=%s gateway=%s dns=%s", a.IP, a.Subnet, a.Gateway, a.DNS)
}

type SocketInfo struct {
	Socket   Socket
	Used     bool
	Protocol Protocol
	Port     uint16
	Status   Status
}

type socketEntry struct {
	used  bool
	proto Protocol
	port  uint16
}

type Driver struct {
	Log       *log2.Log
	tr        *Transport
	keepAlive KeepAliveFunc
	timing    timing

	mu       sync.Mutex
	sockets  [MaxSockets]socketEntry
	nextPort uint16
	dns      net.IP
}

// Open hardware described by config and initialize the chip.
func Open(c *Config, log *log2.Log, keepAlive KeepAliveFunc) (*Driver, error) {
	trlog := log
	if !c.LogDebug {
		trlog = log.Clone(log2.LInfo)
	}
	tr, err := NewTransport(c, trlog)
	if err != nil {
		return nil, err
	}
	d, err := New(tr, c.Timing, keepAlive, log)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if c.MAC != "" {
		mac, err := net.ParseMAC(c.MAC)
		if err != nil {
			_ = tr.Close()
			return nil, errors.Annotatef(err, "%s config mac=%s", modName, c.MAC)
		}
		if err = d.SetMAC(mac); err != nil {
			_ = tr.Close()
			return nil, err
		}
	}
	return d, nil
}

// New resets the chip behind tr, checks version, sizes socket buffers.
// keepAlive is required, pass a no-op func if nothing needs feeding.
func New(tr *Transport, t Timing, keepAlive KeepAliveFunc, log *log2.Log) (*Driver, error) {
	if keepAlive == nil {
		return nil, errors.NotValidf("%s keep-alive callback nil", modName)
	}
	d := &Driver{
		Log:       log,
		tr:        tr,
		keepAlive: keepAlive,
		timing:    t.resolve(),
		nextPort:  ephemeralPortMin,
	}
	if err := d.init(); err != nil {
		return nil, errors.Annotate(err, modName)
	}
	return d, nil
}

func (d *Driver) init() error {
	if err := d.tr.HardReset(d.timing.reset); err != nil {
		return err
	}
	if err := d.tr.writeUint8(RegMR, BlockCommon, ModeReset); err != nil {
		return errors.Annotate(err, "soft reset")
	}
	d.sleep(d.timing.reset)
	ok, err := d.poll(d.timing.open, func() (bool, error) {
		mr, err := d.tr.readUint8(RegMR, BlockCommon)
		return mr&ModeReset == 0, err
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.Timeoutf("soft reset")
	}

	version, err := d.tr.readUint8(RegVERSIONR, BlockCommon)
	if err != nil {
		return err
	}
	if version != ChipVersion {
		return errors.Annotatef(ErrChipNotFound, "VERSIONR=%02x expected=%02x", version, ChipVersion)
	}

	for s := Socket(0); s < MaxSockets; s++ {
		// buffer size register unit is KiB
		if err = d.setSreg8(s, SnRXBUF_SIZE, BufferSize/1024); err != nil {
			return err
		}
		if err = d.setSreg8(s, SnTXBUF_SIZE, BufferSize/1024); err != nil {
			return err
		}
	}
	d.Log.Debugf("%s init ok version=%02x", modName, version)
	return nil
}

// Shutdown releases SPI and GPIO resources. Sockets are left as is.
func (d *Driver) Shutdown() error { return d.tr.Close() }

func (d *Driver) Transport() *Transport { return d.tr }

func (d *Driver) Stat() Stat { return d.tr.stat.Snapshot() }

// KeepAlive exposes the callback to adapters that loop outside bounded polls.
func (d *Driver) KeepAlive() { d.keepAlive() }

// Allocate reserves lowest free socket. Close releases it.
func (d *Driver) Allocate() (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sockets {
		if !d.sockets[i].used {
			d.sockets[i].used = true
			return Socket(i), nil
		}
	}
	return 0, errors.NotFoundf("%s free socket", modName)
}

func (d *Driver) release(s Socket) {
	d.mu.Lock()
	d.sockets[s] = socketEntry{}
	d.mu.Unlock()
}

func (d *Driver) ephemeralPort() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.nextPort
	d.nextPort++
	if d.nextPort < ephemeralPortMin {
		d.nextPort = ephemeralPortMin
	}
	return p
}

// Open closes any previous session on s, sets protocol and source port
// (ephemeral when port=0) and waits for protocol specific open status.
func (d *Driver) Open(s Socket, proto Protocol, port uint16) (bool, error) {
	if err := checkSocket(s); err != nil {
		return false, err
	}
	if err := d.command(s, CmdClose); err != nil {
		return false, err
	}
	if err := d.setSreg8(s, SnIR, 0xff); err != nil {
		return false, err
	}
	if port == 0 {
		port = d.ephemeralPort()
	}
	if err := d.setSreg8(s, SnMR, byte(proto)); err != nil {
		return false, err
	}
	if err := d.setSreg16(s, SnPORT, port); err != nil {
		return false, err
	}
	if err := d.command(s, CmdOpen); err != nil {
		return false, err
	}
	expect := proto.openStatus()
	ok, err := d.poll(d.timing.open, func() (bool, error) {
		st, err := d.Status(s)
		return st == expect, err
	})
	if err != nil {
		return false, err
	}
	if ok {
		d.mu.Lock()
		d.sockets[s] = socketEntry{used: true, proto: proto, port: port}
		d.mu.Unlock()
	}
	d.Log.Debugf("%s %s open proto=%s port=%d ok=%t", modName, s, proto, port, ok)
	return ok, nil
}

// Connect waits for ESTABLISHED. Any status other than INIT/SYNSENT on the way
// means refused or reset.
func (d *Driver) Connect(s Socket, ip net.IP, port uint16) (bool, error) {
	if err := checkSocket(s); err != nil {
		return false, err
	}
	if err := d.setDestination(s, ip, port); err != nil {
		return false, err
	}
	if err := d.command(s, CmdConnect); err != nil {
		return false, err
	}
	ok, err := d.poll(d.timing.connect, func() (bool, error) {
		st, err := d.Status(s)
		if err != nil {
			return false, err
		}
		switch st {
		case StatusEstablished:
			return true, nil
		case StatusInit, StatusSynSent:
			return false, nil
		}
		d.Log.Debugf("%s %s connect %s:%d refused status=%s", modName, s, ip, port, st)
		return false, errPollAbort
	})
	return ok, err
}

func (d *Driver) Listen(s Socket) (bool, error) {
	if err := checkSocket(s); err != nil {
		return false, err
	}
	st, err := d.Status(s)
	if err != nil {
		return false, err
	}
	if st != StatusInit {
		return false, nil
	}
	if err = d.command(s, CmdListen); err != nil {
		return false, err
	}
	return d.poll(d.timing.listen, func() (bool, error) {
		st, err := d.Status(s)
		return st == StatusListen, err
	})
}

// Disconnect sends FIN on TCP socket, waits for CLOSED, then Close.
func (d *Driver) Disconnect(s Socket) (bool, error) {
	if err := checkSocket(s); err != nil {
		return false, err
	}
	if err := d.command(s, CmdDiscon); err != nil {
		return false, err
	}
	if _, err := d.poll(d.timing.connect, func() (bool, error) {
		st, err := d.Status(s)
		return st == StatusClosed, err
	}); err != nil {
		return false, err
	}
	return d.Close(s)
}

// Close socket and release allocation.
func (d *Driver) Close(s Socket) (bool, error) {
	if err := checkSocket(s); err != nil {
		return false, err
	}
	defer d.release(s)
	if err := d.command(s, CmdClose); err != nil {
		return false, err
	}
	if err := d.setSreg8(s, SnIR, 0xff); err != nil {
		return false, err
	}
	return d.poll(d.timing.open, func() (bool, error) {
		st, err := d.Status(s)
		return st == StatusClosed, err
	})
}

func (d *Driver) Status(s Socket) (Status, error) {
	if err := checkSocket(s); err != nil {
		return StatusClosed, err
	}
	v, err := d.sreg8(s, SnSR)
	return Status(v), err
}

func (d *Driver) Info(s Socket) (SocketInfo, error) {
	st, err := d.Status(s)
	if err != nil {
		return SocketInfo{}, err
	}
	d.mu.Lock()
	e := d.sockets[s]
	d.mu.Unlock()
	return SocketInfo{Socket: s, Used: e.used, Protocol: e.proto, Port: e.port, Status: st}, nil
}

// Send returns 0 when free space or SEND_OK did not appear in time.
// At most BufferSize bytes are taken from data.
func (d *Driver) Send(s Socket, data []byte) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) > BufferSize {
		data = data[:BufferSize]
	}
	n := len(data)
	ok, err := d.poll(d.timing.send, func() (bool, error) {
		free, err := d.sreg16Stable(s, SnTX_FSR)
		return int(free) >= n, err
	})
	if err != nil || !ok {
		return 0, err
	}

	ptr, err := d.sreg16(s, SnTX_WR)
	if err != nil {
		return 0, err
	}
	if err = d.writeRing(s.TxBlock(), ptr, data); err != nil {
		return 0, err
	}
	if err = d.setSreg16(s, SnTX_WR, ptr+uint16(n)); err != nil {
		return 0, err
	}
	if err = d.command(s, CmdSend); err != nil {
		return 0, err
	}

	ok, err = d.poll(d.timing.send, func() (bool, error) {
		ir, err := d.sreg8(s, SnIR)
		if err != nil {
			return false, err
		}
		if ir&IntSendOk != 0 {
			return true, d.setSreg8(s, SnIR, IntSendOk)
		}
		if ir&IntTimeout != 0 {
			if err = d.setSreg8(s, SnIR, IntTimeout); err != nil {
				return false, err
			}
			return false, errPollAbort
		}
		return false, nil
	})
	if err != nil || !ok {
		return 0, err
	}
	atomic.AddUint32(&d.tr.stat.BytesSent, uint32(n))
	return n, nil
}

// SendTo sets destination of UDP socket and sends one datagram.
func (d *Driver) SendTo(s Socket, ip net.IP, port uint16, data []byte) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}
	if err := d.setDestination(s, ip, port); err != nil {
		return 0, err
	}
	return d.Send(s, data)
}

func (d *Driver) ReceiveAvailable(s Socket) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}
	v, err := d.sreg16Stable(s, SnRX_RSR)
	return int(v), err
}

// Receive reads up to limit bytes of stream data.
func (d *Driver) Receive(s Socket, limit int) ([]byte, error) {
	avail, err := d.ReceiveAvailable(s)
	if err != nil {
		return nil, err
	}
	n := avail
	if n > limit {
		n = limit
	}
	if n <= 0 {
		return nil, nil
	}
	ptr, err := d.sreg16(s, SnRX_RD)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err = d.readRing(s.RxBlock(), ptr, b); err != nil {
		return nil, err
	}
	if err = d.consume(s, ptr+uint16(n)); err != nil {
		return nil, err
	}
	atomic.AddUint32(&d.tr.stat.BytesReceived, uint32(n))
	return b, nil
}

const udpHeaderLen = 8

// ReceiveFrom takes one whole datagram from UDP socket.
// Payload beyond limit is dropped. Returns nil addr when nothing is pending.
func (d *Driver) ReceiveFrom(s Socket, limit int) ([]byte, *net.UDPAddr, error) {
	avail, err := d.ReceiveAvailable(s)
	if err != nil {
		return nil, nil, err
	}
	if avail < udpHeaderLen {
		return nil, nil, nil
	}
	ptr, err := d.sreg16(s, SnRX_RD)
	if err != nil {
		return nil, nil, err
	}
	var hdr [udpHeaderLen]byte
	if err = d.readRing(s.RxBlock(), ptr, hdr[:]); err != nil {
		return nil, nil, err
	}
	size := int(binary.BigEndian.Uint16(hdr[6:8]))
	if udpHeaderLen+size > avail {
		return nil, nil, errors.NotValidf("%s %s udp datagram size=%d available=%d", modName, s, size, avail)
	}
	b := make([]byte, size)
	if err = d.readRing(s.RxBlock(), ptr+udpHeaderLen, b); err != nil {
		return nil, nil, err
	}
	if err = d.consume(s, ptr+udpHeaderLen+uint16(size)); err != nil {
		return nil, nil, err
	}
	atomic.AddUint32(&d.tr.stat.BytesReceived, uint32(size))
	if size > limit {
		b = b[:limit]
	}
	addr := &net.UDPAddr{
		IP:   net.IPv4(hdr[0], hdr[1], hdr[2], hdr[3]),
		Port: int(binary.BigEndian.Uint16(hdr[4:6])),
	}
	return b, addr, nil
}

func (d *Driver) consume(s Socket, ptr uint16) error {
	if err := d.setSreg16(s, SnRX_RD, ptr); err != nil {
		return err
	}
	return d.command(s, CmdRecv)
}

// Remote returns destination address registers of socket.
func (d *Driver) Remote(s Socket) (net.IP, uint16, error) {
	if err := checkSocket(s); err != nil {
		return nil, 0, err
	}
	ip, err := d.tr.ReadRegister(SnDIPR, s.RegBlock(), 4)
	if err != nil {
		return nil, 0, err
	}
	port, err := d.sreg16(s, SnDPORT)
	return net.IP(ip), port, err
}

func (d *Driver) setDestination(s Socket, ip net.IP, port uint16) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return errors.NotValidf("%s destination ip=%s", modName, ip)
	}
	if err := d.tr.WriteRegister(SnDIPR, s.RegBlock(), ip4); err != nil {
		return err
	}
	return d.setSreg16(s, SnDPORT, port)
}

// SetStaticAddress overwrites whole active configuration.
// dns may be nil, it is kept as 0.0.0.0.
func (d *Driver) SetStaticAddress(ip, subnet, gateway, dns net.IP) error {
	regs := []struct {
		name string
		reg  uint16
		ip   net.IP
	}{
		{"gateway", RegGAR, gateway},
		{"subnet", RegSUBR, subnet},
		{"ip", RegSIPR, ip},
	}
	for _, r := range regs {
		if r.ip.To4() == nil {
			return errors.NotValidf("%s %s=%s", modName, r.name, r.ip)
		}
	}
	dns4 := net.IPv4(0, 0, 0, 0).To4()
	if dns != nil {
		if dns4 = dns.To4(); dns4 == nil {
			return errors.NotValidf("%s dns=%s", modName, dns)
		}
	}
	for _, r := range regs {
		if err := d.tr.WriteRegister(r.reg, BlockCommon, r.ip.To4()); err != nil {
			return errors.Annotatef(err, "%s set %s", modName, r.name)
		}
	}
	d.mu.Lock()
	d.dns = append(net.IP(nil), dns4...)
	d.mu.Unlock()
	d.Log.Debugf("%s address ip=%s subnet=%s gateway=%s dns=%s", modName, ip, subnet, gateway, dns4)
	return nil
}

// Address reads back configuration registers.
func (d *Driver) Address() (Address, error) {
	var buf [12]byte
	// GAR, SUBR, SHAR, SIPR are contiguous; skip MAC in the middle
	if err := d.tr.ReadInto(RegGAR, BlockCommon, buf[:8]); err != nil {
		return Address{}, err
	}
	if err := d.tr.ReadInto(RegSIPR, BlockCommon, buf[8:12]); err != nil {
		return Address{}, err
	}
	d.mu.Lock()
	dns := append(net.IP(nil), d.dns...)
	d.mu.Unlock()
	if dns == nil {
		dns = net.IPv4(0, 0, 0, 0).To4()
	}
	return Address{
		Gateway: net.IP(append([]byte(nil), buf[0:4]...)),
		Subnet:  net.IP(append([]byte(nil), buf[4:8]...)),
		IP:      net.IP(append([]byte(nil), buf[8:12]...)),
		DNS:     dns,
	}, nil
}

func (d *Driver) LinkStatus() (LinkStatus, error) {
	phy, err := d.tr.readUint8(RegPHYCFGR, BlockCommon)
	if err != nil {
		return LinkStatus{}, err
	}
	ls := LinkStatus{
		Linked:     phy&PhyLink != 0,
		Speed:      10,
		FullDuplex: phy&PhyDuplexFull != 0,
	}
	if phy&PhySpeed100 != 0 {
		ls.Speed = 100
	}
	return ls, nil
}

func (d *Driver) MAC() (net.HardwareAddr, error) {
	b, err := d.tr.ReadRegister(RegSHAR, BlockCommon, 6)
	return net.HardwareAddr(b), err
}

func (d *Driver) SetMAC(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return errors.NotValidf("%s mac=%s", modName, mac)
	}
	return d.tr.WriteRegister(RegSHAR, BlockCommon, mac)
}

// command writes Sn_CR and waits until chip clears it (command accepted).
func (d *Driver) command(s Socket, cmd Command) error {
	if err := d.setSreg8(s, SnCR, byte(cmd)); err != nil {
		return errors.Annotatef(err, "%s %s command=%s", modName, s, cmd)
	}
	ok, err := d.poll(d.timing.open, func() (bool, error) {
		v, err := d.sreg8(s, SnCR)
		return v == 0, err
	})
	if err != nil {
		return err
	}
	if !ok {
		d.Log.Errorf("%s %s command=%s not accepted", modName, s, cmd)
	}
	return nil
}

// poll checks up to p.Tries times, feeding keep-alive each iteration.
// (false, nil) is timeout or abort.
func (d *Driver) poll(p Poll, check func() (bool, error)) (bool, error) {
	for i := 0; i < p.Tries; i++ {
		d.keepAlive()
		ok, err := check()
		if err == errPollAbort {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if i+1 < p.Tries {
			d.sleep(p.Interval)
		}
	}
	atomic.AddUint32(&d.tr.stat.PollTimeouts, 1)
	return false, nil
}

func (d *Driver) sleep(dur time.Duration) { d.tr.hw.sleep(dur) }

func (d *Driver) sreg8(s Socket, reg uint16) (byte, error) { return d.tr.readUint8(reg, s.RegBlock()) }
func (d *Driver) sreg16(s Socket, reg uint16) (uint16, error) {
	return d.tr.readUint16(reg, s.RegBlock())
}
func (d *Driver) setSreg8(s Socket, reg uint16, v byte) error {
	return d.tr.writeUint8(reg, s.RegBlock(), v)
}
func (d *Driver) setSreg16(s Socket, reg uint16, v uint16) error {
	return d.tr.writeUint16(reg, s.RegBlock(), v)
}

// Free/received size registers may change between byte reads; chip docs
// require two equal consecutive values.
func (d *Driver) sreg16Stable(s Socket, reg uint16) (uint16, error) {
	prev, err := d.sreg16(s, reg)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 4; i++ {
		v, err := d.sreg16(s, reg)
		if err != nil {
			return 0, err
		}
		if v == prev {
			return v, nil
		}
		prev = v
	}
	return prev, nil
}

func checkSocket(s Socket) error {
	if !s.Valid() {
		return errors.NotValidf("%s socket=%d", modName, s)
	}
	return nil
}
