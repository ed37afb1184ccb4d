package w5500

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
)

// chipSim is register level W5500 model behind SpiTxFunc.
// Ring buffers are exactly BufferSize, any access past the end fails the test.
type chipSim struct {
	t  testing.TB
	mu sync.Mutex

	common [0x40]byte
	regs   [MaxSockets][0x30]byte
	tx     [MaxSockets][BufferSize]byte
	rx     [MaxSockets][BufferSize]byte

	sent       [MaxSockets][][]byte // payload of every SEND command
	refuse     bool                 // CONNECT ends in CLOSED
	sendHang   bool                 // SEND never raises SEND_OK
	ignoreOpen bool                 // OPEN leaves status CLOSED
	onSend     func(s Socket, data []byte)
	txCount    int
}

func newChipSim(t testing.TB) *chipSim {
	c := &chipSim{t: t}
	c.common[RegVERSIONR] = ChipVersion
	c.common[RegPHYCFGR] = PhyLink | PhySpeed100 | PhyDuplexFull
	return c
}

func (c *chipSim) Tx(send, recv []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCount++
	if len(send) < headerLen {
		c.t.Errorf("chipSim short frame=%x", send)
		return fmt.Errorf("short frame")
	}
	addr := int(binary.BigEndian.Uint16(send[0:2]))
	ctl := send[2]
	block := Block(ctl >> 3)
	write := ctl&controlWrite != 0
	data := send[headerLen:]
	mem := c.mem(block)
	if mem == nil || addr+len(data) > len(mem) {
		c.t.Errorf("chipSim access out of bounds block=%s addr=%04x len=%d", block, addr, len(data))
		return fmt.Errorf("out of bounds")
	}
	if !write {
		if recv != nil {
			copy(recv[headerLen:], mem[addr:addr+len(data)])
		}
		return nil
	}
	if block != BlockCommon && (block-1)%4 == 0 && addr == int(SnIR) && len(data) == 1 {
		mem[SnIR] &^= data[0]
		return nil
	}
	copy(mem[addr:], data)
	if block == BlockCommon && addr == int(RegMR) {
		c.common[RegMR] &^= ModeReset
	}
	if block != BlockCommon && (block-1)%4 == 0 && addr == int(SnCR) {
		c.command(Socket((block-1)/4), Command(data[0]))
	}
	return nil
}

func (c *chipSim) mem(b Block) []byte {
	if b == BlockCommon {
		return c.common[:]
	}
	s := Socket((b - 1) / 4)
	if !s.Valid() {
		return nil
	}
	switch (b - 1) % 4 {
	case 0:
		return c.regs[s][:]
	case 1:
		return c.tx[s][:]
	case 2:
		return c.rx[s][:]
	}
	return nil
}

func (c *chipSim) get16(s Socket, reg uint16) uint16 {
	return binary.BigEndian.Uint16(c.regs[s][reg:])
}
func (c *chipSim) put16(s Socket, reg uint16, v uint16) {
	binary.BigEndian.PutUint16(c.regs[s][reg:], v)
}

// called with mu held
func (c *chipSim) command(s Socket, cmd Command) {
	r := &c.regs[s]
	switch cmd {
	case CmdOpen:
		if c.ignoreOpen {
			break
		}
		r[SnSR] = byte(Protocol(r[SnMR] & 0x0f).openStatus())
		c.put16(s, SnTX_RD, 0)
		c.put16(s, SnTX_WR, 0)
		c.put16(s, SnRX_RD, 0)
		c.put16(s, SnRX_WR, 0)
		c.put16(s, SnRX_RSR, 0)
		c.put16(s, SnTX_FSR, BufferSize)
	case CmdListen:
		if Status(r[SnSR]) == StatusInit {
			r[SnSR] = byte(StatusListen)
		}
	case CmdConnect:
		if c.refuse {
			r[SnSR] = byte(StatusClosed)
			r[SnIR] |= IntTimeout
		} else {
			r[SnSR] = byte(StatusEstablished)
			r[SnIR] |= IntCon
		}
	case CmdDiscon, CmdClose:
		r[SnSR] = byte(StatusClosed)
	case CmdSend:
		rd, wr := c.get16(s, SnTX_RD), c.get16(s, SnTX_WR)
		n := int(wr - rd)
		data := make([]byte, n)
		for i := 0; i < n; i++ {
			data[i] = c.tx[s][(int(rd)+i)&bufferMask]
		}
		c.sent[s] = append(c.sent[s], data)
		if !c.sendHang {
			c.put16(s, SnTX_RD, wr)
			r[SnIR] |= IntSendOk
		}
		if c.onSend != nil {
			c.onSend(s, data)
		}
	case CmdRecv:
		c.put16(s, SnRX_RSR, c.get16(s, SnRX_WR)-c.get16(s, SnRX_RD))
	default:
		c.t.Errorf("chipSim %s unknown command=%s", s, cmd)
	}
	r[SnCR] = 0
}

// deliver puts stream bytes into RX ring as if received from network.
func (c *chipSim) deliver(s Socket, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverLocked(s, data)
}

func (c *chipSim) deliverLocked(s Socket, data []byte) {
	wr := c.get16(s, SnRX_WR)
	for i, b := range data {
		c.rx[s][(int(wr)+i)&bufferMask] = b
	}
	c.put16(s, SnRX_WR, wr+uint16(len(data)))
	c.put16(s, SnRX_RSR, c.get16(s, SnRX_RSR)+uint16(len(data)))
	c.regs[s][SnIR] |= IntRecv
}

// deliverUDP prepends chip UDP header: peer ip, port, length.
func (c *chipSim) deliverUDP(s Socket, ip net.IP, port uint16, payload []byte) {
	hdr := make([]byte, udpHeaderLen, udpHeaderLen+len(payload))
	copy(hdr[0:4], ip.To4())
	binary.BigEndian.PutUint16(hdr[4:6], port)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(payload)))
	c.deliver(s, append(hdr, payload...))
}

// deliverUDPLocked is deliverUDP for onSend hooks, which run with mu held.
func (c *chipSim) deliverUDPLocked(s Socket, ip net.IP, port uint16, payload []byte) {
	hdr := make([]byte, udpHeaderLen, udpHeaderLen+len(payload))
	copy(hdr[0:4], ip.To4())
	binary.BigEndian.PutUint16(hdr[4:6], port)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(payload)))
	c.deliverLocked(s, append(hdr, payload...))
}

func (c *chipSim) setStatus(s Socket, st Status) {
	c.mu.Lock()
	c.regs[s][SnSR] = byte(st)
	c.mu.Unlock()
}

func (c *chipSim) setRemote(s Socket, ip net.IP, port uint16) {
	c.mu.Lock()
	copy(c.regs[s][SnDIPR:], ip.To4())
	c.put16(s, SnDPORT, port)
	c.mu.Unlock()
}

// Moves all ring pointers of an open socket, used to force wraparound.
func (c *chipSim) setPointers(s Socket, ptr uint16) {
	c.mu.Lock()
	c.put16(s, SnTX_RD, ptr)
	c.put16(s, SnTX_WR, ptr)
	c.put16(s, SnRX_RD, ptr)
	c.put16(s, SnRX_WR, ptr)
	c.put16(s, SnRX_RSR, 0)
	c.mu.Unlock()
}

func (c *chipSim) sentTo(s Socket) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent[s]...)
}
