package w5500

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/log2"
)

const modName string = "w5500"

const (
	headerLen   = 3
	controlRead = 0x00
	// control byte: BSB[4:0] RWB OM[1:0], OM=00 variable length data mode
	controlWrite = 0x04
)

// Largest data phase in one transaction.
const MaxTransfer = BufferSize

type Stat struct {
	Transactions  uint32
	BusErrors     uint32
	PollTimeouts  uint32
	BytesSent     uint32
	BytesReceived uint32
}

func (s *Stat) Snapshot() Stat {
	return Stat{
		Transactions:  atomic.LoadUint32(&s.Transactions),
		BusErrors:     atomic.LoadUint32(&s.BusErrors),
		PollTimeouts:  atomic.LoadUint32(&s.PollTimeouts),
		BytesSent:     atomic.LoadUint32(&s.BytesSent),
		BytesReceived: atomic.LoadUint32(&s.BytesReceived),
	}
}

func (s Stat) String() string {
	return fmt.Sprintf("transactions=%d bus_errors=%d poll_timeouts=%d sent=%d received=%d",
		s.Transactions, s.BusErrors, s.PollTimeouts, s.BytesSent, s.BytesReceived)
}

// Transport is raw register access over SPI.
// One transaction is one chip select window; txlk keeps them from interleaving.
type Transport struct {
	Log  *log2.Log
	hw   hardware
	txlk sync.Mutex
	send [headerLen + MaxTransfer]byte
	recv [headerLen + MaxTransfer]byte
	stat Stat
}

func NewTransport(c *Config, log *log2.Log) (*Transport, error) {
	t := &Transport{Log: log}
	if err := t.hw.open(c); err != nil {
		_ = t.hw.Close()
		return nil, errors.Annotate(err, modName)
	}
	return t, nil
}

func (t *Transport) Close() error { return t.hw.Close() }

func (t *Transport) Stat() *Stat { return &t.stat }

// Pulses reset line low when configured, then waits for chip PLL.
func (t *Transport) HardReset(settle time.Duration) error {
	if t.hw.reset == nil {
		return nil
	}
	t.txlk.Lock()
	defer t.txlk.Unlock()
	if err := t.hw.setLine(t.hw.reset, 0); err != nil {
		return errors.Annotate(err, "reset assert")
	}
	t.hw.sleep(time.Millisecond) // datasheet minimum 500us
	if err := t.hw.setLine(t.hw.reset, 1); err != nil {
		return errors.Annotate(err, "reset release")
	}
	t.hw.sleep(settle)
	return nil
}

func (t *Transport) ReadRegister(addr uint16, block Block, length int) ([]byte, error) {
	b := make([]byte, length)
	if err := t.ReadInto(addr, block, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *Transport) WriteRegister(addr uint16, block Block, value []byte) error {
	return t.tx(addr, block, controlWrite, value)
}

func (t *Transport) ReadInto(addr uint16, block Block, b []byte) error {
	return t.tx(addr, block, controlRead, b)
}

func (t *Transport) tx(addr uint16, block Block, rw byte, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxTransfer {
		return errors.NotValidf("%s transfer length=%d > max=%d", modName, len(data), MaxTransfer)
	}
	t.txlk.Lock()
	defer t.txlk.Unlock()

	n := headerLen + len(data)
	send := t.send[:n]
	recv := t.recv[:n]
	binary.BigEndian.PutUint16(send[0:2], addr)
	send[2] = byte(block)<<3 | rw
	if rw == controlWrite {
		copy(send[headerLen:], data)
	} else {
		for i := headerLen; i < n; i++ {
			send[i] = 0
		}
	}

	atomic.AddUint32(&t.stat.Transactions, 1)
	err := t.spiTx(send, recv)
	if err != nil {
		atomic.AddUint32(&t.stat.BusErrors, 1)
		return errors.Annotatef(err, "%s spi block=%s addr=%04x len=%d", modName, block, addr, len(data))
	}
	if rw == controlRead {
		copy(data, recv[headerLen:])
	}
	if t.Log.Enabled(log2.LDebug) {
		op := "read"
		if rw == controlWrite {
			op = "write"
		}
		t.Log.Debugf("%s %s block=%s addr=%04x data=%x", modName, op, block, addr, data)
	}
	return nil
}

// Manual chip select wraps the SPI transfer when cs line is configured.
func (t *Transport) spiTx(send, recv []byte) error {
	if t.hw.cs == nil {
		return t.hw.spiTx(send, recv)
	}
	if err := t.hw.setLine(t.hw.cs, 0); err != nil {
		return errors.Annotate(err, "cs assert")
	}
	err := t.hw.spiTx(send, recv)
	if err2 := t.hw.setLine(t.hw.cs, 1); err2 != nil && err == nil {
		err = errors.Annotate(err2, "cs release")
	}
	return err
}

func (t *Transport) readUint8(addr uint16, block Block) (byte, error) {
	var b [1]byte
	err := t.ReadInto(addr, block, b[:])
	return b[0], err
}

func (t *Transport) readUint16(addr uint16, block Block) (uint16, error) {
	var b [2]byte
	err := t.ReadInto(addr, block, b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func (t *Transport) writeUint8(addr uint16, block Block, v byte) error {
	return t.WriteRegister(addr, block, []byte{v})
}

func (t *Transport) writeUint16(addr uint16, block Block, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return t.WriteRegister(addr, block, b[:])
}
