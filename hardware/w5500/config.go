package w5500

import (
	"io"
	"strconv"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/watertank/tanknode/helpers"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const DefaultSpiSpeed = 10 * physic.MegaHertz

type Config struct {
	SpiBus   string `hcl:"spi"`
	SpiMode  int    `hcl:"spi_mode"`
	SpiSpeed string `hcl:"spi_speed"`
	PinChip  string `hcl:"pin_chip"`
	ResetPin string `hcl:"reset_pin"`
	CsPin    string `hcl:"cs_pin"` // empty: SPI controller drives chip select
	LogDebug bool   `hcl:"log_debug"`
	MAC      string `hcl:"mac"`
	Timing   Timing `hcl:"timing"`

	testhw *hardware
}

// Timing of bounded polls. Zero tries means default for that pair.
type Timing struct {
	OpenTries         int `hcl:"open_tries"`
	OpenIntervalMs    int `hcl:"open_interval_ms"`
	ConnectTries      int `hcl:"connect_tries"`
	ConnectIntervalMs int `hcl:"connect_interval_ms"`
	ListenTries       int `hcl:"listen_tries"`
	ListenIntervalMs  int `hcl:"listen_interval_ms"`
	SendTries         int `hcl:"send_tries"`
	SendIntervalMs    int `hcl:"send_interval_ms"`
	RecvIntervalMs    int `hcl:"recv_interval_ms"`
	ResetMs           int `hcl:"reset_ms"`
}

// Poll is a bounded wait: at most Tries checks, Interval sleep between them.
type Poll struct {
	Tries    int
	Interval time.Duration
}

func (p Poll) Total() time.Duration { return time.Duration(p.Tries) * p.Interval }

type timing struct {
	open    Poll
	connect Poll
	listen  Poll
	send    Poll
	recv    time.Duration
	reset   time.Duration
}

func (t *Timing) resolve() timing {
	ms := func(x int, def time.Duration) time.Duration {
		if x <= 0 {
			return def
		}
		return time.Duration(x) * time.Millisecond
	}
	return timing{
		open:    mkPoll(t.OpenTries, t.OpenIntervalMs, 100, time.Millisecond),
		connect: mkPoll(t.ConnectTries, t.ConnectIntervalMs, 500, 10*time.Millisecond),
		listen:  mkPoll(t.ListenTries, t.ListenIntervalMs, 100, time.Millisecond),
		send:    mkPoll(t.SendTries, t.SendIntervalMs, 100, time.Millisecond),
		recv:    ms(t.RecvIntervalMs, time.Millisecond),
		reset:   ms(t.ResetMs, 50*time.Millisecond),
	}
}

func mkPoll(tries, intervalMs, defTries int, defInterval time.Duration) Poll {
	if tries <= 0 {
		return Poll{Tries: defTries, Interval: defInterval}
	}
	return Poll{Tries: tries, Interval: time.Duration(intervalMs) * time.Millisecond}
}

type hardware struct {
	spiTx SpiTxFunc           // used
	reset gpio.LineSetFunc    // optional, active low
	cs    gpio.LineSetFunc    // optional, active low
	lines gpio.Lineser        // Flush after reset/cs change
	sleep func(time.Duration) // time.Sleep, tests replace

	spiPort  spi.PortCloser // only for resource cleanup
	gpioChip gpio.Chiper
}
type SpiTxFunc func(send, recv []byte) error

const testDevice = "\x01test" // used by tests, ignore it

// Converts strings to useful hardware talking functions.
func (h *hardware) open(c *Config) error {
	var err error
	if c.testhw != nil {
		*h = *c.testhw
		if h.sleep == nil {
			h.sleep = time.Sleep
		}
		if h.gpioChip != nil && h.lines == nil {
			return h.openLines(c)
		}
		return nil
	}
	h.sleep = time.Sleep

	if _, err = host.Init(); err != nil {
		return errors.Annotate(err, "periph/init")
	}

	h.spiPort, err = spireg.Open(c.SpiBus)
	if err != nil {
		return errors.Annotatef(err, "SPI Open bus=%s", c.SpiBus)
	}
	spiSpeed := DefaultSpiSpeed
	if c.SpiSpeed != "" {
		if err = spiSpeed.Set(c.SpiSpeed); err != nil {
			return errors.Annotate(err, "SPI speed parse")
		}
	}
	var spiConn spi.Conn
	spiConn, err = h.spiPort.Connect(spiSpeed, spi.Mode(c.SpiMode), 8)
	if err != nil {
		return errors.Annotate(err, "SPI Connect")
	}
	h.spiTx = spiConn.Tx

	if c.ResetPin == "" && c.CsPin == "" {
		return nil
	}
	h.gpioChip, err = gpio.Open(c.PinChip, modName)
	if err != nil {
		return errors.Annotatef(err, "gpio open chip=%s", c.PinChip)
	}
	return h.openLines(c)
}

// Requests reset and/or chip select as outputs, both released (high).
func (h *hardware) openLines(c *Config) error {
	var resetLine, csLine uint64
	var err error
	offsets := make([]uint32, 0, 2)
	if c.ResetPin != "" {
		if resetLine, err = strconv.ParseUint(c.ResetPin, 10, 16); err != nil {
			return errors.Annotate(err, "reset pin must be number")
		}
		offsets = append(offsets, uint32(resetLine))
	}
	if c.CsPin != "" {
		if csLine, err = strconv.ParseUint(c.CsPin, 10, 16); err != nil {
			return errors.Annotate(err, "cs pin must be number")
		}
		offsets = append(offsets, uint32(csLine))
	}
	if len(offsets) == 0 {
		return nil
	}
	h.lines, err = h.gpioChip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, modName, offsets...)
	if err != nil {
		return errors.Annotatef(err, "gpio.OpenLines offsets=%v", offsets)
	}
	if c.ResetPin != "" {
		h.reset = h.lines.SetFunc(uint32(resetLine))
		h.reset(1)
	}
	if c.CsPin != "" {
		h.cs = h.lines.SetFunc(uint32(csLine))
		h.cs(1)
	}
	return errors.Annotate(h.lines.Flush(), "gpio release lines")
}

func (h *hardware) setLine(f gpio.LineSetFunc, v byte) error {
	f(v)
	return h.lines.Flush()
}

func (h *hardware) Close() error {
	closers := []io.Closer{
		h.spiPort,
		h.lines,
		h.gpioChip,
	}
	errs := make([]error, len(closers))
	for i, c := range closers {
		if c != nil {
			errs[i] = c.Close()
		}
	}
	return helpers.FoldErrors(errs)
}
