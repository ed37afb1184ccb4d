// Package tele publishes node status to MQTT broker.
// - synchronous: every call does its network IO before returning
// - QOS 0 only, clean session, retained status and network topics
// - reconnect on demand with backoff, no background goroutines
package tele

import (
	"encoding/json"
	"expvar"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/helpers/atomic_clock"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

var (
	ErrDisabled     = errors.New("tele disabled")
	ErrBackoff      = errors.New("tele reconnect backoff")
	ErrConnRefused  = errors.New("tele broker refused connection")
	ErrNotConnected = errors.New("tele not connected")
)

// DialFunc connects to broker host (name or address).
type DialFunc func(host string, port uint16) (net.Conn, error)

type Stat struct {
	Connects      uint32
	Publishes     uint32
	Failures      uint32
	BytesSent     expvar.Int
	BytesReceived expvar.Int
}

type Publisher struct {
	Log     *log2.Log
	config  Config
	dial    DialFunc
	timeout time.Duration
	backoff helpers.Backoff

	mu       sync.Mutex
	conn     *transport.NetConn
	lastSend atomic_clock.Clock
	stat     Stat
}

func NewPublisher(c Config, dial DialFunc, log *log2.Log) (*Publisher, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, errors.NotValidf("tele dial=nil")
	}
	if c.ClientID == "" {
		c.ClientID = c.topic("node")
	}
	p := &Publisher{
		Log:     log,
		config:  c,
		dial:    dial,
		timeout: c.networkTimeout(),
		backoff: helpers.Backoff{Min: time.Second, Max: 5 * time.Minute, K: 2},
	}
	return p, nil
}

func (p *Publisher) Stat() *Stat { return &p.stat }

func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Publish sends one QOS 0 message, connecting first when needed.
func (p *Publisher) Publish(topic string, payload []byte, retain bool) error {
	if !p.config.Enable {
		return ErrDisabled
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return err
	}
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtMostOnce, Retain: retain}
	if err := p.sendLocked(pub); err != nil {
		return err
	}
	atomic.AddUint32(&p.stat.Publishes, 1)
	return nil
}

type networkStatus struct {
	IP        string `json:"ip"`
	Subnet    string `json:"subnet"`
	Gateway   string `json:"gateway"`
	DNS       string `json:"dns"`
	Timestamp int64  `json:"timestamp"`
}

// PublishNetwork sends retained address snapshot to <base>/<tank>/network.
func (p *Publisher) PublishNetwork(info network.Info, now time.Time) error {
	b, err := json.Marshal(networkStatus{
		IP:        info.IP,
		Subnet:    info.Subnet,
		Gateway:   info.Gateway,
		DNS:       info.DNS,
		Timestamp: now.Unix(),
	})
	if err != nil {
		return errors.Annotate(err, "tele network json")
	}
	return p.Publish(p.config.topic("network"), b, true)
}

type uptimeStatus struct {
	Uptime    int64 `json:"uptime"`
	Timestamp int64 `json:"timestamp"`
}

func (p *Publisher) PublishUptime(uptime time.Duration, now time.Time) error {
	b, err := json.Marshal(uptimeStatus{Uptime: int64(uptime / time.Second), Timestamp: now.Unix()})
	if err != nil {
		return errors.Annotate(err, "tele uptime json")
	}
	return p.Publish(p.config.topic("uptime"), b, false)
}

// Ping sends PINGREQ when nothing was sent for half keepalive and waits PINGRESP.
func (p *Publisher) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}
	keepalive := time.Duration(p.config.KeepaliveSec) * time.Second
	if keepalive == 0 || atomic_clock.Since(&p.lastSend) < keepalive/2 {
		return nil
	}
	if err := p.sendLocked(packet.NewPingreq()); err != nil {
		return err
	}
	pkt, err := p.receiveLocked()
	if err != nil {
		return err
	}
	if _, ok := pkt.(*packet.Pingresp); !ok {
		return p.dropLocked(errors.Errorf("tele expected PINGRESP pkt=%s", packetString(pkt)))
	}
	return nil
}

// Close marks node offline and disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	errs := make([]error, 0, 3)
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: p.config.topic("status"), Payload: []byte(payloadOffline), Retain: true}
	errs = append(errs, p.conn.Send(pub, false))
	errs = append(errs, p.conn.Send(packet.NewDisconnect(), false))
	errs = append(errs, p.conn.Close())
	p.conn = nil
	return helpers.FoldErrors(errs)
}

func (p *Publisher) connectLocked() error {
	if p.conn != nil {
		return nil
	}
	if delay := p.backoff.DelayBefore(); delay > 0 {
		return errors.Annotatef(ErrBackoff, "retry in %v", delay)
	}
	raw, err := p.dial(p.config.Broker, p.config.port())
	if err != nil {
		p.backoff.Failure()
		atomic.AddUint32(&p.stat.Failures, 1)
		return errors.Annotatef(err, "tele dial broker=%s:%d", p.config.Broker, p.config.port())
	}
	p.conn = transport.NewNetConn(newStatConn(raw, &p.stat.BytesReceived, &p.stat.BytesSent))

	connect := packet.NewConnect()
	connect.ClientID = p.config.ClientID
	connect.KeepAlive = uint16(p.config.KeepaliveSec)
	connect.CleanSession = true
	connect.Username = p.config.Username
	connect.Password = p.config.Password
	connect.Will = &packet.Message{Topic: p.config.topic("status"), Payload: []byte(payloadOffline), Retain: true}
	if err = p.sendLocked(connect); err != nil {
		return err
	}
	pkt, err := p.receiveLocked()
	if err != nil {
		return errors.Annotate(err, "tele expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return p.dropLocked(errors.Errorf("tele expected CONNACK pkt=%s", packetString(pkt)))
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		return p.dropLocked(errors.Annotate(ErrConnRefused, connack.ReturnCode.String()))
	}
	p.backoff.Reset()
	atomic.AddUint32(&p.stat.Connects, 1)
	p.Log.Infof("tele connected broker=%s:%d client=%s", p.config.Broker, p.config.port(), p.config.ClientID)

	online := packet.NewPublish()
	online.Message = packet.Message{Topic: p.config.topic("status"), Payload: []byte(payloadOnline), Retain: true}
	return p.sendLocked(online)
}

func (p *Publisher) sendLocked(pkt packet.Generic) error {
	if err := p.conn.Send(pkt, false); err != nil {
		return p.dropLocked(errors.Annotatef(err, "tele send %s", pkt.Type().String()))
	}
	p.lastSend.SetNow()
	p.Log.Debugf("tele sent %s", packetString(pkt))
	return nil
}

func (p *Publisher) receiveLocked() (packet.Generic, error) {
	p.conn.SetReadTimeout(p.timeout)
	pkt, err := p.conn.Receive()
	if err != nil {
		return nil, p.dropLocked(errors.Annotate(err, "tele receive"))
	}
	p.conn.SetReadTimeout(0)
	p.Log.Debugf("tele received %s", packetString(pkt))
	return pkt, nil
}

// dropLocked closes broken connection, next publish reconnects after backoff.
func (p *Publisher) dropLocked(err error) error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.backoff.Failure()
	atomic.AddUint32(&p.stat.Failures, 1)
	p.Log.Errorf("%v", err)
	return err
}
