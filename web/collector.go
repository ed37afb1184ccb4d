package web

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/watertank/tanknode/hardware/w5500"
	"github.com/watertank/tanknode/network"
	"github.com/watertank/tanknode/tele"
)

const namespace = "tanknode"

// Sources are read on every scrape. Nil source is skipped.
type Sources struct {
	Info        func() (network.Info, error)
	NetworkStat func() network.Stat
	DriverStat  func() w5500.Stat
	Tele        *tele.Publisher
}

var (
	descLinkUp = prometheus.NewDesc(namespace+"_link_up",
		"Physical link state, 1 when linked.", nil, nil)
	descLinkSpeed = prometheus.NewDesc(namespace+"_link_speed_mbps",
		"Negotiated link speed.", nil, nil)
	descLeaseSeconds = prometheus.NewDesc(namespace+"_dhcp_lease_seconds",
		"Duration of current DHCP lease, 0 for static or infinite.", nil, nil)
	descDHCP = prometheus.NewDesc(namespace+"_dhcp_events_total",
		"DHCP lease events by kind.", []string{"event"}, nil)
	descDNS = prometheus.NewDesc(namespace+"_dns_queries_total",
		"DNS resolve attempts.", nil, nil)
	descDNSFailures = prometheus.NewDesc(namespace+"_dns_failures_total",
		"DNS resolve attempts without answer.", nil, nil)
	descLinkDown = prometheus.NewDesc(namespace+"_link_down_total",
		"Bring-up attempts that found link down.", nil, nil)
	descErrors = prometheus.NewDesc(namespace+"_errors_total",
		"Errors logged by network components.", nil, nil)
	descSpi = prometheus.NewDesc(namespace+"_w5500_transactions_total",
		"SPI register transactions.", nil, nil)
	descBusErrors = prometheus.NewDesc(namespace+"_w5500_bus_errors_total",
		"Failed SPI transfers.", nil, nil)
	descPollTimeouts = prometheus.NewDesc(namespace+"_w5500_poll_timeouts_total",
		"Bounded register polls that ran out of tries.", nil, nil)
	descSocketBytes = prometheus.NewDesc(namespace+"_w5500_bytes_total",
		"Socket payload bytes by direction.", []string{"dir"}, nil)
	descTele = prometheus.NewDesc(namespace+"_tele_events_total",
		"MQTT publisher events by kind.", []string{"event"}, nil)
	descTeleBytes = prometheus.NewDesc(namespace+"_tele_bytes_total",
		"MQTT connection bytes by direction.", []string{"dir"}, nil)
)

type collector struct{ s Sources }

var _ prometheus.Collector = collector{}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descLinkUp, descLinkSpeed, descLeaseSeconds, descDHCP, descDNS, descDNSFailures, descLinkDown, descErrors,
		descSpi, descBusErrors, descPollTimeouts, descSocketBytes, descTele, descTeleBytes,
	} {
		ch <- d
	}
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint32, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.s.Info != nil {
		if info, err := c.s.Info(); err == nil {
			gauge(descLinkUp, boolFloat(info.Connected))
			gauge(descLinkSpeed, float64(info.Speed))
			gauge(descLeaseSeconds, float64(info.LeaseSeconds))
		}
	}
	if c.s.NetworkStat != nil {
		s := c.s.NetworkStat()
		counter(descDHCP, s.DhcpAcquired, "acquired")
		counter(descDHCP, s.DhcpRenewed, "renewed")
		counter(descDHCP, s.DhcpRebound, "rebound")
		counter(descDHCP, s.DhcpFailures, "failure")
		counter(descDHCP, s.StaticFallbacks, "static_fallback")
		counter(descDNS, s.DnsQueries)
		counter(descDNSFailures, s.DnsFailures)
		counter(descLinkDown, s.LinkDown)
		counter(descErrors, s.Errors)
	}
	if c.s.DriverStat != nil {
		s := c.s.DriverStat()
		counter(descSpi, s.Transactions)
		counter(descBusErrors, s.BusErrors)
		counter(descPollTimeouts, s.PollTimeouts)
		counter(descSocketBytes, s.BytesSent, "sent")
		counter(descSocketBytes, s.BytesReceived, "received")
	}
	if c.s.Tele != nil {
		s := c.s.Tele.Stat()
		counter(descTele, atomic.LoadUint32(&s.Connects), "connect")
		counter(descTele, atomic.LoadUint32(&s.Publishes), "publish")
		counter(descTele, atomic.LoadUint32(&s.Failures), "failure")
		ch <- prometheus.MustNewConstMetric(descTeleBytes, prometheus.CounterValue, float64(s.BytesSent.Value()), "sent")
		ch <- prometheus.MustNewConstMetric(descTeleBytes, prometheus.CounterValue, float64(s.BytesReceived.Value()), "received")
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
