package network

import (
	"fmt"
	"sync/atomic"
)

type Stat struct {
	LinkDown        uint32
	DhcpAcquired    uint32
	DhcpRenewed     uint32
	DhcpRebound     uint32
	DhcpFailures    uint32
	StaticFallbacks uint32
	DnsQueries      uint32
	DnsFailures     uint32
	Errors          uint32
}

func (s *Stat) Snapshot() Stat {
	return Stat{
		LinkDown:        atomic.LoadUint32(&s.LinkDown),
		DhcpAcquired:    atomic.LoadUint32(&s.DhcpAcquired),
		DhcpRenewed:     atomic.LoadUint32(&s.DhcpRenewed),
		DhcpRebound:     atomic.LoadUint32(&s.DhcpRebound),
		DhcpFailures:    atomic.LoadUint32(&s.DhcpFailures),
		StaticFallbacks: atomic.LoadUint32(&s.StaticFallbacks),
		DnsQueries:      atomic.LoadUint32(&s.DnsQueries),
		DnsFailures:     atomic.LoadUint32(&s.DnsFailures),
		Errors:          atomic.LoadUint32(&s.Errors),
	}
}

// CountError fits log2.ErrorFunc.
func (s *Stat) CountError(error) { atomic.AddUint32(&s.Errors, 1) }

func (s Stat) String() string {
	return fmt.Sprintf("link_down=%d dhcp_acquired=%d dhcp_renewed=%d dhcp_rebound=%d dhcp_failures=%d static_fallbacks=%d dns_queries=%d dns_failures=%d errors=%d",
		s.LinkDown, s.DhcpAcquired, s.DhcpRenewed, s.DhcpRebound, s.DhcpFailures, s.StaticFallbacks, s.DnsQueries, s.DnsFailures, s.Errors)
}

func inc(p *uint32) { atomic.AddUint32(p, 1) }
