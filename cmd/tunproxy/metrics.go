package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robin/tunproxy"
)

// statsCollector projects the engine's counter snapshot into prometheus
// metrics on every scrape. No caching; GetStats reads the atomic counters
// and tallies the flow table under the boundary lock.
type statsCollector struct {
	bytesSent         *prometheus.Desc
	bytesReceived     *prometheus.Desc
	activeConnections *prometheus.Desc
	totalConnections  *prometheus.Desc
	direct            *prometheus.Desc
	proxied           *prometheus.Desc
	rejected          *prometheus.Desc
	invalidPackets    *prometheus.Desc
	icmpDropped       *prometheus.Desc
	queueDropped      *prometheus.Desc
	natTableFull      *prometheus.Desc
	udpProxyFallback  *prometheus.Desc
	ruleWarnings      *prometheus.Desc
}

func newStatsCollector() *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("tunproxy_"+name, help, nil, nil)
	}
	return &statsCollector{
		bytesSent:         desc("bytes_sent_total", "Payload bytes relayed to upstreams"),
		bytesReceived:     desc("bytes_received_total", "Payload bytes relayed from upstreams"),
		activeConnections: desc("active_connections", "Flows currently tracked"),
		totalConnections:  desc("connections_total", "Flows created since start"),
		direct:            desc("flows_direct_total", "Flows routed DIRECT"),
		proxied:           desc("flows_proxied_total", "Flows routed PROXY"),
		rejected:          desc("flows_rejected_total", "Flows routed REJECT"),
		invalidPackets:    desc("invalid_packets_total", "Datagrams dropped as unparseable"),
		icmpDropped:       desc("icmp_dropped_total", "ICMP datagrams dropped"),
		queueDropped:      desc("queue_dropped_total", "Packets dropped on full queues"),
		natTableFull:      desc("nat_table_full_total", "Flow creations refused by the NAT table"),
		udpProxyFallback:  desc("udp_proxy_fallback_total", "UDP flows that fell back to direct sockets"),
		ruleWarnings:      desc("rule_warnings_total", "Rule lines rejected during load"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.activeConnections
	ch <- c.totalConnections
	ch <- c.direct
	ch <- c.proxied
	ch <- c.rejected
	ch <- c.invalidPackets
	ch <- c.icmpDropped
	ch <- c.queueDropped
	ch <- c.natTableFull
	ch <- c.udpProxyFallback
	ch <- c.ruleWarnings
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap, err := tunproxy.GetStats()
	if err != nil {
		// Engine not up yet; scrape returns an empty family set.
		return
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.bytesSent, snap.BytesSent)
	counter(c.bytesReceived, snap.BytesReceived)
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(snap.ActiveConnections))
	counter(c.totalConnections, snap.TotalConnections)
	counter(c.direct, snap.Direct)
	counter(c.proxied, snap.Proxied)
	counter(c.rejected, snap.Rejected)
	counter(c.invalidPackets, snap.InvalidPackets)
	counter(c.icmpDropped, snap.ICMPDropped)
	counter(c.queueDropped, snap.QueueDropped)
	counter(c.natTableFull, snap.NatTableFull)
	counter(c.udpProxyFallback, snap.UDPProxyFallback)
	counter(c.ruleWarnings, snap.RuleWarnings)
}
