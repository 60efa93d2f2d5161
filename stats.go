package tunproxy

import "sync/atomic"

// Stats holds the engine counters. Conntrack goroutines bump them directly,
// so everything is atomic; ActiveConnections is the only gauge.
type Stats struct {
	BytesSent     atomic.Int64
	BytesReceived atomic.Int64

	ActiveConnections atomic.Int64
	TotalConnections  atomic.Int64

	Direct   atomic.Int64
	Proxied  atomic.Int64
	Rejected atomic.Int64

	InvalidPackets   atomic.Int64
	ICMPDropped      atomic.Int64
	QueueDropped     atomic.Int64
	NatTableFull     atomic.Int64
	UDPProxyFallback atomic.Int64
	RuleWarnings     atomic.Int64
}

// StatsSnapshot is the JSON shape returned over the boundary and the control
// channel.
type StatsSnapshot struct {
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	Direct            int64 `json:"direct"`
	Proxied           int64 `json:"proxied"`
	Rejected          int64 `json:"rejected"`
	InvalidPackets    int64 `json:"invalid_packets"`
	ICMPDropped       int64 `json:"icmp_dropped"`
	QueueDropped      int64 `json:"queue_dropped"`
	NatTableFull      int64 `json:"nat_table_full"`
	UDPProxyFallback  int64 `json:"udp_proxy_fallback"`
	RuleWarnings      int64 `json:"rule_warnings"`

	// ConnectionsByState breaks the flow table down by lifecycle state.
	// Omitted when no flows are tracked.
	ConnectionsByState map[string]int64 `json:"connections_by_state,omitempty"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesSent:         s.BytesSent.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		ActiveConnections: s.ActiveConnections.Load(),
		TotalConnections:  s.TotalConnections.Load(),
		Direct:            s.Direct.Load(),
		Proxied:           s.Proxied.Load(),
		Rejected:          s.Rejected.Load(),
		InvalidPackets:    s.InvalidPackets.Load(),
		ICMPDropped:       s.ICMPDropped.Load(),
		QueueDropped:      s.QueueDropped.Load(),
		NatTableFull:      s.NatTableFull.Load(),
		UDPProxyFallback:  s.UDPProxyFallback.Load(),
		RuleWarnings:      s.RuleWarnings.Load(),
	}
}

func (s *Stats) reset() {
	s.BytesSent.Store(0)
	s.BytesReceived.Store(0)
	s.ActiveConnections.Store(0)
	s.TotalConnections.Store(0)
	s.Direct.Store(0)
	s.Proxied.Store(0)
	s.Rejected.Store(0)
	s.InvalidPackets.Store(0)
	s.ICMPDropped.Store(0)
	s.QueueDropped.Store(0)
	s.NatTableFull.Store(0)
	s.UDPProxyFallback.Store(0)
	s.RuleWarnings.Store(0)
}
