package tunproxy

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yinghuocho/gosocks"

	"github.com/robin/tunproxy/internal/packet"
)

var (
	_, privNet10, _  = net.ParseCIDR("10.0.0.0/8")
	_, privNet172, _ = net.ParseCIDR("172.16.0.0/12")
	_, privNet192, _ = net.ParseCIDR("192.168.0.0/16")
)

func isPrivate(ip net.IP) bool {
	return privNet10.Contains(ip) || privNet172.Contains(ip) || privNet192.Contains(ip)
}

// Engine is the packet-interception core: it takes raw IP datagrams from the
// platform tunnel, tracks TCP/UDP flows through the NAT table, classifies
// each new flow against the rule table, and relays flow bytes either straight
// to the destination or through the configured SOCKS5 server. Synthesized
// response packets come back out through the device TX queue.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	stats *Stats

	device *Device
	nat    *natTable
	proxy  *ProxyManager
	hosts  *hostStore
	cache  *dnsCache
	geo    *GeoIPResolver

	dialer    *gosocks.SocksDialer
	socksAddr string

	// writerStopCh / writeCh form the single write exit; conntrack
	// goroutines never touch the device directly.
	writerStopCh chan bool
	writeCh      chan interface{}

	tcpTrackLock sync.Mutex
	tcpTrackMap  map[natKey]*tcpConnTrack

	udpTrackLock sync.Mutex
	udpTrackMap  map[natKey]*udpConnTrack

	fragLock sync.Mutex
	frags    map[uint16]*fragEntry

	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewEngine validates cfg and starts the writer loop. The engine is idle
// until packets are injected.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	e := &Engine{
		cfg:          cfg,
		log:          cfg.Logger,
		stats:        stats,
		device:       NewDevice(cfg.QueueCapacity),
		nat:          newNatTable(cfg.MaxConnections, cfg.Linger),
		proxy:        newProxyManager(cfg, stats),
		hosts:        newHostStore(),
		dialer:       newSocksDialer(cfg),
		socksAddr:    socksServerAddr(cfg),
		writerStopCh: make(chan bool, 10),
		writeCh:      make(chan interface{}, 10000),
		tcpTrackMap:  make(map[natKey]*tcpConnTrack),
		udpTrackMap:  make(map[natKey]*udpConnTrack),
		frags:        make(map[uint16]*fragEntry),
	}
	if cfg.EnableDNSCache {
		e.cache = newDNSCache()
	}
	if cfg.GeoIPDatabase != "" {
		geo, err := OpenGeoIP(cfg.GeoIPDatabase)
		if err != nil {
			return nil, &InvalidConfigError{Detail: "geoip database: " + err.Error()}
		}
		e.geo = geo
		e.proxy.SetGeoResolver(geo)
	}

	e.wg.Add(1)
	go e.writer()
	return e, nil
}

// writer drains writeCh into the device TX queue, copying out of pooled
// buffers before release.
func (e *Engine) writer() {
	defer e.wg.Done()
	for {
		select {
		case pkt := <-e.writeCh:
			switch p := pkt.(type) {
			case *tcpPacket:
				e.emit(p.wire)
				releaseTCPPacket(p)
			case *udpPacket:
				e.emit(p.wire)
				releaseUDPPacket(p)
			case *ipPacket:
				e.emit(p.wire)
				releaseIPPacket(p)
			case []byte:
				e.emit(p)
			}
		case <-e.writerStopCh:
			e.log.Debug("engine writer stopped")
			return
		}
	}
}

func (e *Engine) emit(wire []byte) {
	out := make([]byte, len(wire))
	copy(out, wire)
	if !e.device.PushTX(out) {
		e.stats.QueueDropped.Add(1)
	}
}

// InjectPacket queues one platform-delivered datagram and processes
// everything pending. Parse failures surface as InvalidPacketError; response
// packets appear in the TX queue as the flows produce them.
func (e *Engine) InjectPacket(data []byte) error {
	if e.stopped.Load() {
		return nil
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	if !e.device.PushRX(dup) {
		e.stats.QueueDropped.Add(1)
		return nil
	}
	return e.dispatchPending()
}

// dispatchPending drains the RX queue through the protocol dispatch. The
// first parse error is kept and returned after the whole batch is consumed.
func (e *Engine) dispatchPending() error {
	var firstErr error
	for _, data := range e.device.PopRXBatch(0) {
		if err := e.dispatch(data); err != nil {
			e.stats.InvalidPackets.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) dispatch(data []byte) error {
	if len(data) == 0 {
		return &InvalidPacketError{Detail: "empty packet"}
	}

	switch data[0] >> 4 {
	case 4:
		return e.dispatchIPv4(data)
	case 6:
		ip6 := packet.NewIPv6()
		defer packet.ReleaseIPv6(ip6)
		if err := packet.ParseIPv6(data, ip6); err != nil {
			return &InvalidPacketError{Detail: err.Error()}
		}
		if !e.cfg.IPv6Enabled {
			return nil
		}
		// parsed and gated; no v6 conntrack yet
		e.log.Debug("dropping IPv6 packet", "dst", ip6.DstIP)
		return nil
	default:
		return &InvalidPacketError{Detail: "unknown IP version"}
	}
}

func (e *Engine) dispatchIPv4(data []byte) error {
	var ip packet.IPv4
	var tcp packet.TCP
	var udp packet.UDP

	if err := packet.ParseIPv4(data, &ip); err != nil {
		return &InvalidPacketError{Detail: err.Error()}
	}

	if ip.Flags&0x1 != 0 || ip.FragOffset != 0 {
		last, full, raw := e.procFragment(&ip, data)
		if !last {
			return nil
		}
		ip = *full
		data = raw
	}

	switch ip.Protocol {
	case packet.IPProtocolTCP:
		if err := packet.ParseTCP(ip.Payload, &tcp); err != nil {
			return &InvalidPacketError{Detail: err.Error()}
		}
		e.tcp(data, &ip, &tcp)

	case packet.IPProtocolUDP:
		if err := packet.ParseUDP(ip.Payload, &udp); err != nil {
			return &InvalidPacketError{Detail: err.Error()}
		}
		e.udp(data, &ip, &udp)

	case packet.IPProtocolICMP:
		e.stats.ICMPDropped.Add(1)

	default:
		return &InvalidPacketError{Detail: "unsupported protocol"}
	}
	return nil
}

// OutboundPackets dequeues up to max packets synthesized for the platform;
// max <= 0 drains the queue.
func (e *Engine) OutboundPackets(max int) [][]byte {
	return e.device.PopTXBatch(max)
}

// Poll advances housekeeping on the external clock: pending RX, NAT linger
// reclaim and stalled fragment reassembly.
func (e *Engine) Poll(now time.Time) {
	if e.stopped.Load() {
		return
	}
	e.dispatchPending()
	e.nat.sweep(now)
	e.sweepFragments(now)
}

// isDNS reports whether a destination is one of the configured DNS servers.
// With no servers configured any port-53 destination counts.
func (e *Engine) isDNS(remoteIP string, remotePort uint16) bool {
	if remotePort != 53 {
		return false
	}
	if len(e.cfg.DNSServers) == 0 {
		return true
	}
	for _, s := range e.cfg.DNSServers {
		if s == remoteIP {
			return true
		}
	}
	return false
}

// Stats returns a point-in-time copy of the counters.
func (e *Engine) Stats() StatsSnapshot {
	snap := e.stats.snapshot()
	snap.ConnectionsByState = e.nat.stateCounts()
	return snap
}

// Proxy exposes the routing control plane.
func (e *Engine) Proxy() *ProxyManager {
	return e.proxy
}

// Shutdown tears the engine down: every live TCP flow gets a final RST into
// the TX queue for the platform to read, flow goroutines are told to quit,
// queues are emptied and the counters reset. Idempotent.
func (e *Engine) Shutdown() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}

	e.tcpTrackLock.Lock()
	tcpTracks := make([]*tcpConnTrack, 0, len(e.tcpTrackMap))
	for _, t := range e.tcpTrackMap {
		tcpTracks = append(tcpTracks, t)
	}
	e.tcpTrackMap = make(map[natKey]*tcpConnTrack)
	e.tcpTrackLock.Unlock()

	e.udpTrackLock.Lock()
	udpTracks := make([]*udpConnTrack, 0, len(e.udpTrackMap))
	for _, t := range e.udpTrackMap {
		udpTracks = append(udpTracks, t)
	}
	e.udpTrackMap = make(map[natKey]*udpConnTrack)
	e.udpTrackLock.Unlock()

	e.device.Flush()
	for _, t := range tcpTracks {
		pkt := rst(t.localIP, t.remoteIP, t.localPort, t.remotePort, t.rcvNxtSeq, t.nxtSeq, 0)
		wire := make([]byte, len(pkt.wire))
		copy(wire, pkt.wire)
		releaseTCPPacket(pkt)
		e.device.PushTX(wire)
		close(t.quitByOther)
	}
	for _, t := range udpTracks {
		close(t.quitByOther)
	}

	e.writerStopCh <- true
	e.wg.Wait()

	for _, entry := range e.nat.clear() {
		entry.setState(FlowClosed)
	}
	e.stats.reset()
	if e.geo != nil {
		e.geo.Close()
		e.geo = nil
	}
	e.log.Debug("engine shut down")
}

func (e *Engine) getTCPConnTrack(key natKey) *tcpConnTrack {
	e.tcpTrackLock.Lock()
	defer e.tcpTrackLock.Unlock()
	return e.tcpTrackMap[key]
}

func (e *Engine) clearTCPConnTrack(key natKey) {
	e.tcpTrackLock.Lock()
	defer e.tcpTrackLock.Unlock()
	if track, ok := e.tcpTrackMap[key]; ok {
		delete(e.tcpTrackMap, key)
		track.entry.setState(FlowClosed)
		e.stats.ActiveConnections.Add(-1)
	}
	e.log.Debug("tracking TCP connections", "count", len(e.tcpTrackMap))
}

func (e *Engine) getUDPConnTrack(key natKey) *udpConnTrack {
	e.udpTrackLock.Lock()
	defer e.udpTrackLock.Unlock()
	return e.udpTrackMap[key]
}

func (e *Engine) clearUDPConnTrack(key natKey) {
	e.udpTrackLock.Lock()
	defer e.udpTrackLock.Unlock()
	if track, ok := e.udpTrackMap[key]; ok {
		delete(e.udpTrackMap, key)
		track.entry.setState(FlowClosed)
		e.stats.ActiveConnections.Add(-1)
	}
	e.log.Debug("tracking UDP connections", "count", len(e.udpTrackMap))
}
