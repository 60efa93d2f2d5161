package tunproxy

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robin/tunproxy/internal/packet"
	"github.com/robin/tunproxy/rule"
)

// udpPacket bundles parsed IP/UDP headers with the buffer backing them.
type udpPacket struct {
	ip     *packet.IPv4
	udp    *packet.UDP
	mtuBuf []byte
	wire   []byte
}

// udpConnTrack relays one UDP session. Unlike TCP there is no handshake to
// mimic: the session exists from the first datagram until it idles out. The
// SOCKS server only carries stream traffic, so a Proxy decision degrades to
// a direct socket and is counted.
type udpConnTrack struct {
	eng   *Engine
	key   natKey
	entry *natEntry
	log   *slog.Logger

	toTunCh     chan<- interface{}
	quitBySelf  chan bool
	quitByOther chan bool

	fromTunCh      chan *udpPacket
	upstreamClosed chan bool

	decision *RoutingDecision

	localIP    net.IP
	remoteIP   net.IP
	localPort  uint16
	remotePort uint16
}

var udpPacketPool = &sync.Pool{
	New: func() interface{} {
		return &udpPacket{}
	},
}

func newUDPPacket() *udpPacket {
	return udpPacketPool.Get().(*udpPacket)
}

func releaseUDPPacket(pkt *udpPacket) {
	packet.ReleaseIPv4(pkt.ip)
	packet.ReleaseUDP(pkt.udp)
	if pkt.mtuBuf != nil {
		releaseBuffer(pkt.mtuBuf)
	}
	pkt.mtuBuf = nil
	pkt.wire = nil
	udpPacketPool.Put(pkt)
}

func copyUDPPacket(raw []byte, ip *packet.IPv4, udp *packet.UDP) *udpPacket {
	iphdr := packet.NewIPv4()
	udphdr := packet.NewUDP()
	pkt := newUDPPacket()

	// make a deep copy
	var buf []byte
	if len(raw) <= MTU {
		buf = newBuffer()
		pkt.mtuBuf = buf
	} else {
		buf = make([]byte, len(raw))
	}
	n := copy(buf, raw)
	pkt.wire = buf[:n]
	packet.ParseIPv4(pkt.wire, iphdr)
	packet.ParseUDP(iphdr.Payload, udphdr)
	pkt.ip = iphdr
	pkt.udp = udphdr

	return pkt
}

// responsePacket builds the reply datagram for the local stack; when the
// payload exceeds one MTU it also returns the continuation fragments.
func responsePacket(local net.IP, remote net.IP, lPort uint16, rPort uint16, respPayload []byte) (*udpPacket, []*ipPacket) {
	ipid := packet.IPID()

	ip := packet.NewIPv4()
	udp := packet.NewUDP()

	ip.Version = 4
	ip.Id = ipid
	ip.SrcIP = make(net.IP, len(remote))
	copy(ip.SrcIP, remote)
	ip.DstIP = make(net.IP, len(local))
	copy(ip.DstIP, local)
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolUDP

	udp.SrcPort = rPort
	udp.DstPort = lPort
	udp.Payload = respPayload

	pkt := newUDPPacket()
	pkt.ip = ip
	pkt.udp = udp

	pkt.mtuBuf = newBuffer()
	payloadL := len(udp.Payload)
	payloadStart := MTU - payloadL
	// if payload too long, need fragment, only part of payload fits after
	// the headers
	if payloadL > MTU-28 {
		ip.Flags = 1
		payloadStart = 28
	}
	udpHL := 8
	udpStart := payloadStart - udpHL
	pseudoStart := udpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(pkt.mtuBuf[pseudoStart:udpStart], packet.IPProtocolUDP, udpHL+payloadL)
	// udp length and checksum count on full payload
	udp.Serialize(pkt.mtuBuf[udpStart:payloadStart], pkt.mtuBuf[pseudoStart:payloadStart], udp.Payload)
	if payloadL != 0 {
		copy(pkt.mtuBuf[payloadStart:], udp.Payload)
	}
	ipHL := ip.HeaderLength()
	ipStart := udpStart - ipHL
	// ip length and checksum count on actual transmitting payload
	ip.Serialize(pkt.mtuBuf[ipStart:udpStart], udpHL+(MTU-payloadStart))
	pkt.wire = pkt.mtuBuf[ipStart:]

	if ip.Flags == 0 {
		return pkt, nil
	}
	// generate fragments
	frags := genFragments(ip, (MTU-20)/8, respPayload[MTU-28:])
	return pkt, frags
}

// send writes upstream bytes back to the local stack, fragments included.
func (ut *udpConnTrack) send(data []byte) {
	pkt, fragments := responsePacket(ut.localIP, ut.remoteIP, ut.localPort, ut.remotePort, data)
	ut.toTunCh <- pkt
	for _, frag := range fragments {
		ut.toTunCh <- frag
	}
}

// idleTimer returns the per-iteration session timer: short for one-shot DNS
// exchanges, the configured idle timeout otherwise.
func (ut *udpConnTrack) idleTimer() *time.Timer {
	if ut.eng.isDNS(ut.remoteIP.String(), ut.remotePort) {
		return time.NewTimer(10 * time.Second)
	}
	return time.NewTimer(ut.eng.cfg.UDPIdleTimeout)
}

func (ut *udpConnTrack) teardown() {
	close(ut.quitBySelf)
	ut.eng.clearUDPConnTrack(ut.key)
}

// handleResponse accounts one upstream datagram and replays it to the local
// stack. Port-53 answers additionally feed the passive host map; answers
// from a DNS server (see isDNS) also go into the DNS cache when it is
// enabled. Returns true when the session is a one-shot DNS exchange and
// should end here.
func (ut *udpConnTrack) handleResponse(data []byte, start time.Time) bool {
	ut.entry.addBytesIn(len(data))
	ut.eng.stats.BytesReceived.Add(int64(len(data)))
	ut.send(data)

	if ut.remotePort == 53 {
		ut.eng.hosts.observeDNS(data)
	}
	if ut.eng.isDNS(ut.remoteIP.String(), ut.remotePort) {
		// DNS-without-fragment only has one request-response
		if ut.eng.cache != nil {
			ut.eng.cache.store(data)
		}
		ut.log.Debug("DNS session answered", "elapsed", time.Since(start))
		return true
	}
	return false
}

func (ut *udpConnTrack) run() {
	ut.entry.setState(FlowConnecting)
	if ut.decision.Action == rule.Proxy {
		ut.log.Warn("proxying datagrams is unsupported, sending direct", "conn", ut.key.String())
		ut.eng.stats.UDPProxyFallback.Add(1)
	}
	ut.runDirect()
}

// runDirect relays the session over a plain UDP socket to the destination.
func (ut *udpConnTrack) runDirect() {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ut.remoteIP, Port: int(ut.remotePort)})
	if err != nil {
		ut.log.Warn("direct UDP dial failed", "error", err)
		ut.teardown()
		return
	}
	ut.entry.setState(FlowEstablished)

	recvCh := make(chan []byte, 100)
	go func() {
		for {
			var buf [MTU]byte
			n, err := conn.Read(buf[:])
			if err != nil {
				close(ut.upstreamClosed)
				return
			}
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case recvCh <- b:
			case <-ut.quitBySelf:
				return
			case <-ut.quitByOther:
				return
			}
		}
	}()

	start := time.Now()
	for {
		t := ut.idleTimer()
		select {
		case data := <-recvCh:
			if ut.handleResponse(data, start) {
				conn.Close()
				ut.teardown()
				return
			}

		case pkt := <-ut.fromTunCh:
			n, err := conn.Write(pkt.udp.Payload)
			releaseUDPPacket(pkt)
			if err != nil {
				ut.log.Warn("direct write failed", "error", err)
				conn.Close()
				ut.teardown()
				return
			}
			ut.entry.addBytesOut(n)
			ut.eng.stats.BytesSent.Add(int64(n))

		case <-ut.upstreamClosed:
			conn.Close()
			ut.teardown()
			return

		case <-t.C:
			conn.Close()
			ut.teardown()
			return

		case <-ut.quitByOther:
			conn.Close()
			return
		}
		t.Stop()
	}
}

// newPacket feeds a datagram into the session loop; dropped if it quit.
func (ut *udpConnTrack) newPacket(pkt *udpPacket) {
	select {
	case <-ut.quitByOther:
	case <-ut.quitBySelf:
	case ut.fromTunCh <- pkt:
	}
}

// createUDPConnTrack registers a session for the flow's NAT entry and starts
// its loop.
func (e *Engine) createUDPConnTrack(key natKey, ip *packet.IPv4, udp *packet.UDP, entry *natEntry, decision *RoutingDecision) *udpConnTrack {
	e.udpTrackLock.Lock()
	defer e.udpTrackLock.Unlock()

	track := &udpConnTrack{
		eng:            e,
		key:            key,
		entry:          entry,
		log:            e.log.With("flow", entry.trace, "conn", key.String()),
		toTunCh:        e.writeCh,
		fromTunCh:      make(chan *udpPacket, 100),
		upstreamClosed: make(chan bool),
		quitBySelf:     make(chan bool),
		quitByOther:    make(chan bool),

		decision: decision,

		localPort:  udp.SrcPort,
		remotePort: udp.DstPort,
	}
	track.localIP = make(net.IP, len(ip.SrcIP))
	copy(track.localIP, ip.SrcIP)
	track.remoteIP = make(net.IP, len(ip.DstIP))
	copy(track.remoteIP, ip.DstIP)

	e.udpTrackMap[key] = track
	e.stats.TotalConnections.Add(1)
	e.stats.ActiveConnections.Add(1)
	go track.run()
	e.log.Debug("tracking UDP connections", "count", len(e.udpTrackMap))
	return track
}

// udp routes a datagram to its session, answering cached DNS queries
// without a round trip, and classifies new flows.
func (e *Engine) udp(raw []byte, ip *packet.IPv4, udp *packet.UDP) {
	// first look at dns cache
	if e.cache != nil && e.isDNS(ip.DstIP.String(), udp.DstPort) {
		if answer := e.cache.query(udp.Payload); answer != nil {
			var buf [1024]byte
			data, err := answer.PackBuffer(buf[:])
			if err == nil {
				resp, fragments := responsePacket(ip.SrcIP, ip.DstIP, udp.SrcPort, udp.DstPort, data)
				go func(first *udpPacket, frags []*ipPacket) {
					e.writeCh <- first
					for _, frag := range frags {
						e.writeCh <- frag
					}
				}(resp, fragments)
				return
			}
		}
	}

	key := udpNatKey(ip, udp)
	track := e.getUDPConnTrack(key)
	if track == nil {
		entry, err := e.nat.create(key)
		if err != nil {
			e.stats.NatTableFull.Add(1)
			e.log.Warn("NAT table full, dropping datagram", "conn", key.String())
			return
		}

		domain := e.hosts.lookup(key.dstIP)
		if domain != "" {
			entry.setHostname(domain)
		}
		decision := e.proxy.EvaluateRoute(domain, ip.DstIP, udp.DstPort)
		entry.setDecision(decision)
		e.log.Debug("classified flow",
			"conn", key.String(), "domain", domain,
			"action", decision.Action.String(), "rule", decision.MatchedRule)

		if decision.Action == rule.Reject {
			entry.setState(FlowClosed)
			return
		}
		track = e.createUDPConnTrack(key, ip, udp, entry, decision)
	}

	pkt := copyUDPPacket(raw, ip, udp)
	track.newPacket(pkt)
}
