package tunproxy

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yinghuocho/gosocks"

	"github.com/robin/tunproxy/internal/packet"
	"github.com/robin/tunproxy/rule"
)

// tcpPacket bundles parsed IP/TCP headers with the reusable MTU buffer that
// backs them.
type tcpPacket struct {
	ip     *packet.IPv4
	tcp    *packet.TCP
	mtuBuf []byte
	wire   []byte
}

type tcpState byte

const (
	// simplified server-side tcp states
	CLOSED      tcpState = 0x0
	SYN_RCVD    tcpState = 0x1
	ESTABLISHED tcpState = 0x2
	FIN_WAIT_1  tcpState = 0x3
	FIN_WAIT_2  tcpState = 0x4
	CLOSING     tcpState = 0x5
	LAST_ACK    tcpState = 0x6
	TIME_WAIT   tcpState = 0x7

	MAX_RECV_WINDOW int = 65535
	MAX_SEND_WINDOW int = 65535
)

// tcpConnTrack drives one intercepted TCP connection: it answers the local
// stack's handshake, relays payload to the upstream chosen by the routing
// decision and mirrors the remote close back as FIN/RST.
type tcpConnTrack struct {
	eng   *Engine
	key   natKey
	entry *natEntry
	log   *slog.Logger

	input        chan *tcpPacket
	toTunCh      chan<- interface{}
	fromSocksCh  chan []byte
	toSocksCh    chan *tcpPacket
	socksCloseCh chan bool
	quitBySelf   chan bool
	quitByOther  chan bool

	decision *RoutingDecision
	upstream net.Conn
	// set once the upstream path is ready to carry bytes
	connected atomic.Bool

	// tcp context
	state tcpState
	// sequence I should use to send next segment
	// also as ack I expect in next received segment
	nxtSeq uint32
	// sequence I want in next received segment
	rcvNxtSeq uint32
	// what I have acked
	lastAck uint32

	// flow control
	recvWindow  int32
	sendWindow  int32
	sendWndCond *sync.Cond

	// options negotiated on the SYN
	wndScaleOK   bool
	sendWndScale uint8
	sackOK       bool
	tsEnabled    bool
	tsRecent     uint32
	tsEpoch      time.Time

	localIP    net.IP
	remoteIP   net.IP
	localPort  uint16
	remotePort uint16
}

var tcpPacketPool = &sync.Pool{
	New: func() interface{} {
		return &tcpPacket{}
	},
}

func tcpflagsString(tcp *packet.TCP) string {
	s := []string{}
	if tcp.SYN {
		s = append(s, "SYN")
	}
	if tcp.RST {
		s = append(s, "RST")
	}
	if tcp.FIN {
		s = append(s, "FIN")
	}
	if tcp.ACK {
		s = append(s, "ACK")
	}
	if tcp.PSH {
		s = append(s, "PSH")
	}
	if tcp.URG {
		s = append(s, "URG")
	}
	if tcp.ECE {
		s = append(s, "ECE")
	}
	if tcp.CWR {
		s = append(s, "CWR")
	}
	return strings.Join(s, ",")
}

func tcpstateString(state tcpState) string {
	switch state {
	case CLOSED:
		return "CLOSED"
	case SYN_RCVD:
		return "SYN_RCVD"
	case ESTABLISHED:
		return "ESTABLISHED"
	case FIN_WAIT_1:
		return "FIN_WAIT_1"
	case FIN_WAIT_2:
		return "FIN_WAIT_2"
	case CLOSING:
		return "CLOSING"
	case LAST_ACK:
		return "LAST_ACK"
	case TIME_WAIT:
		return "TIME_WAIT"
	}
	return ""
}

func newTCPPacket() *tcpPacket {
	return tcpPacketPool.Get().(*tcpPacket)
}

func releaseTCPPacket(pkt *tcpPacket) {
	packet.ReleaseIPv4(pkt.ip)
	packet.ReleaseTCP(pkt.tcp)
	if pkt.mtuBuf != nil {
		releaseBuffer(pkt.mtuBuf)
	}
	pkt.mtuBuf = nil
	pkt.wire = nil
	tcpPacketPool.Put(pkt)
}

// copyTCPPacket deep-copies raw so later header edits don't alias the
// caller's buffer.
func copyTCPPacket(raw []byte, ip *packet.IPv4, tcp *packet.TCP) *tcpPacket {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()
	pkt := newTCPPacket()

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
	packet.ParseTCP(iphdr.Payload, tcphdr)
	pkt.ip = iphdr
	pkt.tcp = tcphdr

	return pkt
}

// packTCP serializes headers and payload into a frame ready to hand back to
// the platform: payload sits at the buffer tail, headers grow backwards in
// front of it.
func packTCP(ip *packet.IPv4, tcp *packet.TCP) *tcpPacket {
	pkt := newTCPPacket()
	pkt.ip = ip
	pkt.tcp = tcp

	buf := newBuffer()
	pkt.mtuBuf = buf

	payloadL := len(tcp.Payload)
	payloadStart := MTU - payloadL
	if payloadL != 0 {
		copy(pkt.mtuBuf[payloadStart:], tcp.Payload)
	}
	tcpHL := tcp.HeaderLength()
	tcpStart := payloadStart - tcpHL
	pseudoStart := tcpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(pkt.mtuBuf[pseudoStart:tcpStart], packet.IPProtocolTCP, tcpHL+payloadL)
	tcp.Serialize(pkt.mtuBuf[tcpStart:payloadStart], pkt.mtuBuf[pseudoStart:])
	ipHL := ip.HeaderLength()
	ipStart := tcpStart - ipHL
	ip.Serialize(pkt.mtuBuf[ipStart:tcpStart], tcpHL+payloadL)
	pkt.wire = pkt.mtuBuf[ipStart:]
	return pkt
}

func rst(srcIP net.IP, dstIP net.IP, srcPort uint16, dstPort uint16, seq uint32, ack uint32, payloadLen uint32) *tcpPacket {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.DstIP = srcIP
	iphdr.SrcIP = dstIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.DstPort = srcPort
	tcphdr.SrcPort = dstPort
	tcphdr.Window = uint16(MAX_RECV_WINDOW)
	tcphdr.RST = true
	tcphdr.ACK = true
	tcphdr.Seq = 0

	// RFC 793:
	// "If the incoming segment has an ACK field, the reset takes its sequence
	// number from the ACK field of the segment, otherwise the reset has
	// sequence number zero and the ACK field is set to the sum of the sequence
	// number and segment length of the incoming segment. The connection remains
	// in the CLOSED state."
	tcphdr.Ack = seq + payloadLen
	if tcphdr.Ack == seq {
		tcphdr.Ack += 1
	}
	if ack != 0 {
		tcphdr.Seq = ack
	}
	return packTCP(iphdr, tcphdr)
}

func rstByPacket(pkt *tcpPacket) *tcpPacket {
	return rst(pkt.ip.SrcIP, pkt.ip.DstIP, pkt.tcp.SrcPort, pkt.tcp.DstPort, pkt.tcp.Seq, pkt.tcp.Ack, uint32(len(pkt.tcp.Payload)))
}

func (tt *tcpConnTrack) changeState(nxt tcpState) {
	tt.state = nxt
}

// validAck checks the ACK against what we sent so stray segments don't
// corrupt the state machine.
func (tt *tcpConnTrack) validAck(pkt *tcpPacket) bool {
	return pkt.tcp.Ack == tt.nxtSeq
}

// validSeq only accepts strictly in-order segments.
func (tt *tcpConnTrack) validSeq(pkt *tcpPacket) bool {
	return pkt.tcp.Seq == tt.rcvNxtSeq
}

// relayPayload hands the segment to the upstream writer and shrinks the
// advertised receive window.
func (tt *tcpConnTrack) relayPayload(pkt *tcpPacket) bool {
	payloadLen := uint32(len(pkt.tcp.Payload))
	select {
	case tt.toSocksCh <- pkt:
		tt.rcvNxtSeq += payloadLen

		// reduce window when recved
		wnd := atomic.LoadInt32(&tt.recvWindow)
		wnd -= int32(payloadLen)
		if wnd < 0 {
			wnd = 0
		}
		atomic.StoreInt32(&tt.recvWindow, wnd)

		return true
	case <-tt.socksCloseCh:
		return false
	}
}

func (tt *tcpConnTrack) send(pkt *tcpPacket) {
	if pkt.tcp.ACK {
		tt.lastAck = pkt.tcp.Ack
	}
	tt.toTunCh <- pkt
}

// synAck answers the client's SYN once the upstream dial went through.
func (tt *tcpConnTrack) synAck(syn *tcpPacket) {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.SrcIP = tt.remoteIP
	iphdr.DstIP = tt.localIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.SrcPort = tt.remotePort
	tcphdr.DstPort = tt.localPort
	tcphdr.Window = uint16(atomic.LoadInt32(&tt.recvWindow))
	tcphdr.SYN = true
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq

	// MSS clamped to MTU-40
	tcphdr.Options = []packet.TCPOption{{OptionType: packet.TCPOptionMSS, OptionLength: 4, OptionData: []byte{0x5, 0xb4}}}
	if tt.wndScaleOK {
		// our window fits in 16 bits, so our shift is zero
		tcphdr.Options = append(tcphdr.Options, packet.TCPOption{OptionType: packet.TCPOptionWindowScale, OptionLength: 3, OptionData: []byte{0}})
	}
	if tt.sackOK {
		tcphdr.Options = append(tcphdr.Options, packet.TCPOption{OptionType: packet.TCPOptionSACKPermitted, OptionLength: 2})
	}
	tt.tsOption(tcphdr)

	synAck := packTCP(iphdr, tcphdr)
	tt.send(synAck)
	// SYN counts 1 seq
	tt.nxtSeq += 1
}

// tsClock is the millisecond timestamp clock started with the connection.
func (tt *tcpConnTrack) tsClock() uint32 {
	return uint32(time.Since(tt.tsEpoch) / time.Millisecond)
}

// tsOption appends the timestamp option, echoing the newest value seen from
// the peer. No-op unless the SYN carried timestamps.
func (tt *tcpConnTrack) tsOption(tcphdr *packet.TCP) {
	if !tt.tsEnabled {
		return
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], tt.tsClock())
	binary.BigEndian.PutUint32(data[4:8], tt.tsRecent)
	tcphdr.Options = append(tcphdr.Options, packet.TCPOption{OptionType: packet.TCPOptionTimestamps, OptionLength: 10, OptionData: data})
}

// checkPAWS drops a segment whose timestamp predates the newest one
// accepted (RFC 7323): after sequence wrap, numbers alone cannot tell an
// old duplicate from new data. In-order segments advance tsRecent.
func (tt *tcpConnTrack) checkPAWS(pkt *tcpPacket) bool {
	if !tt.tsEnabled || pkt.tcp.RST {
		return false
	}
	tsVal, _, ok := pkt.tcp.Timestamps()
	if !ok {
		return false
	}
	if int32(tsVal-tt.tsRecent) < 0 {
		return true
	}
	if pkt.tcp.Seq == tt.rcvNxtSeq {
		tt.tsRecent = tsVal
	}
	return false
}

func (tt *tcpConnTrack) finAck() {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.SrcIP = tt.remoteIP
	iphdr.DstIP = tt.localIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.SrcPort = tt.remotePort
	tcphdr.DstPort = tt.localPort
	tcphdr.Window = uint16(atomic.LoadInt32(&tt.recvWindow))
	tcphdr.FIN = true
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq
	tt.tsOption(tcphdr)

	finAck := packTCP(iphdr, tcphdr)
	tt.send(finAck)
	// FIN counts 1 seq
	tt.nxtSeq += 1
}

func (tt *tcpConnTrack) ack() {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.SrcIP = tt.remoteIP
	iphdr.DstIP = tt.localIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.SrcPort = tt.remotePort
	tcphdr.DstPort = tt.localPort
	tcphdr.Window = uint16(atomic.LoadInt32(&tt.recvWindow))
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq
	tt.tsOption(tcphdr)

	ack := packTCP(iphdr, tcphdr)
	tt.send(ack)
}

// payload pushes upstream bytes to the local stack as PSH+ACK.
func (tt *tcpConnTrack) payload(data []byte) {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.SrcIP = tt.remoteIP
	iphdr.DstIP = tt.localIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.SrcPort = tt.remotePort
	tcphdr.DstPort = tt.localPort
	tcphdr.Window = uint16(atomic.LoadInt32(&tt.recvWindow))
	tcphdr.ACK = true
	tcphdr.PSH = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq
	tcphdr.Payload = data
	tt.tsOption(tcphdr)

	pkt := packTCP(iphdr, tcphdr)
	tt.send(pkt)
	// adjust seq
	tt.nxtSeq = tt.nxtSeq + uint32(len(data))
}

// dialUpstream opens the upstream socket the routing decision asked for:
// the SOCKS server for Proxy, the destination itself for Direct.
func (tt *tcpConnTrack) dialUpstream() (net.Conn, error) {
	if tt.decision.Action == rule.Proxy {
		conn, err := tt.eng.dialer.Dial(tt.eng.socksAddr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	addr := net.JoinHostPort(tt.remoteIP.String(), fmt.Sprintf("%d", tt.remotePort))
	return net.DialTimeout("tcp", addr, tt.eng.cfg.HandshakeTimeout)
}

// stateClosed handles the first SYN: dial upstream, then answer SYN-ACK so
// the local handshake completes while the proxy handshake continues in the
// relay goroutine.
func (tt *tcpConnTrack) stateClosed(syn *tcpPacket) (continu bool, release bool) {
	var e error
	for i := 0; i < 2; i++ {
		tt.upstream, e = tt.dialUpstream()
		if e != nil {
			tt.log.Warn("upstream dial failed", "error", e)
		} else {
			tt.upstream.SetDeadline(time.Time{})
			break
		}
	}
	if tt.upstream == nil {
		resp := rstByPacket(syn)
		tt.toTunCh <- resp
		return false, true
	}
	tt.entry.setState(FlowConnecting)

	// context variables
	tt.rcvNxtSeq = syn.tcp.Seq + 1
	tt.nxtSeq = 1

	if shift, ok := syn.tcp.WindowScale(); ok {
		if shift > 14 {
			shift = 14
		}
		tt.wndScaleOK = true
		tt.sendWndScale = shift
	}
	tt.sackOK = syn.tcp.SACKPermitted()
	if tsVal, _, ok := syn.tcp.Timestamps(); ok {
		tt.tsEnabled = true
		tt.tsRecent = tsVal
	}

	tt.synAck(syn)
	tt.changeState(SYN_RCVD)
	return true, true
}

// upstreamRelay bridges the upstream socket and the local stack. For Proxy
// flows it first finishes the SOCKS CONNECT, preferring an observed hostname
// over the raw destination IP so the server can resolve remotely.
func (tt *tcpConnTrack) upstreamRelay(conn net.Conn, readCh chan<- []byte, writeCh <-chan *tcpPacket, closeCh chan bool) {
	if tt.decision.Action == rule.Proxy {
		sc := conn.(*gosocks.SocksConn)
		host := tt.entry.getHostname()
		if host == "" {
			host = tt.remoteIP.String()
		}
		sc.SetDeadline(time.Now().Add(tt.eng.cfg.HandshakeTimeout))
		if err := socksConnect(sc, host, tt.remotePort); err != nil {
			tt.log.Warn("SOCKS CONNECT failed", "host", host, "error", err)
			conn.Close()
			close(closeCh)
			return
		}
		sc.SetDeadline(time.Time{})
	}
	tt.connected.Store(true)
	tt.entry.setState(FlowEstablished)

	// writer
	go func() {
		sniffed := false
	loop:
		for {
			select {
			case <-closeCh:
				break loop
			case pkt := <-writeCh:
				if !sniffed {
					sniffed = true
					if host := sniffHost(pkt.tcp.Payload); host != "" {
						tt.entry.setHostname(host)
						tt.eng.hosts.observe(tt.remoteIP.String(), host)
					}
				}
				n, _ := conn.Write(pkt.tcp.Payload)
				tt.entry.addBytesOut(n)
				tt.eng.stats.BytesSent.Add(int64(n))

				// increase window when processed
				wnd := atomic.LoadInt32(&tt.recvWindow)
				wnd += int32(len(pkt.tcp.Payload))
				if wnd > int32(MAX_RECV_WINDOW) {
					wnd = int32(MAX_RECV_WINDOW)
				}
				atomic.StoreInt32(&tt.recvWindow, wnd)

				releaseTCPPacket(pkt)
			}
		}
	}()

	// reader
	maxSeg := int32(MTU - 40)
	if tt.tsEnabled {
		// the timestamp option plus padding eats 12 header bytes
		maxSeg -= 12
	}
	for {
		var buf [MTU - 40]byte

		var wnd int32
		var cur int32
		wnd = atomic.LoadInt32(&tt.sendWindow)

		if wnd <= 0 {
			for wnd <= 0 {
				tt.sendWndCond.L.Lock()
				tt.sendWndCond.Wait()
				wnd = atomic.LoadInt32(&tt.sendWindow)
			}
			tt.sendWndCond.L.Unlock()
		}

		cur = wnd
		if cur > maxSeg {
			cur = maxSeg
		}

		n, e := conn.Read(buf[:cur])
		if e != nil {
			tt.log.Debug("upstream read done", "error", e)
			conn.Close()
			break
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		readCh <- b
		tt.entry.addBytesIn(n)
		tt.eng.stats.BytesReceived.Add(int64(n))

		nxt := wnd - int32(n)
		if nxt < 0 {
			nxt = 0
		}
		// if sendWindow does not equal to wnd, it is already updated by a
		// received pkt from TUN
		atomic.CompareAndSwapInt32(&tt.sendWindow, wnd, nxt)
	}
	close(closeCh)
}

// stateSynRcvd waits for the handshake ACK and starts the relay.
func (tt *tcpConnTrack) stateSynRcvd(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		if !pkt.tcp.RST {
			resp := rstByPacket(pkt)
			tt.toTunCh <- resp
		}
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}

	continu = true
	release = true
	tt.changeState(ESTABLISHED)
	go tt.upstreamRelay(tt.upstream, tt.fromSocksCh, tt.toSocksCh, tt.socksCloseCh)
	if len(pkt.tcp.Payload) != 0 {
		if tt.relayPayload(pkt) {
			// pkt hands to the upstream writer
			release = false
		}
	}
	return
}

func (tt *tcpConnTrack) stateEstablished(pkt *tcpPacket) (continu bool, release bool) {
	// out-of-order: re-ack and ask for the expected seq
	if !tt.validSeq(pkt) {
		tt.ack()
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}

	continu = true
	release = true
	if len(pkt.tcp.Payload) != 0 {
		if tt.relayPayload(pkt) {
			// pkt hands to the upstream writer
			release = false
		}
	}
	if pkt.tcp.FIN {
		tt.rcvNxtSeq += 1
		tt.finAck()
		tt.changeState(LAST_ACK)
		tt.entry.setState(FlowClosing)
		tt.upstream.Close()
	}
	return
}

func (tt *tcpConnTrack) stateFinWait1(pkt *tcpPacket) (continu bool, release bool) {
	if !tt.validSeq(pkt) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}

	if pkt.tcp.FIN {
		tt.rcvNxtSeq += 1
		tt.ack()
		if pkt.tcp.ACK && tt.validAck(pkt) {
			tt.changeState(TIME_WAIT)
			return false, true
		}
		tt.changeState(CLOSING)
		return true, true
	}
	tt.changeState(FIN_WAIT_2)
	return true, true
}

func (tt *tcpConnTrack) stateFinWait2(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK || !pkt.tcp.FIN {
		return true, true
	}
	tt.rcvNxtSeq += 1
	tt.ack()
	tt.changeState(TIME_WAIT)
	return false, true
}

func (tt *tcpConnTrack) stateClosing(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}
	tt.changeState(TIME_WAIT)
	return false, true
}

func (tt *tcpConnTrack) stateLastAck(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}
	// connection ends
	tt.changeState(CLOSED)
	return false, true
}

// newPacket feeds a segment into the per-connection event loop; dropped if
// the loop already quit.
func (tt *tcpConnTrack) newPacket(pkt *tcpPacket) {
	select {
	case <-tt.quitByOther:
	case <-tt.quitBySelf:
	case tt.input <- pkt:
	}
}

// updateSendWindow tracks the peer's advertised window, applying the
// negotiated shift. The window field in a SYN is never scaled.
func (tt *tcpConnTrack) updateSendWindow(pkt *tcpPacket) {
	wnd := int32(pkt.tcp.Window)
	if tt.wndScaleOK && !pkt.tcp.SYN {
		wnd <<= tt.sendWndScale
	}
	atomic.StoreInt32(&tt.sendWindow, wnd)
	tt.sendWndCond.Signal()
}

// terminate ends the event loop on the track's own initiative.
func (tt *tcpConnTrack) terminate() {
	if tt.upstream != nil {
		tt.upstream.Close()
	}
	close(tt.quitBySelf)
	tt.eng.clearTCPConnTrack(tt.key)
}

// run is the per-connection event loop dispatching on the TCP state machine.
func (tt *tcpConnTrack) run() {
	for {
		var ackTimer *time.Timer
		var timeout *time.Timer = time.NewTimer(5 * time.Minute)

		var ackTimeout <-chan time.Time
		var socksCloseCh chan bool
		var fromSocksCh chan []byte
		// enable some channels only when the state is ESTABLISHED
		if tt.state == ESTABLISHED {
			socksCloseCh = tt.socksCloseCh
			fromSocksCh = tt.fromSocksCh
			ackTimer = time.NewTimer(10 * time.Millisecond)
			ackTimeout = ackTimer.C
		}

		select {
		case pkt := <-tt.input:
			var continu, release bool

			tt.log.Debug("segment",
				"state", tcpstateString(tt.state),
				"flags", tcpflagsString(pkt.tcp),
				"payload", len(pkt.tcp.Payload))
			if tt.checkPAWS(pkt) {
				tt.log.Debug("PAWS reject", "seq", pkt.tcp.Seq)
				tt.ack()
				releaseTCPPacket(pkt)
				break
			}
			tt.updateSendWindow(pkt)
			switch tt.state {
			case CLOSED:
				continu, release = tt.stateClosed(pkt)
			case SYN_RCVD:
				continu, release = tt.stateSynRcvd(pkt)
			case ESTABLISHED:
				continu, release = tt.stateEstablished(pkt)
			case FIN_WAIT_1:
				continu, release = tt.stateFinWait1(pkt)
			case FIN_WAIT_2:
				continu, release = tt.stateFinWait2(pkt)
			case CLOSING:
				continu, release = tt.stateClosing(pkt)
			case LAST_ACK:
				continu, release = tt.stateLastAck(pkt)
			}
			if release {
				releaseTCPPacket(pkt)
			}
			if !continu {
				tt.terminate()
				return
			}

		case <-ackTimeout:
			if tt.lastAck < tt.rcvNxtSeq {
				// have something to ack
				tt.ack()
			}

		case data := <-fromSocksCh:
			tt.payload(data)

		case <-socksCloseCh:
			if !tt.connected.Load() {
				// upstream never came up: reset instead of a graceful close
				pkt := rst(tt.localIP, tt.remoteIP, tt.localPort, tt.remotePort, tt.rcvNxtSeq, tt.nxtSeq, 0)
				tt.send(pkt)
				tt.terminate()
				return
			}
			tt.finAck()
			tt.changeState(FIN_WAIT_1)
			tt.entry.setState(FlowClosing)

		case <-timeout.C:
			tt.terminate()
			return

		case <-tt.quitByOther:
			// who closes this channel should be responsible to clear track map
			tt.log.Debug("tcp track stopped by engine")
			if tt.upstream != nil {
				tt.upstream.Close()
			}
			return
		}
		timeout.Stop()
		if ackTimer != nil {
			ackTimer.Stop()
		}
	}
}

// createTCPConnTrack registers a track for the flow's NAT entry and starts
// its event loop.
func (e *Engine) createTCPConnTrack(key natKey, ip *packet.IPv4, tcp *packet.TCP, entry *natEntry, decision *RoutingDecision) *tcpConnTrack {
	e.tcpTrackLock.Lock()
	defer e.tcpTrackLock.Unlock()

	track := &tcpConnTrack{
		eng:          e,
		key:          key,
		entry:        entry,
		log:          e.log.With("flow", entry.trace, "conn", key.String()),
		toTunCh:      e.writeCh,
		input:        make(chan *tcpPacket, 10000),
		fromSocksCh:  make(chan []byte, 100),
		toSocksCh:    make(chan *tcpPacket, 100),
		socksCloseCh: make(chan bool),
		quitBySelf:   make(chan bool),
		quitByOther:  make(chan bool),

		decision: decision,

		sendWindow:  int32(MAX_SEND_WINDOW),
		recvWindow:  int32(MAX_RECV_WINDOW),
		sendWndCond: &sync.Cond{L: &sync.Mutex{}},
		tsEpoch:     time.Now(),

		localPort:  tcp.SrcPort,
		remotePort: tcp.DstPort,
		state:      CLOSED,
	}
	track.localIP = make(net.IP, len(ip.SrcIP))
	copy(track.localIP, ip.SrcIP)
	track.remoteIP = make(net.IP, len(ip.DstIP))
	copy(track.remoteIP, ip.DstIP)

	e.tcpTrackMap[key] = track
	e.stats.TotalConnections.Add(1)
	e.stats.ActiveConnections.Add(1)
	go track.run()
	e.log.Debug("tracking TCP connections", "count", len(e.tcpTrackMap))
	return track
}

// tcp routes a segment to its track, or classifies and creates one on SYN.
func (e *Engine) tcp(raw []byte, ip *packet.IPv4, tcp *packet.TCP) {
	key := tcpNatKey(ip, tcp)
	track := e.getTCPConnTrack(key)
	if track != nil {
		pkt := copyTCPPacket(raw, ip, tcp)
		track.newPacket(pkt)
		return
	}

	// ignore RST, if there is no track of this connection
	if tcp.RST {
		return
	}
	// return a RST to non-SYN packet
	if !tcp.SYN {
		resp := rst(ip.SrcIP, ip.DstIP, tcp.SrcPort, tcp.DstPort, tcp.Seq, tcp.Ack, uint32(len(tcp.Payload)))
		e.writeCh <- resp
		return
	}

	entry, err := e.nat.create(key)
	if err != nil {
		e.stats.NatTableFull.Add(1)
		e.log.Warn("NAT table full, resetting flow", "conn", key.String())
		resp := rst(ip.SrcIP, ip.DstIP, tcp.SrcPort, tcp.DstPort, tcp.Seq, tcp.Ack, uint32(len(tcp.Payload)))
		e.writeCh <- resp
		return
	}

	domain := e.hosts.lookup(key.dstIP)
	if domain != "" {
		entry.setHostname(domain)
	}
	decision := e.proxy.EvaluateRoute(domain, ip.DstIP, tcp.DstPort)
	entry.setDecision(decision)
	e.log.Debug("classified flow",
		"conn", key.String(), "domain", domain,
		"action", decision.Action.String(), "rule", decision.MatchedRule)

	if decision.Action == rule.Reject {
		entry.setState(FlowClosed)
		resp := rst(ip.SrcIP, ip.DstIP, tcp.SrcPort, tcp.DstPort, tcp.Seq, tcp.Ack, uint32(len(tcp.Payload)))
		e.writeCh <- resp
		return
	}

	pkt := copyTCPPacket(raw, ip, tcp)
	track = e.createTCPConnTrack(key, ip, tcp, entry, decision)
	track.newPacket(pkt)
}
