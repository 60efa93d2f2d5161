package tunproxy

import (
	"net"
	"time"

	"github.com/robin/tunproxy/internal/packet"
)

// ipPacket is a serialized IP frame ready to hand back to the platform.
type ipPacket struct {
	ip     *packet.IPv4
	mtuBuf []byte
	wire   []byte
}

type fragEntry struct {
	pkt  *ipPacket
	seen time.Time
}

// fragment state is keyed by IPID and expires on poll
const fragExpiry = 30 * time.Second

// procFragment stitches fragments together; returns true with the full
// datagram once the last fragment arrives.
func (e *Engine) procFragment(ip *packet.IPv4, raw []byte) (bool, *packet.IPv4, []byte) {
	e.fragLock.Lock()
	defer e.fragLock.Unlock()

	exist, ok := e.frags[ip.Id]
	if !ok {
		if ip.Flags&0x1 == 0 {
			return false, nil, nil
		}
		// first
		dup := make([]byte, len(raw))
		copy(dup, raw)
		clone := &packet.IPv4{}
		packet.ParseIPv4(dup, clone)
		e.frags[ip.Id] = &fragEntry{
			pkt:  &ipPacket{ip: clone, wire: dup},
			seen: time.Now(),
		}
		return false, clone, dup
	}

	exist.pkt.wire = append(exist.pkt.wire, ip.Payload...)
	packet.ParseIPv4(exist.pkt.wire, exist.pkt.ip)
	exist.seen = time.Now()

	last := ip.Flags&0x1 == 0
	if last {
		delete(e.frags, ip.Id)
	}
	return last, exist.pkt.ip, exist.pkt.wire
}

// sweepFragments drops half-assembled datagrams that stalled.
func (e *Engine) sweepFragments(now time.Time) {
	e.fragLock.Lock()
	defer e.fragLock.Unlock()
	for id, f := range e.frags {
		if now.Sub(f.seen) > fragExpiry {
			delete(e.frags, id)
		}
	}
}

// genFragments splits data into MTU-sized continuation fragments.
func genFragments(first *packet.IPv4, offset uint16, data []byte) []*ipPacket {
	var ret []*ipPacket
	for {
		frag := packet.NewIPv4()

		frag.Version = 4
		frag.Id = first.Id
		frag.SrcIP = make(net.IP, len(first.SrcIP))
		copy(frag.SrcIP, first.SrcIP)
		frag.DstIP = make(net.IP, len(first.DstIP))
		copy(frag.DstIP, first.DstIP)
		frag.TTL = first.TTL
		frag.Protocol = first.Protocol
		frag.FragOffset = offset
		if len(data) <= MTU-20 {
			frag.Payload = data
		} else {
			frag.Flags = 1
			offset += (MTU - 20) / 8
			frag.Payload = data[:MTU-20]
			data = data[MTU-20:]
		}

		pkt := &ipPacket{ip: frag}
		pkt.mtuBuf = newBuffer()

		payloadL := len(frag.Payload)
		payloadStart := MTU - payloadL
		if payloadL != 0 {
			copy(pkt.mtuBuf[payloadStart:], frag.Payload)
		}
		ipHL := frag.HeaderLength()
		ipStart := payloadStart - ipHL
		frag.Serialize(pkt.mtuBuf[ipStart:payloadStart], payloadL)
		pkt.wire = pkt.mtuBuf[ipStart:]
		ret = append(ret, pkt)

		if frag.Flags == 0 {
			return ret
		}
	}
}

func releaseIPPacket(pkt *ipPacket) {
	packet.ReleaseIPv4(pkt.ip)
	if pkt.mtuBuf != nil {
		releaseBuffer(pkt.mtuBuf)
	}
	pkt.mtuBuf = nil
	pkt.wire = nil
}
