package packet

import (
	"net"
	"sync"
)

// IPv6 is a decoded fixed IPv6 header. Extension headers are not walked;
// NextHeader is reported as found.
type IPv6 struct {
	Version      uint8
	TrafficClass uint8
	FlowLabel    uint32
	Length       uint16
	NextHeader   IPProtocol
	HopLimit     uint8
	SrcIP        net.IP
	DstIP        net.IP
	Payload      []byte
}

var ipv6Pool = &sync.Pool{
	New: func() interface{} {
		return &IPv6{}
	},
}

func NewIPv6() *IPv6 {
	return ipv6Pool.Get().(*IPv6)
}

func ReleaseIPv6(ip *IPv6) {
	if ip == nil {
		return
	}
	*ip = IPv6{}
	ipv6Pool.Put(ip)
}

// ParseIPv6 decodes the fixed 40-byte IPv6 header from data into ip.
func ParseIPv6(data []byte, ip *IPv6) error {
	if len(data) < 40 {
		return ErrTooShort
	}
	version := data[0] >> 4
	if version != 6 {
		return ErrBadVersion
	}
	length := unpackUint16(data[4:6])
	if int(length)+40 > len(data) {
		return ErrBadTotalLen
	}

	ip.Version = version
	ip.TrafficClass = (data[0]&0x0f)<<4 | data[1]>>4
	ip.FlowLabel = uint32(data[1]&0x0f)<<16 | uint32(data[2])<<8 | uint32(data[3])
	ip.Length = length
	ip.NextHeader = IPProtocol(data[6])
	ip.HopLimit = data[7]
	ip.SrcIP = net.IP(data[8:24])
	ip.DstIP = net.IP(data[24:40])
	ip.Payload = data[40:]
	return nil
}
