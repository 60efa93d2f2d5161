package packet

import (
	"net"
	"sync"
)

// IPv4 is a decoded IPv4 header. Payload slices into the parsed buffer.
type IPv4 struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	Length     uint16
	Id         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Protocol   IPProtocol
	Checksum   uint16
	SrcIP      net.IP
	DstIP      net.IP
	Options    []byte
	Payload    []byte
}

var ipv4Pool = &sync.Pool{
	New: func() interface{} {
		return &IPv4{}
	},
}

func NewIPv4() *IPv4 {
	return ipv4Pool.Get().(*IPv4)
}

func ReleaseIPv4(ip *IPv4) {
	if ip == nil {
		return
	}
	*ip = IPv4{}
	ipv4Pool.Put(ip)
}

// ParseIPv4 decodes an IPv4 header from data into ip. Payload extends to the
// end of data so fragment reassembly can grow the buffer past the header's
// total-length field.
func ParseIPv4(data []byte, ip *IPv4) error {
	if len(data) < 20 {
		return ErrTooShort
	}
	version := data[0] >> 4
	if version != 4 {
		return ErrBadVersion
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 {
		return ErrBadHeaderLen
	}
	if ihl > len(data) {
		return ErrBadHeaderLen
	}
	length := unpackUint16(data[2:4])
	if int(length) != 0 && int(length) < ihl {
		return ErrBadTotalLen
	}
	if int(length) > len(data) {
		return ErrBadTotalLen
	}
	switch IPProtocol(data[9]) {
	case IPProtocolTCP, IPProtocolUDP, IPProtocolICMP:
	default:
		return ErrBadProtocol
	}

	ip.Version = version
	ip.IHL = uint8(ihl / 4)
	ip.TOS = data[1]
	ip.Length = length
	ip.Id = unpackUint16(data[4:6])
	flagsFrag := unpackUint16(data[6:8])
	ip.Flags = uint8(flagsFrag >> 13)
	ip.FragOffset = flagsFrag & 0x1fff
	ip.TTL = data[8]
	ip.Protocol = IPProtocol(data[9])
	ip.Checksum = unpackUint16(data[10:12])
	ip.SrcIP = net.IP(data[12:16])
	ip.DstIP = net.IP(data[16:20])
	if ihl > 20 {
		ip.Options = data[20:ihl]
	} else {
		ip.Options = nil
	}
	ip.Payload = data[ihl:]
	return nil
}

// HeaderLength returns the serialized header size in bytes.
func (ip *IPv4) HeaderLength() int {
	return 20 + len(ip.Options)
}

// Serialize writes the header into hdr and computes the header checksum.
// dataLen is the length of the payload that will follow the header.
func (ip *IPv4) Serialize(hdr []byte, dataLen int) error {
	hl := ip.HeaderLength()
	if len(hdr) < hl {
		return ErrBufferTooSmall
	}
	hdr[0] = (ip.Version << 4) | uint8(hl/4)
	hdr[1] = ip.TOS
	packUint16(hdr[2:4], uint16(hl+dataLen))
	packUint16(hdr[4:6], ip.Id)
	packUint16(hdr[6:8], uint16(ip.Flags)<<13|ip.FragOffset)
	hdr[8] = ip.TTL
	hdr[9] = uint8(ip.Protocol)
	hdr[10] = 0
	hdr[11] = 0
	copy(hdr[12:16], ip.SrcIP.To4())
	copy(hdr[16:20], ip.DstIP.To4())
	copy(hdr[20:hl], ip.Options)
	ip.Checksum = Checksum(hdr[:hl])
	packUint16(hdr[10:12], ip.Checksum)
	return nil
}

// PseudoHeader writes the TCP/UDP checksum pseudo header into buf.
func (ip *IPv4) PseudoHeader(buf []byte, proto IPProtocol, dataLen int) error {
	if len(buf) < IPv4_PSEUDO_LENGTH {
		return ErrBufferTooSmall
	}
	copy(buf[0:4], ip.SrcIP.To4())
	copy(buf[4:8], ip.DstIP.To4())
	buf[8] = 0
	buf[9] = uint8(proto)
	packUint16(buf[10:12], uint16(dataLen))
	return nil
}
