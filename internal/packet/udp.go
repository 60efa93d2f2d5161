package packet

import (
	"sync"
)

// UDP is a decoded UDP header. Payload slices into the parsed buffer.
type UDP struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  []byte
}

var udpPool = &sync.Pool{
	New: func() interface{} {
		return &UDP{}
	},
}

func NewUDP() *UDP {
	return udpPool.Get().(*UDP)
}

func ReleaseUDP(udp *UDP) {
	if udp == nil {
		return
	}
	*udp = UDP{}
	udpPool.Put(udp)
}

// ParseUDP decodes a UDP header from data into udp.
func ParseUDP(data []byte, udp *UDP) error {
	if len(data) < 8 {
		return ErrTooShort
	}
	udp.SrcPort = unpackUint16(data[0:2])
	udp.DstPort = unpackUint16(data[2:4])
	udp.Length = unpackUint16(data[4:6])
	udp.Checksum = unpackUint16(data[6:8])
	udp.Payload = data[8:]
	return nil
}

// Serialize writes the 8-byte header into hdr. The checksum covers ckFields
// (pseudo header plus header) and payload; payload is passed separately so a
// fragmented datagram can checksum data that is not contiguous in the
// serialize buffer. Length and checksum count the full payload.
func (udp *UDP) Serialize(hdr []byte, ckFields []byte, payload []byte) error {
	if len(hdr) < 8 {
		return ErrBufferTooSmall
	}
	packUint16(hdr[0:2], udp.SrcPort)
	packUint16(hdr[2:4], udp.DstPort)
	udp.Length = uint16(8 + len(payload))
	packUint16(hdr[4:6], udp.Length)
	hdr[6] = 0
	hdr[7] = 0

	sum := checksum(ckFields)
	sum += checksum(payload)
	udp.Checksum = foldChecksum(sum)
	if udp.Checksum == 0 {
		udp.Checksum = 0xffff
	}
	packUint16(hdr[6:8], udp.Checksum)
	return nil
}
