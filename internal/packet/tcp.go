package packet

import (
	"sync"
)

// TCP option kinds from RFC 793 and RFC 7323.
const (
	TCPOptionMSS           uint8 = 2
	TCPOptionWindowScale   uint8 = 3
	TCPOptionSACKPermitted uint8 = 4
	TCPOptionTimestamps    uint8 = 8
)

// TCPOption is a single TCP header option.
type TCPOption struct {
	OptionType   uint8
	OptionLength uint8
	OptionData   []byte
}

// TCP is a decoded TCP header. Payload slices into the parsed buffer.
type TCP struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8

	FIN bool
	SYN bool
	RST bool
	PSH bool
	ACK bool
	URG bool
	ECE bool
	CWR bool

	Window   uint16
	Checksum uint16
	Urgent   uint16

	Options []TCPOption
	Payload []byte
}

var tcpPool = &sync.Pool{
	New: func() interface{} {
		return &TCP{}
	},
}

func NewTCP() *TCP {
	return tcpPool.Get().(*TCP)
}

func ReleaseTCP(tcp *TCP) {
	if tcp == nil {
		return
	}
	*tcp = TCP{}
	tcpPool.Put(tcp)
}

// ParseTCP decodes a TCP header from data into tcp.
func ParseTCP(data []byte, tcp *TCP) error {
	if len(data) < 20 {
		return ErrTooShort
	}
	offset := int(data[12]>>4) * 4
	if offset < 20 || offset > len(data) {
		return ErrBadHeaderLen
	}

	tcp.SrcPort = unpackUint16(data[0:2])
	tcp.DstPort = unpackUint16(data[2:4])
	tcp.Seq = unpackUint32(data[4:8])
	tcp.Ack = unpackUint32(data[8:12])
	tcp.DataOffset = uint8(offset / 4)

	flags := data[13]
	tcp.FIN = flags&0x01 != 0
	tcp.SYN = flags&0x02 != 0
	tcp.RST = flags&0x04 != 0
	tcp.PSH = flags&0x08 != 0
	tcp.ACK = flags&0x10 != 0
	tcp.URG = flags&0x20 != 0
	tcp.ECE = flags&0x40 != 0
	tcp.CWR = flags&0x80 != 0

	tcp.Window = unpackUint16(data[14:16])
	tcp.Checksum = unpackUint16(data[16:18])
	tcp.Urgent = unpackUint16(data[18:20])

	tcp.Options = tcp.Options[:0]
	opts := data[20:offset]
	for len(opts) > 0 {
		typ := opts[0]
		switch typ {
		case 0: // end of options
			opts = nil
		case 1: // no-op
			opts = opts[1:]
		default:
			if len(opts) < 2 {
				return ErrBadHeaderLen
			}
			l := int(opts[1])
			if l < 2 || l > len(opts) {
				return ErrBadHeaderLen
			}
			tcp.Options = append(tcp.Options, TCPOption{
				OptionType:   typ,
				OptionLength: uint8(l),
				OptionData:   opts[2:l],
			})
			opts = opts[l:]
		}
	}

	tcp.Payload = data[offset:]
	return nil
}

// Option returns the first option of the given kind, or nil.
func (tcp *TCP) Option(kind uint8) *TCPOption {
	for i := range tcp.Options {
		if tcp.Options[i].OptionType == kind {
			return &tcp.Options[i]
		}
	}
	return nil
}

// WindowScale returns the shift count when the window scale option is
// present and well formed.
func (tcp *TCP) WindowScale() (uint8, bool) {
	opt := tcp.Option(TCPOptionWindowScale)
	if opt == nil || len(opt.OptionData) != 1 {
		return 0, false
	}
	return opt.OptionData[0], true
}

// SACKPermitted reports whether the segment offers selective acknowledgment.
func (tcp *TCP) SACKPermitted() bool {
	return tcp.Option(TCPOptionSACKPermitted) != nil
}

// Timestamps returns the TSval/TSecr pair when the timestamp option is
// present and well formed.
func (tcp *TCP) Timestamps() (tsVal, tsEcr uint32, ok bool) {
	opt := tcp.Option(TCPOptionTimestamps)
	if opt == nil || len(opt.OptionData) != 8 {
		return 0, 0, false
	}
	return unpackUint32(opt.OptionData[0:4]), unpackUint32(opt.OptionData[4:8]), true
}

// HeaderLength returns the serialized header size including options, padded
// to a 4-byte boundary.
func (tcp *TCP) HeaderLength() int {
	l := 20
	for _, opt := range tcp.Options {
		l += int(opt.OptionLength)
	}
	if rem := l % 4; rem != 0 {
		l += 4 - rem
	}
	return l
}

func (tcp *TCP) flagsByte() byte {
	var flags byte
	if tcp.FIN {
		flags |= 0x01
	}
	if tcp.SYN {
		flags |= 0x02
	}
	if tcp.RST {
		flags |= 0x04
	}
	if tcp.PSH {
		flags |= 0x08
	}
	if tcp.ACK {
		flags |= 0x10
	}
	if tcp.URG {
		flags |= 0x20
	}
	if tcp.ECE {
		flags |= 0x40
	}
	if tcp.CWR {
		flags |= 0x80
	}
	return flags
}

// Serialize writes the header into hdr and computes the checksum over
// ckFields, which must span the pseudo header through the end of the payload.
func (tcp *TCP) Serialize(hdr []byte, ckFields []byte) error {
	hl := tcp.HeaderLength()
	if len(hdr) < hl {
		return ErrBufferTooSmall
	}
	packUint16(hdr[0:2], tcp.SrcPort)
	packUint16(hdr[2:4], tcp.DstPort)
	packUint32(hdr[4:8], tcp.Seq)
	packUint32(hdr[8:12], tcp.Ack)
	hdr[12] = uint8(hl/4) << 4
	hdr[13] = tcp.flagsByte()
	packUint16(hdr[14:16], tcp.Window)
	hdr[16] = 0
	hdr[17] = 0
	packUint16(hdr[18:20], tcp.Urgent)

	i := 20
	for _, opt := range tcp.Options {
		hdr[i] = opt.OptionType
		hdr[i+1] = opt.OptionLength
		copy(hdr[i+2:], opt.OptionData)
		i += int(opt.OptionLength)
	}
	for ; i < hl; i++ {
		hdr[i] = 1 // pad with no-op
	}

	tcp.Checksum = Checksum(ckFields)
	packUint16(hdr[16:18], tcp.Checksum)
	return nil
}
